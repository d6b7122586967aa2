package query

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// Service provides read-only access to the durable event log. Responses
// include as_of_sequence so consumers can reason about freshness relative
// to the venue's event stream.
type Service struct {
	db *sql.DB
}

func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}

// VenueEvents returns events for a venue with sequence > afterSeq, oldest
// first, capped at limit.
func (s *Service) VenueEvents(
	ctx context.Context,
	venue string,
	afterSeq int64,
	limit int,
) (*EventPage, error) {
	if limit <= 0 || limit > maxPageSize {
		limit = defaultPageSize
	}

	asOfSeq, err := s.watermark(ctx, venue)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, venue, sequence, event_type, trader, payload, timestamp
		FROM event_log.events
		WHERE venue = $1 AND sequence > $2
		ORDER BY sequence
		LIMIT $3
	`, venue, afterSeq, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanPage(rows, asOfSeq)
}

// TraderEvents returns the most recent events attributed to a trader,
// newest first, capped at limit.
func (s *Service) TraderEvents(
	ctx context.Context,
	trader uuid.UUID,
	limit int,
) (*EventPage, error) {
	if limit <= 0 || limit > maxPageSize {
		limit = defaultPageSize
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, venue, sequence, event_type, trader, payload, timestamp
		FROM event_log.events
		WHERE trader = $1
		ORDER BY timestamp DESC
		LIMIT $2
	`, trader, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanPage(rows, 0)
}

// VenueWatermarks returns the highest committed sequence for every venue in
// the log. The event bus seeds its counters from this at startup so sequences
// keep climbing across restarts.
func (s *Service) VenueWatermarks(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT venue, MAX(sequence) FROM event_log.events GROUP BY venue
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	marks := make(map[string]int64)
	for rows.Next() {
		var (
			venue string
			seq   int64
		)
		if err := rows.Scan(&venue, &seq); err != nil {
			return nil, err
		}
		marks[venue] = seq
	}
	return marks, rows.Err()
}

// watermark returns the highest committed sequence for a venue, 0 when no
// events have been written yet.
func (s *Service) watermark(ctx context.Context, venue string) (int64, error) {
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM event_log.events WHERE venue = $1
	`, venue).Scan(&seq)
	if err != nil {
		return 0, err
	}
	return seq.Int64, nil
}

func scanPage(rows *sql.Rows, asOfSeq int64) (*EventPage, error) {
	page := &EventPage{
		Events:       []EventRecord{},
		AsOfSequence: asOfSeq,
	}
	for rows.Next() {
		var (
			rec    EventRecord
			trader sql.NullString
		)
		if err := rows.Scan(&rec.EventID, &rec.Venue, &rec.Sequence,
			&rec.EventType, &trader, &rec.Payload, &rec.Timestamp); err != nil {
			return nil, err
		}
		if trader.Valid {
			parsed, err := uuid.Parse(trader.String)
			if err == nil {
				rec.Trader = &parsed
			}
		}
		page.Events = append(page.Events, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return page, nil
}
