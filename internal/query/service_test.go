package query_test

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"

	"RiskGate/internal/query"
)

var eventColumns = []string{"event_id", "venue", "sequence", "event_type", "trader", "payload", "timestamp"}

func TestVenueEvents(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	trader := uuid.New()
	ts := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT MAX\(sequence\) FROM event_log\.events`).
		WithArgs("amm-alpha").
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(int64(7)))

	mock.ExpectQuery(`SELECT event_id, venue, sequence, event_type, trader, payload, timestamp`).
		WithArgs("amm-alpha", int64(5), 100).
		WillReturnRows(sqlmock.NewRows(eventColumns).
			AddRow(uuid.NewString(), "amm-alpha", int64(6), "BorrowAuthorized", trader.String(), []byte(`{}`), ts).
			AddRow(uuid.NewString(), "amm-alpha", int64(7), "FeeUpdated", nil, []byte(`{"new_fee_bps":1000}`), ts))

	svc := query.NewService(db)
	page, err := svc.VenueEvents(context.Background(), "amm-alpha", 5, 0)
	if err != nil {
		t.Fatalf("venue events: %v", err)
	}

	if page.AsOfSequence != 7 {
		t.Errorf("as_of_sequence: got %d, want 7", page.AsOfSequence)
	}
	if len(page.Events) != 2 {
		t.Fatalf("events: got %d, want 2", len(page.Events))
	}
	if page.Events[0].Sequence != 6 || page.Events[1].Sequence != 7 {
		t.Errorf("ordering: %d, %d", page.Events[0].Sequence, page.Events[1].Sequence)
	}
	if page.Events[0].Trader == nil || *page.Events[0].Trader != trader {
		t.Errorf("trader: %v", page.Events[0].Trader)
	}
	if page.Events[1].Trader != nil {
		t.Errorf("system event must have no trader: %v", page.Events[1].Trader)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}

func TestVenueEvents_EmptyLog(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery(`SELECT MAX\(sequence\)`).
		WithArgs("amm-alpha").
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(nil))
	mock.ExpectQuery(`SELECT event_id`).
		WithArgs("amm-alpha", int64(0), 100).
		WillReturnRows(sqlmock.NewRows(eventColumns))

	svc := query.NewService(db)
	page, err := svc.VenueEvents(context.Background(), "amm-alpha", 0, 0)
	if err != nil {
		t.Fatalf("venue events: %v", err)
	}
	if page.AsOfSequence != 0 || len(page.Events) != 0 {
		t.Errorf("empty log: %+v", page)
	}
	if page.Events == nil {
		t.Error("events must serialize as [], not null")
	}
}

func TestVenueWatermarks(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery(`SELECT venue, MAX\(sequence\) FROM event_log\.events GROUP BY venue`).
		WillReturnRows(sqlmock.NewRows([]string{"venue", "max"}).
			AddRow("amm-alpha", int64(42)).
			AddRow("amm-beta", int64(3)).
			AddRow("", int64(9)))

	svc := query.NewService(db)
	marks, err := svc.VenueWatermarks(context.Background())
	if err != nil {
		t.Fatalf("venue watermarks: %v", err)
	}

	want := map[string]int64{"amm-alpha": 42, "amm-beta": 3, "": 9}
	if len(marks) != len(want) {
		t.Fatalf("watermarks: got %d entries, want %d", len(marks), len(want))
	}
	for venue, seq := range want {
		if marks[venue] != seq {
			t.Errorf("venue %q: got %d, want %d", venue, marks[venue], seq)
		}
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}

func TestVenueWatermarks_EmptyLog(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery(`SELECT venue, MAX\(sequence\)`).
		WillReturnRows(sqlmock.NewRows([]string{"venue", "max"}))

	svc := query.NewService(db)
	marks, err := svc.VenueWatermarks(context.Background())
	if err != nil {
		t.Fatalf("venue watermarks: %v", err)
	}
	if len(marks) != 0 {
		t.Errorf("fresh log: got %d entries, want 0", len(marks))
	}
}

func TestTraderEvents_ClampsLimit(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	trader := uuid.New()
	mock.ExpectQuery(`WHERE trader = \$1`).
		WithArgs(trader, 100). // 50000 clamps to the default page size
		WillReturnRows(sqlmock.NewRows(eventColumns))

	svc := query.NewService(db)
	if _, err := svc.TraderEvents(context.Background(), trader, 50_000); err != nil {
		t.Fatalf("trader events: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}
