package ledger

import (
	"github.com/google/uuid"

	"RiskGate/internal/risk"
)

// Position is one leveraged position tracked by the ledger. The arena keeps a
// record per position ID; deactivation zeroes the record rather than deleting
// it, so a stale ID resolves to an inactive sentinel instead of a missing key.
type Position struct {
	ID               string    `json:"id"`
	Trader           uuid.UUID `json:"trader"`
	Venue            string    `json:"venue"`
	CollateralAsset  string    `json:"collateral_asset"`
	BorrowAsset      string    `json:"borrow_asset"`
	CollateralAmount int64     `json:"collateral_amount"`
	BorrowedAmount   int64     `json:"borrowed_amount"`
	LeverageRatio    int64     `json:"leverage_ratio"`
	IsLong           bool      `json:"is_long"`
	OpenedAtUnix     int64     `json:"opened_at_unix"`
	// FundingSettledAtUnix anchors funding accrual: set when the position
	// opens, consumed by the final settlement at close.
	FundingSettledAtUnix int64 `json:"funding_settled_at_unix"`
	Active               bool  `json:"active"`
}

// RegisterPosition records a freshly opened position and indexes it under the
// trader's collateral entry.
func (l *Ledger) RegisterPosition(caller uuid.UUID, p Position) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.authorizedCallers[caller] {
		return risk.New(risk.KindUnauthorizedCaller, "caller is not an authorized controller")
	}
	if p.ID == "" {
		return risk.New(risk.KindPositionNotFound, "not found")
	}
	// A deactivated sentinel may be overwritten: the controller re-registers a
	// claimed position when a later step of its close fails.
	if existing, exists := l.positions[p.ID]; exists && existing.Active {
		return risk.New(risk.KindPositionNotFound, "position id already registered")
	}

	p.Active = true
	stored := p
	l.positions[p.ID] = &stored

	e := l.entry(p.Trader, p.CollateralAsset)
	e.Positions = append(e.Positions, p.ID)
	return nil
}

// DeactivatePosition destroys a position record: fields zeroed, active flag
// cleared, ID unlinked from the trader's list. The zeroed sentinel stays in
// the arena.
func (l *Ledger) DeactivatePosition(caller uuid.UUID, id string) (Position, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.authorizedCallers[caller] {
		return Position{}, risk.New(risk.KindUnauthorizedCaller, "caller is not an authorized controller")
	}
	p, ok := l.positions[id]
	if !ok || !p.Active {
		return Position{}, risk.New(risk.KindPositionNotFound, "not found")
	}

	closed := *p

	e := l.entry(p.Trader, p.CollateralAsset)
	for i, pid := range e.Positions {
		if pid == id {
			e.Positions = append(e.Positions[:i], e.Positions[i+1:]...)
			break
		}
	}

	*p = Position{ID: id}
	return closed, nil
}

// Position returns a copy of an active position.
func (l *Ledger) Position(id string) (Position, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.positions[id]
	if !ok || !p.Active {
		return Position{}, risk.New(risk.KindPositionNotFound, "not found")
	}
	return *p, nil
}

// TraderPositions returns copies of a trader's active positions across all
// assets and venues.
func (l *Ledger) TraderPositions(trader uuid.UUID) []Position {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []Position
	for _, p := range l.positions {
		if p.Active && p.Trader == trader {
			out = append(out, *p)
		}
	}
	return out
}
