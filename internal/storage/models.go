package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// MODELS - Persisted entities
// ═══════════════════════════════════════════════════════════════════════════════

// Order roles.
const (
	RolePrimary = "PRIMARY"
	RoleHedge   = "HEDGE"
	RoleDoubleA = "DOUBLE_A"
	RoleDoubleB = "DOUBLE_B"
)

// Order is one order's authoritative persisted row. Status mirrors the FSM;
// it is validated against the FSM enumeration on read.
type Order struct {
	ClientOrderID string `gorm:"primaryKey"`
	VenueOrderID  string `gorm:"index"`
	Venue         string `gorm:"index"`
	AccountID     string
	MarketID      string `gorm:"index"`
	PairID        string `gorm:"index"`
	Side          string
	Type          string
	Price         decimal.NullDecimal `gorm:"type:decimal(20,8)"`
	RequestedSize decimal.Decimal     `gorm:"type:decimal(20,8)"`
	FilledSize    decimal.Decimal     `gorm:"type:decimal(20,8)"`
	AvgFillPrice  decimal.Decimal     `gorm:"type:decimal(20,8)"`
	Status        string              `gorm:"index"`
	Role          string              `gorm:"index"`
	ParentFillID  string
	Synthetic     bool // dry-run placements
	RawPayload    string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// OrderEvent is the append-only transition log. Written before the
// in-memory FSM state changes, so replay reconstructs current state.
type OrderEvent struct {
	ID            uint   `gorm:"primaryKey;autoIncrement"`
	ClientOrderID string `gorm:"index"`
	Stage         string // transition name, e.g. "PlaceAcked"
	FromStatus    string
	ToStatus      string
	FillSize      decimal.Decimal `gorm:"type:decimal(20,8)"`
	Detail        string
	CreatedAt     time.Time
}

// Fill is one canonical fill as emitted by the reconciler.
type Fill struct {
	ID            uint   `gorm:"primaryKey;autoIncrement"`
	Venue         string `gorm:"index:idx_fill_key,unique"`
	VenueOrderID  string `gorm:"index:idx_fill_key,unique"`
	FillID        string `gorm:"index:idx_fill_key,unique"` // "delta-N" when synthesized
	ClientOrderID string `gorm:"index"`
	Side          string
	Price         decimal.Decimal `gorm:"type:decimal(20,8)"`
	Size          decimal.Decimal `gorm:"type:decimal(20,8)"`
	Source        string          // "websocket" | "poll"
	Ts            time.Time
	CreatedAt     time.Time
}

// Trade links an entry leg with one hedge leg. It is written when the hedge
// leg reaches a terminal state with a non-zero fill; the entry leg's state is
// not checked, so the entry order may still be working.
type Trade struct {
	ID           uint   `gorm:"primaryKey;autoIncrement"`
	PairID       string `gorm:"index"`
	EntryOrderID string `gorm:"index"`
	HedgeOrderID string `gorm:"index"`
	EntryVenue   string
	HedgeVenue   string
	Size         decimal.Decimal `gorm:"type:decimal(20,8)"`
	EntryPrice   decimal.Decimal `gorm:"type:decimal(20,8)"`
	HedgePrice   decimal.Decimal `gorm:"type:decimal(20,8)"`
	FeesEstimate decimal.Decimal `gorm:"type:decimal(20,8)"`
	EstimatedPnL decimal.Decimal `gorm:"type:decimal(20,8)"`
	CreatedAt    time.Time
}

// Double-limit states.
const (
	DoubleLimitArmed      = "ARMED"
	DoubleLimitTriggered  = "TRIGGERED"
	DoubleLimitCancelling = "CANCELLING"
	DoubleLimitResolved   = "RESOLVED"
	DoubleLimitFailed     = "FAILED"
)

// DoubleLimit tracks a coupled pair of opposing limit orders. The unique
// indexes on the order refs forbid reusing a leg in a second record.
type DoubleLimit struct {
	ID               uint   `gorm:"primaryKey;autoIncrement"`
	PairKey          string `gorm:"index"`
	OrderARef        string `gorm:"uniqueIndex"`
	OrderBRef        string `gorm:"uniqueIndex"`
	VenueA           string
	VenueB           string
	State            string `gorm:"index"`
	TriggeredOrderID string
	CancelledOrderID string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Incident is an append-only operational event.
type Incident struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	Severity  string `gorm:"index"`
	Code      string `gorm:"index"`
	Message   string
	Details   string
	CreatedAt time.Time
}

// SimulatedRun is a persisted /simulate plan. Never placed.
type SimulatedRun struct {
	ID          uint   `gorm:"primaryKey;autoIncrement"`
	PairID      string `gorm:"index"`
	Size        decimal.Decimal `gorm:"type:decimal(20,8)"`
	PlanJSON    string
	ExpectedPnL decimal.Decimal `gorm:"type:decimal(20,8)"`
	Notes       string
	CreatedAt   time.Time
}

// FillWatermark is the largest cumulative filled size already emitted as
// canonical fills for one venue order.
type FillWatermark struct {
	Venue        string          `gorm:"primaryKey"`
	VenueOrderID string          `gorm:"primaryKey"`
	Cumulative   decimal.Decimal `gorm:"type:decimal(20,8)"`
	UpdatedAt    time.Time
}

// SchemaMigration records an applied migration version.
type SchemaMigration struct {
	Version   string `gorm:"primaryKey"`
	AppliedAt time.Time
}
