package venue

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/hedgebot/internal/book"
)

// ═══════════════════════════════════════════════════════════════════════════════
// VENUE ADAPTER - Capability surface every exchange client implements
// ═══════════════════════════════════════════════════════════════════════════════
//
// Concrete REST/WS clients live outside this repo. The engine only talks to
// this interface; the synthetic adapter below is the in-repo implementation
// used for dry-run mode and tests.
//
// ═══════════════════════════════════════════════════════════════════════════════

// OrderType distinguishes resting limits from immediate execution.
type OrderType string

const (
	TypeLimit  OrderType = "LIMIT"
	TypeMarket OrderType = "MARKET"
	TypeIOC    OrderType = "IOC"
)

// OrderSpec is everything an adapter needs to place one order.
type OrderSpec struct {
	ClientOrderID string
	AccountID     string
	MarketID      string
	Side          book.Side
	Type          OrderType
	Price         decimal.Decimal // ignored for MARKET
	Size          decimal.Decimal
}

// FillEvent is a raw fill notification pushed by a venue stream.
type FillEvent struct {
	Venue        string
	VenueOrderID string
	FillID       string // empty when the venue does not assign fill ids
	Seq          uint64 // 0 when the venue does not sequence events
	Side         book.Side
	Price        decimal.Decimal
	Size         decimal.Decimal
	Ts           time.Time
}

// OpenOrder is one row of a venue's open/recent order listing, used by the
// poller to diff cumulative fills.
type OpenOrder struct {
	VenueOrderID string
	MarketID     string
	Side         book.Side
	Price        decimal.Decimal
	Size         decimal.Decimal
	FilledSize   decimal.Decimal
	Status       string
	UpdatedAt    time.Time
}

// Capabilities flags per-venue behavior the engine must adapt to.
type Capabilities struct {
	ProvidesFillID    bool // fills carry a venue-assigned id (dedup by id)
	SupportsWebsocket bool // push fills available; otherwise poll-only
	LotStep           decimal.Decimal
}

// ErrTransient marks adapter failures worth retrying (timeouts, 5xx, resets).
// Anything not wrapped in it, other than context.DeadlineExceeded, halts the
// retry loop.
var ErrTransient = errors.New("transient venue error")

// ErrRejected marks a definitive venue rejection. Never retried.
var ErrRejected = errors.New("venue rejected order")

// Adapter is the capability set of one venue.
type Adapter interface {
	Name() string
	Capabilities() Capabilities

	Place(ctx context.Context, spec OrderSpec) (venueOrderID string, err error)
	Cancel(ctx context.Context, accountID, venueOrderID string) error
	FetchBook(ctx context.Context, marketID string) (*book.Snapshot, error)
	FetchOpenOrders(ctx context.Context, accountID string) ([]OpenOrder, error)

	// SubscribeFills streams fills for an account until ctx is cancelled.
	// Poll-only venues return ErrNoWebsocket.
	SubscribeFills(ctx context.Context, accountID string, fn func(FillEvent)) error
}

// ErrNoWebsocket is returned by SubscribeFills on poll-only venues.
var ErrNoWebsocket = errors.New("venue has no websocket fill stream")
