package venue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/hedgebot/internal/book"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SYNTHETIC ADAPTER - Deterministic in-memory venue for dry-run and tests
// ═══════════════════════════════════════════════════════════════════════════════
//
// Calls complete instantly with no network. Placements are acked with a
// derived venue order id so the same input always yields the same ack. Fills
// never occur on their own; tests inject them explicitly via InjectFill.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Synthetic is an in-memory Adapter.
type Synthetic struct {
	mu    sync.RWMutex
	name  string
	caps  Capabilities
	books map[string]*book.Snapshot // marketID -> snapshot
	open  map[string]*OpenOrder     // venueOrderID -> order
	subs  map[string][]func(FillEvent)

	// Fault injection for tests: fail the next N calls with err.
	placeFailN  int
	placeErr    error
	cancelFailN int
	cancelErr   error
}

// NewSynthetic creates a synthetic venue.
func NewSynthetic(name string, caps Capabilities) *Synthetic {
	if caps.LotStep.IsZero() {
		caps.LotStep = decimal.New(1, -2)
	}
	return &Synthetic{
		name:  name,
		caps:  caps,
		books: make(map[string]*book.Snapshot),
		open:  make(map[string]*OpenOrder),
		subs:  make(map[string][]func(FillEvent)),
	}
}

func (s *Synthetic) Name() string               { return s.name }
func (s *Synthetic) Capabilities() Capabilities { return s.caps }

// SetBook installs the snapshot returned by FetchBook for a market.
func (s *Synthetic) SetBook(snap *book.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.books[snap.MarketID] = snap
}

// FailPlaces makes the next n Place calls return err.
func (s *Synthetic) FailPlaces(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.placeFailN, s.placeErr = n, err
}

// FailCancels makes the next n Cancel calls return err.
func (s *Synthetic) FailCancels(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelFailN, s.cancelErr = n, err
}

// Place acks deterministically: venue order id is derived from the client id.
func (s *Synthetic) Place(_ context.Context, spec OrderSpec) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.placeFailN > 0 {
		s.placeFailN--
		return "", s.placeErr
	}

	id := "SYN-" + spec.ClientOrderID
	s.open[id] = &OpenOrder{
		VenueOrderID: id,
		MarketID:     spec.MarketID,
		Side:         spec.Side,
		Price:        spec.Price,
		Size:         spec.Size,
		FilledSize:   decimal.Zero,
		Status:       "open",
		UpdatedAt:    time.Now(),
	}

	log.Debug().
		Str("venue", s.name).
		Str("client_id", spec.ClientOrderID).
		Str("venue_order_id", id).
		Msg("🧪 Synthetic place ack")

	return id, nil
}

// Cancel removes the order from the open set.
func (s *Synthetic) Cancel(_ context.Context, _, venueOrderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancelFailN > 0 {
		s.cancelFailN--
		return s.cancelErr
	}
	o, ok := s.open[venueOrderID]
	if !ok {
		return fmt.Errorf("%w: unknown order %s", ErrRejected, venueOrderID)
	}
	o.Status = "cancelled"
	o.UpdatedAt = time.Now()
	return nil
}

// FetchBook returns the installed snapshot for the market.
func (s *Synthetic) FetchBook(_ context.Context, marketID string) (*book.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.books[marketID]
	if !ok {
		return nil, fmt.Errorf("%w: no book for %s", ErrTransient, marketID)
	}
	return snap, nil
}

// FetchOpenOrders lists every order the synthetic venue has seen.
func (s *Synthetic) FetchOpenOrders(_ context.Context, _ string) ([]OpenOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]OpenOrder, 0, len(s.open))
	for _, o := range s.open {
		out = append(out, *o)
	}
	return out, nil
}

// SubscribeFills registers a push callback until ctx ends.
func (s *Synthetic) SubscribeFills(ctx context.Context, accountID string, fn func(FillEvent)) error {
	if !s.caps.SupportsWebsocket {
		return ErrNoWebsocket
	}

	s.mu.Lock()
	s.subs[accountID] = append(s.subs[accountID], fn)
	s.mu.Unlock()

	<-ctx.Done()
	return ctx.Err()
}

// InjectFill marks fill progress on an open order and pushes the event to
// subscribers. Test/simulation entry point.
func (s *Synthetic) InjectFill(ev FillEvent) {
	s.mu.Lock()
	if o, ok := s.open[ev.VenueOrderID]; ok {
		o.FilledSize = o.FilledSize.Add(ev.Size)
		o.UpdatedAt = ev.Ts
		if o.FilledSize.GreaterThanOrEqual(o.Size) {
			o.Status = "filled"
		}
	}
	var fns []func(FillEvent)
	for _, sub := range s.subs {
		fns = append(fns, sub...)
	}
	s.mu.Unlock()

	ev.Venue = s.name
	for _, fn := range fns {
		fn(ev)
	}
}
