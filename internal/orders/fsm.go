package orders

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/hedgebot/internal/incident"
	"github.com/web3guy0/hedgebot/internal/storage"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ORDER FSM - Authoritative per-order lifecycle
// ═══════════════════════════════════════════════════════════════════════════════
//
//   NEW → PENDING_PLACE → LIVE → PARTIAL → FILLED
//                           │       │
//                           └───────┴→ CANCELLING → CANCELLED
//   plus REJECTED / EXPIRED / ERRORED
//
// Every transition is persisted (order_events row + order row, one
// transaction) BEFORE the in-memory state changes, so replaying the event
// log reconstructs current state after a crash.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Status is the FSM state, stored as a bounded string.
type Status string

const (
	StatusNew          Status = "NEW"
	StatusPendingPlace Status = "PENDING_PLACE"
	StatusLive         Status = "LIVE"
	StatusPartial      Status = "PARTIAL"
	StatusFilled       Status = "FILLED"
	StatusCancelling   Status = "CANCELLING"
	StatusCancelled    Status = "CANCELLED"
	StatusRejected     Status = "REJECTED"
	StatusExpired      Status = "EXPIRED"
	StatusErrored      Status = "ERRORED"
)

// Terminal reports whether a status absorbs all further events.
func (s Status) Terminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusRejected, StatusExpired, StatusErrored:
		return true
	}
	return false
}

// ValidStatus validates a persisted status string against the enumeration.
func ValidStatus(s string) bool {
	switch Status(s) {
	case StatusNew, StatusPendingPlace, StatusLive, StatusPartial, StatusFilled,
		StatusCancelling, StatusCancelled, StatusRejected, StatusExpired, StatusErrored:
		return true
	}
	return false
}

// Event drives a transition. Stage() is the persisted transition name.
type Event interface {
	Stage() string
}

type PlaceSubmitted struct{}
type PlaceAcked struct{ VenueOrderID string }
type PlaceRejected struct{ Reason string }
type FillReceived struct {
	Size  decimal.Decimal
	Price decimal.Decimal
}
type CancelRequested struct{}
type CancelAcked struct{}
type CancelRejected struct{ Reason string }
type TimeoutElapsed struct{}
type ErrorObserved struct{ Reason string }

func (PlaceSubmitted) Stage() string  { return "PlaceSubmitted" }
func (PlaceAcked) Stage() string      { return "PlaceAcked" }
func (PlaceRejected) Stage() string   { return "PlaceRejected" }
func (FillReceived) Stage() string    { return "FillReceived" }
func (CancelRequested) Stage() string { return "CancelRequested" }
func (CancelAcked) Stage() string     { return "CancelAcked" }
func (CancelRejected) Stage() string  { return "CancelRejected" }
func (TimeoutElapsed) Stage() string  { return "TimeoutElapsed" }
func (ErrorObserved) Stage() string   { return "ErrorObserved" }

// ErrIllegalTransition is returned when an event is not legal in the
// current state. The state is left untouched.
var ErrIllegalTransition = fmt.Errorf("illegal order transition")

// errDiscard marks events that are silently dropped (e.g. a late cancel
// ack on an order that fill-completed first).
var errDiscard = fmt.Errorf("event discarded")

// TransitionStore persists FSM transitions.
type TransitionStore interface {
	SaveOrderTransition(ctx context.Context, o *storage.Order, ev *storage.OrderEvent) error
}

// FSM owns one order. All access is serialized by its mutex.
type FSM struct {
	mu        sync.Mutex
	order     storage.Order
	store     TransitionStore
	incidents incident.Recorder
}

// NewFSM wraps a freshly persisted NEW order row.
func NewFSM(row storage.Order, store TransitionStore, rec incident.Recorder) *FSM {
	return &FSM{order: row, store: store, incidents: rec}
}

// Order returns a copy of the current row.
func (f *FSM) Order() storage.Order {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.order
}

// Status returns the current status.
func (f *FSM) Status() Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return Status(f.order.Status)
}

// Apply runs one event through the machine. On success the updated row copy
// is returned. Illegal events record an incident and return
// ErrIllegalTransition without mutating state; discarded events return the
// unchanged row with no error.
func (f *FSM) Apply(ctx context.Context, ev Event) (storage.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	next, err := f.next(ev)
	if err == errDiscard {
		return f.order, nil
	}
	if err != nil {
		f.incidents.Record(ctx, incident.SevError, incident.CodeIllegalTransition,
			fmt.Sprintf("order %s: %s in state %s", f.order.ClientOrderID, ev.Stage(), f.order.Status),
			map[string]any{"client_order_id": f.order.ClientOrderID, "stage": ev.Stage(), "status": f.order.Status})
		return f.order, fmt.Errorf("%w: %s in %s", ErrIllegalTransition, ev.Stage(), f.order.Status)
	}

	row := &storage.OrderEvent{
		ClientOrderID: f.order.ClientOrderID,
		Stage:         ev.Stage(),
		FromStatus:    f.order.Status,
		ToStatus:      string(nextStatus(next)),
	}
	if fe, ok := ev.(FillReceived); ok {
		row.FillSize = fe.Size
	}
	if detail := eventDetail(ev); detail != "" {
		row.Detail = detail
	}

	// Persist first, then commit to memory.
	if err := f.store.SaveOrderTransition(ctx, &next, row); err != nil {
		return f.order, fmt.Errorf("persist transition %s: %w", ev.Stage(), err)
	}
	f.order = next
	return f.order, nil
}

func nextStatus(o storage.Order) Status { return Status(o.Status) }

func eventDetail(ev Event) string {
	switch e := ev.(type) {
	case PlaceAcked:
		return fmt.Sprintf(`{"venue_order_id":%q}`, e.VenueOrderID)
	case PlaceRejected:
		return fmt.Sprintf(`{"reason":%q}`, e.Reason)
	case CancelRejected:
		return fmt.Sprintf(`{"reason":%q}`, e.Reason)
	case ErrorObserved:
		return fmt.Sprintf(`{"reason":%q}`, e.Reason)
	}
	return ""
}

// next computes the successor row for an event, or an error.
func (f *FSM) next(ev Event) (storage.Order, error) {
	o := f.order // copy
	cur := Status(o.Status)

	if cur.Terminal() {
		// Late cancel ack after a fill completed the order is expected noise.
		if _, ok := ev.(CancelAcked); ok && cur == StatusFilled {
			return o, errDiscard
		}
		return o, ErrIllegalTransition
	}

	switch e := ev.(type) {
	case PlaceSubmitted:
		if cur != StatusNew {
			return o, ErrIllegalTransition
		}
		o.Status = string(StatusPendingPlace)

	case PlaceAcked:
		if cur != StatusNew && cur != StatusPendingPlace {
			return o, ErrIllegalTransition
		}
		o.VenueOrderID = e.VenueOrderID
		o.Status = string(StatusLive)

	case PlaceRejected:
		if cur != StatusNew && cur != StatusPendingPlace {
			return o, ErrIllegalTransition
		}
		o.Status = string(StatusRejected)

	case FillReceived:
		if cur != StatusLive && cur != StatusPartial && cur != StatusCancelling {
			return o, ErrIllegalTransition
		}
		if !e.Size.IsPositive() {
			return o, ErrIllegalTransition
		}
		newFilled := o.FilledSize.Add(e.Size)
		if newFilled.GreaterThan(o.RequestedSize) {
			return o, ErrIllegalTransition
		}
		// Volume-weighted average fill price
		if e.Price.IsPositive() {
			prev := o.AvgFillPrice.Mul(o.FilledSize)
			o.AvgFillPrice = prev.Add(e.Price.Mul(e.Size)).Div(newFilled)
		}
		o.FilledSize = newFilled
		if newFilled.Equal(o.RequestedSize) {
			o.Status = string(StatusFilled) // bypasses CANCELLING
		} else if cur == StatusLive {
			o.Status = string(StatusPartial)
		}

	case CancelRequested:
		if cur != StatusPendingPlace && cur != StatusLive && cur != StatusPartial {
			return o, ErrIllegalTransition
		}
		o.Status = string(StatusCancelling)

	case CancelAcked:
		if cur != StatusCancelling {
			return o, ErrIllegalTransition
		}
		o.Status = string(StatusCancelled)

	case CancelRejected:
		if cur != StatusCancelling {
			return o, ErrIllegalTransition
		}
		// Order is still working; fall back to the fill-derived state.
		if o.FilledSize.IsPositive() {
			o.Status = string(StatusPartial)
		} else {
			o.Status = string(StatusLive)
		}

	case TimeoutElapsed:
		if cur != StatusLive && cur != StatusPartial {
			return o, ErrIllegalTransition
		}
		o.Status = string(StatusExpired)

	case ErrorObserved:
		o.Status = string(StatusErrored)

	default:
		return o, ErrIllegalTransition
	}

	return o, nil
}

// Replay folds a persisted event log into the status it produces. Used by
// crash recovery to verify the order row against its log.
func Replay(events []storage.OrderEvent) Status {
	cur := StatusNew
	for _, ev := range events {
		if !ValidStatus(ev.ToStatus) {
			continue
		}
		if cur.Terminal() {
			break
		}
		cur = Status(ev.ToStatus)
	}
	return cur
}
