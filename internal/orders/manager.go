package orders

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/hedgebot/internal/account"
	"github.com/web3guy0/hedgebot/internal/book"
	"github.com/web3guy0/hedgebot/internal/incident"
	"github.com/web3guy0/hedgebot/internal/risk"
	"github.com/web3guy0/hedgebot/internal/storage"
	"github.com/web3guy0/hedgebot/internal/telemetry"
	"github.com/web3guy0/hedgebot/internal/venue"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ORDER MANAGER - Placement, cancels, double-limit linkage
// ═══════════════════════════════════════════════════════════════════════════════
//
// Controller → Risk → Manager → Venue Adapter
//                        ↓
//                   Order FSM + persistence
//
// The manager owns every FSM instance and the venue-order-id index the
// reconciler uses to route fills back to client ids. Cross-order work
// (double-limit sibling cancel) never holds two FSM locks at once, so lock
// ordering is trivially safe.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	placeTimeout  = 5 * time.Second
	cancelTimeout = 5 * time.Second
)

// ErrRiskDenied wraps a risk gate denial.
var ErrRiskDenied = errors.New("risk denied")

// Store is the slice of the persistence gateway the manager needs.
type Store interface {
	TransitionStore
	UpsertOrder(ctx context.Context, o *storage.Order) error
	CreateDoubleLimit(ctx context.Context, dl *storage.DoubleLimit) error
	UpdateDoubleLimit(ctx context.Context, dl *storage.DoubleLimit) error
}

// Config holds manager knobs.
type Config struct {
	DryRun             bool
	PlaceRetries       int // K attempts per network op
	DoubleLimitEnabled bool
}

// PlaceSpec describes one order to place.
type PlaceSpec struct {
	PairID            string
	Venue             string
	MarketID          string
	Side              book.Side
	Type              venue.OrderType
	Price             decimal.Decimal // zero for MARKET
	Size              decimal.Decimal
	Role              string
	ParentFillID      string
	PredictedSlippage decimal.Decimal
}

// Manager issues placements and cancels and reacts to fills.
type Manager struct {
	cfg       Config
	adapters  map[string]venue.Adapter
	accounts  *account.Pool
	gate      *risk.Gate
	store     Store
	metrics   *telemetry.Metrics
	incidents incident.Recorder

	mu      sync.Mutex
	fsms    map[string]*FSM          // client id -> FSM
	byVenue map[string]string        // venue + "|" + venue order id -> client id
	doubles map[string]*doubleState  // client id (either leg) -> shared state
}

// NewManager wires the order manager.
func NewManager(cfg Config, adapters map[string]venue.Adapter, accounts *account.Pool,
	gate *risk.Gate, store Store, metrics *telemetry.Metrics, rec incident.Recorder) *Manager {
	if cfg.PlaceRetries < 1 {
		cfg.PlaceRetries = 3
	}
	return &Manager{
		cfg:       cfg,
		adapters:  adapters,
		accounts:  accounts,
		gate:      gate,
		store:     store,
		metrics:   metrics,
		incidents: rec,
		fsms:      make(map[string]*FSM),
		byVenue:   make(map[string]string),
		doubles:   make(map[string]*doubleState),
	}
}

// ─── Placement ─────────────────────────────────────────────────────────────────

// Place assigns a client id, persists the NEW row, gates through risk and
// submits to the venue. Returns the client id even on rejection so callers
// can audit the attempt.
func (m *Manager) Place(ctx context.Context, spec PlaceSpec) (string, error) {
	fsm, acct, err := m.prepare(ctx, spec)
	if err != nil {
		return "", err
	}
	return fsm.Order().ClientOrderID, m.submit(ctx, fsm, acct, spec)
}

// prepare generates the id, persists the NEW row and registers the FSM.
func (m *Manager) prepare(ctx context.Context, spec PlaceSpec) (*FSM, *account.Account, error) {
	acct, err := m.accounts.For(spec.PairID, spec.Venue)
	if err != nil {
		return nil, nil, err
	}

	row := storage.Order{
		ClientOrderID: NewClientOrderID(spec.PairID, spec.Role),
		Venue:         spec.Venue,
		AccountID:     acct.ID,
		MarketID:      spec.MarketID,
		PairID:        spec.PairID,
		Side:          string(spec.Side),
		Type:          string(spec.Type),
		RequestedSize: spec.Size,
		FilledSize:    decimal.Zero,
		Status:        string(StatusNew),
		Role:          spec.Role,
		ParentFillID:  spec.ParentFillID,
		Synthetic:     m.cfg.DryRun,
	}
	if spec.Type != venue.TypeMarket {
		row.Price = decimal.NewNullDecimal(spec.Price)
	}

	// Persist before any network call: crash-before-ack is recoverable.
	if err := m.store.UpsertOrder(ctx, &row); err != nil {
		return nil, nil, fmt.Errorf("persist new order: %w", err)
	}

	fsm := NewFSM(row, m.store, m.incidents)
	m.mu.Lock()
	m.fsms[row.ClientOrderID] = fsm
	m.mu.Unlock()
	return fsm, acct, nil
}

// submit runs risk gating and the adapter call for a prepared order.
func (m *Manager) submit(ctx context.Context, fsm *FSM, acct *account.Account, spec PlaceSpec) error {
	clientID := fsm.Order().ClientOrderID

	verdict := m.gate.Evaluate(acct.StateFor(spec.PairID), risk.Proposal{
		PairID:            spec.PairID,
		Side:              spec.Side,
		Price:             spec.Price,
		Size:              spec.Size,
		PredictedSlippage: spec.PredictedSlippage,
	})
	if !verdict.Allowed {
		if _, err := fsm.Apply(ctx, PlaceRejected{Reason: verdict.Reason}); err != nil {
			return err
		}
		m.metrics.OrdersRejected.WithLabelValues(spec.Venue, verdict.Reason).Inc()
		return fmt.Errorf("%w: %s", ErrRiskDenied, verdict.Reason)
	}

	if _, err := fsm.Apply(ctx, PlaceSubmitted{}); err != nil {
		return err
	}

	// Dry-run short-circuits the adapter with a deterministic synthetic ack.
	if m.cfg.DryRun {
		return m.ack(ctx, fsm, acct, spec, "DRY-"+clientID)
	}

	adapter, ok := m.adapters[spec.Venue]
	if !ok {
		_, _ = fsm.Apply(ctx, PlaceRejected{Reason: "no adapter for venue"})
		return fmt.Errorf("no adapter for venue %s", spec.Venue)
	}

	var venueOrderID string
	var lastErr error
	for attempt := 0; attempt < m.cfg.PlaceRetries; attempt++ {
		if err := acct.Wait(ctx); err != nil {
			lastErr = err
			break
		}

		callCtx, cancel := context.WithTimeout(ctx, placeTimeout)
		venueOrderID, lastErr = adapter.Place(callCtx, venue.OrderSpec{
			ClientOrderID: clientID,
			AccountID:     acct.ID,
			MarketID:      spec.MarketID,
			Side:          spec.Side,
			Type:          spec.Type,
			Price:         spec.Price,
			Size:          spec.Size,
		})
		cancel()

		if lastErr == nil {
			return m.ack(ctx, fsm, acct, spec, venueOrderID)
		}
		if !retryable(lastErr) {
			break
		}
		log.Warn().
			Err(lastErr).
			Int("attempt", attempt+1).
			Str("client_id", clientID).
			Msg("⚠️ Place failed, retrying")
		if attempt < m.cfg.PlaceRetries-1 {
			if err := sleepBackoff(ctx, attempt); err != nil {
				lastErr = err
				break
			}
		}
	}

	if _, err := fsm.Apply(ctx, PlaceRejected{Reason: lastErr.Error()}); err != nil {
		return err
	}
	m.metrics.OrdersRejected.WithLabelValues(spec.Venue, "venue_error").Inc()
	return fmt.Errorf("place %s: %w", clientID, lastErr)
}

func (m *Manager) ack(ctx context.Context, fsm *FSM, acct *account.Account, spec PlaceSpec, venueOrderID string) error {
	row, err := fsm.Apply(ctx, PlaceAcked{VenueOrderID: venueOrderID})
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.byVenue[venueKey(spec.Venue, venueOrderID)] = row.ClientOrderID
	m.mu.Unlock()

	notional := spec.Price.Mul(spec.Size)
	acct.AddExposure(notional)
	acct.OrderOpened(spec.PairID)
	m.metrics.OrdersPlaced.WithLabelValues(spec.Venue, spec.Role).Inc()

	log.Info().
		Str("client_id", row.ClientOrderID).
		Str("venue", spec.Venue).
		Str("side", string(spec.Side)).
		Str("role", spec.Role).
		Str("price", spec.Price.String()).
		Str("size", spec.Size.String()).
		Bool("synthetic", row.Synthetic).
		Msg("📤 Order live")
	return nil
}

// retryable reports whether an adapter error is transient. Anything the
// venue definitively answered (rejection, non-idempotent failure) halts.
func retryable(err error) bool {
	if errors.Is(err, venue.ErrRejected) {
		return false
	}
	if errors.Is(err, venue.ErrTransient) {
		return true
	}
	// Deadline/timeouts without a definitive venue answer are transient.
	return errors.Is(err, context.DeadlineExceeded)
}

// ─── Cancel ────────────────────────────────────────────────────────────────────

// Cancel requests cancellation. A terminal order is a no-op.
func (m *Manager) Cancel(ctx context.Context, clientOrderID string) error {
	fsm, ok := m.fsm(clientOrderID)
	if !ok {
		return fmt.Errorf("unknown order %s", clientOrderID)
	}
	if fsm.Status().Terminal() {
		return nil
	}

	row, err := fsm.Apply(ctx, CancelRequested{})
	if err != nil {
		return err
	}

	if m.cfg.DryRun || row.Synthetic {
		return m.finishCancel(ctx, fsm)
	}

	adapter, ok := m.adapters[row.Venue]
	if !ok {
		return fmt.Errorf("no adapter for venue %s", row.Venue)
	}
	acct, _ := m.accounts.Get(row.AccountID)

	var lastErr error
	for attempt := 0; attempt < m.cfg.PlaceRetries; attempt++ {
		if acct != nil {
			if err := acct.Wait(ctx); err != nil {
				lastErr = err
				break
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, cancelTimeout)
		lastErr = adapter.Cancel(callCtx, row.AccountID, row.VenueOrderID)
		cancel()

		if lastErr == nil {
			return m.finishCancel(ctx, fsm)
		}
		if errors.Is(lastErr, venue.ErrRejected) {
			// Definitive: order no longer cancellable (racing fill, unknown).
			if _, err := fsm.Apply(ctx, CancelRejected{Reason: lastErr.Error()}); err != nil {
				return err
			}
			return fmt.Errorf("cancel %s rejected: %w", clientOrderID, lastErr)
		}
		if !retryable(lastErr) {
			break
		}
		if attempt < m.cfg.PlaceRetries-1 {
			if err := sleepBackoff(ctx, attempt); err != nil {
				lastErr = err
				break
			}
		}
	}

	if _, err := fsm.Apply(ctx, ErrorObserved{Reason: "cancel failed: " + lastErr.Error()}); err != nil {
		return err
	}
	m.release(fsm.Order())
	return fmt.Errorf("cancel %s: %w", clientOrderID, lastErr)
}

func (m *Manager) finishCancel(ctx context.Context, fsm *FSM) error {
	after, err := fsm.Apply(ctx, CancelAcked{})
	if err != nil {
		return err
	}
	if Status(after.Status) == StatusCancelled {
		m.release(after)
		m.metrics.OrdersCancelled.WithLabelValues(after.Venue).Inc()
		log.Info().Str("client_id", after.ClientOrderID).Msg("🗑️ Order cancelled")
	}
	return nil
}

// release returns account budget when an order leaves the book.
func (m *Manager) release(row storage.Order) {
	acct, ok := m.accounts.Get(row.AccountID)
	if !ok {
		return
	}
	if row.Price.Valid {
		acct.AddExposure(row.Price.Decimal.Mul(row.RequestedSize).Neg())
	}
	acct.OrderClosed(row.PairID)
}

// ─── Fill routing ──────────────────────────────────────────────────────────────

// OnFill routes one canonical fill into its FSM. Returns the updated order
// and whether a hedge should follow (true for entry legs). For double-limit
// legs the sibling cancel is issued BEFORE this returns, so the caller's
// hedge placement always happens after the sibling is dealt with.
func (m *Manager) OnFill(ctx context.Context, f storage.Fill) (storage.Order, bool, error) {
	clientID := f.ClientOrderID
	if clientID == "" {
		var ok bool
		clientID, ok = m.Resolve(f.Venue, f.VenueOrderID)
		if !ok {
			return storage.Order{}, false, fmt.Errorf("fill for unknown order %s/%s", f.Venue, f.VenueOrderID)
		}
	}
	fsm, ok := m.fsm(clientID)
	if !ok {
		return storage.Order{}, false, fmt.Errorf("no FSM for %s", clientID)
	}

	wasTerminal := fsm.Status().Terminal()
	row, err := fsm.Apply(ctx, FillReceived{Size: f.Size, Price: f.Price})
	if err != nil {
		return row, false, err
	}
	if !wasTerminal && Status(row.Status).Terminal() {
		m.release(row)
	}

	log.Info().
		Str("client_id", clientID).
		Str("venue", f.Venue).
		Str("size", f.Size.String()).
		Str("price", f.Price.String()).
		Str("status", row.Status).
		Msg("💧 Fill applied")

	// Double-limit: cancel the sibling before any hedge goes out.
	if row.Role == storage.RoleDoubleA || row.Role == storage.RoleDoubleB {
		m.onDoubleLegFill(ctx, row)
	}

	return row, row.Role != storage.RoleHedge, nil
}

// ─── Lookup ────────────────────────────────────────────────────────────────────

func venueKey(v, venueOrderID string) string { return v + "|" + venueOrderID }

func (m *Manager) fsm(clientID string) (*FSM, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.fsms[clientID]
	return f, ok
}

// Resolve maps a venue order id back to its client id.
func (m *Manager) Resolve(v, venueOrderID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byVenue[venueKey(v, venueOrderID)]
	return id, ok
}

// Order returns a copy of one order's current row.
func (m *Manager) Order(clientID string) (storage.Order, bool) {
	fsm, ok := m.fsm(clientID)
	if !ok {
		return storage.Order{}, false
	}
	return fsm.Order(), true
}

// LiveOrder finds a non-terminal order with the given role on a pair.
func (m *Manager) LiveOrder(pairID, role string) (storage.Order, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range m.fsms {
		row := f.Order()
		if row.PairID == pairID && row.Role == role && !Status(row.Status).Terminal() {
			return row, true
		}
	}
	return storage.Order{}, false
}

// OpenOrders counts non-terminal, non-synthetic orders (optionally per pair).
func (m *Manager) OpenOrders(pairID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, f := range m.fsms {
		row := f.Order()
		if row.Synthetic {
			continue
		}
		if pairID != "" && row.PairID != pairID {
			continue
		}
		if !Status(row.Status).Terminal() {
			n++
		}
	}
	return n
}

// InflightOnShutdown records SHUTDOWN_INFLIGHT incidents for every order
// still working when the supervisor stops.
func (m *Manager) InflightOnShutdown(ctx context.Context) int {
	m.mu.Lock()
	fsms := make([]*FSM, 0, len(m.fsms))
	for _, f := range m.fsms {
		fsms = append(fsms, f)
	}
	m.mu.Unlock()

	n := 0
	for _, f := range fsms {
		row := f.Order()
		if Status(row.Status).Terminal() {
			continue
		}
		n++
		m.incidents.Record(ctx, incident.SevWarn, incident.CodeShutdownInflight,
			fmt.Sprintf("order %s still %s at shutdown", row.ClientOrderID, row.Status),
			map[string]any{"client_order_id": row.ClientOrderID, "venue": row.Venue, "status": row.Status})
	}
	return n
}

// Restore re-registers a recovered order under its FSM (crash recovery).
func (m *Manager) Restore(row storage.Order) {
	fsm := NewFSM(row, m.store, m.incidents)
	m.mu.Lock()
	m.fsms[row.ClientOrderID] = fsm
	if row.VenueOrderID != "" {
		m.byVenue[venueKey(row.Venue, row.VenueOrderID)] = row.ClientOrderID
	}
	m.mu.Unlock()
}

// LiveVenueOrders lists venue order ids currently working on one venue,
// for the reconciler's staleness watchdog.
func (m *Manager) LiveVenueOrders(venueName string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, f := range m.fsms {
		row := f.Order()
		if row.Venue != venueName || row.VenueOrderID == "" || row.Synthetic {
			continue
		}
		switch Status(row.Status) {
		case StatusLive, StatusPartial, StatusCancelling:
			out = append(out, row.VenueOrderID)
		}
	}
	return out
}
