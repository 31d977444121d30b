package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/hedgebot/internal/incident"
	"github.com/web3guy0/hedgebot/internal/storage"
	"github.com/web3guy0/hedgebot/internal/telemetry"
	"github.com/web3guy0/hedgebot/internal/venue"
)

// ═══════════════════════════════════════════════════════════════════════════════
// RECONCILER - One canonical fill stream out of two unreliable ones
// ═══════════════════════════════════════════════════════════════════════════════
//
// Sources per venue:
//   push - websocket fill events (may replay, may arrive out of order)
//   pull - polled open-order listings, diffed against the last cumulative
//
// Canonical key: (venue, order, fill_id) when the venue assigns fill ids,
// else synthesized delta indexes over the cumulative-filled watermark.
// Within one order, emission is serialized and strictly watermark-monotonic:
// a fill that would decrease filled size or exceed requested size is never
// emitted.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Sources, stamped on every canonical fill row.
const (
	SourceWebsocket = "websocket"
	SourcePoll      = "poll"
)

// OrderIndex resolves venue order ids to client ids (the order manager).
type OrderIndex interface {
	Resolve(venueName, venueOrderID string) (clientID string, ok bool)
}

// Store persists canonical fills and watermarks.
type Store interface {
	SaveFill(ctx context.Context, f *storage.Fill) error
	SaveWatermark(ctx context.Context, w *storage.FillWatermark) error
}

// Emit delivers one canonical fill downstream (manager, then hedger).
type Emit func(ctx context.Context, f storage.Fill)

// track is the per-order reconciliation state.
type track struct {
	mu         sync.Mutex
	cumulative decimal.Decimal // watermark: size already emitted
	requested  decimal.Decimal // known requested size (zero = unknown)
	deltaIndex int             // next synthesized fill index
	lastSeq    uint64          // highest push sequence applied
	pending    map[uint64]venue.FillEvent
	lastSignal time.Time // last time either source spoke for this order
}

// Config tunes one reconciler instance.
type Config struct {
	Venue          string
	ProvidesFillID bool
	LRUSize        int // >= 10x expected open orders
	StaleThreshold time.Duration
}

// Reconciler merges and dedupes fill streams for one venue.
type Reconciler struct {
	cfg       Config
	seen      *keyLRU
	store     Store
	index     OrderIndex
	metrics   *telemetry.Metrics
	incidents incident.Recorder
	emit      Emit

	mu     sync.Mutex
	orders map[string]*track // venueOrderID -> track
}

// New creates a reconciler. LRUSize defaults to 1024.
func New(cfg Config, store Store, index OrderIndex, metrics *telemetry.Metrics,
	rec incident.Recorder, emit Emit) *Reconciler {
	if cfg.LRUSize <= 0 {
		cfg.LRUSize = 1024
	}
	if cfg.StaleThreshold <= 0 {
		cfg.StaleThreshold = 2 * time.Second
	}
	return &Reconciler{
		cfg:       cfg,
		seen:      newKeyLRU(cfg.LRUSize),
		store:     store,
		index:     index,
		metrics:   metrics,
		incidents: rec,
		emit:      emit,
		orders:    make(map[string]*track),
	}
}

func (r *Reconciler) track(venueOrderID string) *track {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.orders[venueOrderID]
	if !ok {
		t = &track{pending: make(map[uint64]venue.FillEvent), lastSignal: time.Now()}
		r.orders[venueOrderID] = t
	}
	return t
}

// SeedWatermark restores a persisted watermark (startup recovery), so
// polling resumes without re-emitting already-processed fills.
func (r *Reconciler) SeedWatermark(venueOrderID string, cumulative decimal.Decimal, deltaIndex int) {
	t := r.track(venueOrderID)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cumulative = cumulative
	t.deltaIndex = deltaIndex
}

// SetRequested caps an order's emittable size (from the order row).
func (r *Reconciler) SetRequested(venueOrderID string, requested decimal.Decimal) {
	t := r.track(venueOrderID)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.requested = requested
}

// ─── Push source ───────────────────────────────────────────────────────────────

// HandlePush ingests one websocket fill event.
func (r *Reconciler) HandlePush(ctx context.Context, ev venue.FillEvent) {
	t := r.track(ev.VenueOrderID)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastSignal = time.Now()

	r.applyPush(ctx, t, ev)

	// Drain any buffered successors made contiguous by this event.
	for {
		next, ok := t.pending[t.lastSeq+1]
		if !ok {
			break
		}
		delete(t.pending, t.lastSeq+1)
		r.applyPush(ctx, t, next)
	}
}

// applyPush assumes t.mu is held.
func (r *Reconciler) applyPush(ctx context.Context, t *track, ev venue.FillEvent) {
	// Sequence handling first: stale events drop, gaps buffer. The dedup
	// key is recorded only once an event is actually applied, so a
	// buffered event is not mistaken for its own replay when drained.
	if ev.Seq > 0 {
		if t.lastSeq > 0 && ev.Seq <= t.lastSeq {
			r.metrics.FillsDeduped.WithLabelValues(r.cfg.Venue, SourceWebsocket).Inc()
			return
		}
		if t.lastSeq > 0 && ev.Seq > t.lastSeq+1 {
			t.pending[ev.Seq] = ev
			return
		}
	}

	// Dedup by canonical key when available.
	key := r.pushKey(ev)
	if key != "" && r.seen.Seen(key) {
		r.metrics.FillsDeduped.WithLabelValues(r.cfg.Venue, SourceWebsocket).Inc()
		log.Debug().Str("key", key).Msg("♻️ Duplicate push fill dropped")
		return
	}
	if ev.Seq > 0 {
		t.lastSeq = ev.Seq
	}

	fillID := ev.FillID
	if fillID == "" {
		fillID = fmt.Sprintf("delta-%d", t.deltaIndex)
	}

	r.commit(ctx, t, storage.Fill{
		Venue:        r.cfg.Venue,
		VenueOrderID: ev.VenueOrderID,
		FillID:       fillID,
		Side:         string(ev.Side),
		Price:        ev.Price,
		Size:         ev.Size,
		Source:       SourceWebsocket,
		Ts:           ev.Ts,
	})
}

func (r *Reconciler) pushKey(ev venue.FillEvent) string {
	if r.cfg.ProvidesFillID && ev.FillID != "" {
		return r.cfg.Venue + "|" + ev.VenueOrderID + "|" + ev.FillID
	}
	if ev.Seq > 0 {
		return fmt.Sprintf("%s|%s|seq-%d", r.cfg.Venue, ev.VenueOrderID, ev.Seq)
	}
	return "" // no identity: watermark cap is the only guard
}

// ─── Pull source ───────────────────────────────────────────────────────────────

// HandlePoll diffs one polled order row against the watermark and emits the
// delta as a synthesized fill.
func (r *Reconciler) HandlePoll(ctx context.Context, oo venue.OpenOrder) {
	t := r.track(oo.VenueOrderID)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastSignal = time.Now()
	if oo.Size.IsPositive() {
		t.requested = oo.Size
	}

	if !oo.FilledSize.GreaterThan(t.cumulative) {
		return // nothing new; filled size never decreases
	}
	delta := oo.FilledSize.Sub(t.cumulative)

	// The listing has no per-fill price; the order's limit price is the
	// closest available estimate for a synthesized delta.
	r.commit(ctx, t, storage.Fill{
		Venue:        r.cfg.Venue,
		VenueOrderID: oo.VenueOrderID,
		FillID:       fmt.Sprintf("delta-%d", t.deltaIndex),
		Side:         string(oo.Side),
		Price:        oo.Price,
		Size:         delta,
		Source:       SourcePoll,
		Ts:           oo.UpdatedAt,
	})
}

// ─── Emission ──────────────────────────────────────────────────────────────────

// commit enforces the watermark invariants, persists, and emits.
// Caller holds t.mu, so emission is serialized per order.
func (r *Reconciler) commit(ctx context.Context, t *track, f storage.Fill) {
	if !f.Size.IsPositive() {
		return
	}
	next := t.cumulative.Add(f.Size)
	if t.requested.IsPositive() && next.GreaterThan(t.requested) {
		r.incidents.Record(ctx, incident.SevError, incident.CodeInvariantViolation,
			fmt.Sprintf("fill would overfill order %s/%s", f.Venue, f.VenueOrderID),
			map[string]any{
				"venue_order_id": f.VenueOrderID,
				"watermark":      t.cumulative.String(),
				"fill_size":      f.Size.String(),
				"requested":      t.requested.String(),
			})
		return
	}

	if clientID, ok := r.index.Resolve(f.Venue, f.VenueOrderID); ok {
		f.ClientOrderID = clientID
	}

	if err := r.store.SaveFill(ctx, &f); err != nil {
		log.Error().Err(err).Str("venue_order_id", f.VenueOrderID).Msg("❌ Failed to persist fill")
	}

	t.cumulative = next
	t.deltaIndex++
	if err := r.store.SaveWatermark(ctx, &storage.FillWatermark{
		Venue:        f.Venue,
		VenueOrderID: f.VenueOrderID,
		Cumulative:   t.cumulative,
	}); err != nil {
		log.Error().Err(err).Str("venue_order_id", f.VenueOrderID).Msg("❌ Failed to persist watermark")
	}

	r.metrics.FillsEmitted.WithLabelValues(r.cfg.Venue, f.Source).Inc()
	r.emit(ctx, f)
}

// Watermark returns the current cumulative emitted size for an order.
func (r *Reconciler) Watermark(venueOrderID string) decimal.Decimal {
	t := r.track(venueOrderID)
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cumulative
}

// ─── Staleness watchdog ────────────────────────────────────────────────────────

// LiveOrders reports venue order ids the caller believes are LIVE; the
// watchdog flags those with no source activity past the threshold.
type LiveOrders func() []string

// RunWatchdog periodically raises STALE_FILL_SOURCE incidents for live
// orders whose both sources have gone quiet.
func (r *Reconciler) RunWatchdog(ctx context.Context, live LiveOrders) {
	ticker := time.NewTicker(r.cfg.StaleThreshold)
	defer ticker.Stop()

	flagged := make(map[string]bool)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		for _, id := range live() {
			t := r.track(id)
			t.mu.Lock()
			quiet := time.Since(t.lastSignal)
			t.mu.Unlock()

			if quiet < r.cfg.StaleThreshold {
				flagged[id] = false
				continue
			}
			if flagged[id] {
				continue // one incident per quiet stretch
			}
			flagged[id] = true
			r.incidents.Record(ctx, incident.SevWarn, incident.CodeStaleFillSource,
				fmt.Sprintf("no fill source activity for %s on %s", id, r.cfg.Venue),
				map[string]any{"venue_order_id": id, "quiet": quiet.String()})
		}
	}
}
