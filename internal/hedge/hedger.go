package hedge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/hedgebot/internal/book"
	"github.com/web3guy0/hedgebot/internal/incident"
	"github.com/web3guy0/hedgebot/internal/orders"
	"github.com/web3guy0/hedgebot/internal/storage"
	"github.com/web3guy0/hedgebot/internal/telemetry"
	"github.com/web3guy0/hedgebot/internal/venue"
)

// ═══════════════════════════════════════════════════════════════════════════════
// HEDGER - At-most-once, slippage-bounded offsetting engine
// ═══════════════════════════════════════════════════════════════════════════════
//
// One canonical fill on an entry leg produces hedge leg(s) on the opposing
// venue. A per-fill-key processed set makes delivery at-most-once: the key
// is claimed before the first placement and never released within the
// process; across restarts the reconciler's persisted watermark prevents
// replays from reaching us at all.
//
// ═══════════════════════════════════════════════════════════════════════════════

const bookTimeout = 2 * time.Second

// Placer is the slice of the order manager the hedger uses.
type Placer interface {
	Place(ctx context.Context, spec orders.PlaceSpec) (string, error)
}

// Store persists trade rows.
type Store interface {
	SaveTrade(ctx context.Context, t *storage.Trade) error
}

// Route tells the hedger where the offsetting order for a pair goes.
type Route struct {
	PairID          string
	SecondaryVenue  string
	SecondaryMarket string
	FeeEntry        decimal.Decimal // taker fee rate on the entry venue
	FeeHedge        decimal.Decimal // taker fee rate on the hedge venue
}

// Config holds hedger knobs.
type Config struct {
	HedgeRatio        decimal.Decimal
	MaxSlippage       decimal.Decimal
	AllowPartialHedge bool
	MultiLegEnabled   bool
	ChildSizes        []decimal.Decimal
	MaxRetries        int
}

// pendingTrade tracks one hedge leg until its order goes terminal.
type pendingTrade struct {
	fillKey    string
	route      Route
	entry      storage.Order
	entryPrice decimal.Decimal
	target     decimal.Decimal // size this leg should fill
	retries    int             // remainder retries already spent
}

// Hedger consumes canonical entry fills and places offsetting legs.
type Hedger struct {
	cfg       Config
	adapters  map[string]venue.Adapter
	routes    map[string]Route
	placer    Placer
	store     Store
	metrics   *telemetry.Metrics
	incidents incident.Recorder

	mu        sync.Mutex
	processed map[string]bool          // fill key -> claimed
	pending   map[string]*pendingTrade // hedge client id -> leg
}

// New wires the hedger.
func New(cfg Config, adapters map[string]venue.Adapter, routes map[string]Route,
	placer Placer, store Store, metrics *telemetry.Metrics, rec incident.Recorder) *Hedger {
	if !cfg.HedgeRatio.IsPositive() {
		cfg.HedgeRatio = decimal.NewFromInt(1)
	}
	return &Hedger{
		cfg:       cfg,
		adapters:  adapters,
		routes:    routes,
		placer:    placer,
		store:     store,
		metrics:   metrics,
		incidents: rec,
		processed: make(map[string]bool),
		pending:   make(map[string]*pendingTrade),
	}
}

func fillKey(f storage.Fill) string {
	return f.Venue + "|" + f.VenueOrderID + "|" + f.FillID
}

// Handle places the hedge for one canonical entry fill. Duplicate
// deliveries of the same fill key are ignored.
func (h *Hedger) Handle(ctx context.Context, f storage.Fill, entry storage.Order) {
	key := fillKey(f)

	h.mu.Lock()
	if h.processed[key] {
		h.mu.Unlock()
		log.Debug().Str("fill_key", key).Msg("♻️ Duplicate fill delivery ignored")
		return
	}
	h.processed[key] = true
	h.mu.Unlock()

	route, ok := h.routes[entry.PairID]
	if !ok {
		h.incidents.Record(ctx, incident.SevError, incident.CodeInvariantViolation,
			"fill on pair with no hedge route", map[string]any{"pair": entry.PairID})
		return
	}

	adapter, ok := h.adapters[route.SecondaryVenue]
	if !ok {
		h.incidents.Record(ctx, incident.SevError, incident.CodeInvariantViolation,
			"no adapter for hedge venue", map[string]any{"venue": route.SecondaryVenue})
		return
	}

	// 1. Size the hedge, floored to the venue lot step.
	lotStep := adapter.Capabilities().LotStep
	hedgeSize := floorToStep(f.Size.Mul(h.cfg.HedgeRatio), lotStep)
	if !hedgeSize.IsPositive() {
		h.incidents.Record(ctx, incident.SevWarn, incident.CodeHedgeUndersized,
			fmt.Sprintf("fill %s below lot step, nothing to hedge", key),
			map[string]any{"fill_size": f.Size.String(), "lot_step": lotStep.String()})
		h.metrics.HedgeShortfall.Inc()
		return
	}

	// 2. Slippage bound against the live secondary book.
	bookCtx, cancel := context.WithTimeout(ctx, bookTimeout)
	snap, err := adapter.FetchBook(bookCtx, route.SecondaryMarket)
	cancel()
	if err != nil {
		h.incidents.Record(ctx, incident.SevError, incident.CodeHedgeSlippageAbort,
			"secondary book unavailable: "+err.Error(), map[string]any{"pair": entry.PairID})
		return
	}

	hedgeSide := opposite(book.Side(entry.Side))
	ladder := snap.Bids
	if hedgeSide == book.SideBuy {
		ladder = snap.Asks
	}

	exec := book.Walk(ladder, hedgeSize)
	if exec.Achieved.LessThan(hedgeSize) || exec.Slippage.GreaterThan(h.cfg.MaxSlippage) {
		if !h.cfg.AllowPartialHedge {
			h.incidents.Record(ctx, incident.SevError, incident.CodeHedgeSlippageAbort,
				fmt.Sprintf("hedge %s aborted: size %s not executable within slippage cap", key, hedgeSize),
				map[string]any{
					"pair":       entry.PairID,
					"hedge_size": hedgeSize.String(),
					"achievable": exec.Achieved.String(),
					"slippage":   exec.Slippage.String(),
				})
			return
		}
		shrunk := floorToStep(sizeWithinSlippage(ladder, h.cfg.MaxSlippage), lotStep)
		if !shrunk.IsPositive() {
			h.incidents.Record(ctx, incident.SevError, incident.CodeHedgeSlippageAbort,
				fmt.Sprintf("hedge %s aborted: no depth within slippage cap", key),
				map[string]any{"pair": entry.PairID})
			return
		}
		if shrunk.LessThan(hedgeSize) {
			log.Warn().
				Str("fill_key", key).
				Str("wanted", hedgeSize.String()).
				Str("shrunk", shrunk.String()).
				Msg("⚠️ Hedge shrunk to fit slippage cap")
			hedgeSize = shrunk
		}
	}

	// 3. Leg split.
	legs := []decimal.Decimal{hedgeSize}
	if h.cfg.MultiLegEnabled && len(h.cfg.ChildSizes) > 0 {
		legs = splitLegs(hedgeSize, h.cfg.ChildSizes)
	}

	// 4. Place each leg as IOC with the fill as parent.
	for _, legSize := range legs {
		h.placeLeg(ctx, key, route, entry, f.Price, hedgeSide, legSize, 0)
	}
}

func (h *Hedger) placeLeg(ctx context.Context, key string, route Route, entry storage.Order,
	entryPrice decimal.Decimal, side book.Side, size decimal.Decimal, retries int) {

	clientID, err := h.placer.Place(ctx, orders.PlaceSpec{
		PairID:       entry.PairID,
		Venue:        route.SecondaryVenue,
		MarketID:     route.SecondaryMarket,
		Side:         side,
		Type:         venue.TypeIOC,
		Size:         size,
		Role:         storage.RoleHedge,
		ParentFillID: key,
	})
	if err != nil {
		h.incidents.Record(ctx, incident.SevError, incident.CodeHedgeUndersized,
			"hedge leg placement failed: "+err.Error(),
			map[string]any{"fill_key": key, "size": size.String()})
		h.metrics.HedgeShortfall.Inc()
		return
	}

	h.mu.Lock()
	h.pending[clientID] = &pendingTrade{
		fillKey:    key,
		route:      route,
		entry:      entry,
		entryPrice: entryPrice,
		target:     size,
		retries:    retries,
	}
	h.mu.Unlock()

	h.metrics.HedgesPlaced.WithLabelValues(route.SecondaryVenue).Inc()
	log.Info().
		Str("client_id", clientID).
		Str("venue", route.SecondaryVenue).
		Str("side", string(side)).
		Str("size", size.String()).
		Str("parent_fill", key).
		Msg("🛡️ Hedge leg placed")
}

// OnHedgeTerminal settles one hedge leg once its order reaches a terminal
// state: a Trade row for whatever filled, a remainder retry or shortfall
// incident for the rest.
func (h *Hedger) OnHedgeTerminal(ctx context.Context, row storage.Order) {
	h.mu.Lock()
	pt, ok := h.pending[row.ClientOrderID]
	if ok {
		delete(h.pending, row.ClientOrderID)
	}
	h.mu.Unlock()
	if !ok {
		return
	}

	if row.FilledSize.IsPositive() {
		matched := decimal.Min(row.FilledSize, pt.entry.FilledSize)
		hedgePrice := row.AvgFillPrice
		fees := pt.entryPrice.Mul(matched).Mul(pt.route.FeeEntry).
			Add(hedgePrice.Mul(matched).Mul(pt.route.FeeHedge))

		gross := hedgePrice.Sub(pt.entryPrice)
		if book.Side(pt.entry.Side) == book.SideSell {
			gross = pt.entryPrice.Sub(hedgePrice)
		}
		pnl := gross.Mul(matched).Sub(fees)

		trade := &storage.Trade{
			PairID:       pt.entry.PairID,
			EntryOrderID: pt.entry.ClientOrderID,
			HedgeOrderID: row.ClientOrderID,
			EntryVenue:   pt.entry.Venue,
			HedgeVenue:   pt.route.SecondaryVenue,
			Size:         matched,
			EntryPrice:   pt.entryPrice,
			HedgePrice:   hedgePrice,
			FeesEstimate: fees,
			EstimatedPnL: pnl,
		}
		if err := h.store.SaveTrade(ctx, trade); err != nil {
			log.Error().Err(err).Str("hedge", row.ClientOrderID).Msg("❌ Failed to persist trade")
		} else {
			log.Info().
				Str("entry", pt.entry.ClientOrderID).
				Str("hedge", row.ClientOrderID).
				Str("size", matched.String()).
				Str("pnl", pnl.String()).
				Msg("💰 Trade recorded")
		}
	}

	remainder := pt.target.Sub(row.FilledSize)
	if !remainder.IsPositive() {
		return
	}

	if pt.retries < h.cfg.MaxRetries {
		log.Warn().
			Str("hedge", row.ClientOrderID).
			Str("remainder", remainder.String()).
			Int("retry", pt.retries+1).
			Msg("⚠️ Hedge leg partial, retrying remainder")
		h.placeLeg(ctx, pt.fillKey, pt.route, pt.entry, pt.entryPrice,
			book.Side(row.Side), remainder, pt.retries+1)
		return
	}

	h.incidents.Record(ctx, incident.SevError, incident.CodeHedgeUndersized,
		fmt.Sprintf("hedge for fill %s short by %s after %d retries", pt.fillKey, remainder, pt.retries),
		map[string]any{"fill_key": pt.fillKey, "shortfall": remainder.String()})
	h.metrics.HedgeShortfall.Inc()
}

// ─── Math helpers ──────────────────────────────────────────────────────────────

func opposite(s book.Side) book.Side {
	if s == book.SideBuy {
		return book.SideSell
	}
	return book.SideBuy
}

func floorToStep(size, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return size
	}
	return size.Div(step).Floor().Mul(step)
}

// sizeWithinSlippage sums ladder depth at prices within the slippage cap
// of the top level.
func sizeWithinSlippage(ladder []book.Level, cap decimal.Decimal) decimal.Decimal {
	if len(ladder) == 0 {
		return decimal.Zero
	}
	top := ladder[0].Price
	total := decimal.Zero
	for _, l := range ladder {
		if top.IsPositive() && l.Price.Sub(top).Abs().Div(top).GreaterThan(cap) {
			break
		}
		total = total.Add(l.Size)
	}
	return total
}

// splitLegs slices total into the configured child sizes, remainder last.
func splitLegs(total decimal.Decimal, children []decimal.Decimal) []decimal.Decimal {
	var legs []decimal.Decimal
	left := total
	for _, c := range children {
		if !left.IsPositive() {
			break
		}
		take := decimal.Min(c, left)
		legs = append(legs, take)
		left = left.Sub(take)
	}
	if left.IsPositive() {
		legs = append(legs, left)
	}
	return legs
}
