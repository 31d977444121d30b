package pair

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/hedgebot/internal/book"
	"github.com/web3guy0/hedgebot/internal/config"
	"github.com/web3guy0/hedgebot/internal/orders"
	"github.com/web3guy0/hedgebot/internal/storage"
	"github.com/web3guy0/hedgebot/internal/telemetry"
	"github.com/web3guy0/hedgebot/internal/venue"
)

// ═══════════════════════════════════════════════════════════════════════════════
// PAIR CONTROLLER - Per-event entry/cancel loop
// ═══════════════════════════════════════════════════════════════════════════════
//
// Each tick: books → spread → gate → place or cancel. Fills never pass
// through here; they flow Reconciler → Hedger on their own path. A tick
// overlapping its predecessor exits early.
//
// ═══════════════════════════════════════════════════════════════════════════════

const bookTimeout = 2 * time.Second

// Placer is the slice of the order manager the controller drives.
type Placer interface {
	Place(ctx context.Context, spec orders.PlaceSpec) (string, error)
	PlaceDoubleLimit(ctx context.Context, specA, specB orders.PlaceSpec) (string, string, error)
	Cancel(ctx context.Context, clientOrderID string) error
	LiveOrder(pairID, role string) (storage.Order, bool)
}

// Controller runs one market pair.
type Controller struct {
	pairCfg config.PairConfig
	mode    config.HedgeModeConfig
	double  bool

	primary   venue.Adapter
	secondary venue.Adapter
	placer    Placer
	metrics   *telemetry.Metrics

	interval time.Duration
	fees     book.Fees

	mu      sync.Mutex  // serializes entry/cancel decisions
	ticking atomic.Bool // reentrancy guard
	paused  atomic.Bool // set on critical incidents

	lastNet decimal.Decimal
}

// New creates a pair controller.
func New(pairCfg config.PairConfig, mode config.HedgeModeConfig, doubleLimit bool,
	primary, secondary venue.Adapter, placer Placer, metrics *telemetry.Metrics,
	interval time.Duration) *Controller {

	feeA, feeB := pairCfg.Fees()
	return &Controller{
		pairCfg:   pairCfg,
		mode:      mode,
		double:    doubleLimit,
		primary:   primary,
		secondary: secondary,
		placer:    placer,
		metrics:   metrics,
		interval:  interval,
		fees:      book.Fees{PrimaryTaker: feeA, SecondaryTaker: feeB},
	}
}

// Run ticks until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) {
	log.Info().
		Str("pair", c.pairCfg.PairID).
		Dur("interval", c.interval).
		Msg("🔄 Pair controller started")

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("pair", c.pairCfg.PairID).Msg("🔄 Pair controller stopped")
			return
		case <-ticker.C:
			c.Tick(ctx)
		}
	}
}

// Disable parks the controller after a critical incident. /status surfaces it.
func (c *Controller) Disable() { c.paused.Store(true) }

// Disabled reports whether the pair is parked.
func (c *Controller) Disabled() bool { return c.paused.Load() }

// PairID returns the configured pair id.
func (c *Controller) PairID() string { return c.pairCfg.PairID }

// LastNetSpread returns the most recent evaluated net spread.
func (c *Controller) LastNetSpread() decimal.Decimal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastNet
}

// Tick runs one evaluation cycle. Reentrancy-safe.
func (c *Controller) Tick(ctx context.Context) {
	if c.paused.Load() {
		return
	}
	if !c.ticking.CompareAndSwap(false, true) {
		return // previous tick still running
	}
	defer c.ticking.Store(false)

	start := time.Now()
	defer func() { c.metrics.TickDuration.Observe(time.Since(start).Seconds()) }()

	prim, sec, ok := c.fetchBooks(ctx)
	if !ok {
		return
	}

	// Evaluate both entry directions, trade the better one.
	buy := book.NetSpread(prim, sec, book.SideBuy, c.mode.Notional.Decimal, c.fees)
	sell := book.NetSpread(prim, sec, book.SideSell, c.mode.Notional.Decimal, c.fees)
	best, side := buy, book.SideBuy
	if !sell.NoQuote && (best.NoQuote || sell.Net.GreaterThan(best.Net)) {
		best, side = sell, book.SideSell
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !best.NoQuote {
		c.lastNet = best.Net
		net, _ := best.Net.Float64()
		c.metrics.SpreadNet.WithLabelValues(c.pairCfg.PairID).Set(net)
	}

	// An outstanding entry leg: decide whether it should stay.
	if live, found := c.liveEntry(); found {
		age := time.Since(live.CreatedAt)
		spreadGone := best.NoQuote || best.Net.LessThan(c.mode.CancelSpread.Decimal)
		if spreadGone || age > c.mode.MaxOrderAge.Std() {
			c.cancelEntry(ctx, live, spreadGone, age)
		}
		return
	}

	if best.NoQuote || best.Net.LessThan(c.mode.MinSpreadForEntry.Decimal) {
		return
	}

	c.enter(ctx, best, side)
}

func (c *Controller) fetchBooks(ctx context.Context) (prim, sec *book.Snapshot, ok bool) {
	var wg sync.WaitGroup
	var errPrim, errSec error

	wg.Add(2)
	go func() {
		defer wg.Done()
		cctx, cancel := context.WithTimeout(ctx, bookTimeout)
		defer cancel()
		prim, errPrim = c.primary.FetchBook(cctx, c.pairCfg.MarketA)
	}()
	go func() {
		defer wg.Done()
		cctx, cancel := context.WithTimeout(ctx, bookTimeout)
		defer cancel()
		sec, errSec = c.secondary.FetchBook(cctx, c.pairCfg.MarketB)
	}()
	wg.Wait()

	if errPrim != nil || errSec != nil {
		log.Debug().
			AnErr("primary", errPrim).
			AnErr("secondary", errSec).
			Str("pair", c.pairCfg.PairID).
			Msg("📕 Book fetch incomplete, skipping tick")
		return nil, nil, false
	}
	if err := prim.Validate(); err != nil {
		log.Warn().Err(err).Str("pair", c.pairCfg.PairID).Msg("⚠️ Primary book invalid")
		return nil, nil, false
	}
	if err := sec.Validate(); err != nil {
		log.Warn().Err(err).Str("pair", c.pairCfg.PairID).Msg("⚠️ Secondary book invalid")
		return nil, nil, false
	}
	return prim, sec, true
}

// liveEntry finds the outstanding entry leg, whichever role placed it.
func (c *Controller) liveEntry() (storage.Order, bool) {
	for _, role := range []string{storage.RolePrimary, storage.RoleDoubleA} {
		if row, ok := c.placer.LiveOrder(c.pairCfg.PairID, role); ok {
			return row, true
		}
	}
	return storage.Order{}, false
}

func (c *Controller) cancelEntry(ctx context.Context, live storage.Order, spreadGone bool, age time.Duration) {
	log.Info().
		Str("pair", c.pairCfg.PairID).
		Str("client_id", live.ClientOrderID).
		Bool("spread_gone", spreadGone).
		Dur("age", age).
		Msg("✂️ Cancelling stale entry")

	if err := c.placer.Cancel(ctx, live.ClientOrderID); err != nil {
		log.Warn().Err(err).Str("client_id", live.ClientOrderID).Msg("⚠️ Entry cancel failed")
	}
	// A double-limit entry has a sibling resting on the other venue.
	if live.Role == storage.RoleDoubleA {
		if sib, ok := c.placer.LiveOrder(c.pairCfg.PairID, storage.RoleDoubleB); ok {
			if err := c.placer.Cancel(ctx, sib.ClientOrderID); err != nil {
				log.Warn().Err(err).Str("client_id", sib.ClientOrderID).Msg("⚠️ Sibling cancel failed")
			}
		}
	}
}

func (c *Controller) enter(ctx context.Context, res book.SpreadResult, side book.Side) {
	size := decimal.Min(c.mode.Notional.Decimal, res.Executable)
	if !size.IsPositive() {
		return
	}

	specA := orders.PlaceSpec{
		PairID:            c.pairCfg.PairID,
		Venue:             c.pairCfg.Primary,
		MarketID:          c.pairCfg.MarketA,
		Side:              side,
		Type:              venue.TypeLimit,
		Price:             res.Entry.Top,
		Size:              size,
		Role:              storage.RolePrimary,
		PredictedSlippage: res.Entry.Slippage,
	}

	log.Info().
		Str("pair", c.pairCfg.PairID).
		Str("side", string(side)).
		Str("net_spread", res.Net.String()).
		Str("price", res.Entry.Top.String()).
		Str("size", size.String()).
		Msg("🎯 Spread entry")

	if c.double {
		specB := orders.PlaceSpec{
			PairID:            c.pairCfg.PairID,
			Venue:             c.pairCfg.Secondary,
			MarketID:          c.pairCfg.MarketB,
			Side:              oppositeSide(side),
			Type:              venue.TypeLimit,
			Price:             res.Exit.Top,
			Size:              size,
			Role:              storage.RoleDoubleB,
			PredictedSlippage: res.Exit.Slippage,
		}
		if _, _, err := c.placer.PlaceDoubleLimit(ctx, specA, specB); err != nil {
			log.Warn().Err(err).Str("pair", c.pairCfg.PairID).Msg("⚠️ Double-limit entry failed")
		}
		return
	}

	if _, err := c.placer.Place(ctx, specA); err != nil {
		log.Warn().Err(err).Str("pair", c.pairCfg.PairID).Msg("⚠️ Entry placement failed")
	}
}

func oppositeSide(s book.Side) book.Side {
	if s == book.SideBuy {
		return book.SideSell
	}
	return book.SideBuy
}
