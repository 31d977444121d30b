package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/hedgebot/internal/account"
	"github.com/web3guy0/hedgebot/internal/config"
	"github.com/web3guy0/hedgebot/internal/hedge"
	"github.com/web3guy0/hedgebot/internal/incident"
	"github.com/web3guy0/hedgebot/internal/notify"
	"github.com/web3guy0/hedgebot/internal/orders"
	"github.com/web3guy0/hedgebot/internal/pair"
	"github.com/web3guy0/hedgebot/internal/reconcile"
	"github.com/web3guy0/hedgebot/internal/risk"
	"github.com/web3guy0/hedgebot/internal/server"
	"github.com/web3guy0/hedgebot/internal/sim"
	"github.com/web3guy0/hedgebot/internal/storage"
	"github.com/web3guy0/hedgebot/internal/telemetry"
	"github.com/web3guy0/hedgebot/internal/venue"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ENGINE - Root supervisor
// ═══════════════════════════════════════════════════════════════════════════════
//
// Owns cancellation and every long-lived task:
//   - one goroutine per pair controller
//   - one websocket reader per (venue, account) where push is enabled
//   - one poller per (venue, account)
//   - one staleness watchdog per venue reconciler
//   - the heartbeat
//
// Fill path: reconciler → manager.OnFill → hedger, in that order, so a
// double-limit sibling cancel always precedes the hedge.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Engine wires and supervises all components.
type Engine struct {
	cfg       *config.Config
	adapters  map[string]venue.Adapter
	db        *storage.Database
	pool      *account.Pool
	manager   *orders.Manager
	hedger    *hedge.Hedger
	recs      map[string]*reconcile.Reconciler // per venue
	ctrls     []*pair.Controller
	simulator *sim.Simulator
	notifier  *notify.Notifier
	metrics   *telemetry.Metrics
	incidents incident.Recorder

	started time.Time
	wg      sync.WaitGroup
}

// New builds the full object graph from config and adapters.
func New(cfg *config.Config, adapters map[string]venue.Adapter, db *storage.Database,
	notifier *notify.Notifier, metrics *telemetry.Metrics) (*Engine, error) {

	enabled := cfg.EnabledPairs()
	if len(enabled) == 0 {
		return nil, fmt.Errorf("no enabled pairs")
	}

	pool, err := account.NewPool(cfg.Accounts, enabled, cfg.RateLimits)
	if err != nil {
		return nil, err
	}
	if pool.Size() == 0 {
		return nil, fmt.Errorf("no accounts loaded")
	}

	e := &Engine{
		cfg:      cfg,
		adapters: adapters,
		db:       db,
		recs:     make(map[string]*reconcile.Reconciler),
		notifier: notifier,
		metrics:  metrics,
	}

	recorder := incident.Multi{db, notifier, metricsRecorder{metrics}, criticalReactor{e}}
	e.incidents = recorder

	gate := risk.NewGate(risk.Limits{
		ExposureCap:     cfg.MarketHedgeMode.ExposureCap.Decimal,
		MaxOpenOrders:   cfg.MarketHedgeMode.MaxOpenOrders,
		SafetyMargin:    cfg.MarketHedgeMode.SafetyMargin.Decimal,
		SlippageCeiling: cfg.MarketHedgeMode.MaxSlippage.Decimal,
	})

	manager := orders.NewManager(orders.Config{
		DryRun:             cfg.DryRun,
		PlaceRetries:       cfg.PlaceRetries,
		DoubleLimitEnabled: cfg.DoubleLimitEnabled,
	}, adapters, pool, gate, db, metrics, recorder)

	routes := make(map[string]hedge.Route, len(enabled))
	for _, pc := range enabled {
		feeA, feeB := pc.Fees()
		routes[pc.PairID] = hedge.Route{
			PairID:          pc.PairID,
			SecondaryVenue:  pc.Secondary,
			SecondaryMarket: pc.MarketB,
			FeeEntry:        feeA,
			FeeHedge:        feeB,
		}
	}

	hedger := hedge.New(hedge.Config{
		HedgeRatio:        cfg.MarketHedgeMode.HedgeRatio.Decimal,
		MaxSlippage:       cfg.MarketHedgeMode.MaxSlippage.Decimal,
		AllowPartialHedge: cfg.AllowPartialHedge,
		MultiLegEnabled:   cfg.MultiLegEnabled,
		ChildSizes:        cfg.MarketHedgeMode.ChildSizeDecimals(),
		MaxRetries:        cfg.HedgeMaxRetries,
	}, adapters, routes, manager, db, metrics, recorder)

	e.pool = pool
	e.manager = manager
	e.hedger = hedger

	for name, ad := range adapters {
		e.recs[name] = reconcile.New(reconcile.Config{
			Venue:          name,
			ProvidesFillID: ad.Capabilities().ProvidesFillID,
			LRUSize:        10 * cfg.MarketHedgeMode.MaxOpenOrders * len(enabled),
			StaleThreshold: cfg.StaleThreshold.Std(),
		}, db, manager, metrics, recorder, e.dispatchFill)
	}

	for _, pc := range enabled {
		primAd, ok := adapters[pc.Primary]
		if !ok {
			return nil, fmt.Errorf("pair %s: no adapter for venue %s", pc.PairID, pc.Primary)
		}
		secAd, ok := adapters[pc.Secondary]
		if !ok {
			return nil, fmt.Errorf("pair %s: no adapter for venue %s", pc.PairID, pc.Secondary)
		}
		e.ctrls = append(e.ctrls, pair.New(pc, cfg.MarketHedgeMode, cfg.DoubleLimitEnabled,
			primAd, secAd, manager, metrics, cfg.PollInterval(pc.Primary)))
	}

	e.simulator = sim.New(enabled, adapters, cfg.MarketHedgeMode, cfg.MultiLegEnabled, db)
	return e, nil
}

// metricsRecorder bridges incidents into the telemetry handle.
type metricsRecorder struct{ m *telemetry.Metrics }

func (r metricsRecorder) Record(_ context.Context, severity, code, _ string, _ map[string]any) {
	r.m.Incidents.WithLabelValues(severity, code).Inc()
}

// criticalReactor disables the affected pair on CRITICAL incidents and
// starts the cool-down on its accounts. /status surfaces disabled pairs.
type criticalReactor struct{ e *Engine }

func (r criticalReactor) Record(_ context.Context, severity, _, _ string, details map[string]any) {
	if severity != incident.SevCritical {
		return
	}
	pairID, _ := details["pair"].(string)
	for _, c := range r.e.ctrls {
		if pairID != "" && c.PairID() != pairID {
			continue
		}
		c.Disable()
		log.Warn().Str("pair", c.PairID()).Msg("🧊 Pair disabled after critical incident")
		for _, pc := range r.e.cfg.EnabledPairs() {
			if pc.PairID != c.PairID() {
				continue
			}
			for _, venueName := range []string{pc.Primary, pc.Secondary} {
				if acct, err := r.e.pool.For(pc.PairID, venueName); err == nil {
					acct.StartCoolDown(r.e.cfg.MarketHedgeMode.CoolDown.Std())
				}
			}
		}
	}
}

// dispatchFill is the single downstream consumer of canonical fills.
// Ordering matters: the manager handles double-limit sibling cancels
// before the hedger sees the fill.
func (e *Engine) dispatchFill(ctx context.Context, f storage.Fill) {
	row, shouldHedge, err := e.manager.OnFill(ctx, f)
	if err != nil {
		log.Warn().Err(err).Str("venue_order_id", f.VenueOrderID).Msg("⚠️ Fill routing failed")
		return
	}

	if row.Role == storage.RoleHedge {
		if orders.Status(row.Status).Terminal() {
			e.hedger.OnHedgeTerminal(ctx, row)
		}
		return
	}
	if shouldHedge {
		e.hedger.Handle(ctx, f, row)
	}
}

// Run starts every task and blocks until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	e.started = time.Now()

	if err := e.recover(ctx); err != nil {
		return err
	}

	// Pair controllers
	for _, c := range e.ctrls {
		e.spawn(func(c *pair.Controller) func() {
			return func() { c.Run(ctx) }
		}(c))
	}

	// Fill sources per (venue, account)
	for _, ac := range e.cfg.Accounts {
		ad, ok := e.adapters[ac.Venue]
		if !ok {
			continue
		}
		rec := e.recs[ac.Venue]

		if e.cfg.UseWebsocket(ac.Venue) && ad.Capabilities().SupportsWebsocket {
			e.spawn(e.wsReaderTask(ctx, ad, rec, ac.ID))
		}
		e.spawn(e.pollerTask(ctx, ad, rec, ac))
	}

	// Staleness watchdogs
	for name, rec := range e.recs {
		venueName := name
		r := rec
		e.spawn(func() {
			r.RunWatchdog(ctx, func() []string { return e.manager.LiveVenueOrders(venueName) })
		})
	}

	// Heartbeat
	e.spawn(func() {
		e.notifier.RunHeartbeat(ctx, func() string {
			return fmt.Sprintf("hedgebot up %s, %d pairs, %d open orders",
				time.Since(e.started).Round(time.Second), len(e.ctrls), e.manager.OpenOrders(""))
		})
	})

	e.notifier.Send(fmt.Sprintf("🚀 hedgebot started (%d pairs, dry_run=%v)", len(e.ctrls), e.cfg.DryRun))
	log.Info().Int("pairs", len(e.ctrls)).Bool("dry_run", e.cfg.DryRun).Msg("🚀 Engine running")

	<-ctx.Done()
	return e.shutdown()
}

func (e *Engine) spawn(fn func()) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn()
	}()
}

func (e *Engine) wsReaderTask(ctx context.Context, ad venue.Adapter, rec *reconcile.Reconciler, accountID string) func() {
	return func() {
		for {
			err := ad.SubscribeFills(ctx, accountID, func(ev venue.FillEvent) {
				// Only route fills for orders this process owns.
				if _, ok := e.manager.Resolve(ad.Name(), ev.VenueOrderID); !ok {
					return
				}
				rec.HandlePush(ctx, ev)
			})
			if ctx.Err() != nil {
				return
			}
			log.Warn().Err(err).Str("venue", ad.Name()).Msg("⚠️ Fill subscription ended, retrying")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
		}
	}
}

func (e *Engine) pollerTask(ctx context.Context, ad venue.Adapter, rec *reconcile.Reconciler, ac config.AccountConfig) func() {
	interval := e.cfg.PollInterval(ac.Venue)
	return func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			open, err := ad.FetchOpenOrders(ctx, ac.ID)
			if err != nil {
				log.Debug().Err(err).Str("venue", ac.Venue).Msg("📡 Poll failed")
				continue
			}
			for _, oo := range open {
				if _, ok := e.manager.Resolve(ad.Name(), oo.VenueOrderID); !ok {
					continue // not ours
				}
				rec.HandlePoll(ctx, oo)
			}
		}
	}
}

// recover reloads non-terminal orders and fill watermarks after a restart,
// verifying each order row against its replayed event log.
func (e *Engine) recover(ctx context.Context) error {
	open, err := e.db.NonTerminalOrders(ctx)
	if err != nil {
		return fmt.Errorf("load open orders: %w", err)
	}
	for _, row := range open {
		if !orders.ValidStatus(row.Status) {
			e.incidents.Record(ctx, incident.SevCritical, incident.CodeInvariantViolation,
				fmt.Sprintf("order %s has unknown status %q", row.ClientOrderID, row.Status),
				map[string]any{"pair": row.PairID, "client_order_id": row.ClientOrderID})
			continue
		}
		events, err := e.db.OrderEvents(ctx, row.ClientOrderID)
		if err != nil {
			return fmt.Errorf("load order events: %w", err)
		}
		if replayed := orders.Replay(events); string(replayed) != row.Status {
			e.incidents.Record(ctx, incident.SevCritical, incident.CodeInvariantViolation,
				fmt.Sprintf("order %s row status %s disagrees with event log %s",
					row.ClientOrderID, row.Status, replayed),
				map[string]any{"pair": row.PairID, "client_order_id": row.ClientOrderID})
			row.Status = string(replayed) // event log is authoritative
		}
		e.manager.Restore(row)
		if rec, ok := e.recs[row.Venue]; ok && row.VenueOrderID != "" {
			rec.SetRequested(row.VenueOrderID, row.RequestedSize)
		}
	}

	marks, err := e.db.Watermarks(ctx)
	if err != nil {
		return fmt.Errorf("load watermarks: %w", err)
	}
	for _, w := range marks {
		if rec, ok := e.recs[w.Venue]; ok {
			fills, err := e.db.FillsForOrder(ctx, w.Venue, w.VenueOrderID)
			if err != nil {
				return fmt.Errorf("load fills: %w", err)
			}
			rec.SeedWatermark(w.VenueOrderID, w.Cumulative, len(fills))
		}
	}

	if len(open) > 0 || len(marks) > 0 {
		live, _ := e.db.CountLiveOrders(ctx, "")
		log.Info().
			Int("orders", len(open)).
			Int64("live", live).
			Int("watermarks", len(marks)).
			Msg("📥 Recovered state from previous session")
	}
	return nil
}

func (e *Engine) shutdown() error {
	log.Info().Msg("🛑 Engine shutting down")

	// Record orders we could not confirm cancelled.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if n := e.manager.InflightOnShutdown(shutdownCtx); n > 0 {
		log.Warn().Int("inflight", n).Msg("⚠️ Orders still working at shutdown")
	}

	e.wg.Wait()
	e.notifier.Send("🛑 hedgebot stopped")
	return nil
}

// Simulator exposes the read-only simulator to the control server.
func (e *Engine) Simulator() *sim.Simulator { return e.simulator }

// Status implements server.StatusProvider.
func (e *Engine) Status(ctx context.Context) server.Status {
	st := server.Status{
		Uptime:     time.Since(e.started).Round(time.Second).String(),
		PairCount:  len(e.ctrls),
		OpenOrders: e.manager.OpenOrders(""),
		DryRun:     e.cfg.DryRun,
	}

	since := time.Now().Truncate(24 * time.Hour)
	if pnl, err := e.db.DailyPnL(ctx, since); err == nil {
		st.DailyPnL = pnl.String()
	}

	for _, c := range e.ctrls {
		ps := server.PairStatus{
			PairID:    c.PairID(),
			Disabled:  c.Disabled(),
			NetSpread: c.LastNetSpread().String(),
		}
		if ts, err := e.db.LastFillTime(ctx, c.PairID()); err == nil && !ts.IsZero() {
			ps.LastFillAt = ts.Format(time.RFC3339)
		}
		st.Pairs = append(st.Pairs, ps)
	}
	return st
}
