package sim

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/hedgebot/internal/book"
	"github.com/web3guy0/hedgebot/internal/config"
	"github.com/web3guy0/hedgebot/internal/storage"
	"github.com/web3guy0/hedgebot/internal/venue"
)

// ═══════════════════════════════════════════════════════════════════════════════
// HEALTHCHECK & SIMULATION - Read-only views, never places
// ═══════════════════════════════════════════════════════════════════════════════

const bookTimeout = 2 * time.Second

// RunStore persists simulated runs.
type RunStore interface {
	SaveSimulatedRun(ctx context.Context, r *storage.SimulatedRun) error
}

// PairHealth is one pair's /health verdict.
type PairHealth struct {
	PairID    string `json:"pair_id"`
	OK        bool   `json:"ok"`
	NetSpread string `json:"net_spread,omitempty"`
	Error     string `json:"error,omitempty"`
}

// PlanLeg is one order of a simulated plan.
type PlanLeg struct {
	Venue  string `json:"venue"`
	Market string `json:"market"`
	Side   string `json:"side"`
	Type   string `json:"type"`
	Price  string `json:"price"`
	Size   string `json:"size"`
	Role   string `json:"role"`
}

// Plan is the full would-be order plan for one pair at one size.
type Plan struct {
	PairID      string    `json:"pair_id"`
	Size        string    `json:"size"`
	NetSpread   string    `json:"net_spread"`
	GrossSpread string    `json:"gross_spread"`
	EntryVWAP   string    `json:"entry_vwap"`
	ExitVWAP    string    `json:"exit_vwap"`
	Legs        []PlanLeg `json:"legs"`
	ExpectedPnL string    `json:"expected_pnl"`
}

// Simulator evaluates pairs without ever touching the order path.
type Simulator struct {
	pairs    map[string]config.PairConfig
	adapters map[string]venue.Adapter
	mode     config.HedgeModeConfig
	multiLeg bool
	store    RunStore
}

// New creates the simulator over the enabled pairs.
func New(pairs []config.PairConfig, adapters map[string]venue.Adapter,
	mode config.HedgeModeConfig, multiLeg bool, store RunStore) *Simulator {
	idx := make(map[string]config.PairConfig, len(pairs))
	for _, p := range pairs {
		idx[p.PairID] = p
	}
	return &Simulator{pairs: idx, adapters: adapters, mode: mode, multiLeg: multiLeg, store: store}
}

func (s *Simulator) books(ctx context.Context, pc config.PairConfig) (prim, sec *book.Snapshot, err error) {
	primAd, ok := s.adapters[pc.Primary]
	if !ok {
		return nil, nil, fmt.Errorf("no adapter for venue %s", pc.Primary)
	}
	secAd, ok := s.adapters[pc.Secondary]
	if !ok {
		return nil, nil, fmt.Errorf("no adapter for venue %s", pc.Secondary)
	}

	var wg sync.WaitGroup
	var errPrim, errSec error
	wg.Add(2)
	go func() {
		defer wg.Done()
		cctx, cancel := context.WithTimeout(ctx, bookTimeout)
		defer cancel()
		prim, errPrim = primAd.FetchBook(cctx, pc.MarketA)
	}()
	go func() {
		defer wg.Done()
		cctx, cancel := context.WithTimeout(ctx, bookTimeout)
		defer cancel()
		sec, errSec = secAd.FetchBook(cctx, pc.MarketB)
	}()
	wg.Wait()

	if errPrim != nil {
		return nil, nil, fmt.Errorf("primary book: %w", errPrim)
	}
	if errSec != nil {
		return nil, nil, fmt.Errorf("secondary book: %w", errSec)
	}
	return prim, sec, nil
}

// Health evaluates every enabled pair at the canonical notional.
func (s *Simulator) Health(ctx context.Context) []PairHealth {
	ids := make([]string, 0, len(s.pairs))
	for id := range s.pairs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]PairHealth, 0, len(s.pairs))
	for _, id := range ids {
		pc := s.pairs[id]
		prim, sec, err := s.books(ctx, pc)
		if err != nil {
			out = append(out, PairHealth{PairID: id, Error: err.Error()})
			continue
		}
		feeA, feeB := pc.Fees()
		res := book.NetSpread(prim, sec, book.SideBuy, s.mode.Notional.Decimal,
			book.Fees{PrimaryTaker: feeA, SecondaryTaker: feeB})
		if res.NoQuote {
			out = append(out, PairHealth{PairID: id, Error: "no quote"})
			continue
		}
		out = append(out, PairHealth{PairID: id, OK: true, NetSpread: res.Net.String()})
	}
	return out
}

// Simulate builds the full plan for one pair at one size and persists it.
// Identical snapshots and inputs yield identical plan JSON.
func (s *Simulator) Simulate(ctx context.Context, pairID string, size decimal.Decimal) (*Plan, error) {
	pc, ok := s.pairs[pairID]
	if !ok {
		return nil, fmt.Errorf("unknown pair %s", pairID)
	}
	if !size.IsPositive() {
		size = s.mode.Notional.Decimal
	}

	prim, sec, err := s.books(ctx, pc)
	if err != nil {
		return nil, err
	}

	feeA, feeB := pc.Fees()
	res := book.NetSpread(prim, sec, book.SideBuy, size,
		book.Fees{PrimaryTaker: feeA, SecondaryTaker: feeB})
	if res.NoQuote {
		return nil, fmt.Errorf("pair %s: no quote", pairID)
	}

	execSize := decimal.Min(size, res.Executable)
	plan := &Plan{
		PairID:      pairID,
		Size:        execSize.String(),
		NetSpread:   res.Net.String(),
		GrossSpread: res.Gross.String(),
		EntryVWAP:   res.Entry.VWAP.String(),
		ExitVWAP:    res.Exit.VWAP.String(),
		Legs: []PlanLeg{{
			Venue:  pc.Primary,
			Market: pc.MarketA,
			Side:   string(book.SideBuy),
			Type:   string(venue.TypeLimit),
			Price:  res.Entry.Top.String(),
			Size:   execSize.String(),
			Role:   storage.RolePrimary,
		}},
	}

	// Would-be hedge legs against the current secondary book.
	hedgeSize := execSize.Mul(s.mode.HedgeRatio.Decimal)
	legSizes := []decimal.Decimal{hedgeSize}
	if s.multiLeg && len(s.mode.ChildSizes) > 0 {
		legSizes = splitLegs(hedgeSize, s.mode.ChildSizeDecimals())
	}
	for _, ls := range legSizes {
		plan.Legs = append(plan.Legs, PlanLeg{
			Venue:  pc.Secondary,
			Market: pc.MarketB,
			Side:   string(book.SideSell),
			Type:   string(venue.TypeIOC),
			Price:  res.Exit.VWAP.String(),
			Size:   ls.String(),
			Role:   storage.RoleHedge,
		})
	}

	fees := res.Entry.VWAP.Mul(execSize).Mul(feeA).Add(res.Exit.VWAP.Mul(hedgeSize).Mul(feeB))
	pnl := res.Exit.VWAP.Sub(res.Entry.VWAP).Mul(decimal.Min(execSize, hedgeSize)).Sub(fees)
	plan.ExpectedPnL = pnl.String()

	raw, err := json.Marshal(plan)
	if err != nil {
		return nil, fmt.Errorf("marshal plan: %w", err)
	}
	run := &storage.SimulatedRun{
		PairID:      pairID,
		Size:        execSize,
		PlanJSON:    string(raw),
		ExpectedPnL: pnl,
	}
	if err := s.store.SaveSimulatedRun(ctx, run); err != nil {
		log.Error().Err(err).Str("pair", pairID).Msg("❌ Failed to persist simulated run")
	}

	log.Info().
		Str("pair", pairID).
		Str("size", execSize.String()).
		Str("expected_pnl", pnl.String()).
		Msg("🔬 Simulation complete")
	return plan, nil
}

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
