package book

import (
	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SPREAD ANALYZER - Depth-aware VWAP / net spread / slippage math
// ═══════════════════════════════════════════════════════════════════════════════
//
// Pure functions over two snapshots. The controller asks: at notional N,
// what does entering on the primary and exiting on the secondary actually
// pay after walking both ladders and deducting fees?
//
// ═══════════════════════════════════════════════════════════════════════════════

// Side of an order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Fees holds per-leg fee rates (fraction of notional, e.g. 0.01 = 1%).
type Fees struct {
	PrimaryTaker   decimal.Decimal
	PrimaryMaker   decimal.Decimal
	SecondaryTaker decimal.Decimal
}

// Execution is the result of walking one ladder to a target size.
type Execution struct {
	VWAP     decimal.Decimal // average price over the achieved size
	Achieved decimal.Decimal // cumulative size reached; < target on a thin ladder
	Top      decimal.Decimal // best price on the walked side
	Slippage decimal.Decimal // |vwap - top| / top
}

// SpreadResult is the analyzer's verdict for one pair at one target size.
type SpreadResult struct {
	NoQuote    bool            // either ladder empty, nothing else valid
	Entry      Execution       // primary leg (entry)
	Exit       Execution       // secondary leg (exit)
	Executable decimal.Decimal // min of both achieved sizes
	Net        decimal.Decimal // fee-adjusted spread normalized by entry VWAP
	Gross      decimal.Decimal // raw (exit - entry) / entry
}

// Walk computes the executable VWAP for taking `target` size from a ladder.
// Returns a zero-achieved Execution on an empty ladder. The ladder is read
// in its stored order, so pass asks for a BUY and bids for a SELL.
func Walk(levels []Level, target decimal.Decimal) Execution {
	if len(levels) == 0 || !target.IsPositive() {
		return Execution{}
	}

	top := levels[0].Price
	cum := decimal.Zero
	cost := decimal.Zero
	for _, l := range levels {
		take := decimal.Min(l.Size, target.Sub(cum))
		cum = cum.Add(take)
		cost = cost.Add(l.Price.Mul(take))
		if cum.GreaterThanOrEqual(target) {
			break
		}
	}
	if cum.IsZero() {
		return Execution{Top: top}
	}

	vwap := cost.Div(cum)
	slip := decimal.Zero
	if !top.IsZero() {
		slip = vwap.Sub(top).Abs().Div(top)
	}
	return Execution{VWAP: vwap, Achieved: cum, Top: top, Slippage: slip}
}

// NetSpread evaluates entering `size` on the primary book and exiting on the
// secondary. Entry side is the side the primary order takes; the exit leg is
// the opposite side on the secondary venue. Neither snapshot is mutated.
func NetSpread(prim, sec *Snapshot, entrySide Side, size decimal.Decimal, fees Fees) SpreadResult {
	var entryLadder, exitLadder []Level
	if entrySide == SideBuy {
		entryLadder = prim.Asks // buy primary, sell secondary
		exitLadder = sec.Bids
	} else {
		entryLadder = prim.Bids
		exitLadder = sec.Asks
	}

	if len(entryLadder) == 0 || len(exitLadder) == 0 {
		return SpreadResult{NoQuote: true}
	}

	entry := Walk(entryLadder, size)
	exit := Walk(exitLadder, size)
	if entry.Achieved.IsZero() || exit.Achieved.IsZero() {
		return SpreadResult{NoQuote: true}
	}

	executable := decimal.Min(entry.Achieved, exit.Achieved)

	// Captured edge per unit of entry notional: buy low on the primary and
	// sell high on the secondary, or sell high and buy back low.
	gross := exit.VWAP.Sub(entry.VWAP).Div(entry.VWAP)
	if entrySide == SideSell {
		gross = entry.VWAP.Sub(exit.VWAP).Div(entry.VWAP)
	}
	feeDrag := fees.PrimaryTaker.Add(fees.SecondaryTaker)
	net := gross.Sub(feeDrag)

	return SpreadResult{
		Entry:      entry,
		Exit:       exit,
		Executable: executable,
		Net:        net,
		Gross:      gross,
	}
}
