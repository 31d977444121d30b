package risk

import (
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/hedgebot/internal/account"
	"github.com/web3guy0/hedgebot/internal/book"
)

// ═══════════════════════════════════════════════════════════════════════════════
// RISK GATE - Central approval for every proposed order
// ═══════════════════════════════════════════════════════════════════════════════
//
// Controller asks → Risk approves/rejects → Order Manager places
//
// Pure predicate: same account state + same proposal = same verdict.
// Checks run in a fixed order and the FIRST failing check wins.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Reason codes for denials.
const (
	DenyCoolDown    = "COOL_DOWN"
	DenyExposureCap = "EXPOSURE_CAP"
	DenyOrderCap    = "ORDER_CAP"
	DenyBalance     = "INSUFFICIENT_BALANCE"
	DenySlippage    = "SLIPPAGE_CEILING"
)

// Proposal describes the order a controller wants to place.
type Proposal struct {
	PairID            string
	Side              book.Side
	Price             decimal.Decimal
	Size              decimal.Decimal
	PredictedSlippage decimal.Decimal
}

// Verdict is the gate's answer.
type Verdict struct {
	Allowed bool
	Reason  string // deny reason code, empty when allowed
}

// Allow is the affirmative verdict.
var Allow = Verdict{Allowed: true}

func deny(reason string) Verdict { return Verdict{Reason: reason} }

// Limits are the configured ceilings the gate enforces.
type Limits struct {
	ExposureCap     decimal.Decimal
	MaxOpenOrders   int
	SafetyMargin    decimal.Decimal
	SlippageCeiling decimal.Decimal
}

// Gate evaluates proposals against account state. Stateless beyond config.
type Gate struct {
	limits Limits
	now    func() time.Time
}

// NewGate creates the risk gate.
func NewGate(limits Limits) *Gate {
	return &Gate{limits: limits, now: time.Now}
}

// Evaluate runs the checks in order; the first failure wins.
func (g *Gate) Evaluate(state account.State, prop Proposal) Verdict {
	// 1. Cool-down after a recent incident
	if state.CoolDownUntil.After(g.now()) {
		return g.denied(state, prop, DenyCoolDown)
	}

	// 2. Projected gross exposure
	notional := prop.Price.Mul(prop.Size)
	if state.GrossExposure.Add(notional).GreaterThan(g.limits.ExposureCap) {
		return g.denied(state, prop, DenyExposureCap)
	}

	// 3. Per-pair open order count
	if g.limits.MaxOpenOrders > 0 && state.OpenOrders >= g.limits.MaxOpenOrders {
		return g.denied(state, prop, DenyOrderCap)
	}

	// 4. Balance with safety margin
	if notional.GreaterThan(state.Balance.Mul(g.limits.SafetyMargin)) {
		return g.denied(state, prop, DenyBalance)
	}

	// 5. Predicted slippage ceiling
	if g.limits.SlippageCeiling.IsPositive() && prop.PredictedSlippage.GreaterThan(g.limits.SlippageCeiling) {
		return g.denied(state, prop, DenySlippage)
	}

	return Allow
}

func (g *Gate) denied(state account.State, prop Proposal, reason string) Verdict {
	log.Debug().
		Str("account", state.AccountID).
		Str("pair", prop.PairID).
		Str("reason", reason).
		Str("size", prop.Size.String()).
		Msg("🚫 Risk denied order")
	return deny(reason)
}
