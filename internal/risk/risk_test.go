package risk

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/web3guy0/hedgebot/internal/account"
	"github.com/web3guy0/hedgebot/internal/book"
)

func d(s string) decimal.Decimal {
	v, _ := decimal.NewFromString(s)
	return v
}

func testGate() *Gate {
	return NewGate(Limits{
		ExposureCap:     d("1000"),
		MaxOpenOrders:   2,
		SafetyMargin:    d("0.95"),
		SlippageCeiling: d("0.02"),
	})
}

func okState() account.State {
	return account.State{
		AccountID:     "acct-1",
		Balance:       d("500"),
		GrossExposure: d("100"),
		OpenOrders:    0,
	}
}

func okProposal() Proposal {
	return Proposal{
		PairID:            "pair-1",
		Side:              book.SideBuy,
		Price:             d("0.42"),
		Size:              d("100"),
		PredictedSlippage: d("0.01"),
	}
}

func TestEvaluateAllow(t *testing.T) {
	v := testGate().Evaluate(okState(), okProposal())
	assert.True(t, v.Allowed)
	assert.Empty(t, v.Reason)
}

func TestEvaluateCoolDown(t *testing.T) {
	st := okState()
	st.CoolDownUntil = time.Now().Add(time.Minute)

	v := testGate().Evaluate(st, okProposal())
	assert.False(t, v.Allowed)
	assert.Equal(t, DenyCoolDown, v.Reason)
}

func TestEvaluateExposureCap(t *testing.T) {
	st := okState()
	st.GrossExposure = d("990")

	v := testGate().Evaluate(st, okProposal())
	assert.False(t, v.Allowed)
	assert.Equal(t, DenyExposureCap, v.Reason)
}

func TestEvaluateOrderCap(t *testing.T) {
	st := okState()
	st.OpenOrders = 2

	v := testGate().Evaluate(st, okProposal())
	assert.False(t, v.Allowed)
	assert.Equal(t, DenyOrderCap, v.Reason)
}

func TestEvaluateBalance(t *testing.T) {
	st := okState()
	st.Balance = d("40") // 42 notional > 40 * 0.95

	v := testGate().Evaluate(st, okProposal())
	assert.False(t, v.Allowed)
	assert.Equal(t, DenyBalance, v.Reason)
}

func TestEvaluateSlippage(t *testing.T) {
	prop := okProposal()
	prop.PredictedSlippage = d("0.05")

	v := testGate().Evaluate(okState(), prop)
	assert.False(t, v.Allowed)
	assert.Equal(t, DenySlippage, v.Reason)
}

// First failing check wins: a cooled-down account over every other limit
// still reports COOL_DOWN.
func TestEvaluateOrderOfChecks(t *testing.T) {
	st := okState()
	st.CoolDownUntil = time.Now().Add(time.Minute)
	st.GrossExposure = d("5000")
	st.OpenOrders = 10
	st.Balance = d("0")

	v := testGate().Evaluate(st, okProposal())
	assert.Equal(t, DenyCoolDown, v.Reason)
}

// Same inputs, same verdict.
func TestEvaluateIdempotent(t *testing.T) {
	g := testGate()
	st, prop := okState(), okProposal()
	first := g.Evaluate(st, prop)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, g.Evaluate(st, prop))
	}
}
