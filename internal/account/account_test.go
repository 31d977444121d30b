package account

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/hedgebot/internal/config"
)

func d(s string) decimal.Decimal {
	v, _ := decimal.NewFromString(s)
	return v
}

func testPool(t *testing.T) *Pool {
	t.Helper()
	p, err := NewPool(
		[]config.AccountConfig{
			{ID: "a1", Venue: "alpha", Balance: "500"},
			{ID: "b1", Venue: "beta"},
		},
		[]config.PairConfig{{
			PairID: "p1", AccountA: "a1", AccountB: "b1",
			Primary: "alpha", Secondary: "beta",
		}},
		map[string]config.RateLimitConfig{"alpha": {RPS: 100, Burst: 5}},
	)
	require.NoError(t, err)
	return p
}

func TestPoolResolvesAssignments(t *testing.T) {
	p := testPool(t)

	a, err := p.For("p1", "alpha")
	require.NoError(t, err)
	assert.Equal(t, "a1", a.ID)

	b, err := p.For("p1", "beta")
	require.NoError(t, err)
	assert.Equal(t, "b1", b.ID)

	_, err = p.For("p1", "gamma")
	assert.Error(t, err)
	_, err = p.For("ghost", "alpha")
	assert.Error(t, err)
}

func TestPoolRejectsVenueMismatch(t *testing.T) {
	_, err := NewPool(
		[]config.AccountConfig{{ID: "a1", Venue: "alpha"}, {ID: "b1", Venue: "beta"}},
		[]config.PairConfig{{
			PairID: "p1", AccountA: "b1", AccountB: "a1", // swapped
			Primary: "alpha", Secondary: "beta",
		}},
		nil,
	)
	assert.Error(t, err)
}

func TestStateTracking(t *testing.T) {
	p := testPool(t)
	a, _ := p.Get("a1")

	st := a.StateFor("p1")
	assert.True(t, st.Balance.Equal(d("500")), "balance loaded from config")
	assert.Equal(t, 0, st.OpenOrders)

	a.AddExposure(d("42"))
	a.OrderOpened("p1")
	a.OrderOpened("p1")
	a.OrderClosed("p1")

	st = a.StateFor("p1")
	assert.True(t, st.GrossExposure.Equal(d("42")))
	assert.Equal(t, 1, st.OpenOrders)

	// Exposure never goes negative.
	a.AddExposure(d("-100"))
	assert.True(t, a.StateFor("p1").GrossExposure.IsZero())
}

func TestCoolDown(t *testing.T) {
	p := testPool(t)
	a, _ := p.Get("a1")

	a.StartCoolDown(time.Minute)
	assert.True(t, a.StateFor("p1").CoolDownUntil.After(time.Now()))
}

func TestRateLimiterBlocks(t *testing.T) {
	p, err := NewPool(
		[]config.AccountConfig{{ID: "a1", Venue: "alpha"}},
		nil,
		map[string]config.RateLimitConfig{"alpha": {RPS: 50, Burst: 1}},
	)
	require.NoError(t, err)
	a, _ := p.Get("a1")

	ctx := context.Background()
	require.NoError(t, a.Wait(ctx)) // burst token

	// Second token needs ~20ms of refill.
	start := time.Now()
	require.NoError(t, a.Wait(ctx))
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
}

func TestRateLimiterHonorsCancel(t *testing.T) {
	p, err := NewPool(
		[]config.AccountConfig{{ID: "a1", Venue: "alpha"}},
		nil,
		map[string]config.RateLimitConfig{"alpha": {RPS: 0.1, Burst: 1}},
	)
	require.NoError(t, err)
	a, _ := p.Get("a1")

	require.NoError(t, a.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, a.Wait(ctx))
}
