package pair

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/hedgebot/internal/book"
	"github.com/web3guy0/hedgebot/internal/config"
	"github.com/web3guy0/hedgebot/internal/orders"
	"github.com/web3guy0/hedgebot/internal/storage"
	"github.com/web3guy0/hedgebot/internal/telemetry"
	"github.com/web3guy0/hedgebot/internal/venue"
)

func d(s string) decimal.Decimal {
	v, _ := decimal.NewFromString(s)
	return v
}

type fakePlacer struct {
	mu        sync.Mutex
	placed    []orders.PlaceSpec
	doubles   [][2]orders.PlaceSpec
	cancelled []string
	live      map[string]storage.Order // role -> order
}

func newFakePlacer() *fakePlacer {
	return &fakePlacer{live: make(map[string]storage.Order)}
}

func (p *fakePlacer) Place(_ context.Context, spec orders.PlaceSpec) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.placed = append(p.placed, spec)
	return "c-1", nil
}

func (p *fakePlacer) PlaceDoubleLimit(_ context.Context, a, b orders.PlaceSpec) (string, string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.doubles = append(p.doubles, [2]orders.PlaceSpec{a, b})
	return "c-a", "c-b", nil
}

func (p *fakePlacer) Cancel(_ context.Context, clientOrderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancelled = append(p.cancelled, clientOrderID)
	return nil
}

func (p *fakePlacer) LiveOrder(_, role string) (storage.Order, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	row, ok := p.live[role]
	return row, ok
}

func (p *fakePlacer) setLive(role string, row storage.Order) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.live[role] = row
}

func setBooks(alpha, beta *venue.Synthetic, primAsk, secBid string) {
	alpha.SetBook(book.NewSnapshot("alpha", "m-a", 1, time.Unix(1700000000, 0),
		[]book.Level{{Price: d(primAsk).Sub(d("0.02")), Size: d("500")}},
		[]book.Level{{Price: d(primAsk), Size: d("500")}}))
	beta.SetBook(book.NewSnapshot("beta", "m-b", 1, time.Unix(1700000000, 0),
		[]book.Level{{Price: d(secBid), Size: d("500")}},
		[]book.Level{{Price: d(secBid).Add(d("0.02")), Size: d("500")}}))
}

func testMode() config.HedgeModeConfig {
	return config.HedgeModeConfig{
		HedgeRatio:        config.Dec("1"),
		MaxSlippage:       config.Dec("0.05"),
		MinSpreadForEntry: config.Dec("0.05"),
		CancelSpread:      config.Dec("0.01"),
		MaxOrderAge:       config.Duration(time.Minute),
		Notional:          config.Dec("100"),
	}
}

func newController(doubleLimit bool) (*Controller, *fakePlacer, *venue.Synthetic, *venue.Synthetic) {
	alpha := venue.NewSynthetic("alpha", venue.Capabilities{})
	beta := venue.NewSynthetic("beta", venue.Capabilities{})
	placer := newFakePlacer()

	pc := config.PairConfig{
		PairID: "p1", MarketA: "m-a", MarketB: "m-b",
		AccountA: "a1", AccountB: "b1",
		Primary: "alpha", Secondary: "beta", Enabled: true,
		TakerFeeA: "0.01", TakerFeeB: "0.01",
	}
	c := New(pc, testMode(), doubleLimit, alpha, beta, placer, telemetry.NewNop(), 100*time.Millisecond)
	return c, placer, alpha, beta
}

func TestTickEntersOnWideSpread(t *testing.T) {
	c, placer, alpha, beta := newController(false)
	setBooks(alpha, beta, "0.42", "0.48") // net ≈ 0.1229 ≥ 0.05

	c.Tick(context.Background())

	require.Len(t, placer.placed, 1)
	spec := placer.placed[0]
	assert.Equal(t, "alpha", spec.Venue)
	assert.Equal(t, book.SideBuy, spec.Side)
	assert.Equal(t, venue.TypeLimit, spec.Type)
	assert.True(t, spec.Price.Equal(d("0.42")))
	assert.True(t, spec.Size.Equal(d("100")))
	assert.Equal(t, storage.RolePrimary, spec.Role)
}

func TestTickSkipsNarrowSpread(t *testing.T) {
	c, placer, alpha, beta := newController(false)
	setBooks(alpha, beta, "0.48", "0.49") // net below min after fees

	c.Tick(context.Background())
	assert.Empty(t, placer.placed)
}

func TestTickSkipsWhenEntryLive(t *testing.T) {
	c, placer, alpha, beta := newController(false)
	setBooks(alpha, beta, "0.42", "0.48")
	placer.setLive(storage.RolePrimary, storage.Order{
		ClientOrderID: "c-live",
		Status:        "LIVE",
		Role:          storage.RolePrimary,
		CreatedAt:     time.Now(),
	})

	c.Tick(context.Background())
	assert.Empty(t, placer.placed, "one live entry per pair")
	assert.Empty(t, placer.cancelled, "spread still wide, order stays")
}

func TestTickCancelsWhenSpreadCollapses(t *testing.T) {
	c, placer, alpha, beta := newController(false)
	setBooks(alpha, beta, "0.48", "0.48") // net negative after fees
	placer.setLive(storage.RolePrimary, storage.Order{
		ClientOrderID: "c-live",
		Status:        "LIVE",
		Role:          storage.RolePrimary,
		CreatedAt:     time.Now(),
	})

	c.Tick(context.Background())
	assert.Equal(t, []string{"c-live"}, placer.cancelled)
}

func TestTickCancelsAgedOrder(t *testing.T) {
	c, placer, alpha, beta := newController(false)
	setBooks(alpha, beta, "0.42", "0.48") // spread still fine
	placer.setLive(storage.RolePrimary, storage.Order{
		ClientOrderID: "c-old",
		Status:        "LIVE",
		Role:          storage.RolePrimary,
		CreatedAt:     time.Now().Add(-2 * time.Minute),
	})

	c.Tick(context.Background())
	assert.Equal(t, []string{"c-old"}, placer.cancelled)
}

func TestTickDoubleLimitEntry(t *testing.T) {
	c, placer, alpha, beta := newController(true)
	setBooks(alpha, beta, "0.42", "0.48")

	c.Tick(context.Background())

	require.Len(t, placer.doubles, 1)
	a, b := placer.doubles[0][0], placer.doubles[0][1]
	assert.Equal(t, "alpha", a.Venue)
	assert.Equal(t, "beta", b.Venue)
	assert.Equal(t, book.SideSell, b.Side, "sibling rests on the opposite side")
	assert.True(t, b.Price.Equal(d("0.48")))
}

func TestTickNoQuoteDoesNothing(t *testing.T) {
	c, placer, alpha, beta := newController(false)
	alpha.SetBook(book.NewSnapshot("alpha", "m-a", 1, time.Unix(1700000000, 0), nil, nil))
	beta.SetBook(book.NewSnapshot("beta", "m-b", 1, time.Unix(1700000000, 0), nil, nil))

	c.Tick(context.Background())
	assert.Empty(t, placer.placed)
	assert.Empty(t, placer.cancelled)
}

func TestDisabledControllerSkipsTicks(t *testing.T) {
	c, placer, alpha, beta := newController(false)
	setBooks(alpha, beta, "0.42", "0.48")

	c.Disable()
	c.Tick(context.Background())
	assert.Empty(t, placer.placed)
	assert.True(t, c.Disabled())
}
