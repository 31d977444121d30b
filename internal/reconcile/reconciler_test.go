package reconcile

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/hedgebot/internal/storage"
	"github.com/web3guy0/hedgebot/internal/telemetry"
	"github.com/web3guy0/hedgebot/internal/venue"
)

func d(s string) decimal.Decimal {
	v, _ := decimal.NewFromString(s)
	return v
}

type memStore struct {
	mu    sync.Mutex
	fills []storage.Fill
	marks map[string]decimal.Decimal
}

func newMemStore() *memStore {
	return &memStore{marks: make(map[string]decimal.Decimal)}
}

func (s *memStore) SaveFill(_ context.Context, f *storage.Fill) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fills = append(s.fills, *f)
	return nil
}

func (s *memStore) SaveWatermark(_ context.Context, w *storage.FillWatermark) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marks[w.Venue+"|"+w.VenueOrderID] = w.Cumulative
	return nil
}

type fixedIndex map[string]string

func (ix fixedIndex) Resolve(venueName, venueOrderID string) (string, bool) {
	id, ok := ix[venueName+"|"+venueOrderID]
	return id, ok
}

type nopIncidents struct {
	mu    sync.Mutex
	codes []string
}

func (r *nopIncidents) Record(_ context.Context, _, code, _ string, _ map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codes = append(r.codes, code)
}

type fixture struct {
	rec     *Reconciler
	store   *memStore
	inc     *nopIncidents
	emitted []storage.Fill
	mu      sync.Mutex
}

func newFixture(providesFillID bool) *fixture {
	fx := &fixture{store: newMemStore(), inc: &nopIncidents{}}
	fx.rec = New(Config{
		Venue:          "alpha",
		ProvidesFillID: providesFillID,
		LRUSize:        64,
		StaleThreshold: 50 * time.Millisecond,
	}, fx.store, fixedIndex{"alpha|v-1": "c-1"}, telemetry.NewNop(), fx.inc,
		func(_ context.Context, f storage.Fill) {
			fx.mu.Lock()
			fx.emitted = append(fx.emitted, f)
			fx.mu.Unlock()
		})
	return fx
}

func (fx *fixture) fills() []storage.Fill {
	fx.mu.Lock()
	defer fx.mu.Unlock()
	out := make([]storage.Fill, len(fx.emitted))
	copy(out, fx.emitted)
	return out
}

func pushEvent(fillID string, seq uint64, size string) venue.FillEvent {
	return venue.FillEvent{
		Venue:        "alpha",
		VenueOrderID: "v-1",
		FillID:       fillID,
		Seq:          seq,
		Side:         "BUY",
		Price:        d("0.42"),
		Size:         d(size),
		Ts:           time.Unix(1700000000, 0),
	}
}

// Scenario: the same websocket frame delivered twice emits exactly once.
func TestDuplicatePushDropped(t *testing.T) {
	fx := newFixture(true)
	ctx := context.Background()
	fx.rec.SetRequested("v-1", d("100"))

	fx.rec.HandlePush(ctx, pushEvent("f-1", 0, "50"))
	fx.rec.HandlePush(ctx, pushEvent("f-1", 0, "50"))

	fills := fx.fills()
	require.Len(t, fills, 1)
	assert.Equal(t, "f-1", fills[0].FillID)
	assert.Equal(t, "c-1", fills[0].ClientOrderID)
	assert.True(t, fx.rec.Watermark("v-1").Equal(d("50")))
}

// Scenario: polls showing cumulative 30 then 70 emit deltas 30 and 40.
func TestPollDiffEmitsDeltas(t *testing.T) {
	fx := newFixture(false)
	ctx := context.Background()

	oo := venue.OpenOrder{
		VenueOrderID: "v-1",
		Side:         "BUY",
		Price:        d("0.42"),
		Size:         d("100"),
		FilledSize:   d("30"),
		UpdatedAt:    time.Unix(1700000000, 0),
	}
	fx.rec.HandlePoll(ctx, oo)

	oo.FilledSize = d("70")
	fx.rec.HandlePoll(ctx, oo)

	fills := fx.fills()
	require.Len(t, fills, 2)
	assert.True(t, fills[0].Size.Equal(d("30")))
	assert.True(t, fills[1].Size.Equal(d("40")))
	assert.Equal(t, "delta-0", fills[0].FillID)
	assert.Equal(t, "delta-1", fills[1].FillID)
	assert.True(t, fx.rec.Watermark("v-1").Equal(d("70")))
	assert.True(t, fx.store.marks["alpha|v-1"].Equal(d("70")))
}

// A poll that regresses below the watermark emits nothing.
func TestPollNeverDecreases(t *testing.T) {
	fx := newFixture(false)
	ctx := context.Background()

	oo := venue.OpenOrder{VenueOrderID: "v-1", Side: "BUY", Price: d("0.42"),
		Size: d("100"), FilledSize: d("70")}
	fx.rec.HandlePoll(ctx, oo)

	oo.FilledSize = d("30")
	fx.rec.HandlePoll(ctx, oo)

	require.Len(t, fx.fills(), 1)
	assert.True(t, fx.rec.Watermark("v-1").Equal(d("70")))
}

// Overlapping polls with identical cumulative are absorbed.
func TestOverlappingPollsNoOp(t *testing.T) {
	fx := newFixture(false)
	ctx := context.Background()

	oo := venue.OpenOrder{VenueOrderID: "v-1", Side: "BUY", Price: d("0.42"),
		Size: d("100"), FilledSize: d("30")}
	fx.rec.HandlePoll(ctx, oo)
	fx.rec.HandlePoll(ctx, oo)
	fx.rec.HandlePoll(ctx, oo)

	assert.Len(t, fx.fills(), 1)
}

// A push that would overfill the order is suppressed with an incident.
func TestOverfillSuppressed(t *testing.T) {
	fx := newFixture(true)
	ctx := context.Background()
	fx.rec.SetRequested("v-1", d("100"))

	fx.rec.HandlePush(ctx, pushEvent("f-1", 0, "80"))
	fx.rec.HandlePush(ctx, pushEvent("f-2", 0, "80"))

	require.Len(t, fx.fills(), 1)
	assert.Contains(t, fx.inc.codes, "INVARIANT_VIOLATION")
	assert.True(t, fx.rec.Watermark("v-1").Equal(d("80")))
}

// Out-of-order sequenced pushes are reordered before emission.
func TestOutOfOrderPushReordered(t *testing.T) {
	fx := newFixture(true)
	ctx := context.Background()
	fx.rec.SetRequested("v-1", d("100"))

	fx.rec.HandlePush(ctx, pushEvent("f-1", 1, "20"))
	fx.rec.HandlePush(ctx, pushEvent("f-3", 3, "30")) // gap: buffered
	assert.Len(t, fx.fills(), 1)

	fx.rec.HandlePush(ctx, pushEvent("f-2", 2, "25")) // fills the gap
	fills := fx.fills()
	require.Len(t, fills, 3)
	assert.Equal(t, "f-2", fills[1].FillID)
	assert.Equal(t, "f-3", fills[2].FillID)
}

// Push and poll cooperate: a poll after a push only emits the remainder.
func TestPushThenPollCoalesces(t *testing.T) {
	fx := newFixture(true)
	ctx := context.Background()
	fx.rec.SetRequested("v-1", d("100"))

	fx.rec.HandlePush(ctx, pushEvent("f-1", 0, "30"))

	fx.rec.HandlePoll(ctx, venue.OpenOrder{VenueOrderID: "v-1", Side: "BUY",
		Price: d("0.42"), Size: d("100"), FilledSize: d("70")})

	fills := fx.fills()
	require.Len(t, fills, 2)
	assert.True(t, fills[1].Size.Equal(d("40")), "poll emits only the delta above the push watermark")
}

// Seeded watermarks survive restarts: replayed history is not re-emitted.
func TestSeedWatermarkSuppressesReplay(t *testing.T) {
	fx := newFixture(false)
	ctx := context.Background()
	fx.rec.SeedWatermark("v-1", d("70"), 2)

	fx.rec.HandlePoll(ctx, venue.OpenOrder{VenueOrderID: "v-1", Side: "BUY",
		Price: d("0.42"), Size: d("100"), FilledSize: d("70")})
	assert.Empty(t, fx.fills())

	fx.rec.HandlePoll(ctx, venue.OpenOrder{VenueOrderID: "v-1", Side: "BUY",
		Price: d("0.42"), Size: d("100"), FilledSize: d("100")})
	fills := fx.fills()
	require.Len(t, fills, 1)
	assert.Equal(t, "delta-2", fills[0].FillID)
}

func TestWatchdogFlagsStaleOrder(t *testing.T) {
	fx := newFixture(true)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fx.rec.SetRequested("v-1", d("100")) // creates the track, lastSignal = now

	done := make(chan struct{})
	go func() {
		fx.rec.RunWatchdog(ctx, func() []string { return []string{"v-1"} })
		close(done)
	}()

	assert.Eventually(t, func() bool {
		fx.inc.mu.Lock()
		defer fx.inc.mu.Unlock()
		for _, c := range fx.inc.codes {
			if c == "STALE_FILL_SOURCE" {
				return true
			}
		}
		return false
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	<-done
}

func TestKeyLRUEvicts(t *testing.T) {
	lru := newKeyLRU(2)
	assert.False(t, lru.Seen("a"))
	assert.False(t, lru.Seen("b"))
	assert.True(t, lru.Seen("a"))
	assert.False(t, lru.Seen("c")) // evicts b
	assert.False(t, lru.Seen("b"))
	assert.Equal(t, 2, lru.Len())
}
