package storage

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

func testDB(t *testing.T) *Database {
	t.Helper()
	db, err := New(config.DatabaseConfig{Backend: "sqlite", DSN: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(db.Close)
	return db
}

func TestMigrationsRecorded(t *testing.T) {
	db := testDB(t)

	var rows []SchemaMigration
	require.NoError(t, db.db.Find(&rows).Error)
	require.Len(t, rows, len(migrations))
	assert.Equal(t, "0001_core_tables", rows[0].Version)

	// Reopening against the same handle applies nothing new.
	require.NoError(t, db.migrate())
	var again []SchemaMigration
	require.NoError(t, db.db.Find(&again).Error)
	assert.Len(t, again, len(migrations))
}

func TestUpsertOrderIdempotent(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	o := &Order{
		ClientOrderID: "p1-PRIMARY-1-abc",
		Venue:         "alpha",
		PairID:        "p1",
		Side:          "BUY",
		RequestedSize: d("100"),
		Status:        "NEW",
		Role:          RolePrimary,
	}
	require.NoError(t, db.UpsertOrder(ctx, o))

	o.Status = "LIVE"
	o.VenueOrderID = "v-1"
	require.NoError(t, db.UpsertOrder(ctx, o))

	got, err := db.GetOrder(ctx, o.ClientOrderID)
	require.NoError(t, err)
	assert.Equal(t, "LIVE", got.Status)
	assert.Equal(t, "v-1", got.VenueOrderID)

	n, err := db.CountLiveOrders(ctx, "p1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestSaveOrderTransitionAtomic(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	o := &Order{
		ClientOrderID: "p1-PRIMARY-2-def",
		Venue:         "alpha",
		PairID:        "p1",
		RequestedSize: d("100"),
		Status:        "PENDING_PLACE",
	}
	ev := &OrderEvent{
		ClientOrderID: o.ClientOrderID,
		Stage:         "PlaceSubmitted",
		FromStatus:    "NEW",
		ToStatus:      "PENDING_PLACE",
	}
	require.NoError(t, db.SaveOrderTransition(ctx, o, ev))

	events, err := db.OrderEvents(ctx, o.ClientOrderID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "PlaceSubmitted", events[0].Stage)
}

func TestFillUniqueKeyAbsorbsDuplicates(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	f := &Fill{
		Venue:        "alpha",
		VenueOrderID: "v-1",
		FillID:       "f-1",
		Side:         "BUY",
		Price:        d("0.42"),
		Size:         d("50"),
		Source:       "websocket",
		Ts:           time.Unix(1700000000, 0),
	}
	require.NoError(t, db.SaveFill(ctx, f))

	dup := *f
	dup.ID = 0
	require.NoError(t, db.SaveFill(ctx, &dup), "duplicate insert is a silent no-op")

	fills, err := db.FillsForOrder(ctx, "alpha", "v-1")
	require.NoError(t, err)
	assert.Len(t, fills, 1)
}

func TestDoubleLimitLegReuseForbidden(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	dl := &DoubleLimit{
		PairKey:   "p1",
		OrderARef: "a-1",
		OrderBRef: "b-1",
		State:     DoubleLimitArmed,
	}
	require.NoError(t, db.CreateDoubleLimit(ctx, dl))

	reuse := &DoubleLimit{
		PairKey:   "p1",
		OrderARef: "a-1", // same leg
		OrderBRef: "b-2",
		State:     DoubleLimitArmed,
	}
	assert.Error(t, db.CreateDoubleLimit(ctx, reuse))

	dl.State = DoubleLimitResolved
	dl.TriggeredOrderID = "a-1"
	dl.CancelledOrderID = "b-1"
	require.NoError(t, db.UpdateDoubleLimit(ctx, dl))
}

func TestWatermarkUpsert(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	w := &FillWatermark{Venue: "alpha", VenueOrderID: "v-1", Cumulative: d("30")}
	require.NoError(t, db.SaveWatermark(ctx, w))

	w.Cumulative = d("70")
	require.NoError(t, db.SaveWatermark(ctx, w))

	marks, err := db.Watermarks(ctx)
	require.NoError(t, err)
	require.Len(t, marks, 1)
	assert.True(t, marks[0].Cumulative.Equal(d("70")))
}

func TestIncidentsAppendOnly(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	db.Record(ctx, "WARN", "STALE_FILL_SOURCE", "sources quiet", map[string]any{"order": "v-1"})
	db.Record(ctx, "ERROR", "HEDGE_SLIPPAGE_ABORT", "too thin", nil)

	incidents, err := db.RecentIncidents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, incidents, 2)
	assert.Equal(t, "HEDGE_SLIPPAGE_ABORT", incidents[0].Code, "newest first")
}

func TestTradesAndDailyPnL(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	require.NoError(t, db.SaveTrade(ctx, &Trade{
		PairID:       "p1",
		EntryOrderID: "e-1",
		HedgeOrderID: "h-1",
		Size:         d("100"),
		EntryPrice:   d("0.42"),
		HedgePrice:   d("0.48"),
		EstimatedPnL: d("5.1"),
	}))
	require.NoError(t, db.SaveTrade(ctx, &Trade{
		PairID:       "p1",
		EntryOrderID: "e-2",
		HedgeOrderID: "h-2",
		Size:         d("50"),
		EstimatedPnL: d("-1.1"),
	}))

	pnl, err := db.DailyPnL(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.True(t, pnl.Equal(d("4")), "pnl = %s", pnl)
}

func TestNonTerminalOrders(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	for id, status := range map[string]string{
		"o-live":      "LIVE",
		"o-partial":   "PARTIAL",
		"o-filled":    "FILLED",
		"o-cancelled": "CANCELLED",
	} {
		require.NoError(t, db.UpsertOrder(ctx, &Order{
			ClientOrderID: id,
			Venue:         "alpha",
			PairID:        "p1",
			RequestedSize: d("10"),
			Status:        status,
		}))
	}

	open, err := db.NonTerminalOrders(ctx)
	require.NoError(t, err)
	assert.Len(t, open, 2)
}
