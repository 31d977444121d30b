package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/web3guy0/hedgebot/internal/config"
)

// ═══════════════════════════════════════════════════════════════════════════════
// PERSISTENCE GATEWAY - Transactional upserts + append-only logs
// ═══════════════════════════════════════════════════════════════════════════════

// Database wraps the gorm handle.
type Database struct {
	db *gorm.DB
}

// New opens the configured backend and applies pending migrations.
func New(cfg config.DatabaseConfig) (*Database, error) {
	var (
		db  *gorm.DB
		err error
	)

	gormCfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}

	switch cfg.Backend {
	case "postgres":
		db, err = gorm.Open(postgres.Open(cfg.DSN), gormCfg)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		log.Info().Msg("💾 Database connected (PostgreSQL)")
	case "sqlite":
		if dir := filepath.Dir(cfg.DSN); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create database dir: %w", err)
			}
		}
		db, err = gorm.Open(sqlite.Open(cfg.DSN), gormCfg)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		log.Info().Str("path", cfg.DSN).Msg("💾 Database initialized (SQLite)")
	default:
		return nil, fmt.Errorf("unsupported database backend %q", cfg.Backend)
	}

	d := &Database{db: db}
	if err := d.migrate(); err != nil {
		return nil, err
	}
	return d, nil
}

// Close releases the underlying connection pool.
func (d *Database) Close() {
	if sqlDB, err := d.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

// ─── Orders ────────────────────────────────────────────────────────────────────

// UpsertOrder writes an order row, idempotent on client_order_id.
func (d *Database) UpsertOrder(ctx context.Context, o *Order) error {
	return d.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "client_order_id"}},
			UpdateAll: true,
		}).
		Create(o).Error
}

// SaveOrderTransition atomically writes the order_events row and the
// updated order row in one short transaction.
func (d *Database) SaveOrderTransition(ctx context.Context, o *Order, ev *OrderEvent) error {
	return d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(ev).Error; err != nil {
			return err
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "client_order_id"}},
			UpdateAll: true,
		}).Create(o).Error
	})
}

// GetOrder loads one order by client id.
func (d *Database) GetOrder(ctx context.Context, clientOrderID string) (*Order, error) {
	var o Order
	err := d.db.WithContext(ctx).First(&o, "client_order_id = ?", clientOrderID).Error
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// NonTerminalOrders lists orders whose status is not terminal, for recovery.
func (d *Database) NonTerminalOrders(ctx context.Context) ([]Order, error) {
	var out []Order
	err := d.db.WithContext(ctx).
		Where("status NOT IN ?", []string{"FILLED", "CANCELLED", "REJECTED", "EXPIRED", "ERRORED"}).
		Find(&out).Error
	return out, err
}

// OrderEvents returns the transition log for one order, oldest first.
func (d *Database) OrderEvents(ctx context.Context, clientOrderID string) ([]OrderEvent, error) {
	var out []OrderEvent
	err := d.db.WithContext(ctx).
		Where("client_order_id = ?", clientOrderID).
		Order("id asc").
		Find(&out).Error
	return out, err
}

// CountLiveOrders counts LIVE/PARTIAL orders, optionally for one pair.
func (d *Database) CountLiveOrders(ctx context.Context, pairID string) (int64, error) {
	q := d.db.WithContext(ctx).Model(&Order{}).
		Where("status IN ?", []string{"LIVE", "PARTIAL"})
	if pairID != "" {
		q = q.Where("pair_id = ?", pairID)
	}
	var n int64
	err := q.Count(&n).Error
	return n, err
}

// ─── Fills & watermarks ────────────────────────────────────────────────────────

// SaveFill appends one canonical fill. The unique (venue, order, fill_id)
// index makes re-insertion of the same fill a no-op.
func (d *Database) SaveFill(ctx context.Context, f *Fill) error {
	return d.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(f).Error
}

// FillsForOrder lists canonical fills for one venue order, oldest first.
func (d *Database) FillsForOrder(ctx context.Context, venue, venueOrderID string) ([]Fill, error) {
	var out []Fill
	err := d.db.WithContext(ctx).
		Where("venue = ? AND venue_order_id = ?", venue, venueOrderID).
		Order("id asc").
		Find(&out).Error
	return out, err
}

// LastFillTime returns the newest fill timestamp for a pair's orders.
func (d *Database) LastFillTime(ctx context.Context, pairID string) (time.Time, error) {
	var f Fill
	err := d.db.WithContext(ctx).
		Joins("JOIN orders ON orders.client_order_id = fills.client_order_id").
		Where("orders.pair_id = ?", pairID).
		Order("fills.ts desc").
		First(&f).Error
	if err != nil {
		return time.Time{}, err
	}
	return f.Ts, nil
}

// SaveWatermark upserts the cumulative emitted size for one venue order.
func (d *Database) SaveWatermark(ctx context.Context, w *FillWatermark) error {
	return d.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "venue"}, {Name: "venue_order_id"}},
			UpdateAll: true,
		}).
		Create(w).Error
}

// Watermarks loads every persisted watermark, for startup recovery.
func (d *Database) Watermarks(ctx context.Context) ([]FillWatermark, error) {
	var out []FillWatermark
	err := d.db.WithContext(ctx).Find(&out).Error
	return out, err
}

// ─── Trades ────────────────────────────────────────────────────────────────────

// SaveTrade appends a matched entry/hedge trade row.
func (d *Database) SaveTrade(ctx context.Context, t *Trade) error {
	return d.db.WithContext(ctx).Create(t).Error
}

// DailyPnL sums estimated pnl over trades created since the given time.
func (d *Database) DailyPnL(ctx context.Context, since time.Time) (decimal.Decimal, error) {
	var rows []Trade
	if err := d.db.WithContext(ctx).Where("created_at >= ?", since).Find(&rows).Error; err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, t := range rows {
		total = total.Add(t.EstimatedPnL)
	}
	return total, nil
}

// ─── Double limits ─────────────────────────────────────────────────────────────

// CreateDoubleLimit writes the ARMED record. Fails if either leg is reused.
func (d *Database) CreateDoubleLimit(ctx context.Context, dl *DoubleLimit) error {
	return d.db.WithContext(ctx).Create(dl).Error
}

// UpdateDoubleLimit persists a state change.
func (d *Database) UpdateDoubleLimit(ctx context.Context, dl *DoubleLimit) error {
	return d.db.WithContext(ctx).Save(dl).Error
}

// ─── Incidents ─────────────────────────────────────────────────────────────────

// Record implements incident.Recorder against the incidents table.
// A write failure is logged but never propagated.
func (d *Database) Record(ctx context.Context, severity, code, message string, details map[string]any) {
	payload := ""
	if details != nil {
		if raw, err := json.Marshal(details); err == nil {
			payload = string(raw)
		}
	}
	row := &Incident{Severity: severity, Code: code, Message: message, Details: payload}
	if err := d.db.WithContext(ctx).Create(row).Error; err != nil {
		log.Error().Err(err).Str("code", code).Msg("❌ Failed to persist incident")
	}
}

// RecentIncidents lists the newest incidents, newest first.
func (d *Database) RecentIncidents(ctx context.Context, limit int) ([]Incident, error) {
	var out []Incident
	err := d.db.WithContext(ctx).Order("id desc").Limit(limit).Find(&out).Error
	return out, err
}

// ─── Simulated runs ────────────────────────────────────────────────────────────

// SaveSimulatedRun appends one /simulate plan.
func (d *Database) SaveSimulatedRun(ctx context.Context, r *SimulatedRun) error {
	return d.db.WithContext(ctx).Create(r).Error
}
