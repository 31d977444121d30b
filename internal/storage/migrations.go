package storage

import (
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// ═══════════════════════════════════════════════════════════════════════════════
// MIGRATIONS - Applied in lexicographic version order
// ═══════════════════════════════════════════════════════════════════════════════
//
// Each migration records its row in schema_migrations inside the same
// transaction as its DDL, so a crash mid-apply leaves no half-recorded state.
//
// ═══════════════════════════════════════════════════════════════════════════════

type migration struct {
	version string
	apply   func(tx *gorm.DB) error
}

var migrations = []migration{
	{
		version: "0001_core_tables",
		apply: func(tx *gorm.DB) error {
			return tx.AutoMigrate(&Order{}, &OrderEvent{}, &Fill{}, &Trade{})
		},
	},
	{
		version: "0002_double_limits",
		apply: func(tx *gorm.DB) error {
			return tx.AutoMigrate(&DoubleLimit{})
		},
	},
	{
		version: "0003_incidents_simruns",
		apply: func(tx *gorm.DB) error {
			return tx.AutoMigrate(&Incident{}, &SimulatedRun{})
		},
	},
	{
		version: "0004_fill_watermarks",
		apply: func(tx *gorm.DB) error {
			return tx.AutoMigrate(&FillWatermark{})
		},
	},
}

func (d *Database) migrate() error {
	if err := d.db.AutoMigrate(&SchemaMigration{}); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	applied := make(map[string]bool)
	var rows []SchemaMigration
	if err := d.db.Find(&rows).Error; err != nil {
		return fmt.Errorf("read schema_migrations: %w", err)
	}
	for _, r := range rows {
		applied[r.Version] = true
	}

	pending := make([]migration, 0, len(migrations))
	for _, m := range migrations {
		if !applied[m.version] {
			pending = append(pending, m)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].version < pending[j].version })

	for _, m := range pending {
		err := d.db.Transaction(func(tx *gorm.DB) error {
			if err := tx.Create(&SchemaMigration{Version: m.version, AppliedAt: time.Now()}).Error; err != nil {
				return err
			}
			return m.apply(tx)
		})
		if err != nil {
			return fmt.Errorf("migration %s: %w", m.version, err)
		}
		log.Info().Str("version", m.version).Msg("💾 Migration applied")
	}
	return nil
}
