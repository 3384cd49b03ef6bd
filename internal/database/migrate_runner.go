package database

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"lineage/internal/middleware"

	"gorm.io/gorm"
)

// migrationLockKey serializes migrators across replicas on postgres.
const migrationLockKey int64 = 0x6c696e65

// SchemaMigration is the bookkeeping row for one applied migration.
type SchemaMigration struct {
	Version   int       `gorm:"primaryKey;autoIncrement:false"`
	Name      string    `gorm:"size:255;not null"`
	Checksum  string    `gorm:"size:64;not null"`
	AppliedAt time.Time `gorm:"autoCreateTime"`
}

func (SchemaMigration) TableName() string {
	return "schema_migrations"
}

// MigrationState pairs a registered migration with what the database has
// recorded for it.
type MigrationState struct {
	Migration
	Applied   bool
	AppliedAt time.Time
	// Drifted means the script was edited after it was applied.
	Drifted bool
}

// Migrator applies and reverts the versioned SQL scripts.
type Migrator struct {
	db         *gorm.DB
	migrations []Migration
}

// NewMigrator binds the embedded migrations to db.
func NewMigrator(db *gorm.DB) (*Migrator, error) {
	all, err := Registered()
	if err != nil {
		return nil, fmt.Errorf("load migrations: %w", err)
	}
	return newMigrator(db, all), nil
}

func newMigrator(db *gorm.DB, migrations []Migration) *Migrator {
	return &Migrator{db: db, migrations: migrations}
}

// Up applies every pending migration in one transaction and returns the
// ones it ran. It refuses to run when the database holds versions this
// build does not know or when an applied script has changed.
func (m *Migrator) Up(ctx context.Context) ([]Migration, error) {
	if err := m.db.WithContext(ctx).AutoMigrate(&SchemaMigration{}); err != nil {
		return nil, fmt.Errorf("create schema_migrations: %w", err)
	}

	var ran []Migration
	err := m.locked(ctx, func(tx *gorm.DB) error {
		applied, err := appliedRows(tx)
		if err != nil {
			return err
		}
		if err := m.verify(applied); err != nil {
			return err
		}

		for _, mig := range m.migrations {
			if _, ok := applied[mig.Version]; ok {
				continue
			}
			middleware.Logger.InfoContext(ctx, "applying migration", slog.String("migration", mig.String()))
			if err := tx.Exec(mig.Up).Error; err != nil {
				return fmt.Errorf("apply %s: %w", mig, err)
			}
			row := SchemaMigration{Version: mig.Version, Name: mig.Name, Checksum: mig.Checksum}
			if err := tx.Create(&row).Error; err != nil {
				return fmt.Errorf("record %s: %w", mig, err)
			}
			ran = append(ran, mig)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ran, nil
}

// Status reports every registered migration. A database that was never
// migrated reports everything pending.
func (m *Migrator) Status(ctx context.Context) ([]MigrationState, error) {
	db := m.db.WithContext(ctx)
	applied := map[int]SchemaMigration{}
	if db.Migrator().HasTable(&SchemaMigration{}) {
		var err error
		if applied, err = appliedRows(db); err != nil {
			return nil, err
		}
	}

	states := make([]MigrationState, 0, len(m.migrations))
	for _, mig := range m.migrations {
		st := MigrationState{Migration: mig}
		if row, ok := applied[mig.Version]; ok {
			st.Applied = true
			st.AppliedAt = row.AppliedAt
			st.Drifted = row.Checksum != mig.Checksum
		}
		states = append(states, st)
	}
	if unknown := m.unknownVersions(applied); unknown != "" {
		middleware.Logger.WarnContext(ctx, "database has migrations this build does not know",
			slog.String("versions", unknown))
	}
	return states, nil
}

// Down reverts version, which must be the most recently applied migration.
func (m *Migrator) Down(ctx context.Context, version int) error {
	mig, ok := findMigration(m.migrations, version)
	if !ok {
		return fmt.Errorf("migration %06d is not registered", version)
	}

	return m.locked(ctx, func(tx *gorm.DB) error {
		applied, err := appliedRows(tx)
		if err != nil {
			return err
		}
		if _, ok := applied[version]; !ok {
			return fmt.Errorf("migration %s has not been applied", mig)
		}
		for v := range applied {
			if v > version {
				return fmt.Errorf("migration %06d was applied after %s; revert it first", v, mig)
			}
		}

		middleware.Logger.InfoContext(ctx, "reverting migration", slog.String("migration", mig.String()))
		if err := tx.Exec(mig.Down).Error; err != nil {
			return fmt.Errorf("revert %s: %w", mig, err)
		}
		return tx.Delete(&SchemaMigration{}, version).Error
	})
}

// locked runs fn in a transaction holding the migration lock. Only postgres
// has advisory locks; elsewhere the transaction alone serializes writers.
func (m *Migrator) locked(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if tx.Dialector.Name() == "postgres" {
			if err := tx.Exec("SELECT pg_advisory_xact_lock(?)", migrationLockKey).Error; err != nil {
				return fmt.Errorf("acquire migration lock: %w", err)
			}
		}
		return fn(tx)
	})
}

func (m *Migrator) verify(applied map[int]SchemaMigration) error {
	if unknown := m.unknownVersions(applied); unknown != "" {
		return fmt.Errorf("schema_migrations has versions this build does not know: %s", unknown)
	}
	var drifted []string
	for _, mig := range m.migrations {
		if row, ok := applied[mig.Version]; ok && row.Checksum != mig.Checksum {
			drifted = append(drifted, mig.String())
		}
	}
	if len(drifted) > 0 {
		return fmt.Errorf("applied migrations were edited afterwards: %s", strings.Join(drifted, ", "))
	}
	return nil
}

func (m *Migrator) unknownVersions(applied map[int]SchemaMigration) string {
	var unknown []int
	for v := range applied {
		if _, ok := findMigration(m.migrations, v); !ok {
			unknown = append(unknown, v)
		}
	}
	if len(unknown) == 0 {
		return ""
	}
	sort.Ints(unknown)
	parts := make([]string, len(unknown))
	for i, v := range unknown {
		parts[i] = fmt.Sprintf("%06d", v)
	}
	return strings.Join(parts, ", ")
}

func appliedRows(db *gorm.DB) (map[int]SchemaMigration, error) {
	var rows []SchemaMigration
	if err := db.Order("version").Find(&rows).Error; err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("read schema_migrations: %w", err)
	}
	out := make(map[int]SchemaMigration, len(rows))
	for _, row := range rows {
		out[row.Version] = row
	}
	return out, nil
}
