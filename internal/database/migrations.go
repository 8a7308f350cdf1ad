package database

import (
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/tether/internal/sessions"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationStripProviderPrefixes   = "2026-09-01_strip_provider_prefixes"
	migrationBackfillSessionValidity = "2026-09-20_backfill_session_last_validated"

	legacyProviderPrefix = "google:"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationStripProviderPrefixes, apply: stripProviderPrefixes},
		{name: migrationBackfillSessionValidity, apply: backfillSessionLastValidated},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return fmt.Errorf("database: migration %s: %w", migration.name, err)
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// stripProviderPrefixes rewrites user ids that were stored with the identity
// provider prefix before canonical ids existed.
func stripProviderPrefixes(db *gorm.DB) error {
	start := len(legacyProviderPrefix) + 1
	for _, table := range []string{"sessions", "cookies", "updates", "inconsistency_reports"} {
		statement := fmt.Sprintf("UPDATE %s SET user_id = substr(user_id, %d) WHERE user_id LIKE '%s%%'", table, start, legacyProviderPrefix)
		if err := db.Exec(statement).Error; err != nil {
			return err
		}
	}
	return nil
}

// backfillSessionLastValidated treats sessions that were never checked as
// validated at creation so the state check schedule starts from there.
func backfillSessionLastValidated(db *gorm.DB) error {
	return db.Model(&sessions.Session{}).
		Where("last_validated = 0").
		Update("last_validated", gorm.Expr("created_at_ms")).Error
}
