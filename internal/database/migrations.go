package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillChangeReviewers = "2026-05-12_backfill_field_change_reviewers"

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
		{name: migrationBackfillChangeReviewers, apply: backfillChangeReviewers},
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
			return err
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

// Early builds wrote field changes without the reviewer column; copy it over
// from the owning submission record.
func backfillChangeReviewers(db *gorm.DB) error {
	const backfill = `UPDATE field_change_records
SET reviewer_id = (
	SELECT submission_records.reviewer_id
	FROM submission_records
	WHERE submission_records.run_id = field_change_records.run_id
)
WHERE reviewer_id = ''
AND EXISTS (
	SELECT 1 FROM submission_records
	WHERE submission_records.run_id = field_change_records.run_id
);`
	return db.Exec(backfill).Error
}
