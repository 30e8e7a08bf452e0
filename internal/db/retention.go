package db

import (
	"log"
	"time"

	"gorm.io/gorm"

	"github.com/unkeyed/unkey-sub010/internal/analytics"
)

// runRetentionOnce deletes raw events older than the retention window.
// Rollups are kept: they are the durable source for billing and long
// range charts.
func runRetentionOnce(db *gorm.DB, retentionDays int) error {
	if retentionDays <= 0 {
		return nil
	}
	cutoff := time.Now().UTC().Add(-time.Duration(retentionDays) * 24 * time.Hour).UnixMilli()

	if err := db.Where("time < ?", cutoff).Delete(&analytics.VerificationEvent{}).Error; err != nil {
		return err
	}
	if err := db.Where("time < ?", cutoff).Delete(&analytics.RatelimitEvent{}).Error; err != nil {
		return err
	}
	return db.Where("time < ?", cutoff).Delete(&analytics.APIRequestEvent{}).Error
}

// StartRetentionWorker launches a background goroutine that runs the
// retention cleanup once at startup and then once per day.
func StartRetentionWorker(db *gorm.DB, retentionDays int) {
	go func() {
		if err := runRetentionOnce(db, retentionDays); err != nil {
			log.Printf("retention cleanup error (startup): %v", err)
		}

		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()

		for range ticker.C {
			if err := runRetentionOnce(db, retentionDays); err != nil {
				log.Printf("retention cleanup error: %v", err)
			}
		}
	}()
}
