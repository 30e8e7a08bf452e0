package db

import (
	"time"

	"github.com/unkeyed/unkey-sub010/internal/analytics"
)

// Rollup rows are pre-aggregated summaries of raw events over a fixed
// bucket width and grouping key. They are written only by the rollup
// worker and read by the analytics layer; bucket starts are ms epochs
// aligned to the bucket unit.

// VerificationRollup summarizes key verifications per
// (workspace, key space, key, outcome, bucket).
type VerificationRollup struct {
	WorkspaceID string `gorm:"primaryKey;size:64"`
	KeySpaceID  string `gorm:"primaryKey;size:64"`
	KeyID       string `gorm:"primaryKey;size:64"`
	Outcome     string `gorm:"primaryKey;size:32"`
	BucketStart int64  `gorm:"primaryKey;autoIncrement:false"`

	Count int64 `gorm:"not null"`
}

// RatelimitRollup summarizes ratelimit decisions per
// (workspace, namespace, identifier, passed, bucket).
type RatelimitRollup struct {
	WorkspaceID string `gorm:"primaryKey;size:64"`
	NamespaceID string `gorm:"primaryKey;size:64"`
	Identifier  string `gorm:"primaryKey;size:255"`
	Passed      bool   `gorm:"primaryKey"`
	BucketStart int64  `gorm:"primaryKey;autoIncrement:false"`

	Count int64 `gorm:"not null"`
}

// APIRequestRollup summarizes API requests per
// (workspace, host, method, path, bucket), carrying the partial latency
// state needed to merge buckets into coarser ones without rereading raw
// events.
type APIRequestRollup struct {
	WorkspaceID string `gorm:"primaryKey;size:64"`
	Host        string `gorm:"primaryKey;size:255"`
	Method      string `gorm:"primaryKey;size:16"`
	Path        string `gorm:"primaryKey;size:512"`
	BucketStart int64  `gorm:"primaryKey;autoIncrement:false"`

	Count        int64   `gorm:"not null"` // total requests in this bucket
	ErrorCount   int64   `gorm:"not null"` // requests with status >= 400
	LatencySumMs float64 `gorm:"not null"`
	LatencyCount int64   `gorm:"not null"`
	LatencyMaxMs float64 `gorm:"not null"`
	LatencyP99Ms float64 `gorm:"not null"` // 99th percentile service latency
}

// verificationRollupTables and friends list the tables each rollup model
// materializes into, finest first. AutoMigrate walks these on connect
// and the rollup worker cascades along them.
var (
	verificationRollupTables = []string{
		analytics.TableVerificationsPerMinute,
		analytics.TableVerificationsPerHour,
		analytics.TableVerificationsPerDay,
		analytics.TableVerificationsPerMonth,
	}
	ratelimitRollupTables = []string{
		analytics.TableRatelimitsPerMinute,
		analytics.TableRatelimitsPerHour,
		analytics.TableRatelimitsPerDay,
		analytics.TableRatelimitsPerMonth,
	}
	apiRequestRollupTables = []string{
		analytics.TableAPIRequestsPerMinute,
		analytics.TableAPIRequestsPerHour,
		analytics.TableAPIRequestsPerDay,
	}
)

// WorkspaceKey authenticates ingest and query calls for one workspace.
// Only the bcrypt hash of the bearer token is stored.
type WorkspaceKey struct {
	ID uint `gorm:"primaryKey"`

	CreatedAt time.Time
	UpdatedAt time.Time

	WorkspaceID string `gorm:"index;size:64;not null"`

	// Name is a human-friendly identifier for this key (e.g. "root").
	Name string `gorm:"size:128;not null"`

	// KeyHash is the bcrypt hash of the bearer token.
	KeyHash string `gorm:"size:255;not null"`

	// Active indicates whether this key is currently enabled.
	Active bool `gorm:"default:true"`
}
