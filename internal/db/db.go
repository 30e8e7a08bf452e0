package db

import (
	"context"
	"errors"
	"strings"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/unkeyed/unkey-sub010/internal/analytics"
	"github.com/unkeyed/unkey-sub010/internal/config"
)

// Connect opens a GORM database connection using APP_DATABASE_URL
// (PostgreSQL URL) and migrates the raw event and rollup tables.
func Connect(cfg *config.Config) (*gorm.DB, error) {
	dsn := strings.TrimSpace(cfg.DatabaseURL)
	if dsn == "" {
		return nil, errors.New("APP_DATABASE_URL is required (PostgreSQL URL)")
	}
	if !strings.HasPrefix(dsn, "postgres://") && !strings.HasPrefix(dsn, "postgresql://") {
		return nil, errors.New("APP_DATABASE_URL must be a postgres:// or postgresql:// URL")
	}

	// PrepareStmt: true prevents the GORM postgres migrator from forcing simple protocol
	// for "SELECT * FROM table LIMIT 1", which would otherwise trigger "insufficient arguments".
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{PrepareStmt: true})
	if err != nil {
		return nil, err
	}

	// Raw event streams and the key table.
	if err := db.AutoMigrate(
		&analytics.VerificationEvent{},
		&analytics.RatelimitEvent{},
		&analytics.APIRequestEvent{},
		&WorkspaceKey{},
	); err != nil {
		return nil, err
	}

	// One table per rollup granularity, same shape per event type.
	for _, t := range verificationRollupTables {
		if err := db.Table(t).AutoMigrate(&VerificationRollup{}); err != nil {
			return nil, err
		}
	}
	for _, t := range ratelimitRollupTables {
		if err := db.Table(t).AutoMigrate(&RatelimitRollup{}); err != nil {
			return nil, err
		}
	}
	for _, t := range apiRequestRollupTables {
		if err := db.Table(t).AutoMigrate(&APIRequestRollup{}); err != nil {
			return nil, err
		}
	}

	return db, nil
}

// Store adapts a gorm connection to the analytics execution contract:
// parameterized templates with named bindings on the read side, batched
// appends on the write side. No caching, no retries.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Select(ctx context.Context, template string, bindings map[string]any, dest any) error {
	return s.db.WithContext(ctx).Raw(template, bindings).Scan(dest).Error
}

func (s *Store) Insert(ctx context.Context, table string, rows any) error {
	return s.db.WithContext(ctx).Table(table).Create(rows).Error
}

// EnsureBootstrapKey makes sure the root workspace key from config exists
// and is active. The token itself is never stored, only its bcrypt hash;
// the row is matched by name and workspace.
func EnsureBootstrapKey(db *gorm.DB, cfg *config.Config) error {
	if cfg.RootKey == "" || cfg.RootWorkspaceID == "" {
		return nil
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(cfg.RootKey), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	var existing WorkspaceKey
	err = db.Where("workspace_id = ? AND name = ?", cfg.RootWorkspaceID, "root").Limit(1).Find(&existing).Error
	if err != nil {
		return err
	}
	if existing.ID != 0 {
		if bcrypt.CompareHashAndPassword([]byte(existing.KeyHash), []byte(cfg.RootKey)) == nil && existing.Active {
			return nil
		}
		existing.KeyHash = string(hash)
		existing.Active = true
		return db.Save(&existing).Error
	}

	return db.Create(&WorkspaceKey{
		WorkspaceID: cfg.RootWorkspaceID,
		Name:        "root",
		KeyHash:     string(hash),
		Active:      true,
	}).Error
}

// FindKeyByToken returns the active workspace key matching the presented
// bearer token, or nil when no key matches. A deployment holds a handful
// of keys, so the bcrypt scan over active rows is fine.
func FindKeyByToken(db *gorm.DB, token string) (*WorkspaceKey, error) {
	var keys []WorkspaceKey
	if err := db.Where("active = ?", true).Find(&keys).Error; err != nil {
		return nil, err
	}
	for i := range keys {
		if bcrypt.CompareHashAndPassword([]byte(keys[i].KeyHash), []byte(token)) == nil {
			return &keys[i], nil
		}
	}
	return nil, nil
}
