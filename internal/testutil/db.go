// Package testutil holds fixtures shared by repository, service and API tests.
package testutil

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/d60-Lab/newsletter/internal/model"
	"github.com/d60-Lab/newsletter/pkg/database"
)

// NewTestDB opens a migrated in-memory sqlite database.
//
// The pool is pinned to one connection: every connection to ":memory:" is a
// separate database, and a single connection also serialises transactions the
// way row locks would on postgres.
func NewTestDB(tb testing.TB) *gorm.DB {
	tb.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		tb.Fatalf("open db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		tb.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := database.Migrate(db); err != nil {
		tb.Fatalf("migrate: %v", err)
	}
	tb.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

// SeedSubscribers inserts n subscribers with the given status and returns their addresses.
func SeedSubscribers(tb testing.TB, db *gorm.DB, status string, n int) []string {
	tb.Helper()
	emails := make([]string, n)
	subs := make([]model.Subscription, n)
	for i := 0; i < n; i++ {
		id := uuid.NewString()
		emails[i] = fmt.Sprintf("%s-%d@example.com", status, i)
		subs[i] = model.Subscription{
			ID:           id,
			Email:        emails[i],
			Name:         "subscriber " + id[:8],
			Status:       status,
			SubscribedAt: time.Now().UTC(),
		}
	}
	if n > 0 {
		if err := db.Create(&subs).Error; err != nil {
			tb.Fatalf("seed subscribers: %v", err)
		}
	}
	return emails
}
