package database

import (
	"fmt"
	"testing"

	"github.com/google/uuid"

	"github.com/ksred/klear-queue/internal/config"
)

func TestNewDatabaseMigrates(t *testing.T) {
	db, err := NewDatabase(config.Database{
		Driver: "sqlite",
		DSN:    fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.New().String()),
	})
	if err != nil {
		t.Fatalf("NewDatabase() returned error: %v", err)
	}

	for _, table := range []string{"queued_orders", "idempotency_records", "accounts", "positions", "transactions", "notifications"} {
		if !db.Migrator().HasTable(table) {
			t.Errorf("expected table %s to exist", table)
		}
	}
	if !db.Migrator().HasIndex("queued_orders", "idx_queued_orders_status_scheduled") {
		t.Error("expected sweep index on queued_orders")
	}

	// migrations are re-runnable
	if err := Migrate(db); err != nil {
		t.Errorf("second Migrate() returned error: %v", err)
	}
}

func TestNewDatabaseRejectsUnknownDriver(t *testing.T) {
	if _, err := NewDatabase(config.Database{Driver: "oracle", DSN: "x"}); err == nil {
		t.Error("expected error for unknown driver")
	}
}
