package postgres

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"testing"
	"time"

	"possync/backend/internal/store"
	"possync/backend/internal/store/storetest"
)

// openIsolated connects with its own search_path so every contract case starts
// from empty tables.
func openIsolated(t *testing.T, databaseURL string) *Store {
	t.Helper()
	ctx := context.Background()

	admin, err := New(ctx, databaseURL)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	schemaName := fmt.Sprintf("possync_it_%d", time.Now().UnixNano())
	if _, err := admin.db.ExecContext(ctx, `CREATE SCHEMA `+schemaName); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	t.Cleanup(func() {
		_, _ = admin.db.ExecContext(ctx, `DROP SCHEMA `+schemaName+` CASCADE`)
		_ = admin.Close()
	})

	u, err := url.Parse(databaseURL)
	if err != nil {
		t.Fatalf("POSSYNC_TEST_DATABASE_URL must be a URL: %v", err)
	}
	q := u.Query()
	q.Set("search_path", schemaName)
	u.RawQuery = q.Encode()

	s, err := New(ctx, u.String())
	if err != nil {
		t.Fatalf("new isolated store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s
}

func TestRepositoryContract(t *testing.T) {
	databaseURL := os.Getenv("POSSYNC_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set POSSYNC_TEST_DATABASE_URL to run postgres integration test")
	}
	storetest.Run(t, func(t *testing.T) store.Repository { return openIsolated(t, databaseURL) })
}

func TestMigrateIsIdempotent(t *testing.T) {
	databaseURL := os.Getenv("POSSYNC_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set POSSYNC_TEST_DATABASE_URL to run postgres integration test")
	}
	s := openIsolated(t, databaseURL)
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}
