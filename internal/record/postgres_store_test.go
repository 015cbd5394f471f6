package record

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"
)

func TestPostgresStoreLifecycle(t *testing.T) {
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store, err := NewPostgresStore(ctx, dsn)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer store.Close()

	for _, stmt := range []string{"TRUNCATE minted_badges", "TRUNCATE sdc_transactions"} {
		if _, err := store.pool.Exec(ctx, stmt); err != nil {
			t.Fatalf("reset: %v", err)
		}
	}

	exerciseRecorder(t, store)
}

func TestPostgresStoreRejectsTokenIDBeyondBigint(t *testing.T) {
	var store PostgresStore
	err := store.SaveBadge(context.Background(), Badge{TokenID: 1 << 63, Wallet: "0xabc", EventID: 1})
	if !errors.Is(err, ErrPersistence) {
		t.Fatalf("expected ErrPersistence, got %v", err)
	}
}
