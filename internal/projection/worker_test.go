package projection_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"StakeVault/internal/persistence"
	"StakeVault/internal/projection"
	"StakeVault/internal/testutil"

	"github.com/rs/zerolog"
)

const holderA = "0x00000000000000000000000000000000000000A1"

func setupMigratedDB(t *testing.T) (*sql.DB, func()) {
	t.Helper()

	db, cleanup := testutil.SetupTestDB(t)
	migrator := persistence.NewMigrator(db, testutil.MigrationsDir(t), zerolog.Nop())
	if err := migrator.Up(context.Background()); err != nil {
		cleanup()
		t.Fatalf("migrate: %v", err)
	}
	return db, cleanup
}

func runWorker(t *testing.T, db *sql.DB, updates []projection.HoldingsUpdate) {
	t.Helper()

	input := make(chan projection.HoldingsUpdate, len(updates))
	for _, u := range updates {
		input <- u
	}
	close(input)

	worker := projection.NewWorker(db, input, zerolog.Nop(), nil)
	done := make(chan error, 1)
	go func() { done <- worker.Run(context.Background()) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("worker: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("worker did not drain its input")
	}
}

func queryShares(t *testing.T, db *sql.DB, holder string) string {
	t.Helper()

	var shares string
	err := db.QueryRow(
		"SELECT shares::TEXT FROM vault_log.holdings WHERE holder = $1", holder,
	).Scan(&shares)
	if err != nil {
		t.Fatalf("query shares for %s: %v", holder, err)
	}
	return shares
}

func strPtr(s string) *string { return &s }

func TestWorker_AppliesMintAndBurnDeltas(t *testing.T) {
	db, cleanup := setupMigratedDB(t)
	defer cleanup()

	runWorker(t, db, []projection.HoldingsUpdate{
		{Sequence: 0, RecordType: "deposit", Holder: strPtr(holderA), SharesDelta: "100"},
		{Sequence: 1, RecordType: "deposit", Holder: strPtr(holderA), SharesDelta: "50"},
		{Sequence: 2, RecordType: "withdrawal", Holder: strPtr(holderA), SharesDelta: "-30"},
	})

	if got := queryShares(t, db, holderA); got != "120" {
		t.Errorf("expected 120 shares projected, got %s", got)
	}

	var lastSeq int64
	if err := db.QueryRow(
		"SELECT last_sequence FROM vault_log.holdings WHERE holder = $1", holderA,
	).Scan(&lastSeq); err != nil {
		t.Fatalf("query last_sequence: %v", err)
	}
	if lastSeq != 2 {
		t.Errorf("expected watermark 2, got %d", lastSeq)
	}
}

func TestWorker_SkipsUpdatesWithoutHoldings(t *testing.T) {
	db, cleanup := setupMigratedDB(t)
	defer cleanup()

	runWorker(t, db, []projection.HoldingsUpdate{
		{Sequence: 0, RecordType: "compound"},
		{Sequence: 1, RecordType: "admin_transfer"},
	})

	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM vault_log.holdings").Scan(&count); err != nil {
		t.Fatalf("count holdings: %v", err)
	}
	if count != 0 {
		t.Errorf("expected no holdings rows, got %d", count)
	}
}

func TestRebuild_RecomputesFromOperationLog(t *testing.T) {
	db, cleanup := setupMigratedDB(t)
	defer cleanup()

	holder := holderA
	rows := []persistence.OperationRow{
		{
			Sequence: 0, RecordType: "deposit", IdempotencyKey: "k0",
			Holder: &holder, Payload: []byte(`{"shares":"100"}`),
			StateHash: []byte{1}, PrevHash: []byte{0}, Timestamp: time.Now().UTC(),
		},
		{
			Sequence: 1, RecordType: "withdrawal", IdempotencyKey: "k1",
			Holder: &holder, Payload: []byte(`{"shares":"40"}`),
			StateHash: []byte{2}, PrevHash: []byte{1}, Timestamp: time.Now().UTC(),
		},
		{
			Sequence: 2, RecordType: "compound", IdempotencyKey: "k2",
			Payload: []byte(`{}`), StateHash: []byte{3}, PrevHash: []byte{2}, Timestamp: time.Now().UTC(),
		},
	}

	writer := persistence.NewOperationLogWriter(db)
	tx, err := db.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := writer.WriteBatch(context.Background(), tx, rows); err != nil {
		tx.Rollback()
		t.Fatalf("write operations: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	// Seed the table with a stale value the rebuild must discard.
	runWorker(t, db, []projection.HoldingsUpdate{
		{Sequence: 0, RecordType: "deposit", Holder: strPtr(holderA), SharesDelta: "999"},
	})

	if err := projection.Rebuild(context.Background(), db, zerolog.Nop()); err != nil {
		t.Fatalf("rebuild: %v", err)
	}

	if got := queryShares(t, db, holderA); got != "60" {
		t.Errorf("expected rebuilt balance 60, got %s", got)
	}
}
