package persistence_test

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"StakeVault/internal/persistence"
	"StakeVault/internal/testutil"

	"github.com/rs/zerolog"
)

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

func sampleRow(sequence int64) persistence.OperationRow {
	holder := "0x00000000000000000000000000000000000000A1"
	return persistence.OperationRow{
		Sequence:       sequence,
		RecordType:     "deposit",
		IdempotencyKey: fmt.Sprintf("key-%d", sequence),
		Holder:         &holder,
		Payload:        []byte(`{"shares":"100"}`),
		StateHash:      []byte{1, 2, 3},
		PrevHash:       []byte{4, 5, 6},
		Timestamp:      time.Now().UTC(),
	}
}

func writeRows(t *testing.T, db *sql.DB, rows []persistence.OperationRow) {
	t.Helper()

	writer := persistence.NewOperationLogWriter(db)
	tx, err := db.Begin()
	if err != nil {
		t.Fatalf("begin tx: %v", err)
	}
	if err := writer.WriteBatch(context.Background(), tx, rows); err != nil {
		tx.Rollback()
		t.Fatalf("write batch: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

// =============================================================================
// Operation log writer
// =============================================================================

func TestWriteBatch_PersistsRows(t *testing.T) {
	db, cleanup := setupMigratedDB(t)
	defer cleanup()

	writeRows(t, db, []persistence.OperationRow{sampleRow(0), sampleRow(1), sampleRow(2)})

	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM vault_log.operations").Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 3 {
		t.Errorf("expected 3 rows, got %d", count)
	}
}

func TestWriteBatch_ReplayIsIdempotent(t *testing.T) {
	db, cleanup := setupMigratedDB(t)
	defer cleanup()

	rows := []persistence.OperationRow{sampleRow(0), sampleRow(1)}
	writeRows(t, db, rows)
	writeRows(t, db, rows) // retry after a partial failure replays the batch

	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM vault_log.operations").Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 2 {
		t.Errorf("expected replay to be a no-op, got %d rows", count)
	}
}

func TestLoadOperationsFrom_ReturnsOrderedRows(t *testing.T) {
	db, cleanup := setupMigratedDB(t)
	defer cleanup()

	writeRows(t, db, []persistence.OperationRow{sampleRow(0), sampleRow(1), sampleRow(2)})

	sm := persistence.NewSnapshotManager(db)
	ops, err := sm.LoadOperationsFrom(context.Background(), 1, 10)
	if err != nil {
		t.Fatalf("load operations: %v", err)
	}
	if len(ops) != 2 {
		t.Fatalf("expected 2 rows from sequence 1, got %d", len(ops))
	}
	if ops[0].Sequence != 1 || ops[1].Sequence != 2 {
		t.Errorf("rows out of order: %d, %d", ops[0].Sequence, ops[1].Sequence)
	}
	if ops[0].Holder == nil || *ops[0].Holder == "" {
		t.Errorf("holder did not round-trip")
	}
}

func TestGetLatestSequence_EmptyLogIsZero(t *testing.T) {
	db, cleanup := setupMigratedDB(t)
	defer cleanup()

	sm := persistence.NewSnapshotManager(db)
	seq, err := sm.GetLatestSequence(context.Background())
	if err != nil {
		t.Fatalf("latest sequence: %v", err)
	}
	if seq != 0 {
		t.Errorf("expected 0 on empty log, got %d", seq)
	}
}

// =============================================================================
// Batching worker
// =============================================================================

func TestWorker_FlushesBatchesAndDrainsOnClose(t *testing.T) {
	db, cleanup := setupMigratedDB(t)
	defer cleanup()

	input := make(chan persistence.OperationRow, 8)
	for i := int64(0); i < 5; i++ {
		input <- sampleRow(i)
	}
	close(input)

	worker := persistence.NewWorker(db, input, 2, 50*time.Millisecond, zerolog.Nop(), nil)
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

	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM vault_log.operations").Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 5 {
		t.Errorf("expected all 5 rows persisted, got %d", count)
	}
}

// =============================================================================
// Snapshots
// =============================================================================

func TestSnapshot_SaveLoadRoundTrip(t *testing.T) {
	db, cleanup := setupMigratedDB(t)
	defer cleanup()

	sm := persistence.NewSnapshotManager(db)
	snap := &persistence.SnapshotData{
		Sequence:      5,
		StateHash:     []byte{9, 9, 9},
		Administrator: "0x0000000000000000000000000000000000000002",
		TotalShares:   "150",
		Balances: map[string]string{
			"0x00000000000000000000000000000000000000A1": "100",
			"0x00000000000000000000000000000000000000B2": "50",
		},
		CreatedAt: time.Now().UTC(),
	}

	if err := sm.SaveSnapshot(context.Background(), snap); err != nil {
		t.Fatalf("save snapshot: %v", err)
	}

	// Unverified snapshots are invisible to warm restart.
	loaded, err := sm.LoadLatestSnapshot(context.Background())
	if err != nil {
		t.Fatalf("load snapshot: %v", err)
	}
	if loaded != nil {
		t.Fatal("expected no verified snapshot yet")
	}

	if err := sm.MarkVerified(context.Background(), 5); err != nil {
		t.Fatalf("mark verified: %v", err)
	}

	loaded, err = sm.LoadLatestSnapshot(context.Background())
	if err != nil {
		t.Fatalf("load snapshot: %v", err)
	}
	if loaded == nil {
		t.Fatal("expected the verified snapshot to load")
	}
	if loaded.Sequence != 5 || loaded.TotalShares != "150" {
		t.Errorf("snapshot did not round-trip: %+v", loaded)
	}
	if loaded.Balances["0x00000000000000000000000000000000000000B2"] != "50" {
		t.Errorf("balances did not round-trip: %v", loaded.Balances)
	}
}

func TestSnapshot_SameSequenceOverwrites(t *testing.T) {
	db, cleanup := setupMigratedDB(t)
	defer cleanup()

	sm := persistence.NewSnapshotManager(db)
	first := &persistence.SnapshotData{Sequence: 3, StateHash: []byte{1}, TotalShares: "100", CreatedAt: time.Now().UTC()}
	second := &persistence.SnapshotData{Sequence: 3, StateHash: []byte{2}, TotalShares: "200", CreatedAt: time.Now().UTC()}

	if err := sm.SaveSnapshot(context.Background(), first); err != nil {
		t.Fatalf("save first: %v", err)
	}
	if err := sm.SaveSnapshot(context.Background(), second); err != nil {
		t.Fatalf("save second: %v", err)
	}
	if err := sm.MarkVerified(context.Background(), 3); err != nil {
		t.Fatalf("mark verified: %v", err)
	}

	loaded, err := sm.LoadLatestSnapshot(context.Background())
	if err != nil {
		t.Fatalf("load snapshot: %v", err)
	}
	if loaded == nil || loaded.TotalShares != "200" {
		t.Errorf("expected the later snapshot to win, got %+v", loaded)
	}
}

// =============================================================================
// Request keys
// =============================================================================

func TestIdempotencyChecker_RecordThenLookup(t *testing.T) {
	db, cleanup := setupMigratedDB(t)
	defer cleanup()

	checker := persistence.NewPostgresIdempotencyChecker(db)

	if _, found, err := checker.Lookup("deposit", "req-1"); err != nil || found {
		t.Fatalf("expected miss on a fresh key, found=%v err=%v", found, err)
	}

	if err := checker.Record(context.Background(), "req-1", "deposit", 12); err != nil {
		t.Fatalf("record: %v", err)
	}

	seq, found, err := checker.Lookup("deposit", "req-1")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if !found || seq != 12 {
		t.Errorf("expected sequence 12, got found=%v seq=%d", found, seq)
	}
}

func TestIdempotencyChecker_RecordTypeScopesKeys(t *testing.T) {
	db, cleanup := setupMigratedDB(t)
	defer cleanup()

	checker := persistence.NewPostgresIdempotencyChecker(db)
	if err := checker.Record(context.Background(), "req-1", "deposit", 12); err != nil {
		t.Fatalf("record: %v", err)
	}

	if _, found, err := checker.Lookup("withdrawal", "req-1"); err != nil || found {
		t.Fatalf("expected the same key under another record type to miss, found=%v err=%v", found, err)
	}

	if err := checker.Record(context.Background(), "req-1", "withdrawal", 13); err != nil {
		t.Fatalf("record under second type: %v", err)
	}
	seq, found, err := checker.Lookup("withdrawal", "req-1")
	if err != nil || !found {
		t.Fatalf("lookup failed: found=%v err=%v", found, err)
	}
	if seq != 13 {
		t.Errorf("expected sequence 13 under withdrawal, got %d", seq)
	}
}

func TestIdempotencyChecker_DuplicateRecordKeepsOriginal(t *testing.T) {
	db, cleanup := setupMigratedDB(t)
	defer cleanup()

	checker := persistence.NewPostgresIdempotencyChecker(db)
	if err := checker.Record(context.Background(), "req-1", "deposit", 12); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := checker.Record(context.Background(), "req-1", "deposit", 99); err != nil {
		t.Fatalf("duplicate record: %v", err)
	}

	seq, found, err := checker.Lookup("deposit", "req-1")
	if err != nil || !found {
		t.Fatalf("lookup failed: found=%v err=%v", found, err)
	}
	if seq != 12 {
		t.Errorf("expected the original sequence 12, got %d", seq)
	}
}
