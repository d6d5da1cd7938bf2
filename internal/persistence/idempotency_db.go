package persistence

import (
	"context"
	"database/sql"
	"time"
)

// PostgresIdempotencyChecker is the durable second tier of request
// deduplication, backed by vault_log.request_keys. The first tier is the
// in-memory LRU; this tier catches keys that aged out of it.
type PostgresIdempotencyChecker struct {
	db *sql.DB
}

func NewPostgresIdempotencyChecker(db *sql.DB) *PostgresIdempotencyChecker {
	return &PostgresIdempotencyChecker{db: db}
}

// Lookup returns the sequence of the operation previously committed under
// the given record type and client key, or found=false when the pair is
// new. A key reused across record types dedups each type independently.
func (pic *PostgresIdempotencyChecker) Lookup(recordType, clientKey string) (sequence int64, found bool, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	err = pic.db.QueryRowContext(ctx, `
		SELECT sequence FROM vault_log.request_keys
		WHERE record_type = $1 AND client_key = $2
	`, recordType, clientKey).Scan(&sequence)

	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return sequence, true, nil
}

// Record stores a client key after its operation committed. ON CONFLICT DO
// NOTHING keeps a concurrent replay from failing the original request.
func (pic *PostgresIdempotencyChecker) Record(ctx context.Context, clientKey, recordType string, sequence int64) error {
	_, err := pic.db.ExecContext(ctx, `
		INSERT INTO vault_log.request_keys (client_key, record_type, sequence, created_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (record_type, client_key) DO NOTHING
	`, clientKey, recordType, sequence)
	return err
}
