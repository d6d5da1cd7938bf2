package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// OperationLogWriter writes operation records to Postgres using multi-row
// INSERT batches. ON CONFLICT DO NOTHING keeps replays idempotent.
type OperationLogWriter struct {
	db *sql.DB
}

// OperationRow represents a row in vault_log.operations.
type OperationRow struct {
	Sequence       int64
	RecordType     string
	IdempotencyKey string
	Holder         *string
	Payload        []byte // JSON-encoded record
	StateHash      []byte
	PrevHash       []byte
	Timestamp      time.Time
}

func NewOperationLogWriter(db *sql.DB) *OperationLogWriter {
	return &OperationLogWriter{db: db}
}

// WriteBatch writes a batch of operation rows inside the given transaction.
func (w *OperationLogWriter) WriteBatch(ctx context.Context, tx *sql.Tx, rows []OperationRow) error {
	if len(rows) == 0 {
		return nil
	}

	query := `INSERT INTO vault_log.operations
		(sequence, record_type, idempotency_key, holder, payload, state_hash, prev_hash, timestamp)
		VALUES `

	values := make([]string, 0, len(rows))
	args := make([]interface{}, 0, len(rows)*8)

	for i, r := range rows {
		base := i * 8
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8,
		))
		// lib/pq encodes []byte as bytea, which Postgres rejects for the
		// JSONB payload column; send it as text.
		args = append(args,
			r.Sequence, r.RecordType, r.IdempotencyKey, r.Holder,
			string(r.Payload), r.StateHash, r.PrevHash, r.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// MarshalPayload JSON-encodes a record payload for the operations log.
func MarshalPayload(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}
