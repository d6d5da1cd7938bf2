package query

import (
	"context"
	"database/sql"
	"fmt"
)

// Service provides read-only access to the operation log and the holdings
// projection. Every response carries as_of_sequence so callers can reason
// about freshness relative to the live engine.
type Service struct {
	db *sql.DB
}

func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}

// GetHolding returns a holder's projected share balance. A holder with no
// row holds zero shares as of the projection watermark.
func (s *Service) GetHolding(ctx context.Context, holder string) (*HoldingResponse, error) {
	asOfSeq, err := s.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	var shares string
	err = s.db.QueryRowContext(ctx, `
		SELECT shares::TEXT FROM vault_log.holdings WHERE holder = $1
	`, holder).Scan(&shares)
	if err == sql.ErrNoRows {
		return &HoldingResponse{Holder: holder, Shares: "0", AsOfSequence: asOfSeq}, nil
	}
	if err != nil {
		return nil, err
	}

	return &HoldingResponse{Holder: holder, Shares: shares, AsOfSequence: asOfSeq}, nil
}

// ListHoldings returns all nonzero holdings, largest first.
func (s *Service) ListHoldings(ctx context.Context, limit int) ([]HoldingResponse, error) {
	asOfSeq, err := s.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT holder, shares::TEXT FROM vault_log.holdings
		WHERE shares > 0
		ORDER BY shares DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var holdings []HoldingResponse
	for rows.Next() {
		var h HoldingResponse
		h.AsOfSequence = asOfSeq
		if err := rows.Scan(&h.Holder, &h.Shares); err != nil {
			return nil, err
		}
		holdings = append(holdings, h)
	}

	return holdings, rows.Err()
}

// GetOperations returns operation log rows with cursor-based pagination,
// newest first. Either filter may be nil.
func (s *Service) GetOperations(
	ctx context.Context,
	holder *string,
	recordType *string,
	limit int,
	beforeSequence *int64,
) ([]OperationResponse, error) {
	query := `
		SELECT sequence, record_type, idempotency_key, holder, payload,
		       state_hash, prev_hash, timestamp
		FROM vault_log.operations
		WHERE 1=1
	`
	args := []interface{}{}
	argIdx := 1

	if holder != nil {
		query += fmt.Sprintf(" AND holder = $%d", argIdx)
		args = append(args, *holder)
		argIdx++
	}

	if recordType != nil {
		query += fmt.Sprintf(" AND record_type = $%d", argIdx)
		args = append(args, *recordType)
		argIdx++
	}

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ops []OperationResponse
	for rows.Next() {
		var op OperationResponse
		if err := rows.Scan(
			&op.Sequence, &op.RecordType, &op.IdempotencyKey, &op.Holder,
			&op.Payload, &op.StateHash, &op.PrevHash, &op.Timestamp,
		); err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}

	return ops, rows.Err()
}

// GetOperation returns a single operation by sequence.
func (s *Service) GetOperation(ctx context.Context, sequence int64) (*OperationResponse, error) {
	var op OperationResponse
	err := s.db.QueryRowContext(ctx, `
		SELECT sequence, record_type, idempotency_key, holder, payload,
		       state_hash, prev_hash, timestamp
		FROM vault_log.operations
		WHERE sequence = $1
	`, sequence).Scan(
		&op.Sequence, &op.RecordType, &op.IdempotencyKey, &op.Holder,
		&op.Payload, &op.StateHash, &op.PrevHash, &op.Timestamp,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &op, nil
}

// VerifyIntegrity audits the persisted hash chain: every row's prev_hash
// must equal the previous row's state_hash.
func (s *Service) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	rows, err := s.db.QueryContext(ctx, `
		SELECT o1.sequence
		FROM vault_log.operations o1
		JOIN vault_log.operations o2 ON o2.sequence = o1.sequence - 1
		WHERE o1.prev_hash != o2.state_hash
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var latest sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM vault_log.operations
	`).Scan(&latest); err != nil {
		return nil, err
	}
	if latest.Valid {
		report.LatestSequence = latest.Int64
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0
	return report, nil
}

func (s *Service) getWatermark(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(last_sequence) FROM vault_log.holdings
	`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}
