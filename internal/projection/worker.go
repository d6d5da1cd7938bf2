package projection

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"StakeVault/internal/observability"

	"github.com/rs/zerolog"
)

// HoldingsUpdate is the slice of a committed operation the holdings
// projection needs. The orchestrator bridges engine outputs into this.
type HoldingsUpdate struct {
	Sequence   int64
	RecordType string
	Holder     *string
	// SharesDelta is a signed decimal string: positive on mint, negative
	// on burn, empty when the operation did not touch holdings.
	SharesDelta string
}

// Worker maintains the vault_log.holdings table from committed operations.
// Its input channel is non-blocking with drop on the engine side; a missed
// update only staleness the table, which can be rebuilt from the operation
// log at any time.
type Worker struct {
	db        *sql.DB
	inputChan <-chan HoldingsUpdate
	log       zerolog.Logger
	metrics   *observability.Metrics
}

func NewWorker(db *sql.DB, inputChan <-chan HoldingsUpdate, log zerolog.Logger, metrics *observability.Metrics) *Worker {
	return &Worker{db: db, inputChan: inputChan, log: log, metrics: metrics}
}

// Run starts the projection loop. Blocks until ctx is cancelled or the
// input channel closes.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case update, ok := <-w.inputChan:
			if !ok {
				return nil
			}

			start := time.Now()
			if err := w.apply(ctx, update); err != nil {
				// Projections are eventually consistent and rebuildable;
				// log and keep consuming.
				w.log.Warn().
					Err(err).
					Int64("sequence", update.Sequence).
					Msg("holdings update failed")
				continue
			}

			if w.metrics != nil {
				w.metrics.ProjectionUpdateDur.WithLabelValues("holdings").Observe(time.Since(start).Seconds())
				w.metrics.ProjectionLastSeq.WithLabelValues("holdings").Set(float64(update.Sequence))
			}
		}
	}
}

func (w *Worker) apply(ctx context.Context, update HoldingsUpdate) error {
	if update.Holder == nil || update.SharesDelta == "" {
		return nil
	}

	_, err := w.db.ExecContext(ctx, `
		INSERT INTO vault_log.holdings (holder, shares, last_sequence, updated_at)
		VALUES ($1, $2::NUMERIC, $3, NOW())
		ON CONFLICT (holder) DO UPDATE
		SET shares        = vault_log.holdings.shares + $2::NUMERIC,
		    last_sequence = $3,
		    updated_at    = NOW()
	`, *update.Holder, update.SharesDelta, update.Sequence)
	if err != nil {
		return fmt.Errorf("upsert holding: %w", err)
	}
	return nil
}

// Rebuild recomputes the holdings table from the operation log: mints per
// receiver minus burns per owner, summed over the full history.
func Rebuild(ctx context.Context, db *sql.DB, log zerolog.Logger) error {
	if _, err := db.ExecContext(ctx, `TRUNCATE vault_log.holdings`); err != nil {
		return fmt.Errorf("truncate holdings: %w", err)
	}

	_, err := db.ExecContext(ctx, `
		INSERT INTO vault_log.holdings (holder, shares, last_sequence, updated_at)
		SELECT
			holder,
			SUM(CASE record_type
				WHEN 'deposit'    THEN (payload->>'shares')::NUMERIC
				WHEN 'withdrawal' THEN -(payload->>'shares')::NUMERIC
				ELSE 0
			END) AS shares,
			MAX(sequence) AS last_sequence,
			NOW()
		FROM vault_log.operations
		WHERE holder IS NOT NULL
		  AND record_type IN ('deposit', 'withdrawal')
		GROUP BY holder
	`)
	if err != nil {
		return fmt.Errorf("rebuild holdings: %w", err)
	}

	log.Info().Msg("holdings rebuild complete")
	return nil
}
