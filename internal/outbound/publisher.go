package outbound

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// Publisher publishes committed operations to NATS for downstream
// consumers (accounting, alerting, analytics). Subjects follow the
// pattern vault.ops.{record_type}.
type Publisher struct {
	js        jetstream.JetStream
	inputChan <-chan Notification
	log       zerolog.Logger
}

// Notification is a committed operation ready for outbound publishing.
type Notification struct {
	Sequence       int64       `json:"sequence"`
	RecordType     string      `json:"record_type"`
	IdempotencyKey string      `json:"idempotency_key"`
	Holder         *string     `json:"holder,omitempty"`
	Payload        interface{} `json:"payload"`
	StateHash      []byte      `json:"state_hash"`
	Timestamp      time.Time   `json:"timestamp"`
}

func NewPublisher(js jetstream.JetStream, inputChan <-chan Notification, log zerolog.Logger) *Publisher {
	return &Publisher{js: js, inputChan: inputChan, log: log}
}

// Run starts the publisher loop. Publish failures are non-fatal; the
// operation log remains the source of truth and consumers can query it
// directly.
func (p *Publisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case n, ok := <-p.inputChan:
			if !ok {
				return nil
			}

			if err := p.publish(ctx, n); err != nil {
				p.log.Warn().
					Err(err).
					Int64("sequence", n.Sequence).
					Msg("outbound publish failed")
			}
		}
	}
}

func (p *Publisher) publish(ctx context.Context, n Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	subject := fmt.Sprintf("vault.ops.%s", n.RecordType)
	_, err = p.js.Publish(ctx, subject, data)
	return err
}

// EnsureStream creates or updates the outbound operations stream.
func EnsureStream(ctx context.Context, js jetstream.JetStream, log zerolog.Logger) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      "VAULT_OPS",
		Subjects:  []string{"vault.ops.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	log.Info().Str("stream", "VAULT_OPS").Msg("ensured outbound stream")
	return nil
}
