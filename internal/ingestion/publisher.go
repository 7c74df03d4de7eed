package ingestion

import (
	"CoverLedger/internal/core"
	"CoverLedger/internal/observability"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	EventStream  = "COVER_LEDGER_EVENTS"
	EventSubject = "cover.ledger.events"
)

// streamPublisher is the part of jetstream.JetStream the publisher needs.
type streamPublisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// OutboundPublisher publishes committed notifications to NATS for downstream
// consumers. Subjects follow the pattern cover.ledger.events.<type>.
//
// The ledger feeds it with non-blocking sends, so a slow NATS drops
// notifications rather than stalling the core; the notification log in
// Postgres stays authoritative.
type OutboundPublisher struct {
	js        streamPublisher
	inputChan <-chan core.Output
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

// PublishableEvent is the outbound wire form of one notification.
type PublishableEvent struct {
	Sequence   int64           `json:"sequence"`
	Op         string          `json:"op"`
	EventType  string          `json:"event_type"`
	RequestKey string          `json:"request_key,omitempty"`
	Payload    json.RawMessage `json:"payload"`
	StateHash  string          `json:"state_hash"`
	PrevHash   string          `json:"prev_hash"`
	Timestamp  time.Time       `json:"timestamp"`
}

func NewOutboundPublisher(js streamPublisher, inputChan <-chan core.Output, metrics *observability.Metrics) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		metrics:   metrics,
		logger:    observability.NewLogger("publisher"),
	}
}

// Run starts the outbound publisher loop.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-op.inputChan:
			if !ok {
				return nil
			}

			if err := op.publish(ctx, out); err != nil {
				// Non-fatal: downstream consumers can read the notification log
				op.logger.Warn().Err(err).Int64("sequence", out.Envelope.Sequence).Msg("outbound publish failed")
			}
		}
	}
}

// NewPublishableEvent converts a committed output to its wire form.
func NewPublishableEvent(out core.Output) PublishableEvent {
	env := out.Envelope
	return PublishableEvent{
		Sequence:   env.Sequence,
		Op:         out.Op,
		EventType:  env.Type.String(),
		RequestKey: env.RequestKey,
		Payload:    json.RawMessage(env.Payload),
		StateHash:  hex.EncodeToString(env.StateHash[:]),
		PrevHash:   hex.EncodeToString(env.PrevHash[:]),
		Timestamp:  time.Unix(env.Timestamp, 0).UTC(),
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, out core.Output) error {
	evt := NewPublishableEvent(out)
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	subject := fmt.Sprintf("%s.%s", EventSubject, evt.EventType)

	// The sequence doubles as the JetStream message id so a republished
	// notification is deduplicated by the stream.
	_, err = op.js.Publish(ctx, subject, data, jetstream.WithMsgID(fmt.Sprintf("cover-%d", evt.Sequence)))
	if err != nil {
		return err
	}
	if op.metrics != nil {
		op.metrics.NATSPublished.WithLabelValues(evt.EventType).Inc()
	}
	return nil
}

// EnsureOutboundStream creates the outbound events stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       EventStream,
		Subjects:   []string{EventSubject + ".>"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     72 * time.Hour,
		Duplicates: 2 * time.Minute,
		Replicas:   1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	return nil
}
