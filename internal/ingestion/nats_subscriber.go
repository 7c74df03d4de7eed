package ingestion

import (
	"CoverLedger/internal/core"
	"CoverLedger/internal/fault"
	"CoverLedger/internal/observability"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	CommandStream  = "COVER_COMMANDS"
	CommandSubject = "cover.commands"
)

// NATSSubscriber consumes command subjects from JetStream and feeds them to
// the ledger through the Dispatcher. Subjects are cover.commands.<op>.
type NATSSubscriber struct {
	js         jetstream.JetStream
	dispatcher *Dispatcher
	metrics    *observability.Metrics
	logger     zerolog.Logger
	consumers  []jetstream.ConsumeContext
}

// SubjectConfig binds one command op to a durable consumer.
type SubjectConfig struct {
	Subject      string
	Op           string
	ConsumerName string
	StreamName   string
}

// DefaultSubjects returns one consumer per ledger operation so a burst of one
// kind does not starve the others.
func DefaultSubjects() []SubjectConfig {
	ops := []string{
		core.OpCreatePolicy,
		core.OpExtendPolicy,
		core.OpCancelPolicy,
		core.OpFileClaim,
		core.OpProcessClaim,
		core.OpWithdraw,
		core.OpAddManager,
		core.OpRemoveManager,
	}
	subjects := make([]SubjectConfig, 0, len(ops))
	for _, op := range ops {
		subjects = append(subjects, SubjectConfig{
			Subject:      CommandSubject + "." + op,
			Op:           op,
			ConsumerName: "ledger-" + strings.ReplaceAll(op, "_", "-"),
			StreamName:   CommandStream,
		})
	}
	return subjects
}

func NewNATSSubscriber(js jetstream.JetStream, dispatcher *Dispatcher, metrics *observability.Metrics) *NATSSubscriber {
	return &NATSSubscriber{
		js:         js,
		dispatcher: dispatcher,
		metrics:    metrics,
		logger:     observability.NewLogger("nats-subscriber"),
	}
}

// Subscribe creates JetStream consumers for all configured subjects.
// Consumers use explicit ACK, max_deliver=5, ack_wait=30s.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, jetstream.ConsumerConfig{
			Durable:       cfg.ConsumerName,
			FilterSubject: cfg.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    5,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
		}

		op := cfg.Op
		consumerContext, err := consumer.Consume(func(msg jetstream.Msg) {
			var ackErr error
			switch ns.handle(ctx, op, msg.Data()) {
			case verdictAck:
				ackErr = msg.Ack()
			case verdictNak:
				ackErr = msg.Nak()
			case verdictTerm:
				ackErr = msg.Term()
			}
			if ackErr != nil {
				ns.logger.Warn().Err(ackErr).Str("subject", msg.Subject()).Msg("ack failed")
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		ns.consumers = append(ns.consumers, consumerContext)
		ns.logger.Info().Str("subject", cfg.Subject).Str("consumer", cfg.ConsumerName).Msg("subscribed")
	}

	return nil
}

type verdict uint8

const (
	verdictAck  verdict = iota // done, including deterministic rejections
	verdictNak                 // redeliver later
	verdictTerm                // malformed, never redeliver
)

// handle parses and applies one command body. Ledger rejections are acked:
// redelivering the same command would be rejected the same way. Only
// failures outside the ledger (executor stopped, cancelled) are retried.
func (ns *NATSSubscriber) handle(ctx context.Context, op string, data []byte) verdict {
	cmd, err := ParseCommand(op, data)
	if err != nil {
		ns.count(op, "malformed")
		ns.logger.Warn().Err(err).Str("op", op).Msg("dropping malformed command")
		return verdictTerm
	}

	res, err := ns.dispatcher.Dispatch(ctx, cmd)
	switch {
	case err == nil:
		ns.count(op, "applied")
		ns.logger.Debug().Str("op", op).Int64("sequence", res.Sequence).Msg("command applied")
		return verdictAck
	case errors.Is(err, core.ErrDuplicateRequest):
		ns.count(op, "duplicate")
		return verdictAck
	case fault.KindOf(err) != fault.KindUnknown:
		ns.count(op, "rejected")
		ns.logger.Info().
			Str("op", op).
			Str("caller", cmd.Caller().String()).
			Str("code", fault.CodeOf(err)).
			Err(err).
			Msg("command rejected")
		return verdictAck
	default:
		ns.count(op, "retry")
		ns.logger.Warn().Err(err).Str("op", op).Msg("command not applied, will be redelivered")
		return verdictNak
	}
}

func (ns *NATSSubscriber) count(op, result string) {
	if ns.metrics != nil {
		ns.metrics.IngestCommands.WithLabelValues(op, result).Inc()
	}
}

// EnsureStreams creates the command stream if it does not exist.
// FileStorage, retention=Limits, max_age=72h.
func EnsureStreams(ctx context.Context, js jetstream.JetStream) error {
	cfg := jetstream.StreamConfig{
		Name:      CommandStream,
		Subjects:  []string{CommandSubject + ".>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	}
	if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
		return fmt.Errorf("create stream %s: %w", cfg.Name, err)
	}
	return nil
}

// Stop gracefully stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	ns.logger.Info().Msg("NATS subscribers stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string) (*nats.Conn, jetstream.JetStream, error) {
	logger := observability.NewLogger("nats")
	nc, err := nats.Connect(url,
		nats.Name("cover-ledger"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
