package persistence

import (
	"CoverLedger/internal/core"
	"CoverLedger/internal/observability"
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Worker drains the persist channel and batch-writes to Postgres.
// It runs independently from the ledger goroutine. The persist channel uses
// BLOCKING sends from the ledger, so if this worker falls behind the ledger
// stalls; no committed output is lost.
type Worker struct {
	db           *sql.DB
	writer       *Writer
	inputChan    <-chan core.Output
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
	logger       zerolog.Logger

	initialBackoff time.Duration
	maxBackoff     time.Duration
}

func NewWorker(
	db *sql.DB,
	inputChan <-chan core.Output,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
) *Worker {
	if batchSize <= 0 {
		batchSize = 1
	}
	return &Worker{
		db:             db,
		writer:         NewWriter(),
		inputChan:      inputChan,
		batchSize:      batchSize,
		flushTimeout:   flushTimeout,
		metrics:        metrics,
		logger:         observability.NewLogger("persistence"),
		initialBackoff: 100 * time.Millisecond,
		maxBackoff:     30 * time.Second,
	}
}

// Run batches incoming outputs and flushes either when the batch is full or
// the flush timeout expires. Blocks until ctx is cancelled or the input
// channel is closed.
func (w *Worker) Run(ctx context.Context) error {
	batch := make([]core.Output, 0, w.batchSize)

	timer := time.NewTimer(w.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			// Graceful shutdown: flush what is buffered
			if len(batch) > 0 {
				if err := w.flush(context.Background(), batch); err != nil {
					w.logger.Error().Err(err).Int("outputs", len(batch)).Msg("final flush failed")
				}
			}
			return ctx.Err()

		case out, ok := <-w.inputChan:
			if !ok {
				if len(batch) > 0 {
					if err := w.flush(context.Background(), batch); err != nil {
						w.logger.Error().Err(err).Int("outputs", len(batch)).Msg("final flush failed")
					}
				}
				return nil
			}

			batch = append(batch, out)
			if len(batch) >= w.batchSize {
				if err := w.flushWithRetry(ctx, batch); err != nil {
					w.logger.Error().Err(err).Msg("batch flush failed after retries")
				}
				batch = batch[:0]
				timer.Reset(w.flushTimeout)
			}

		case <-timer.C:
			if len(batch) > 0 {
				if err := w.flushWithRetry(ctx, batch); err != nil {
					w.logger.Error().Err(err).Msg("timeout flush failed after retries")
				}
				batch = batch[:0]
			}
			timer.Reset(w.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff until the write succeeds or
// ctx is cancelled. It never drops a batch: on shutdown it makes one last
// attempt with a background context.
func (w *Worker) flushWithRetry(ctx context.Context, outputs []core.Output) error {
	backoff := w.initialBackoff

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			w.logger.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Int("outputs", len(outputs)).
				Msg("persistence retry")
			if w.metrics != nil {
				w.metrics.PersistRetry.Inc()
			}
			select {
			case <-ctx.Done():
				if err := w.flush(context.Background(), outputs); err != nil {
					return fmt.Errorf("final flush on shutdown failed: %w", err)
				}
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > w.maxBackoff {
				backoff = w.maxBackoff
			}
		}

		err := w.flush(ctx, outputs)
		if err == nil {
			if attempt > 0 {
				w.logger.Info().Int("retries", attempt).Msg("persistence flush succeeded")
			}
			return nil
		}
		w.logger.Warn().Err(err).Msg("persistence flush failed")
	}
}

func (w *Worker) flush(ctx context.Context, outputs []core.Output) error {
	start := time.Now()
	b := NewBatch(outputs)

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		w.countError("tx_begin")
		return err
	}
	defer tx.Rollback()

	if err := w.writer.WriteBatch(ctx, tx, b); err != nil {
		w.countError("write")
		return err
	}

	if err := tx.Commit(); err != nil {
		w.countError("tx_commit")
		return err
	}

	if w.metrics != nil {
		w.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		w.metrics.PersistBatchSize.Observe(float64(len(outputs)))
		w.metrics.PersistOutputsWritten.Add(float64(len(outputs)))
		w.metrics.PersistLastSequence.Set(float64(b.LastSequence()))
	}
	return nil
}

func (w *Worker) countError(kind string) {
	if w.metrics != nil {
		w.metrics.PersistErrors.WithLabelValues(kind).Inc()
	}
}
