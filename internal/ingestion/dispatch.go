package ingestion

import (
	"CoverLedger/internal/asset"
	"CoverLedger/internal/core"
	"CoverLedger/internal/observability"
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// Dispatcher applies commands to the ledger through the Executor. It is the
// single entry point shared by the gRPC server and the NATS subscriber.
//
// Native value attached to a command is pulled from the caller into custody
// before the ledger sees the call, and handed back if the call fails, all in
// one executor job so no other command observes the escrowed balance.
type Dispatcher struct {
	exec    *core.Executor
	adapter asset.Adapter
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewDispatcher(exec *core.Executor, adapter asset.Adapter, metrics *observability.Metrics) *Dispatcher {
	return &Dispatcher{
		exec:    exec,
		adapter: adapter,
		metrics: metrics,
		logger:  observability.NewLogger("dispatch"),
	}
}

// Dispatch runs cmd and returns its result. Ledger failures come back
// unwrapped so callers can classify them with fault.KindOf.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd Command) (Result, error) {
	return core.Call(ctx, d.exec, func(l *core.Ledger) (Result, error) {
		ctx := core.WithRequestKey(ctx, cmd.RequestKey())

		attached := cmd.Attached()
		escrowed := attached != nil && !attached.IsZero()
		if escrowed && cmd.Caller() == l.Custody() {
			return Result{}, core.ErrCallerIsCustody
		}
		if escrowed {
			if err := d.adapter.PullIn(ctx, asset.Native(), cmd.Caller(), attached); err != nil {
				return Result{}, fmt.Errorf("%w: escrow attached value: %w", core.ErrInsufficientPayment, err)
			}
		}

		res, err := cmd.Apply(ctx, l)
		if err != nil {
			if escrowed {
				if rerr := d.adapter.TransferOut(ctx, asset.Native(), cmd.Caller(), attached); rerr != nil {
					if d.metrics != nil {
						d.metrics.EscrowReturnFailures.WithLabelValues(cmd.Op()).Inc()
					}
					d.logger.Error().
						Err(rerr).
						Str("op", cmd.Op()).
						Str("caller", cmd.Caller().String()).
						Str("amount", attached.Dec()).
						Msg("attached value could not be returned")
				}
			}
			return Result{}, err
		}

		res.Op = cmd.Op()
		res.Sequence = l.GetSequence() - 1
		return res, nil
	})
}
