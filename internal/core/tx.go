package core

import (
	"CoverLedger/internal/asset"
	"CoverLedger/internal/event"
	"context"
	"time"

	"github.com/google/uuid"
)

// op is the scope of one guarded ledger operation: an undo log for every
// mutation and the single notification to emit if it commits.
type op struct {
	name       string
	caller     uuid.UUID
	requestKey string
	started    time.Time
	now        int64

	undo []func()

	notification event.Notification
	policies     []uint64
	claims       []uint64
	assets       []asset.Ref
	roles        []RoleChange
}

// onRollback records how to reverse the mutation just made.
func (o *op) onRollback(fn func()) {
	o.undo = append(o.undo, fn)
}

// rollback reverses every recorded mutation, newest first.
func (o *op) rollback() {
	for i := len(o.undo) - 1; i >= 0; i-- {
		o.undo[i]()
	}
	o.undo = nil
}

func (o *op) touchPolicy(id uint64) { o.policies = append(o.policies, id) }
func (o *op) touchClaim(id uint64)  { o.claims = append(o.claims, id) }
func (o *op) touchAsset(r asset.Ref) {
	for _, a := range o.assets {
		if a == r {
			return
		}
	}
	o.assets = append(o.assets, r)
}

type requestKeyCtx struct{}

// WithRequestKey attaches an idempotency key to a command context. An
// operation that succeeded under the key is not applied again.
func WithRequestKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, requestKeyCtx{}, key)
}

// RequestKey returns the key attached by WithRequestKey, or "".
func RequestKey(ctx context.Context) string {
	key, _ := ctx.Value(requestKeyCtx{}).(string)
	return key
}
