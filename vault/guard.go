package vault

import (
	"context"
	"sync"
)

type guardKey struct{}

// CallGuard gives every balance-mutating entry point the execution model the
// ledger assumes: one call at a time, no nested entry. Independent callers
// queue on the mutex; a nested call made from inside an outbound transfer
// callback carries the guard marker in its context and is rejected with
// ErrReentrant before it can observe mid-call state.
type CallGuard struct {
	mu sync.Mutex
}

func NewCallGuard() *CallGuard {
	return &CallGuard{}
}

// Enter acquires the guard. The returned context must be propagated to every
// collaborator invoked during the call, and the release func must run on
// every exit path.
func (g *CallGuard) Enter(ctx context.Context) (context.Context, func(), error) {
	if ctx.Value(guardKey{}) != nil {
		return ctx, nil, ErrReentrant
	}
	g.mu.Lock()
	return context.WithValue(ctx, guardKey{}, struct{}{}), g.mu.Unlock, nil
}
