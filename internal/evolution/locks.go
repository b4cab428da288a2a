package evolution

import (
	"context"
	"sync"

	"github.com/relves/marmot/pkg/types"
)

// lockTable serializes evolutions per group: at most one evolution may be
// outstanding against a group, while different groups proceed in parallel.
type lockTable struct {
	mu    sync.Mutex
	locks map[types.GroupID]chan struct{}
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[types.GroupID]chan struct{})}
}

// acquire blocks until the group's lock is free or ctx is done.
// Returns an unlock function that must be called when done.
func (t *lockTable) acquire(ctx context.Context, id types.GroupID) (func(), error) {
	t.mu.Lock()
	ch, ok := t.locks[id]
	if !ok {
		ch = make(chan struct{}, 1)
		t.locks[id] = ch
	}
	t.mu.Unlock()

	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
