package evolution

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockTable_SameGroupExcludes(t *testing.T) {
	locks := newLockTable()
	ctx := context.Background()

	unlock, err := locks.acquire(ctx, "g1")
	require.NoError(t, err)

	blocked, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = locks.acquire(blocked, "g1")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()

	unlock2, err := locks.acquire(ctx, "g1")
	require.NoError(t, err)
	unlock2()
}

func TestLockTable_DifferentGroupsIndependent(t *testing.T) {
	locks := newLockTable()
	ctx := context.Background()

	unlock1, err := locks.acquire(ctx, "g1")
	require.NoError(t, err)
	defer unlock1()

	done := make(chan struct{})
	go func() {
		unlock2, err := locks.acquire(ctx, "g2")
		assert.NoError(t, err)
		unlock2()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on a different group should not block")
	}
}
