package fiber

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_ScavengeDone(t *testing.T) {
	t.Parallel()
	r := newRegistry()

	tasks := make([]*Task, 300)
	for i := range tasks {
		tasks[i] = &Task{id: uint64(i + 1)}
		r.Add(tasks[i])
	}
	assert.Len(t, r.Live(), 300)

	// finish all but every tenth task
	for i, task := range tasks {
		if i%10 != 0 {
			task.done.Store(true)
		}
	}
	assert.Len(t, r.Live(), 30)

	for range 3 {
		r.Scavenge(100)
	}

	r.mu.RLock()
	assert.Len(t, r.data, 30)
	assert.Len(t, r.ring, 30, "ring must be compacted once mostly empty")
	assert.Zero(t, r.head)
	r.mu.RUnlock()

	live := r.Live()
	require.Len(t, live, 30)
	for i, task := range live {
		assert.Equal(t, uint64(i*10+1), task.ID(), "spawn order is kept")
	}

	// done tasks are skipped by AbortAll
	for _, task := range tasks {
		task.done.Store(true)
	}
	assert.Zero(t, r.AbortAll())
	assert.Empty(t, r.Live())
}

func TestRegistry_ScavengeNoop(t *testing.T) {
	t.Parallel()
	r := newRegistry()
	r.Scavenge(10)
	r.Scavenge(0)
	assert.Empty(t, r.Live())
}

func TestScheduler_RegistryBounded(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, WithParallelism(2))

	for range 1000 {
		f, err := s.Go(context.Background(), func(ctx context.Context) error { return nil })
		require.NoError(t, err)
		_, err = f.JoinTimeout(context.Background(), testTimeout)
		require.NoError(t, err)
	}

	s.registry.mu.RLock()
	n := len(s.registry.data)
	s.registry.mu.RUnlock()
	assert.Less(t, n, 1000, "completed tasks must be scavenged")
	assert.Empty(t, s.Tasks())
}
