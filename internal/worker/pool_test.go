package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestPoolProcessesAllTasks(t *testing.T) {
	q := NewQueue()

	var mu sync.Mutex
	seen := make(map[string]bool)

	pool := NewPool(4, q, func(ctx context.Context, line string) error {
		mu.Lock()
		seen[line] = true
		mu.Unlock()
		return nil
	}, zap.NewNop())

	pool.Start()
	q.Put("a")
	q.Put("b")
	q.Put("c")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, pool.Stop(ctx))

	assert.Equal(t, map[string]bool{"a": true, "b": true, "c": true}, seen)
}

func TestPoolSurvivesTaskErrors(t *testing.T) {
	q := NewQueue()

	var mu sync.Mutex
	var processed []string

	pool := NewPool(1, q, func(ctx context.Context, line string) error {
		mu.Lock()
		processed = append(processed, line)
		mu.Unlock()
		if line == "bad" {
			return errors.New("boom")
		}
		return nil
	}, zap.NewNop())

	pool.Start()
	q.Put("bad")
	q.Put("good")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, pool.Stop(ctx))

	assert.Equal(t, []string{"bad", "good"}, processed)
}

func TestPoolTaskContextShieldedFromStop(t *testing.T) {
	q := NewQueue()

	started := make(chan struct{})
	release := make(chan struct{})
	var ctxErr error

	pool := NewPool(1, q, func(ctx context.Context, line string) error {
		close(started)
		<-release
		ctxErr = ctx.Err()
		return nil
	}, zap.NewNop())

	pool.Start()
	q.Put("a")
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- pool.Stop(ctx) }()

	// Let the drain deadline pass while the task is still running, then
	// release it and check it never saw a cancelled context.
	time.Sleep(100 * time.Millisecond)
	close(release)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}
	assert.NoError(t, ctxErr)
}

func TestTaskIDStable(t *testing.T) {
	line := "project_vcpu_usage,project_name=p,location_id=0 value=1 1000"
	assert.Equal(t, TaskID(line), TaskID(line))
	assert.Len(t, TaskID(line), 12)
	assert.NotEqual(t, TaskID(line), TaskID(line+"x"))
}
