package worker

import (
	"sync"

	"github.com/oscredits/credits-plane/pkg/metrics"
)

// LockRegistry hands out one mutex per project name. Locks are created
// on first use and live for the lifetime of the process, so the number
// of distinct locks doubles as a count of projects seen.
//
// The registry guarantees mutual exclusion only. Two measurements for
// the same project are never billed concurrently, but the order in
// which waiting workers acquire the lock is up to the runtime.
type LockRegistry struct {
	locks sync.Map // project name -> *sync.Mutex
}

// NewLockRegistry returns an empty registry.
func NewLockRegistry() *LockRegistry {
	return &LockRegistry{}
}

// Acquire locks the mutex for the given project, creating it if the
// project has not been seen before, and returns it. The caller must
// unlock it when the critical section ends.
func (r *LockRegistry) Acquire(project string) *sync.Mutex {
	mu, loaded := r.locks.LoadOrStore(project, &sync.Mutex{})
	if !loaded {
		metrics.ProjectsProcessed.Inc()
	}
	m := mu.(*sync.Mutex)
	m.Lock()
	return m
}

// Len returns the number of distinct projects a lock exists for.
func (r *LockRegistry) Len() int {
	n := 0
	r.locks.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
