package workspace

import "sync"

// LockRegistry serializes writes to shared workspace directories. One
// lock exists per workDir; sessions that mandate serialized execution
// hold the lock for the duration of each agent run.
type LockRegistry struct {
	mu    sync.Mutex
	locks map[string]*workDirLock
}

type workDirLock struct {
	mu   sync.Mutex
	held bool
	refs int
}

// NewLockRegistry creates an empty lock registry.
func NewLockRegistry() *LockRegistry {
	return &LockRegistry{locks: make(map[string]*workDirLock)}
}

// Acquire blocks until the workDir lock is held and returns the release
// function. Release is safe to call exactly once.
func (r *LockRegistry) Acquire(workDir string) func() {
	r.mu.Lock()
	l, ok := r.locks[workDir]
	if !ok {
		l = &workDirLock{}
		r.locks[workDir] = l
	}
	l.refs++
	r.mu.Unlock()

	l.mu.Lock()
	r.mu.Lock()
	l.held = true
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			l.held = false
			l.refs--
			r.mu.Unlock()
			l.mu.Unlock()
		})
	}
}

// Active returns the number of workDir locks currently held.
func (r *LockRegistry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, l := range r.locks {
		if l.held {
			n++
		}
	}
	return n
}
