package supervisor

import (
	"sync"
)

// Registry tracks the pids of every live helper of one runtime context so
// they can be killed together on shutdown.
type Registry struct {
	mu    sync.Mutex
	procs map[int]*Process
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{procs: make(map[int]*Process)}
}

// Add records p. A pid already present is replaced.
func (r *Registry) Add(p *Process) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.procs[p.Pid] = p
}

// Remove forgets p and reports whether it was present. A different
// process reusing the same pid is left alone.
func (r *Registry) Remove(p *Process) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.procs[p.Pid]; ok && cur == p {
		delete(r.procs, p.Pid)
		return true
	}
	return false
}

// Len returns the number of registered processes
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.procs)
}

// Pids returns the registered pids
func (r *Registry) Pids() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	pids := make([]int, 0, len(r.procs))
	for pid := range r.procs {
		pids = append(pids, pid)
	}
	return pids
}

// KillAll kills and forgets every registered process. It is safe to call
// from a signal handler goroutine.
func (r *Registry) KillAll() {
	r.mu.Lock()
	procs := r.procs
	r.procs = make(map[int]*Process)
	r.mu.Unlock()

	for _, p := range procs {
		_ = p.Kill()
	}
}
