package updatetask

import "sync"

// Registry tracks the running task of every store, so that at most one task
// updates a store at a time.
type Registry struct {
	mutex   *sync.Mutex
	running map[int64]*Task
}

// DefaultRegistry is used by tasks created without a registry.
var DefaultRegistry = NewRegistry()

func NewRegistry() *Registry {
	return &Registry{
		mutex:   &sync.Mutex{},
		running: make(map[int64]*Task),
	}
}

func (r *Registry) acquire(serverID int64, t *Task) bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if _, ok := r.running[serverID]; ok {
		return false
	}
	r.running[serverID] = t
	return true
}

func (r *Registry) release(serverID int64, t *Task) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if r.running[serverID] == t {
		delete(r.running, serverID)
	}
}

// Running returns the task currently updating a store, or nil.
func (r *Registry) Running(serverID int64) *Task {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.running[serverID]
}

func (r *Registry) IsRunning(serverID int64) bool {
	return r.Running(serverID) != nil
}
