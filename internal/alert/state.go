package alert

import (
	"sync"
	"time"

	"github.com/JakeFAU/crawlwatch/internal/jobstats"
)

// DefaultFinishedCapacity bounds the finished-job registry.
const DefaultFinishedCapacity = 1000

// State is the alerting memory kept for one job between evaluations.
type State struct {
	Previous  jobstats.Counts
	Triggered [jobstats.NumCategories]bool
	Stopped   bool
	// LastSend is when a notification was last flagged for the job.
	LastSend time.Time
}

// AllTriggered reports whether every category has already escalated.
func (s State) AllTriggered() bool {
	for _, t := range s.Triggered {
		if !t {
			return false
		}
	}
	return true
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// StateTable owns the per-job alert state. Callers serialise work on one job
// with Lock; Get, Put and Delete are individually safe.
type StateTable struct {
	mu     sync.Mutex
	states map[jobstats.JobKey]State
	locks  map[jobstats.JobKey]*keyLock
	start  time.Time
}

// NewStateTable returns an empty table. start is the LastSend of unseen jobs.
func NewStateTable(start time.Time) *StateTable {
	return &StateTable{
		states: make(map[jobstats.JobKey]State),
		locks:  make(map[jobstats.JobKey]*keyLock),
		start:  start,
	}
}

// Lock acquires the exclusive lock for key and returns its release func.
func (t *StateTable) Lock(key jobstats.JobKey) func() {
	t.mu.Lock()
	l, ok := t.locks[key]
	if !ok {
		l = &keyLock{}
		t.locks[key] = l
	}
	l.refs++
	t.mu.Unlock()

	l.mu.Lock()
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Unlock()
			t.mu.Lock()
			l.refs--
			if l.refs == 0 {
				delete(t.locks, key)
			}
			t.mu.Unlock()
		})
	}
}

// Get returns the stored state, or the default for an unseen job.
func (t *StateTable) Get(key jobstats.JobKey) State {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.states[key]; ok {
		return s
	}
	return State{LastSend: t.start}
}

// Put stores the state for key.
func (t *StateTable) Put(key jobstats.JobKey, s State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.states[key] = s
}

// Delete forgets key.
func (t *StateTable) Delete(key jobstats.JobKey) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.states, key)
}

// Len returns the number of tracked jobs.
func (t *StateTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.states)
}

// FinishedRegistry remembers recently finished jobs. When full, adding a new
// key clears every entry first.
type FinishedRegistry struct {
	mu       sync.RWMutex
	capacity int
	keys     map[jobstats.JobKey]struct{}
}

// NewFinishedRegistry returns a registry holding at most capacity keys.
func NewFinishedRegistry(capacity int) *FinishedRegistry {
	if capacity < 1 {
		capacity = DefaultFinishedCapacity
	}
	return &FinishedRegistry{
		capacity: capacity,
		keys:     make(map[jobstats.JobKey]struct{}),
	}
}

// Add records key.
func (r *FinishedRegistry) Add(key jobstats.JobKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.keys[key]; ok {
		return
	}
	if len(r.keys) >= r.capacity {
		clear(r.keys)
	}
	r.keys[key] = struct{}{}
}

// Contains reports whether key finished recently.
func (r *FinishedRegistry) Contains(key jobstats.JobKey) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.keys[key]
	return ok
}

// Len returns the number of recorded keys.
func (r *FinishedRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.keys)
}
