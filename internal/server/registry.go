package server

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/danshapiro/statflow/internal/workflow"
)

var errSessionNotFound = errors.New("session not found")

// SessionRegistry tracks the workflow sessions served by this process.
// Sessions that are not in memory are restored from the store on first use,
// so a restarted server resumes every session that has a persisted lineage.
type SessionRegistry struct {
	runner workflow.Runner
	opts   workflow.Options

	mu       sync.Mutex
	sessions map[string]*workflow.Orchestrator
}

func NewSessionRegistry(runner workflow.Runner, opts workflow.Options) *SessionRegistry {
	if opts.Store == nil {
		opts.Store = workflow.NewMemoryStore()
	}
	return &SessionRegistry{
		runner:   runner,
		opts:     opts,
		sessions: make(map[string]*workflow.Orchestrator),
	}
}

// Create starts a fresh session. An empty id gets a new ULID.
func (r *SessionRegistry) Create(id string) (*workflow.Orchestrator, error) {
	if id == "" {
		id = ulid.Make().String()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[id]; exists {
		return nil, fmt.Errorf("session %s already exists", id)
	}
	o, err := workflow.New(id, r.runner, r.opts)
	if err != nil {
		return nil, err
	}
	r.sessions[id] = o
	return o, nil
}

// Get returns a live session, restoring it from the store when a lineage
// record exists for id.
func (r *SessionRegistry) Get(id string) (*workflow.Orchestrator, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if o, ok := r.sessions[id]; ok {
		return o, nil
	}
	if _, err := r.opts.Store.Load(id); err != nil {
		if errors.Is(err, workflow.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", errSessionNotFound, id)
		}
		return nil, err
	}
	o, err := workflow.Restore(id, r.runner, r.opts)
	if err != nil {
		return nil, err
	}
	r.sessions[id] = o
	return o, nil
}

// Remove resets the session, deleting its stored lineage, and forgets it.
func (r *SessionRegistry) Remove(id string) error {
	o, err := r.Get(id)
	if err != nil {
		return err
	}
	if err := o.Reset(); err != nil {
		return err
	}
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
	return nil
}

// List returns the IDs of sessions held in memory, sorted.
func (r *SessionRegistry) List() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
