package server

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/redcell-io/pulse/internal/model"
)

var (
	errRunNotFound = errors.New("run not found")
	// errRunTerminal guards the terminal-exactly-once invariant: a run
	// that reached completed or error never transitions again.
	errRunTerminal = errors.New("run already terminal")
)

// runStore is the gateway's in-memory run table. The orchestration
// process's own durable log is the authoritative record; this table only
// backs the live API surface.
type runStore struct {
	mu   sync.RWMutex
	runs map[string]*model.Run
}

func newRunStore() *runStore {
	return &runStore{runs: make(map[string]*model.Run)}
}

func (s *runStore) create(run model.Run) {
	s.mu.Lock()
	s.runs[run.ID.String()] = &run
	s.mu.Unlock()
}

// get returns a copy of the run.
func (s *runStore) get(id string) (model.Run, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return model.Run{}, false
	}
	return *run, true
}

// list returns copies of all runs, most recently started first.
func (s *runStore) list() []model.Run {
	s.mu.RLock()
	out := make([]model.Run, 0, len(s.runs))
	for _, run := range s.runs {
		out = append(out, *run)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out
}

// setTerminal transitions a run to completed or error, exactly once.
func (s *runStore) setTerminal(id string, status model.RunStatus, errMsg string) (model.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[id]
	if !ok {
		return model.Run{}, errRunNotFound
	}
	if run.Status.Terminal() {
		return model.Run{}, errRunTerminal
	}
	now := time.Now().UTC()
	run.Status = status
	run.CompletedAt = &now
	run.Error = errMsg
	return *run, nil
}

// counts reports the total and currently-running run counts.
func (s *runStore) counts() (total, running int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, run := range s.runs {
		if run.Status == model.RunStatusRunning {
			running++
		}
	}
	return len(s.runs), running
}
