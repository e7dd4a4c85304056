// Package swap - session supervisor.
package swap

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/Cyrix126/bch-xmr-swap/pkg/logging"
)

// Supervisor errors
var (
	ErrSessionRunning = errors.New("session already supervised")
	ErrSessionUnknown = errors.New("session not supervised")
)

// Supervisor owns the set of live runners. Each added session gets its own
// polling goroutine; the node layer looks sessions up here to deliver
// counterparty messages.
type Supervisor struct {
	log *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	runners map[uuid.UUID]*Runner
}

// NewSupervisor creates an empty supervisor.
func NewSupervisor() *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		log:     logging.Component("supervisor"),
		ctx:     ctx,
		cancel:  cancel,
		runners: make(map[uuid.UUID]*Runner),
	}
}

// Add registers a runner and launches its polling loop. The loop exits when
// the session reaches a terminal state or the supervisor stops; either way
// the runner is dropped from the registry.
func (s *Supervisor) Add(r *Runner) error {
	s.mu.Lock()
	if _, exists := s.runners[r.ID]; exists {
		s.mu.Unlock()
		return ErrSessionRunning
	}
	s.runners[r.ID] = r
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.remove(r.ID)

		err := r.Run(s.ctx)
		switch {
		case err == nil:
			s.log.Info("session finished", "session", r.ID, "state", r.State())
		case errors.Is(err, context.Canceled):
			// Shutdown; the session resumes from storage on the next start.
		default:
			s.log.Error("session loop failed", "session", r.ID, "err", err)
		}
	}()

	s.log.Info("session supervised", "session", r.ID, "state", r.State())
	return nil
}

// Get returns a live runner.
func (s *Supervisor) Get(id uuid.UUID) (*Runner, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runners[id]
	return r, ok
}

// List returns all live runners.
func (s *Supervisor) List() []*Runner {
	s.mu.RLock()
	defer s.mu.RUnlock()
	runners := make([]*Runner, 0, len(s.runners))
	for _, r := range s.runners {
		runners = append(runners, r)
	}
	return runners
}

// Deliver routes a counterparty transition to a live session.
func (s *Supervisor) Deliver(ctx context.Context, id uuid.UUID, t Transition) error {
	r, ok := s.Get(id)
	if !ok {
		return ErrSessionUnknown
	}
	return r.PubTransition(ctx, t)
}

// Stop cancels every polling loop and waits for them to drain.
func (s *Supervisor) Stop() {
	s.cancel()
	s.wg.Wait()
	s.log.Info("supervisor stopped")
}

func (s *Supervisor) remove(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.runners, id)
}
