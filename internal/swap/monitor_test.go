package swap

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/Cyrix126/bch-xmr-swap/internal/config"
)

func newSupervisedRunner(t *testing.T, state State) *Runner {
	t.Helper()
	bob := NewBob(newTestSwap(t))
	if state != nil {
		bob.State = state
	}
	r := newTestRunner(t, bob, &fakeStore{}, "", "")
	cfg := config.DefaultSwapConfig()
	cfg.PollInterval = 5 * time.Millisecond
	r.Config = cfg
	return r
}

func waitForRemoval(t *testing.T, s *Supervisor, r *Runner) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := s.Get(r.ID); !ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("runner never left the registry")
}

func TestSupervisorRejectsDuplicate(t *testing.T) {
	s := NewSupervisor()
	defer s.Stop()

	r := newSupervisedRunner(t, nil)
	if err := s.Add(r); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := s.Add(r); !errors.Is(err, ErrSessionRunning) {
		t.Fatalf("err = %v, want ErrSessionRunning", err)
	}
}

func TestSupervisorRemovesFinishedSession(t *testing.T) {
	s := NewSupervisor()
	defer s.Stop()

	// A terminal session's loop exits on its first polling round.
	r := newSupervisedRunner(t, StateSwapSuccess{})
	if err := s.Add(r); err != nil {
		t.Fatalf("Add: %v", err)
	}
	waitForRemoval(t, s, r)
}

func TestSupervisorStopDrainsSessions(t *testing.T) {
	s := NewSupervisor()

	// An Init session never reaches a terminal state on its own.
	r := newSupervisedRunner(t, nil)
	if err := s.Add(r); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if got := len(s.List()); got != 1 {
		t.Fatalf("live sessions = %d, want 1", got)
	}

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not drain")
	}
	if got := len(s.List()); got != 0 {
		t.Fatalf("live sessions after Stop = %d, want 0", got)
	}
}

func TestSupervisorDeliver(t *testing.T) {
	s := NewSupervisor()
	defer s.Stop()

	r := newSupervisedRunner(t, nil)
	if err := s.Add(r); err != nil {
		t.Fatalf("Add: %v", err)
	}

	// Unknown sessions are rejected before the runner is consulted.
	err := s.Deliver(context.Background(), uuid.New(), TransitionXmrLocked{Amount: 1})
	if !errors.Is(err, ErrSessionUnknown) {
		t.Fatalf("err = %v, want ErrSessionUnknown", err)
	}

	// Known sessions get the runner's own whitelist.
	err = s.Deliver(context.Background(), r.ID, TransitionXmrLocked{Amount: 1})
	if !errors.Is(err, ErrTransitionNotAllowed) {
		t.Fatalf("err = %v, want ErrTransitionNotAllowed", err)
	}
}
