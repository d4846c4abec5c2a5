// ABOUTME: Background rotation-policy sweep
// ABOUTME: Periodically rotates tokens for connected agents past the rotation interval

package token

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Scheduler periodically initiates rotation for agents whose tokens
// have aged past the rotation interval. Rotations are only delivered to
// connected agents; disconnected ones are picked up on a later sweep.
type Scheduler struct {
	manager  *Manager
	interval time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler creates a rotation-policy scheduler sweeping on the
// given interval.
func NewScheduler(manager *Manager, interval time.Duration, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		manager:  manager,
		interval: interval,
		logger:   logger.With("component", "rotation-scheduler"),
	}
}

// Start launches the sweep loop. A no-op with a warning when already
// running.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		s.logger.Warn("rotation scheduler already running")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	s.logger.Info("starting rotation scheduler", "interval", s.interval)

	go func() {
		defer close(done)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.sweep(ctx); err != nil {
					s.logger.Error("rotation sweep failed", "error", err)
				}
			}
		}
	}()
}

// Stop cancels the sweep loop and waits for it to exit. Idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// sweep is one policy iteration. A failure for one agent does not stop
// the rest.
func (s *Scheduler) sweep(ctx context.Context) error {
	due, err := s.manager.AgentsNeedingRotation(ctx)
	if err != nil {
		return err
	}

	for _, a := range due {
		if !s.manager.commander.IsConnected(a.ID) {
			s.logger.Debug("rotation due but agent offline", "agent_id", a.ID)
			continue
		}
		if _, err := s.manager.InitiateRotation(ctx, a.ID); err != nil {
			s.logger.Warn("scheduled rotation failed", "agent_id", a.ID, "error", err)
		}
	}

	expired, err := s.manager.CheckTokenExpiry(ctx)
	if err != nil {
		s.logger.Warn("token expiry check failed", "error", err)
		return nil
	}
	for _, a := range expired {
		s.logger.Warn("agent token fully expired, re-provisioning required",
			"agent_id", a.ID,
			"expired_at", a.TokenExpiresAt,
		)
	}
	return nil
}
