package sessions

import (
	"context"
	"time"

	"github.com/flitsinc/agent-relay/internal/log"
)

// Sweeper expires sessions that have been idle for longer than IdleTimeout.
// Sessions with a task in flight or a queued message are never idle.
type Sweeper struct {
	Manager     *Manager
	Interval    time.Duration
	IdleTimeout time.Duration
}

// Run calls SweepOnce on every tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	if s.Interval <= 0 {
		return
	}
	logger := log.WithComponent("sweeper")
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	logger.Info().Dur("interval", s.Interval).Dur("idle_timeout", s.idleTimeout()).Msg("session sweeper started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepOnce(s.Manager.now())
		}
	}
}

// SweepOnce expires every session idle at now and returns how many it
// expired.
func (s *Sweeper) SweepOnce(now time.Time) int {
	idle := s.idleTimeout()
	m := s.Manager

	var expired []string
	m.mu.Lock()
	for id, sess := range m.sessions {
		sess.mu.Lock()
		if sess.active == nil && sess.waiters == 0 && now.Sub(sess.lastActivity) > idle {
			expired = append(expired, id)
		}
		sess.mu.Unlock()
	}
	m.mu.Unlock()

	// A session may have become active since the scan.
	inUse := func(sess *Session) bool {
		return sess.active != nil || sess.waiters > 0 || now.Sub(sess.lastActivity) <= idle
	}
	count := 0
	for _, id := range expired {
		if err := m.remove(id, ErrSessionExpired, "session.expired", inUse); err == nil {
			count++
		}
	}
	if count > 0 {
		logger := log.WithComponent("sweeper")
		logger.Info().
			Str(log.FieldEvent, "sweep.expired").
			Int("count", count).
			Msg("expired idle sessions")
	}
	return count
}

func (s *Sweeper) idleTimeout() time.Duration {
	if s.IdleTimeout > 0 {
		return s.IdleTimeout
	}
	return s.Manager.cfg.IdleTimeout
}
