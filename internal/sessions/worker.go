package sessions

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/flitsinc/agent-relay/internal/eventbus"
	"github.com/flitsinc/agent-relay/internal/log"
	"github.com/flitsinc/agent-relay/internal/metrics"
	"github.com/flitsinc/agent-relay/internal/protocol"
	"github.com/flitsinc/agent-relay/internal/tasks"
	"github.com/flitsinc/agent-relay/internal/upstream"
)

// activeTask is the state of one in-flight task. The worker goroutine owns
// it; the manager touches it only to cancel or force-release.
type activeTask struct {
	turnID    string
	startedAt time.Time
	cancel    context.CancelCauseFunc
	done      chan struct{}

	releaseOnce sync.Once

	// mu guards machine and timer.
	mu      sync.Mutex
	machine *tasks.Machine
	timer   *time.Timer

	// appendMu serialises appends to the session log, so that nothing is
	// appended after the final event.
	appendMu sync.Mutex
	finished bool
	final    eventbus.Event
}

func (m *Manager) run(ctx context.Context, s *Session, at *activeTask, req upstream.Request) {
	defer m.wg.Done()
	defer at.cancel(nil)

	logger := m.taskLogger(s, at)
	logger.Info().Str(log.FieldEvent, "task.started").Str(log.FieldContextID, req.ContextID).Msg("relaying message to agent")

	frames := m.streamer.Stream(ctx, req)
	for {
		select {
		case <-ctx.Done():
			m.abort(s, at, logger, context.Cause(ctx))
			return

		case f, ok := <-frames:
			// A frame racing with cancellation loses.
			if ctx.Err() != nil {
				m.abort(s, at, logger, context.Cause(ctx))
				return
			}
			if !ok {
				m.fold(ctx, s, at, logger, func(mc *tasks.Machine) (*eventbus.Event, error) {
					return mc.Fail(eventbus.ClassUpstream, eventbus.CodeStreamClosed, "upstream stream ended before a final frame"), nil
				})
				m.release(s, at, logger)
				return
			}

			s.touch(m.now())
			done, err := m.foldFrame(ctx, s, at, logger, f)
			if err != nil {
				if errors.Is(err, eventbus.ErrClosed) {
					m.release(s, at, logger)
					return
				}
				// Cancelled while waiting for room in the log.
				m.abort(s, at, logger, context.Cause(ctx))
				return
			}
			if done {
				m.release(s, at, logger)
				m.drainLate(at, frames, logger)
				return
			}
		}
	}
}

// foldFrame applies every frame Expand derives from f. It reports whether
// the task finished.
func (m *Manager) foldFrame(ctx context.Context, s *Session, at *activeTask, logger zerolog.Logger, f protocol.Frame) (bool, error) {
	for _, part := range protocol.Expand(f) {
		done, err := m.fold(ctx, s, at, logger, func(mc *tasks.Machine) (*eventbus.Event, error) {
			return mc.Apply(part)
		})
		if err != nil || done {
			return done, err
		}
	}
	return false, nil
}

// fold runs fn against the task machine and appends the event it yields.
// It reports whether the task has finished. Errors come only from the log:
// ctx ending while the log is full, or the log being closed.
func (m *Manager) fold(ctx context.Context, s *Session, at *activeTask, logger zerolog.Logger, fn func(*tasks.Machine) (*eventbus.Event, error)) (bool, error) {
	at.appendMu.Lock()
	defer at.appendMu.Unlock()
	if at.finished {
		return true, nil
	}

	at.mu.Lock()
	ev, diag := fn(at.machine)
	at.mu.Unlock()
	if diag != nil {
		logDiagnostic(logger, diag)
	}
	if ev == nil {
		return false, nil
	}

	ev.TurnID = at.turnID
	// A final event waits for the client like any other until ctx ends, and
	// is then stored at the cost of the oldest unread event.
	stored, err := s.log.Append(ctx, *ev)
	if ev.Final {
		at.finished = true
		at.final = *ev
		if err == nil {
			at.final = stored
		}
	}
	if err != nil {
		logger.Warn().Err(err).Str(log.FieldEvent, "event.append_failed").Bool("final", ev.Final).Msg("could not append event to session log")
		return at.finished, err
	}
	logger.Debug().
		Str(log.FieldEvent, "event.appended").
		Uint64(log.FieldSequence, stored.Sequence).
		Str("kind", string(stored.Kind)).
		Str(log.FieldState, string(stored.State)).
		Bool("final", stored.Final).
		Msg("event appended")
	return at.finished, nil
}

// cancelledCtx makes the cancellation event take room in a full log
// instead of waiting for it.
var cancelledCtx = func() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return ctx
}()

// abort folds the terminal failure for a cancelled task and releases the
// slot. It is safe to call from both the worker and the grace timer.
func (m *Manager) abort(s *Session, at *activeTask, logger zerolog.Logger, cause error) {
	msg := cancelDetail(cause)
	m.fold(cancelledCtx, s, at, logger, func(mc *tasks.Machine) (*eventbus.Event, error) {
		return mc.Fail(eventbus.ClassCancelled, eventbus.CodeCancelled, msg), nil
	})
	m.release(s, at, logger)
}

// release frees the session slot exactly once.
func (m *Manager) release(s *Session, at *activeTask, logger zerolog.Logger) {
	at.releaseOnce.Do(func() {
		at.mu.Lock()
		if at.timer != nil {
			at.timer.Stop()
		}
		succeeded := at.machine.Succeeded()
		contextID := at.machine.ContextID()
		taskID := at.machine.TaskID()
		at.mu.Unlock()

		at.appendMu.Lock()
		final := at.final
		at.appendMu.Unlock()

		s.mu.Lock()
		if s.active == at {
			s.active = nil
			s.lastTask = at
			if succeeded && contextID != "" {
				s.contextID = contextID
			}
			s.lastActivity = m.now()
			close(s.slotFree)
			s.slotFree = make(chan struct{})
		}
		s.mu.Unlock()
		close(at.done)

		class := ""
		if final.Error != nil {
			class = string(final.Error.Class)
		}
		metrics.TasksInFlight.Dec()
		metrics.TasksFinishedTotal.WithLabelValues(string(final.State), class).Inc()

		entry := logger.Info()
		if final.Error != nil {
			entry = logger.Warn().Str(log.FieldClass, class).Str(log.FieldCode, final.Error.Code)
		}
		entry.
			Str(log.FieldEvent, "task.finished").
			Str(log.FieldTaskID, taskID).
			Str(log.FieldContextID, contextID).
			Str(log.FieldState, string(final.State)).
			Uint64(log.FieldSequence, final.Sequence).
			Dur("duration", m.now().Sub(at.startedAt)).
			Msg("task finished")
	})
}

// drainLate reads what the agent sends after the final frame for a short
// while, logging each frame and applying none.
func (m *Manager) drainLate(at *activeTask, frames <-chan protocol.Frame, logger zerolog.Logger) {
	timer := time.NewTimer(m.cfg.DrainWindow)
	defer timer.Stop()
	for {
		select {
		case f, ok := <-frames:
			if !ok {
				return
			}
			at.mu.Lock()
			_, err := at.machine.Apply(f)
			at.mu.Unlock()
			if err != nil {
				logDiagnostic(logger.With().Str(log.FieldFrameKind, protocol.Kind(f)).Logger(), err)
			}
		case <-timer.C:
			return
		}
	}
}

func logDiagnostic(logger zerolog.Logger, err error) {
	event := "frame.rejected"
	switch {
	case errors.Is(err, tasks.ErrLateFrame):
		event = "frame.late"
	case errors.Is(err, tasks.ErrInvalidStatusTransition),
		errors.Is(err, tasks.ErrUnknownTask),
		errors.Is(err, tasks.ErrUnexpectedMessage):
		event = "frame.violation"
	default:
		var perr protocol.ProtocolError
		if errors.As(err, &perr) {
			event = "frame.decode_error"
		}
	}
	logger.Warn().Err(err).Str(log.FieldEvent, event).Msg("upstream frame diagnostic")
}
