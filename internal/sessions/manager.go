package sessions

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/flitsinc/agent-relay/internal/agentcontext"
	"github.com/flitsinc/agent-relay/internal/eventbus"
	"github.com/flitsinc/agent-relay/internal/idgen"
	"github.com/flitsinc/agent-relay/internal/log"
	"github.com/flitsinc/agent-relay/internal/metrics"
	"github.com/flitsinc/agent-relay/internal/protocol"
	"github.com/flitsinc/agent-relay/internal/tasks"
	"github.com/flitsinc/agent-relay/internal/upstream"
)

// BusyPolicy decides what happens to a message sent while a task is in
// flight.
type BusyPolicy string

const (
	BusyReject BusyPolicy = "reject"
	BusyQueue  BusyPolicy = "queue"
)

func ParseBusyPolicy(raw string) (BusyPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "reject":
		return BusyReject, nil
	case "queue":
		return BusyQueue, nil
	default:
		return "", fmt.Errorf("unknown busy policy %q", raw)
	}
}

type Config struct {
	DefaultAgent string
	IdleTimeout  time.Duration
	// CancelGrace bounds how long a cancelled worker may hold the session
	// slot before the manager releases it.
	CancelGrace time.Duration
	// DrainWindow is how long a worker keeps reading the upstream stream
	// after the final event, to log late frames.
	DrainWindow time.Duration
	BufferSize  int
	Overflow    eventbus.Overflow
	Policy      tasks.Policy
	BusyPolicy  BusyPolicy
	QueueDepth  int
}

func (c Config) withDefaults() Config {
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 30 * time.Minute
	}
	if c.CancelGrace <= 0 {
		c.CancelGrace = 5 * time.Second
	}
	if c.DrainWindow <= 0 {
		c.DrainWindow = 250 * time.Millisecond
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 256
	}
	if c.Overflow == "" {
		c.Overflow = eventbus.OverflowBlock
	}
	if c.Policy.Verbosity == "" {
		c.Policy.Verbosity = tasks.VerbosityAll
	}
	if c.BusyPolicy == "" {
		c.BusyPolicy = BusyReject
	}
	if c.BusyPolicy == BusyQueue && c.QueueDepth <= 0 {
		c.QueueDepth = 1
	}
	return c
}

// Streamer opens the upstream call for one task. upstream.Client satisfies
// it.
type Streamer interface {
	Stream(ctx context.Context, req upstream.Request) <-chan protocol.Frame
}

type Option func(*Manager)

func WithClock(nowFn func() time.Time) Option {
	return func(m *Manager) {
		if nowFn != nil {
			m.nowFn = nowFn
		}
	}
}

// Manager owns every conversation session and the single in-flight task
// slot of each. The manager lock guards only the session map; each session
// guards its slot with its own lock, and neither is held across I/O.
type Manager struct {
	cfg      Config
	streamer Streamer
	logger   zerolog.Logger
	nowFn    func() time.Time

	ctx  context.Context
	stop context.CancelCauseFunc
	wg   sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

func NewManager(streamer Streamer, cfg Config, opts ...Option) *Manager {
	ctx, stop := context.WithCancelCause(context.Background())
	m := &Manager{
		cfg:      cfg.withDefaults(),
		streamer: streamer,
		logger:   log.WithComponent("sessions"),
		nowFn:    func() time.Time { return time.Now().UTC() },
		ctx:      ctx,
		stop:     stop,
		sessions: map[string]*Session{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

func (m *Manager) now() time.Time {
	return m.nowFn()
}

func (m *Manager) Config() Config {
	return m.cfg
}

// Resolve returns the session with id, creating it on first use. An empty id
// creates a session with a generated id. An empty agent means the session's
// bound agent, or the default agent for a new session.
func (m *Manager) Resolve(id, agent string) (*Session, error) {
	if id == "" {
		id = idgen.SessionID()
	} else if err := idgen.ValidateSessionID(id); err != nil {
		return nil, err
	}

	s, created, err := m.resolve(id, agent)
	if err != nil {
		return nil, err
	}
	if created {
		metrics.SessionsActive.Inc()
		m.logger.Info().
			Str(log.FieldEvent, "session.created").
			Str(log.FieldSessionID, s.ID).
			Str(log.FieldAgent, s.Agent).
			Msg("session created")
	}
	return s, nil
}

func (m *Manager) resolve(id, agent string) (*Session, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, false, ErrManagerClosed
	}
	if s, ok := m.sessions[id]; ok {
		if agent != "" && agent != s.Agent {
			return nil, false, fmt.Errorf("%w: session %s talks to %s, not %s", ErrAgentMismatch, id, s.Agent, agent)
		}
		return s, false, nil
	}
	if agent == "" {
		agent = m.cfg.DefaultAgent
	}
	if agent == "" {
		return nil, false, ErrNoAgent
	}
	s := newSession(id, agent, eventbus.NewLog(id, m.cfg.BufferSize, m.cfg.Overflow), m.now())
	m.sessions[id] = s
	return s, true, nil
}

func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s, nil
}

// List returns info for every session, ordered by id.
func (m *Manager) List() []Info {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.Unlock()

	out := make([]Info, 0, len(all))
	for _, s := range all {
		out = append(out, s.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// TaskHandle identifies a started task and owns delivery of its events.
// The caller must either Publish or Detach; until then the handle holds the
// task's events in the session log.
type TaskHandle struct {
	Session *Session
	TurnID  string
	// After is the last sequence before this task's first event.
	After uint64
	owner *eventbus.Owner
	done  <-chan struct{}
}

func (h *TaskHandle) Log() *eventbus.Log {
	return h.Session.log
}

// Publish delivers this task's events to w, ending after its final event,
// and then detaches.
func (h *TaskHandle) Publish(ctx context.Context, w eventbus.Writer) (uint64, error) {
	defer h.owner.Detach()
	return eventbus.Publish(ctx, h.owner, w)
}

// Detach gives up delivery. Events nobody has read stop holding room in
// the log.
func (h *TaskHandle) Detach() {
	h.owner.Detach()
}

// Done is closed once the task has released the session slot.
func (h *TaskHandle) Done() <-chan struct{} {
	return h.done
}

// BeginTask starts relaying msg on the session, creating the session if
// needed. It fails with ErrBusy while another task holds the slot, unless the
// busy policy queues the call, in which case it waits for the slot or ctx.
func (m *Manager) BeginTask(ctx context.Context, sessionID, agent string, msg protocol.Message) (*TaskHandle, error) {
	s, err := m.Resolve(sessionID, agent)
	if err != nil {
		return nil, err
	}
	if msg.MessageID == "" {
		msg.MessageID = idgen.New()
	}
	if err := m.acquireWorker(); err != nil {
		return nil, err
	}
	started := false
	defer func() {
		if !started {
			m.wg.Done()
		}
	}()

	s.mu.Lock()
	for s.active != nil && !s.closed {
		if m.cfg.BusyPolicy != BusyQueue || s.waiters >= m.cfg.QueueDepth {
			s.mu.Unlock()
			metrics.BusyRejectionsTotal.Inc()
			return nil, fmt.Errorf("%w: session %s", ErrBusy, s.ID)
		}
		wait := s.slotFree
		s.waiters++
		s.mu.Unlock()
		select {
		case <-ctx.Done():
			s.mu.Lock()
			s.waiters--
			s.mu.Unlock()
			return nil, ctx.Err()
		case <-m.ctx.Done():
			s.mu.Lock()
			s.waiters--
			s.mu.Unlock()
			return nil, ErrManagerClosed
		case <-wait:
		}
		s.mu.Lock()
		s.waiters--
	}
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSessionClosed, s.ID)
	}

	taskCtx := agentcontext.WithTurnID(agentcontext.WithSessionID(m.ctx, s.ID), msg.MessageID)
	taskCtx, cancel := context.WithCancelCause(taskCtx)
	at := &activeTask{
		turnID:    msg.MessageID,
		startedAt: m.now(),
		cancel:    cancel,
		done:      make(chan struct{}),
		machine:   tasks.NewMachine(m.cfg.Policy),
	}
	s.active = at
	s.lastActivity = at.startedAt
	after := s.log.LastSequence()
	// Attached before the worker starts so no event of this turn is
	// released unread.
	owner := s.log.Attach(at.turnID, after)
	req := upstream.Request{
		Agent:     s.Agent,
		SessionID: s.ID,
		ContextID: s.contextID,
		Message:   msg,
	}
	started = true
	s.mu.Unlock()

	metrics.TasksStartedTotal.Inc()
	metrics.TasksInFlight.Inc()
	go m.run(taskCtx, s, at, req)

	return &TaskHandle{Session: s, TurnID: at.turnID, After: after, owner: owner, done: at.done}, nil
}

// Cancel cancels the session's in-flight task. The worker folds a CANCELLED
// failure and releases the slot; if it has not done so within CancelGrace the
// manager does both itself.
func (m *Manager) Cancel(sessionID string) error {
	return m.CancelTurn(sessionID, "")
}

// CancelTurn cancels the in-flight task only if it belongs to turnID. An
// empty turnID matches any task.
func (m *Manager) CancelTurn(sessionID, turnID string) error {
	s, err := m.Get(sessionID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	at := s.active
	s.mu.Unlock()
	if at == nil || (turnID != "" && at.turnID != turnID) {
		return fmt.Errorf("%w: session %s", ErrNoActiveTask, sessionID)
	}
	m.cancelTask(s, at, ErrCancelled)
	return nil
}

// End destroys the session, cancelling any in-flight task.
func (m *Manager) End(sessionID string) error {
	return m.remove(sessionID, ErrSessionClosed, "session.ended", nil)
}

// Expire releases an idle session. Upstream contexts and tasks are left
// alone.
func (m *Manager) Expire(sessionID string) error {
	return m.remove(sessionID, ErrSessionExpired, "session.expired", nil)
}

// remove deletes the session unless keep, checked under the session lock,
// says otherwise.
func (m *Manager) remove(id string, cause error, event string, keep func(*Session) bool) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok && keep != nil {
		s.mu.Lock()
		if keep(s) {
			s.mu.Unlock()
			m.mu.Unlock()
			return fmt.Errorf("%w: session %s", ErrBusy, id)
		}
		s.mu.Unlock()
	}
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	metrics.SessionsActive.Dec()

	s.mu.Lock()
	s.closed = true
	at := s.active
	close(s.slotFree)
	s.slotFree = make(chan struct{})
	s.mu.Unlock()

	m.logger.Info().
		Str(log.FieldEvent, event).
		Str(log.FieldSessionID, id).
		Bool("busy", at != nil).
		Msg("session removed")

	if at == nil {
		s.log.Close()
		return nil
	}
	m.cancelTask(s, at, cause)
	if err := m.acquireWorker(); err != nil {
		s.log.Close()
		return nil
	}
	// Close the log once the cancellation event is in it.
	go func() {
		defer m.wg.Done()
		<-at.done
		s.log.Close()
	}()
	return nil
}

// acquireWorker registers a goroutine with the manager's wait group. It
// fails once Close has started.
func (m *Manager) acquireWorker() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrManagerClosed
	}
	m.wg.Add(1)
	return nil
}

func (m *Manager) cancelTask(s *Session, at *activeTask, cause error) {
	at.cancel(cause)
	at.mu.Lock()
	defer at.mu.Unlock()
	if at.timer != nil {
		return
	}
	at.timer = time.AfterFunc(m.cfg.CancelGrace, func() {
		m.forceRelease(s, at, cause)
	})
}

func (m *Manager) forceRelease(s *Session, at *activeTask, cause error) {
	select {
	case <-at.done:
		return
	default:
	}
	logger := m.taskLogger(s, at)
	logger.Warn().
		Str(log.FieldEvent, "task.force_release").
		Dur("grace", m.cfg.CancelGrace).
		Msg("worker did not stop within grace period; releasing session slot")
	metrics.ForcedReleasesTotal.Inc()
	m.abort(s, at, logger, cause)
}

// Stats summarises the manager for diagnostics.
type Stats struct {
	Sessions int `json:"sessions"`
	Busy     int `json:"busy"`
	Waiting  int `json:"waiting"`
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Stats{Sessions: len(m.sessions)}
	for _, s := range m.sessions {
		s.mu.Lock()
		if s.active != nil {
			st.Busy++
		}
		st.Waiting += s.waiters
		s.mu.Unlock()
	}
	return st
}

// Close cancels every task, waits for the workers to finish and closes all
// session logs. It gives up waiting when ctx is done.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.stop(ErrManagerClosed)
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("wait for session workers: %w", ctx.Err())
	}

	m.mu.Lock()
	all := m.sessions
	m.sessions = map[string]*Session{}
	m.mu.Unlock()
	for _, s := range all {
		s.log.Close()
		metrics.SessionsActive.Dec()
	}
	return err
}

func (m *Manager) taskLogger(s *Session, at *activeTask) zerolog.Logger {
	return m.logger.With().
		Str(log.FieldSessionID, s.ID).
		Str(log.FieldTurnID, at.turnID).
		Str(log.FieldAgent, s.Agent).
		Logger()
}

func cancelDetail(cause error) string {
	switch {
	case errors.Is(cause, ErrCancelled):
		return "task cancelled by client"
	case errors.Is(cause, ErrSessionClosed):
		return "session ended by client"
	case errors.Is(cause, ErrSessionExpired):
		return "session expired"
	case errors.Is(cause, ErrManagerClosed):
		return "relay shutting down"
	case cause == nil:
		return "task cancelled"
	default:
		return cause.Error()
	}
}
