package sessions

import (
	"sync"
	"time"

	"github.com/flitsinc/agent-relay/internal/eventbus"
	"github.com/flitsinc/agent-relay/internal/tasks"
)

// Session is one conversation with one agent. Its exported identity fields
// never change; everything else is guarded by mu.
type Session struct {
	ID        string
	Agent     string
	CreatedAt time.Time

	log *eventbus.Log

	mu           sync.Mutex
	contextID    string
	active       *activeTask
	lastTask     *activeTask
	lastActivity time.Time
	waiters      int
	slotFree     chan struct{}
	closed       bool
}

func newSession(id, agent string, log *eventbus.Log, now time.Time) *Session {
	return &Session{
		ID:           id,
		Agent:        agent,
		CreatedAt:    now,
		log:          log,
		lastActivity: now,
		slotFree:     make(chan struct{}),
	}
}

// Log is the session's event log, used to attach publishers.
func (s *Session) Log() *eventbus.Log {
	return s.log
}

func (s *Session) ContextID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.contextID
}

func (s *Session) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active != nil
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastActivity = now
	s.mu.Unlock()
}

// Info is a point-in-time view of a session.
type Info struct {
	ID           string      `json:"id"`
	Agent        string      `json:"agent"`
	ContextID    string      `json:"contextId,omitempty"`
	Busy         bool        `json:"busy"`
	TurnID       string      `json:"turnId,omitempty"`
	Task         *tasks.Task `json:"task,omitempty"`
	LastSequence uint64      `json:"lastSequence"`
	Pending      int         `json:"pending"`
	Dropped      uint64      `json:"dropped"`
	Waiting      int         `json:"waiting"`
	CreatedAt    time.Time   `json:"createdAt"`
	LastActivity time.Time   `json:"lastActivity"`
}

func (s *Session) Info() Info {
	s.mu.Lock()
	info := Info{
		ID:           s.ID,
		Agent:        s.Agent,
		ContextID:    s.contextID,
		Busy:         s.active != nil,
		Waiting:      s.waiters,
		CreatedAt:    s.CreatedAt,
		LastActivity: s.lastActivity,
	}
	active := s.active
	last := s.lastTask
	s.mu.Unlock()

	if active != nil {
		info.TurnID = active.turnID
		last = active
	}
	if last != nil {
		last.mu.Lock()
		task := last.machine.Snapshot()
		last.mu.Unlock()
		info.Task = &task
	}
	info.LastSequence = s.log.LastSequence()
	info.Pending = s.log.Pending()
	info.Dropped = s.log.Dropped()
	return info
}
