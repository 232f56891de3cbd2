package tasks

import (
	"errors"
	"fmt"
	"strings"

	"github.com/flitsinc/agent-relay/internal/eventbus"
	"github.com/flitsinc/agent-relay/internal/metrics"
	"github.com/flitsinc/agent-relay/internal/protocol"
)

var (
	ErrInvalidStatusTransition = errors.New("invalid task status transition")
	ErrLateFrame               = errors.New("frame after terminal state")
	ErrUnknownTask             = errors.New("frame references unknown task")
	ErrUnexpectedMessage       = errors.New("plain message while a task is in progress")
)

type StatusTransitionError struct {
	TaskID string
	From   protocol.State
	To     protocol.State
}

func (e *StatusTransitionError) Error() string {
	return fmt.Sprintf("invalid task status transition for %s: %s -> %s", e.TaskID, e.From, e.To)
}

func (e *StatusTransitionError) Unwrap() error {
	return ErrInvalidStatusTransition
}

// Artifact is the accumulated text of one named output.
type Artifact struct {
	ID      string `json:"id"`
	Name    string `json:"name,omitempty"`
	Content string `json:"content"`
}

// Task is a point-in-time view of a machine.
type Task struct {
	ID        string         `json:"id,omitempty"`
	ContextID string         `json:"contextId,omitempty"`
	State     protocol.State `json:"state,omitempty"`
	Message   string         `json:"message,omitempty"`
	Artifacts []Artifact     `json:"artifacts,omitempty"`
	Done      bool           `json:"done"`
}

type artifact struct {
	id      string
	name    string
	content strings.Builder
}

// Machine folds the frames of one upstream task into canonical events.
// Each Apply emits at most one event. A Machine is not safe for concurrent
// use; the session worker owns it for the lifetime of the task.
type Machine struct {
	policy Policy

	started   bool
	done      bool
	id        string
	contextID string
	state     protocol.State
	message   string

	artifacts map[string]*artifact
	order     []*artifact
}

func NewMachine(policy Policy) *Machine {
	if policy.Verbosity == "" {
		policy.Verbosity = VerbosityAll
	}
	return &Machine{
		policy:    policy,
		artifacts: map[string]*artifact{},
	}
}

// Apply folds f into the task. The returned event, if any, must be appended
// to the session log in call order. A non-nil error is a diagnostic for the
// caller to log: the frame was dropped, rejected or reported as an error
// event, and the machine remains usable.
//
// Full task snapshots should be split with protocol.Expand first. Artifacts
// left on a snapshot are accumulated without events of their own.
func (m *Machine) Apply(f protocol.Frame) (*eventbus.Event, error) {
	if f == nil {
		return nil, errors.New("nil frame")
	}
	if m.done {
		metrics.IncDiagnostic("late_frame")
		return nil, fmt.Errorf("%w: %s for task %s already %s", ErrLateFrame, protocol.Kind(f), m.id, m.state)
	}

	switch v := f.(type) {
	case protocol.TaskSnapshot:
		ev, err := m.applyStatus(v.TaskID, v.ContextID, v.State, v.Message, v.State.IsTerminal())
		if err == nil {
			for _, a := range v.Artifacts {
				m.accumulate(a)
			}
			if ev != nil && ev.Final && ev.Error == nil && len(m.order) > 0 {
				ev.ContentSoFar = m.combined()
			}
		}
		return ev, err
	case protocol.StatusUpdate:
		return m.applyStatus(v.TaskID, v.ContextID, v.State, v.Message, v.Final)
	case protocol.ArtifactUpdate:
		return m.applyArtifact(v)
	case protocol.PlainText:
		return m.applyPlainText(v)
	case protocol.ProtocolError:
		return m.applyError(v)
	default:
		return nil, fmt.Errorf("unsupported frame %T", f)
	}
}

// Fail folds a relay-side terminal failure such as a cancellation or a
// stream that ended early. It returns nil when the task already finished.
func (m *Machine) Fail(class eventbus.ErrorClass, code, message string) *eventbus.Event {
	if m.done {
		return nil
	}
	return m.fail(class, code, message)
}

func (m *Machine) Done() bool {
	return m.done
}

func (m *Machine) State() protocol.State {
	return m.state
}

func (m *Machine) TaskID() string {
	return m.id
}

func (m *Machine) ContextID() string {
	return m.contextID
}

// Succeeded reports whether the task finished as completed.
func (m *Machine) Succeeded() bool {
	return m.done && m.state == protocol.StateCompleted
}

func (m *Machine) Snapshot() Task {
	task := Task{
		ID:        m.id,
		ContextID: m.contextID,
		State:     m.state,
		Message:   m.message,
		Done:      m.done,
	}
	for _, a := range m.order {
		task.Artifacts = append(task.Artifacts, Artifact{ID: a.id, Name: a.name, Content: a.content.String()})
	}
	return task
}

func (m *Machine) applyStatus(taskID, contextID string, state protocol.State, msg *protocol.Message, final bool) (*eventbus.Event, error) {
	first := !m.started
	if err := m.adopt(taskID, contextID); err != nil {
		return m.violation(err)
	}
	text := msg.Text()

	if final || state.IsTerminal() {
		// A final frame that still claims to be running ends the task anyway.
		if !state.IsTerminal() {
			state = protocol.StateCompleted
		}
		return m.finish(state, text), nil
	}

	if !first && state.Rank() < m.state.Rank() {
		return m.violation(&StatusTransitionError{TaskID: m.id, From: m.state, To: state})
	}

	duplicate := !first && state == m.state && text == ""
	m.state = state
	if text != "" {
		m.message = text
	}
	if duplicate || m.policy.Verbosity == VerbosityFinal {
		return nil, nil
	}

	ev := m.event(eventbus.KindStatus)
	ev.State = state
	ev.Message = text
	ev.ContentSoFar = m.combined()
	return &ev, nil
}

func (m *Machine) applyArtifact(v protocol.ArtifactUpdate) (*eventbus.Event, error) {
	first := !m.started
	if err := m.adopt(v.TaskID, ""); err != nil {
		return m.violation(err)
	}
	if first || m.state == protocol.StateSubmitted {
		m.state = protocol.StateWorking
	}

	a, delta := m.accumulate(v)
	ev := m.event(eventbus.KindArtifact)
	ev.State = m.state
	ev.ArtifactID = a.id
	ev.ArtifactName = a.name
	ev.ContentDelta = delta
	ev.ContentSoFar = a.content.String()
	ev.Parts = v.Parts
	return &ev, nil
}

// applyPlainText treats a bare reply as a task that completed immediately.
func (m *Machine) applyPlainText(v protocol.PlainText) (*eventbus.Event, error) {
	if m.started {
		return m.violation(fmt.Errorf("%w: %q", ErrUnexpectedMessage, clip(v.Text, 80)))
	}
	m.started = true
	m.id = v.MessageID
	m.contextID = v.ContextID
	return m.finish(protocol.StateCompleted, v.Text), nil
}

func (m *Machine) applyError(v protocol.ProtocolError) (*eventbus.Event, error) {
	if v.Origin == protocol.OriginDecode {
		metrics.IncDiagnostic("decode")
		ev := m.event(eventbus.KindError)
		ev.State = m.state
		ev.Message = v.Message
		ev.ContentSoFar = m.combined()
		ev.Error = &eventbus.ErrorInfo{Class: eventbus.ClassDecode, Code: v.Code, Message: v.Message}
		return &ev, fmt.Errorf("decode upstream frame: %w", v)
	}

	class := eventbus.ClassUpstream
	if v.Code == protocol.CodeTimeout {
		class = eventbus.ClassTimeout
	}
	msg := v.Message
	if msg == "" {
		msg = "upstream error " + v.Code
	}
	return m.fail(class, v.Code, msg), nil
}

// adopt establishes the task on its first frame and checks that later frames
// reference it. Frames without a task id belong to the current task.
func (m *Machine) adopt(taskID, contextID string) error {
	if !m.started {
		m.started = true
		m.id = taskID
		m.contextID = contextID
		return nil
	}
	if taskID != "" && m.id != "" && taskID != m.id {
		return fmt.Errorf("%w: got %s, current task is %s", ErrUnknownTask, taskID, m.id)
	}
	if m.id == "" {
		m.id = taskID
	}
	if m.contextID == "" {
		m.contextID = contextID
	}
	return nil
}

func (m *Machine) violation(err error) (*eventbus.Event, error) {
	metrics.IncDiagnostic("violation")
	if m.policy.FailOnViolation {
		return m.fail(eventbus.ClassViolation, eventbus.CodeProtocolViolation, err.Error()), err
	}
	ev := m.event(eventbus.KindError)
	ev.State = m.state
	ev.Message = err.Error()
	ev.ContentSoFar = m.combined()
	ev.Error = &eventbus.ErrorInfo{
		Class:   eventbus.ClassViolation,
		Code:    eventbus.CodeProtocolViolation,
		Message: err.Error(),
	}
	return &ev, err
}

func (m *Machine) finish(state protocol.State, text string) *eventbus.Event {
	m.state = state
	m.done = true
	if text != "" {
		m.message = text
	}

	ev := m.event(eventbus.KindStatus)
	ev.State = state
	ev.Final = true
	ev.Message = text
	ev.ContentSoFar = m.combined()
	if state == protocol.StateFailed {
		msg := text
		if msg == "" {
			msg = "upstream task failed"
		}
		ev.Kind = eventbus.KindError
		ev.Error = &eventbus.ErrorInfo{Class: eventbus.ClassUpstream, Code: eventbus.CodeTaskFailed, Message: msg}
		return &ev
	}
	if len(m.order) == 0 {
		ev.ContentSoFar = m.message
	}
	return &ev
}

func (m *Machine) fail(class eventbus.ErrorClass, code, message string) *eventbus.Event {
	m.started = true
	m.state = protocol.StateFailed
	m.done = true

	ev := m.event(eventbus.KindError)
	ev.State = protocol.StateFailed
	ev.Final = true
	ev.Message = message
	ev.ContentSoFar = m.combined()
	ev.Error = &eventbus.ErrorInfo{Class: class, Code: code, Message: message}
	return &ev
}

// accumulate appends the text parts of v to its artifact. Accumulated
// content only ever grows.
func (m *Machine) accumulate(v protocol.ArtifactUpdate) (*artifact, string) {
	a, ok := m.artifacts[v.ArtifactID]
	if !ok {
		a = &artifact{id: v.ArtifactID}
		m.artifacts[v.ArtifactID] = a
		m.order = append(m.order, a)
	}
	if a.name == "" {
		a.name = v.Name
	}
	delta := protocol.TextOf(v.Parts)
	a.content.WriteString(delta)
	return a, delta
}

// combined is the text of every artifact in first-seen order.
func (m *Machine) combined() string {
	if len(m.order) == 1 {
		return m.order[0].content.String()
	}
	var b strings.Builder
	for _, a := range m.order {
		b.WriteString(a.content.String())
	}
	return b.String()
}

func (m *Machine) event(kind eventbus.Kind) eventbus.Event {
	return eventbus.Event{TaskID: m.id, ContextID: m.contextID, Kind: kind}
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
