package protocol

import "strings"

// State is the lifecycle state a frame declares for its task.
type State string

const (
	StateSubmitted State = "submitted"
	StateWorking   State = "working"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// IsTerminal reports whether no further transitions are legal from s.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Rank orders states along the single legal forward path.
func (s State) Rank() int {
	switch s {
	case StateSubmitted:
		return 0
	case StateWorking:
		return 1
	case StateCompleted, StateFailed:
		return 2
	default:
		return -1
	}
}

// ParseState maps an upstream state string onto the relay's four states.
// The boolean is false for states the relay does not know.
func ParseState(raw string) (State, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "submitted":
		return StateSubmitted, true
	case "working", "input-required", "auth-required":
		return StateWorking, true
	case "completed":
		return StateCompleted, true
	case "failed", "canceled", "cancelled", "rejected":
		return StateFailed, true
	default:
		return "", false
	}
}

// Origin says who produced a ProtocolError.
type Origin string

const (
	// OriginUpstream is a JSON-RPC error object sent by the agent.
	OriginUpstream Origin = "upstream"
	// OriginTransport covers non-2xx responses, network failures and timeouts.
	OriginTransport Origin = "transport"
	// OriginDecode marks frames the relay could not parse.
	OriginDecode Origin = "decode"
)

// Relay-origin error codes carried by ProtocolError frames.
const (
	CodeDecodeError       = "DECODE_ERROR"
	CodeUnrecognizedFrame = "UNRECOGNIZED_FRAME"
	CodeTransportError    = "TRANSPORT_ERROR"
	CodeTimeout           = "TIMEOUT"
)

// Frame is one decoded unit of the upstream stream. The set of
// implementations is closed: TaskSnapshot, StatusUpdate, ArtifactUpdate,
// PlainText and ProtocolError.
type Frame interface {
	frameKind() string
}

// Kind returns a short label for f, used in logs and metrics.
func Kind(f Frame) string {
	if f == nil {
		return "nil"
	}
	return f.frameKind()
}

// TaskIDOf returns the task id a frame references, or "" for frames that
// carry none.
func TaskIDOf(f Frame) string {
	switch v := f.(type) {
	case TaskSnapshot:
		return v.TaskID
	case StatusUpdate:
		return v.TaskID
	case ArtifactUpdate:
		return v.TaskID
	default:
		return ""
	}
}

type Part struct {
	Kind string `json:"kind"`
	Text string `json:"text,omitempty"`
	Data any    `json:"data,omitempty"`
	File *File  `json:"file,omitempty"`
}

type File struct {
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Bytes    string `json:"bytes,omitempty"`
	URI      string `json:"uri,omitempty"`
}

// Message is an upstream message attached to a status or sent as a reply.
type Message struct {
	Role      string `json:"role"`
	Parts     []Part `json:"parts"`
	MessageID string `json:"messageId,omitempty"`
	ContextID string `json:"contextId,omitempty"`
	TaskID    string `json:"taskId,omitempty"`
}

// Text concatenates the text parts of m.
func (m *Message) Text() string {
	if m == nil {
		return ""
	}
	return TextOf(m.Parts)
}

// TextOf concatenates the text parts in parts.
func TextOf(parts []Part) string {
	var b strings.Builder
	for _, p := range parts {
		if p.Kind == "text" || (p.Kind == "" && p.Text != "") {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

type TaskSnapshot struct {
	TaskID    string
	ContextID string
	State     State
	Message   *Message
	// Artifacts is only populated for full task objects, typically the
	// single response of a non-streaming call. See Expand.
	Artifacts []ArtifactUpdate
}

type StatusUpdate struct {
	TaskID    string
	ContextID string
	State     State
	Message   *Message
	Final     bool
}

type ArtifactUpdate struct {
	TaskID     string
	ArtifactID string
	Name       string
	Parts      []Part
	Append     bool
	LastChunk  bool
}

type PlainText struct {
	Text      string
	MessageID string
	ContextID string
}

type ProtocolError struct {
	Code    string
	Message string
	Origin  Origin
}

func (TaskSnapshot) frameKind() string   { return "task" }
func (StatusUpdate) frameKind() string   { return "status-update" }
func (ArtifactUpdate) frameKind() string { return "artifact-update" }
func (PlainText) frameKind() string      { return "message" }
func (ProtocolError) frameKind() string  { return "error" }

func (e ProtocolError) Error() string {
	if e.Message == "" {
		return "protocol error " + e.Code
	}
	return "protocol error " + e.Code + ": " + e.Message
}
