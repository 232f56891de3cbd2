package eventbus

import (
	"time"

	"github.com/flitsinc/agent-relay/internal/protocol"
)

type Kind string

const (
	KindStatus   Kind = "status"
	KindArtifact Kind = "artifact"
	KindError    Kind = "error"
)

// ErrorClass is the stable taxonomy clients can switch on.
type ErrorClass string

const (
	ClassDecode    ErrorClass = "DecodeError"
	ClassViolation ErrorClass = "ProtocolViolation"
	ClassUpstream  ErrorClass = "UpstreamError"
	ClassTimeout   ErrorClass = "Timeout"
	ClassBusy      ErrorClass = "Busy"
	ClassCancelled ErrorClass = "Cancelled"
	ClassInternal  ErrorClass = "Internal"
)

// Relay-assigned error codes. Upstream codes are forwarded verbatim.
const (
	CodeProtocolViolation = "PROTOCOL_VIOLATION"
	CodeTaskFailed        = "TASK_FAILED"
	CodeStreamClosed      = "STREAM_CLOSED"
	CodeCancelled         = "CANCELLED"
	CodeBusy              = "BUSY"
	CodeSessionClosed     = "SESSION_CLOSED"
)

type ErrorInfo struct {
	Class   ErrorClass `json:"class"`
	Code    string     `json:"code"`
	Message string     `json:"message"`
}

// Event is the canonical, client-visible unit. Sequence and SessionID are
// assigned by the session Log, never by upstream.
type Event struct {
	Sequence     uint64          `json:"sequence"`
	SessionID    string          `json:"sessionId,omitempty"`
	TurnID       string          `json:"turnId,omitempty"`
	TaskID       string          `json:"taskId,omitempty"`
	ContextID    string          `json:"contextId,omitempty"`
	Kind         Kind            `json:"kind"`
	State        protocol.State  `json:"state,omitempty"`
	ArtifactID   string          `json:"artifactId,omitempty"`
	ArtifactName string          `json:"artifactName,omitempty"`
	ContentDelta string          `json:"contentDelta,omitempty"`
	ContentSoFar string          `json:"contentSoFar"`
	Parts        []protocol.Part `json:"parts,omitempty"`
	Message      string          `json:"message,omitempty"`
	Final        bool            `json:"final"`
	Error        *ErrorInfo      `json:"error,omitempty"`
	Time         time.Time       `json:"time"`
}

// IsFailure reports whether ev ends its task unsuccessfully.
func (ev Event) IsFailure() bool {
	return ev.Final && ev.Error != nil
}
