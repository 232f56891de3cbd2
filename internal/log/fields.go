package log

// Canonical field names for structured logging.
const (
	FieldService   = "service"
	FieldComponent = "component"
	FieldEvent     = "event"

	FieldSessionID = "session_id"
	FieldTurnID    = "turn_id"
	FieldRequestID = "request_id"
	FieldTaskID    = "task_id"
	FieldContextID = "context_id"
	FieldAgent     = "agent"

	FieldFrameKind = "frame_kind"
	FieldSequence  = "sequence"
	FieldState     = "state"
	FieldCode      = "code"
	FieldClass     = "class"
)
