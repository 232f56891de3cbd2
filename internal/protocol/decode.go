package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

type wireEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *wireError      `json:"error"`
}

type wireError struct {
	Code    json.RawMessage `json:"code"`
	Message string          `json:"message"`
}

type wireResult struct {
	Kind      string         `json:"kind"`
	ID        string         `json:"id"`
	TaskID    string         `json:"taskId"`
	ContextID string         `json:"contextId"`
	Status    *wireStatus    `json:"status"`
	Artifact  *wireArtifact  `json:"artifact"`
	Artifacts []wireArtifact `json:"artifacts"`
	Final     bool           `json:"final"`
	Append    bool           `json:"append"`
	LastChunk bool           `json:"lastChunk"`
	Role      string         `json:"role"`
	Parts     []Part         `json:"parts"`
	MessageID string         `json:"messageId"`
}

type wireStatus struct {
	State   string   `json:"state"`
	Message *Message `json:"message"`
}

type wireArtifact struct {
	ArtifactID string `json:"artifactId"`
	Name       string `json:"name"`
	Parts      []Part `json:"parts"`
}

// Decode parses one raw upstream message. It never fails: input that is not
// valid JSON, or JSON of an unknown shape, comes back as a ProtocolError with
// OriginDecode so callers always have a Frame to fold.
func Decode(raw []byte) Frame {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return decodeError(CodeDecodeError, "empty frame")
	}

	if !json.Valid(raw) {
		return decodeError(CodeDecodeError, "invalid json")
	}
	if raw[0] != '{' {
		return decodeError(CodeUnrecognizedFrame, "frame is not a json object")
	}
	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		return decodeError(CodeDecodeError, fmt.Sprintf("invalid json: %v", err))
	}

	_, hasResult := top["result"]
	_, hasError := top["error"]
	if !hasResult && !hasError {
		if _, ok := top["jsonrpc"]; ok {
			return decodeError(CodeUnrecognizedFrame, "json-rpc envelope without result or error")
		}
		return decodeResult(raw)
	}

	var env wireEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return decodeError(CodeDecodeError, fmt.Sprintf("invalid envelope: %v", err))
	}
	if env.Error != nil {
		return ProtocolError{
			Code:    errorCode(env.Error.Code),
			Message: env.Error.Message,
			Origin:  OriginUpstream,
		}
	}
	if len(env.Result) == 0 || bytes.Equal(bytes.TrimSpace(env.Result), []byte("null")) {
		return decodeError(CodeUnrecognizedFrame, "empty result")
	}
	return decodeResult(env.Result)
}

func decodeResult(raw json.RawMessage) Frame {
	var res wireResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return decodeError(CodeDecodeError, fmt.Sprintf("invalid result: %v", err))
	}

	kind := res.Kind
	if kind == "" {
		kind = detectKind(res)
	}

	switch kind {
	case "task":
		return decodeTask(res)
	case "status-update":
		return decodeStatus(res)
	case "artifact-update":
		if res.Artifact == nil {
			return decodeError(CodeDecodeError, "artifact-update without artifact")
		}
		return artifactFrame(res.TaskID, *res.Artifact, res.Append, res.LastChunk)
	case "message":
		return PlainText{
			Text:      TextOf(res.Parts),
			MessageID: res.MessageID,
			ContextID: res.ContextID,
		}
	default:
		return decodeError(CodeUnrecognizedFrame, fmt.Sprintf("unrecognized frame kind %q", kind))
	}
}

// detectKind recognizes results from agents that predate the kind field.
func detectKind(res wireResult) string {
	switch {
	case res.Artifact != nil:
		return "artifact-update"
	case res.Status != nil && res.TaskID != "":
		return "status-update"
	case res.Status != nil && res.ID != "":
		return "task"
	case res.Role != "" && res.Parts != nil:
		return "message"
	default:
		return ""
	}
}

func decodeTask(res wireResult) Frame {
	if res.ID == "" {
		return decodeError(CodeDecodeError, "task without id")
	}
	if res.Status == nil {
		return decodeError(CodeDecodeError, "task without status")
	}
	state, ok := ParseState(res.Status.State)
	if !ok {
		return decodeError(CodeDecodeError, fmt.Sprintf("unknown task state %q", res.Status.State))
	}
	snap := TaskSnapshot{
		TaskID:    res.ID,
		ContextID: res.ContextID,
		State:     state,
		Message:   res.Status.Message,
	}
	for _, a := range res.Artifacts {
		snap.Artifacts = append(snap.Artifacts, artifactFrame(res.ID, a, true, false))
	}
	return snap
}

func decodeStatus(res wireResult) Frame {
	if res.Status == nil {
		return decodeError(CodeDecodeError, "status-update without status")
	}
	state, ok := ParseState(res.Status.State)
	if !ok {
		return decodeError(CodeDecodeError, fmt.Sprintf("unknown task state %q", res.Status.State))
	}
	return StatusUpdate{
		TaskID:    res.TaskID,
		ContextID: res.ContextID,
		State:     state,
		Message:   res.Status.Message,
		Final:     res.Final,
	}
}

func artifactFrame(taskID string, a wireArtifact, appendParts, last bool) ArtifactUpdate {
	return ArtifactUpdate{
		TaskID:     taskID,
		ArtifactID: a.ArtifactID,
		Name:       a.Name,
		Parts:      a.Parts,
		Append:     appendParts,
		LastChunk:  last,
	}
}

// errorCode keeps the upstream code as sent: numbers keep their literal
// text, strings are unquoted.
func errorCode(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "UNKNOWN"
	}
	if raw[0] == '"' {
		if s, err := strconv.Unquote(string(raw)); err == nil {
			return s
		}
	}
	return string(raw)
}

func decodeError(code, msg string) ProtocolError {
	return ProtocolError{Code: code, Message: msg, Origin: OriginDecode}
}

// Expand splits a full task object into the frame sequence a streaming agent
// would have sent, so every frame still folds into at most one event.
// Frames other than artifact-bearing snapshots are returned unchanged.
func Expand(f Frame) []Frame {
	snap, ok := f.(TaskSnapshot)
	if !ok || len(snap.Artifacts) == 0 {
		return []Frame{f}
	}

	head := snap
	head.Artifacts = nil
	out := make([]Frame, 0, len(snap.Artifacts)+2)
	if snap.State.IsTerminal() {
		head.State = StateWorking
		head.Message = nil
	}
	out = append(out, head)
	for _, a := range snap.Artifacts {
		out = append(out, a)
	}
	if snap.State.IsTerminal() {
		out = append(out, StatusUpdate{
			TaskID:    snap.TaskID,
			ContextID: snap.ContextID,
			State:     snap.State,
			Message:   snap.Message,
			Final:     true,
		})
	}
	return out
}
