package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/flitsinc/agent-relay/internal/eventbus"
	"github.com/flitsinc/agent-relay/internal/idgen"
	"github.com/flitsinc/agent-relay/internal/sessions"
	"github.com/flitsinc/agent-relay/internal/state"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// badRequest marks request validation failures.
type badRequest struct {
	msg string
}

func (e badRequest) Error() string { return e.msg }

func errBadRequest(msg string) error {
	return badRequest{msg: msg}
}

// statusFor maps domain errors onto an HTTP status and a stable code.
func statusFor(err error) (int, string) {
	var br badRequest
	switch {
	case errors.Is(err, sessions.ErrBusy):
		return http.StatusConflict, eventbus.CodeBusy
	case errors.Is(err, sessions.ErrNotFound):
		return http.StatusNotFound, "SESSION_NOT_FOUND"
	case errors.Is(err, state.ErrUnknownAgent):
		return http.StatusNotFound, "UNKNOWN_AGENT"
	case errors.Is(err, sessions.ErrNoActiveTask):
		return http.StatusConflict, "NO_ACTIVE_TASK"
	case errors.Is(err, idgen.ErrInvalidSessionID),
		errors.Is(err, sessions.ErrAgentMismatch),
		errors.Is(err, sessions.ErrNoAgent),
		errors.Is(err, state.ErrInvalidAgent),
		errors.As(err, &br):
		return http.StatusBadRequest, "INVALID_REQUEST"
	case errors.Is(err, sessions.ErrSessionClosed):
		return http.StatusGone, eventbus.CodeSessionClosed
	case errors.Is(err, sessions.ErrManagerClosed):
		return http.StatusServiceUnavailable, "SHUTTING_DOWN"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout, "REQUEST_TIMEOUT"
	default:
		return http.StatusInternalServerError, "INTERNAL"
	}
}

func writeError(w http.ResponseWriter, err error) {
	status, code := statusFor(err)
	writeErrorCode(w, status, code, err.Error())
}

func writeErrorCode(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: msg}})
}
