package sessions

import "errors"

var (
	ErrBusy           = errors.New("session busy")
	ErrNotFound       = errors.New("session not found")
	ErrNoActiveTask   = errors.New("no task in flight")
	ErrAgentMismatch  = errors.New("session is bound to a different agent")
	ErrNoAgent        = errors.New("no agent specified and no default agent configured")
	ErrSessionClosed  = errors.New("session closed")
	ErrManagerClosed  = errors.New("session manager closed")
	ErrCancelled      = errors.New("task cancelled")
	ErrSessionExpired = errors.New("session expired")
)
