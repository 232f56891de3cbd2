package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/flitsinc/agent-relay/internal/eventbus"
)

const contentTypeNDJSON = "application/x-ndjson"

// eventStream writes canonical events to an HTTP response, either as
// Server-Sent Events or as newline-delimited JSON.
type eventStream struct {
	w       http.ResponseWriter
	rc      *http.ResponseController
	ndjson  bool
	started bool
}

func newEventStream(w http.ResponseWriter, r *http.Request) *eventStream {
	return &eventStream{
		w:      w,
		rc:     http.NewResponseController(w),
		ndjson: strings.Contains(r.Header.Get("Accept"), contentTypeNDJSON),
	}
}

// start writes the response headers. Further headers must be set before.
func (s *eventStream) start() error {
	if s.started {
		return nil
	}
	s.started = true
	h := s.w.Header()
	if s.ndjson {
		h.Set("Content-Type", contentTypeNDJSON)
	} else {
		h.Set("Content-Type", "text/event-stream")
		h.Set("Connection", "keep-alive")
	}
	h.Set("Cache-Control", "no-cache")
	h.Set("X-Accel-Buffering", "no")
	s.w.WriteHeader(http.StatusOK)
	if !s.ndjson {
		if _, err := s.w.Write([]byte(":ok\n\n")); err != nil {
			return err
		}
	}
	return s.flush()
}

func (s *eventStream) WriteEvent(ctx context.Context, ev eventbus.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.start(); err != nil {
		return err
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	var frame []byte
	if s.ndjson {
		frame = append(payload, '\n')
	} else {
		frame = fmt.Appendf(nil, "id: %d\nevent: %s\ndata: %s\n\n", ev.Sequence, ev.Kind, payload)
	}
	if _, err := s.w.Write(frame); err != nil {
		return err
	}
	return s.flush()
}

func (s *eventStream) flush() error {
	if err := s.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	return nil
}
