package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/flitsinc/agent-relay/internal/agentcontext"
	"github.com/flitsinc/agent-relay/internal/eventbus"
	"github.com/flitsinc/agent-relay/internal/log"
	"github.com/flitsinc/agent-relay/internal/protocol"
)

const (
	headerSessionID = "X-Session-ID"
	headerTurnID    = "X-Turn-ID"
)

type startRequest struct {
	SessionID string `json:"sessionId,omitempty"`
	Agent     string `json:"agent,omitempty"`
	// Message is either a plain string or an A2A message object.
	Message json.RawMessage `json:"message"`
}

func (req startRequest) userMessage() (protocol.Message, error) {
	raw := bytes.TrimSpace(req.Message)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return protocol.Message{}, errBadRequest("message is required")
	}
	if raw[0] == '"' {
		var text string
		if err := json.Unmarshal(raw, &text); err != nil {
			return protocol.Message{}, errBadRequest("invalid message: " + err.Error())
		}
		if text == "" {
			return protocol.Message{}, errBadRequest("message is empty")
		}
		return protocol.Message{Role: "user", Parts: []protocol.Part{{Kind: "text", Text: text}}}, nil
	}
	var msg protocol.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return protocol.Message{}, errBadRequest("invalid message: " + err.Error())
	}
	if len(msg.Parts) == 0 {
		return protocol.Message{}, errBadRequest("message has no parts")
	}
	if msg.Role == "" {
		msg.Role = "user"
	}
	// The relay owns the conversation context and task binding.
	msg.ContextID = ""
	msg.TaskID = ""
	return msg, nil
}

// handleMessage starts a task and streams its events until the final one.
// A client that goes away cancels the task.
func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, err)
		return
	}
	msg, err := req.userMessage()
	if err != nil {
		writeError(w, err)
		return
	}
	if req.Agent != "" && s.Agents != nil {
		if _, err := s.Agents.GetAgent(r.Context(), req.Agent); err != nil {
			writeError(w, err)
			return
		}
	}

	h, err := s.Sessions.BeginTask(r.Context(), req.SessionID, req.Agent, msg)
	if err != nil {
		writeError(w, err)
		return
	}

	ctx := agentcontext.WithTurnID(agentcontext.WithSessionID(r.Context(), h.Session.ID), h.TurnID)
	logger := log.FromContext(ctx, "api")

	w.Header().Set(headerSessionID, h.Session.ID)
	w.Header().Set(headerTurnID, h.TurnID)
	stream := newEventStream(w, r)
	last := h.After
	err = stream.start()
	if err == nil {
		last, err = h.Publish(ctx, stream)
	} else {
		h.Detach()
	}
	if err == nil {
		return
	}
	if cerr := s.Sessions.CancelTurn(h.Session.ID, h.TurnID); cerr == nil {
		logger.Info().
			Err(err).
			Str(log.FieldEvent, "stream.client_gone").
			Uint64(log.FieldSequence, last).
			Msg("client stream ended; task cancelled")
		return
	}
	logger.Debug().Err(err).Str(log.FieldEvent, "stream.closed").Msg("client stream ended after the task finished")
}

// handleEvents re-attaches to a session's log and streams until the next
// final event. The cursor comes from ?after= or Last-Event-ID; without one
// every retained event is replayed. Re-attached readers never release
// events, so they cannot take them from the stream that started the task.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	sess, err := s.Sessions.Get(urlParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	after, err := cursorFrom(r)
	if err != nil {
		writeError(w, err)
		return
	}

	ctx := agentcontext.WithSessionID(r.Context(), sess.ID)
	w.Header().Set(headerSessionID, sess.ID)
	stream := newEventStream(w, r)
	if err := stream.start(); err != nil {
		return
	}
	if _, err := eventbus.Observe(ctx, sess.Log(), after, stream); err != nil {
		logger := log.FromContext(ctx, "api")
		logger.Debug().Err(err).Str(log.FieldEvent, "stream.detached").Msg("re-attached stream ended early")
	}
}

func cursorFrom(r *http.Request) (uint64, error) {
	raw := r.URL.Query().Get("after")
	if raw == "" {
		raw = r.Header.Get("Last-Event-ID")
	}
	if raw == "" {
		return 0, nil
	}
	after, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, errBadRequest("invalid cursor " + strconv.Quote(raw))
	}
	return after, nil
}
