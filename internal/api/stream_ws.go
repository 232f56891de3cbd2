package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/coder/websocket"

	"github.com/flitsinc/agent-relay/internal/agentcontext"
	"github.com/flitsinc/agent-relay/internal/eventbus"
	"github.com/flitsinc/agent-relay/internal/log"
)

type wsWriter interface {
	Write(ctx context.Context, msgType websocket.MessageType, data []byte) error
}

// wsEvents sends each event as one text message.
type wsEvents struct {
	conn wsWriter
}

func (w wsEvents) WriteEvent(ctx context.Context, ev eventbus.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return w.conn.Write(ctx, websocket.MessageText, payload)
}

// handleSessionWS is handleEvents over a WebSocket. The connection closes
// normally after the final event.
func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
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

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "closed")

	// CloseRead cancels ctx when the client goes away.
	ctx := conn.CloseRead(agentcontext.WithSessionID(r.Context(), sess.ID))
	if _, err := eventbus.Observe(ctx, sess.Log(), after, wsEvents{conn: conn}); err != nil {
		logger := log.FromContext(ctx, "api")
		logger.Debug().Err(err).Str(log.FieldEvent, "stream.detached").Msg("websocket stream ended early")
		_ = conn.Close(websocket.StatusInternalError, "stream error")
		return
	}
	_ = conn.Close(websocket.StatusNormalClosure, "done")
}
