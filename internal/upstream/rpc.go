package upstream

import (
	"fmt"
	"strings"

	"github.com/flitsinc/agent-relay/internal/idgen"
	"github.com/flitsinc/agent-relay/internal/protocol"
)

// Mode selects the JSON-RPC method used for a task.
type Mode string

const (
	// ModeStream calls message/stream and reads frames from an SSE body.
	ModeStream Mode = "stream"
	// ModeSend calls message/send and reads one JSON response.
	ModeSend Mode = "send"
)

func ParseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "stream":
		return ModeStream, nil
	case "send":
		return ModeSend, nil
	default:
		return "", fmt.Errorf("unknown upstream mode %q", raw)
	}
}

func (m Mode) method() string {
	if m == ModeSend {
		return "message/send"
	}
	return "message/stream"
}

// Request is one user turn to relay to an agent.
type Request struct {
	Agent     string
	SessionID string
	ContextID string
	Message   protocol.Message
}

type rpcRequest struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      string    `json:"id"`
	Method  string    `json:"method"`
	Params  rpcParams `json:"params"`
}

type rpcParams struct {
	Message       wireMessage        `json:"message"`
	Configuration *sendConfiguration `json:"configuration,omitempty"`
}

type wireMessage struct {
	Kind string `json:"kind"`
	protocol.Message
}

type sendConfiguration struct {
	Blocking bool `json:"blocking"`
}

func newRPCRequest(mode Mode, req Request) rpcRequest {
	msg := req.Message
	if msg.Role == "" {
		msg.Role = "user"
	}
	if msg.MessageID == "" {
		msg.MessageID = idgen.New()
	}
	if req.ContextID != "" {
		msg.ContextID = req.ContextID
	}

	rpc := rpcRequest{
		JSONRPC: "2.0",
		ID:      idgen.New(),
		Method:  mode.method(),
		Params:  rpcParams{Message: wireMessage{Kind: "message", Message: msg}},
	}
	if mode == ModeSend {
		rpc.Params.Configuration = &sendConfiguration{Blocking: true}
	}
	return rpc
}
