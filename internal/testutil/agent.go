package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// AgentScript is the reply a FakeAgent gives to one request.
type AgentScript struct {
	// Frames are written as SSE data payloads, or as the whole body when
	// ContentType is application/json.
	Frames      []string
	Delay       time.Duration
	Status      int
	ContentType string
	// Hold keeps the response open after the frames until the client goes
	// away or the test ends.
	Hold bool
}

// FakeAgent is a scripted JSON-RPC agent. Requests consume scripts in order;
// the last script repeats once the list is exhausted.
type FakeAgent struct {
	Server *httptest.Server

	mu       sync.Mutex
	scripts  []AgentScript
	requests []json.RawMessage
	done     chan struct{}
}

func NewFakeAgent(t testing.TB, scripts ...AgentScript) *FakeAgent {
	t.Helper()
	a := &FakeAgent{scripts: scripts, done: make(chan struct{})}
	a.Server = httptest.NewServer(http.HandlerFunc(a.serve))
	t.Cleanup(a.Server.Close)
	t.Cleanup(func() { close(a.done) })
	return a
}

func (a *FakeAgent) URL() string {
	return a.Server.URL
}

// ResolveAgent resolves every agent name to this server.
func (a *FakeAgent) ResolveAgent(context.Context, string) (string, error) {
	return a.Server.URL, nil
}

// Requests returns the JSON-RPC bodies received so far.
func (a *FakeAgent) Requests() []json.RawMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]json.RawMessage(nil), a.requests...)
}

func (a *FakeAgent) next(body []byte) AgentScript {
	a.mu.Lock()
	defer a.mu.Unlock()
	idx := len(a.requests)
	a.requests = append(a.requests, json.RawMessage(body))
	if len(a.scripts) == 0 {
		return AgentScript{}
	}
	if idx >= len(a.scripts) {
		idx = len(a.scripts) - 1
	}
	return a.scripts[idx]
}

func (a *FakeAgent) serve(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	script := a.next(body)

	if script.Status != 0 && (script.Status < 200 || script.Status >= 300) {
		http.Error(w, http.StatusText(script.Status), script.Status)
		return
	}

	contentType := script.ContentType
	if contentType == "" {
		contentType = "text/event-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	for _, frame := range script.Frames {
		if script.Delay > 0 {
			select {
			case <-time.After(script.Delay):
			case <-r.Context().Done():
				return
			case <-a.done:
				return
			}
		}
		if contentType == "text/event-stream" {
			fmt.Fprintf(w, "data: %s\n\n", frame)
		} else {
			_, _ = io.WriteString(w, frame)
		}
		if flusher != nil {
			flusher.Flush()
		}
	}

	if script.Hold {
		select {
		case <-r.Context().Done():
		case <-a.done:
		}
	}
}

// TaskFrame is a message/stream result carrying a task snapshot.
func TaskFrame(taskID, contextID, state string) string {
	return fmt.Sprintf(`{"jsonrpc":"2.0","id":"1","result":{"kind":"task","id":%q,"contextId":%q,"status":{"state":%q}}}`, taskID, contextID, state)
}

// StatusFrame is a status-update result.
func StatusFrame(taskID, state string, final bool) string {
	return fmt.Sprintf(`{"jsonrpc":"2.0","id":"1","result":{"kind":"status-update","taskId":%q,"status":{"state":%q},"final":%t}}`, taskID, state, final)
}

// ArtifactFrame is an artifact-update result with a single text part.
func ArtifactFrame(taskID, artifactID, text string) string {
	return fmt.Sprintf(`{"jsonrpc":"2.0","id":"1","result":{"kind":"artifact-update","taskId":%q,"artifact":{"artifactId":%q,"parts":[{"kind":"text","text":%q}]},"append":true}}`, taskID, artifactID, text)
}

// ErrorFrame is a JSON-RPC error response.
func ErrorFrame(code int, message string) string {
	return fmt.Sprintf(`{"jsonrpc":"2.0","id":"1","error":{"code":%d,"message":%q}}`, code, message)
}
