package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flitsinc/agent-relay/internal/eventbus"
	"github.com/flitsinc/agent-relay/internal/sessions"
	"github.com/flitsinc/agent-relay/internal/state"
	"github.com/flitsinc/agent-relay/internal/testutil"
	"github.com/flitsinc/agent-relay/internal/upstream"
)

type harness struct {
	agent *testutil.FakeAgent
	store *state.Store
	mgr   *sessions.Manager
	srv   *httptest.Server
}

func newHarness(t *testing.T, cfg sessions.Config, scripts ...testutil.AgentScript) *harness {
	t.Helper()
	agent := testutil.NewFakeAgent(t, scripts...)

	db, closeFn := testutil.OpenTestDB(t)
	t.Cleanup(closeFn)
	store := state.NewStore(db)
	_, err := store.PutAgent(context.Background(), "weather", agent.URL(), "forecasts")
	require.NoError(t, err)

	client := upstream.NewClient(store, upstream.Options{FrameTimeout: 5 * time.Second})
	if cfg.DefaultAgent == "" {
		cfg.DefaultAgent = "weather"
	}
	if cfg.CancelGrace == 0 {
		cfg.CancelGrace = 200 * time.Millisecond
	}
	mgr := sessions.NewManager(client, cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = mgr.Close(ctx)
	})

	srv := httptest.NewServer((&Server{Sessions: mgr, Agents: store, StartRateLimit: 100}).Handler())
	t.Cleanup(srv.Close)
	return &harness{agent: agent, store: store, mgr: mgr, srv: srv}
}

func weatherScript() testutil.AgentScript {
	return testutil.AgentScript{Frames: []string{
		testutil.TaskFrame("t1", "c1", "submitted"),
		testutil.StatusFrame("t1", "working", false),
		testutil.ArtifactFrame("t1", "a1", "72°F"),
		testutil.StatusFrame("t1", "completed", true),
	}}
}

func holdScript() testutil.AgentScript {
	return testutil.AgentScript{
		Frames: []string{testutil.StatusFrame("t1", "working", false)},
		Hold:   true,
	}
}

func (h *harness) post(t *testing.T, path string, body any, accept string) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, h.srv.URL+path, bytes.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	resp, err := h.srv.Client().Do(req)
	require.NoError(t, err)
	return resp
}

// settle waits until the owning stream has acknowledged every event.
func (h *harness) settle(t *testing.T, sessionID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		s, err := h.mgr.Get(sessionID)
		return err == nil && !s.Busy() && s.Log().Pending() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func decodeError(t *testing.T, resp *http.Response) errorDetail {
	t.Helper()
	defer resp.Body.Close()
	var body errorBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body.Error
}

func TestPostMessageStreamsSSE(t *testing.T) {
	h := newHarness(t, sessions.Config{}, weatherScript())

	resp := h.post(t, "/api/messages", map[string]any{"sessionId": "chat-1", "message": "weather in SF?"}, "")
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.Equal(t, "chat-1", resp.Header.Get(headerSessionID))
	assert.NotEmpty(t, resp.Header.Get(headerTurnID))
	assert.NotEmpty(t, resp.Header.Get(headerRequestID))

	events := testutil.ReadEvents(t, resp.Body)
	require.Len(t, events, 4)
	last := events[3]
	assert.True(t, last.Final)
	assert.Equal(t, "72°F", last.ContentSoFar)
	assert.Equal(t, "t1", last.TaskID)

	reqs := h.agent.Requests()
	require.Len(t, reqs, 1)
	assert.Contains(t, string(reqs[0]), `"message/stream"`)
	assert.Contains(t, string(reqs[0]), "weather in SF?")
}

func TestPostMessageStreamsNDJSON(t *testing.T) {
	h := newHarness(t, sessions.Config{}, weatherScript())

	resp := h.post(t, "/api/messages", map[string]any{
		"message": map[string]any{"parts": []map[string]any{{"kind": "text", "text": "hi"}}},
	}, contentTypeNDJSON)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, contentTypeNDJSON, resp.Header.Get("Content-Type"))

	events := testutil.ReadEvents(t, resp.Body)
	require.Len(t, events, 4)
	for i, ev := range events {
		assert.Equal(t, uint64(i+1), ev.Sequence)
	}
}

func TestUpstreamFailureEndsStreamWithError(t *testing.T) {
	h := newHarness(t, sessions.Config{}, testutil.AgentScript{Status: http.StatusBadGateway})

	resp := h.post(t, "/api/messages", map[string]any{"message": "hi"}, "")
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	events := testutil.ReadEvents(t, resp.Body)
	require.Len(t, events, 1)
	require.NotNil(t, events[0].Error)
	assert.Equal(t, "502", events[0].Error.Code)
	assert.Equal(t, eventbus.ClassUpstream, events[0].Error.Class)
}

func TestSecondMessageWhileBusyIsRejected(t *testing.T) {
	h := newHarness(t, sessions.Config{}, holdScript())

	first := h.post(t, "/api/messages", map[string]any{"sessionId": "chat-1", "message": "one"}, "")
	defer first.Body.Close()
	require.Equal(t, http.StatusOK, first.StatusCode)

	second := h.post(t, "/api/messages", map[string]any{"sessionId": "chat-1", "message": "two"}, "")
	require.Equal(t, http.StatusConflict, second.StatusCode)
	assert.Equal(t, eventbus.CodeBusy, decodeError(t, second).Code)

	cancel := h.post(t, "/api/sessions/chat-1/cancel", nil, "")
	cancel.Body.Close()
	require.Equal(t, http.StatusAccepted, cancel.StatusCode)

	events := testutil.ReadEvents(t, first.Body)
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.True(t, last.Final)
	require.NotNil(t, last.Error)
	assert.Equal(t, eventbus.CodeCancelled, last.Error.Code)
}

func TestClientDisconnectCancelsTask(t *testing.T) {
	h := newHarness(t, sessions.Config{}, holdScript())

	ctx, cancel := context.WithCancel(context.Background())
	payload := strings.NewReader(`{"sessionId":"chat-1","message":"hi"}`)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.srv.URL+"/api/messages", payload)
	require.NoError(t, err)
	resp, err := h.srv.Client().Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.Eventually(t, func() bool {
		s, err := h.mgr.Get("chat-1")
		return err == nil && s.Busy()
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	resp.Body.Close()

	require.Eventually(t, func() bool {
		s, err := h.mgr.Get("chat-1")
		return err == nil && !s.Busy()
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStartValidation(t *testing.T) {
	h := newHarness(t, sessions.Config{}, weatherScript())

	cases := []struct {
		name   string
		body   any
		status int
		code   string
	}{
		{"missing message", map[string]any{}, http.StatusBadRequest, "INVALID_REQUEST"},
		{"empty parts", map[string]any{"message": map[string]any{"parts": []any{}}}, http.StatusBadRequest, "INVALID_REQUEST"},
		{"bad session id", map[string]any{"sessionId": "no spaces allowed", "message": "hi"}, http.StatusBadRequest, "INVALID_REQUEST"},
		{"unknown agent", map[string]any{"agent": "billing", "message": "hi"}, http.StatusNotFound, "UNKNOWN_AGENT"},
		{"unknown field", map[string]any{"message": "hi", "extra": true}, http.StatusBadRequest, "INVALID_REQUEST"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := h.post(t, "/api/messages", tc.body, "")
			require.Equal(t, tc.status, resp.StatusCode)
			assert.Equal(t, tc.code, decodeError(t, resp).Code)
		})
	}
	assert.Empty(t, h.agent.Requests())
}

func TestSessionEndpoints(t *testing.T) {
	h := newHarness(t, sessions.Config{}, weatherScript())

	resp := h.post(t, "/api/messages", map[string]any{"sessionId": "chat-1", "message": "hi"}, "")
	testutil.ReadEvents(t, resp.Body)
	resp.Body.Close()

	client := testutil.NewInProcessClient((&Server{Sessions: h.mgr, Agents: h.store}).Handler())

	// The slot is released just after the final event is published.
	require.Eventually(t, func() bool {
		s, err := h.mgr.Get("chat-1")
		return err == nil && !s.Busy()
	}, 2*time.Second, 10*time.Millisecond)

	got, err := client.Do(testutil.NewRequest(http.MethodGet, "/api/sessions/chat-1", nil))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, got.StatusCode)
	var info sessions.Info
	body, err := testutil.ReadAll(got)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(body, &info))
	assert.Equal(t, "chat-1", info.ID)
	assert.Equal(t, "weather", info.Agent)
	assert.Equal(t, "c1", info.ContextID)
	assert.False(t, info.Busy)
	require.NotNil(t, info.Task)
	assert.Equal(t, "completed", string(info.Task.State))

	list, err := client.Do(testutil.NewRequest(http.MethodGet, "/api/sessions", nil))
	require.NoError(t, err)
	body, err = testutil.ReadAll(list)
	require.NoError(t, err)
	var infos []sessions.Info
	require.NoError(t, json.Unmarshal(body, &infos))
	require.Len(t, infos, 1)

	idle, err := client.Do(testutil.NewRequest(http.MethodPost, "/api/sessions/chat-1/cancel", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusConflict, idle.StatusCode)
	assert.Equal(t, "NO_ACTIVE_TASK", decodeError(t, idle).Code)

	end, err := client.Do(testutil.NewRequest(http.MethodDelete, "/api/sessions/chat-1", nil))
	require.NoError(t, err)
	end.Body.Close()
	assert.Equal(t, http.StatusNoContent, end.StatusCode)

	missing, err := client.Do(testutil.NewRequest(http.MethodGet, "/api/sessions/chat-1", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
	assert.Equal(t, "SESSION_NOT_FOUND", decodeError(t, missing).Code)
}

func TestReattachReplaysLastFinal(t *testing.T) {
	h := newHarness(t, sessions.Config{}, weatherScript())

	resp := h.post(t, "/api/messages", map[string]any{"sessionId": "chat-1", "message": "hi"}, "")
	testutil.ReadEvents(t, resp.Body)
	resp.Body.Close()
	h.settle(t, "chat-1")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.srv.URL+"/api/sessions/chat-1/events?after=2", nil)
	require.NoError(t, err)
	req.Header.Set("Accept", contentTypeNDJSON)
	again, err := h.srv.Client().Do(req)
	require.NoError(t, err)
	defer again.Body.Close()
	require.Equal(t, http.StatusOK, again.StatusCode)

	events := testutil.ReadEvents(t, again.Body)
	require.Len(t, events, 1)
	assert.Equal(t, uint64(4), events[0].Sequence)
	assert.True(t, events[0].Final)

	bad, err := h.srv.Client().Get(h.srv.URL + "/api/sessions/chat-1/events?after=soon")
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)
	bad.Body.Close()
}

func TestWebSocketReattach(t *testing.T) {
	h := newHarness(t, sessions.Config{}, weatherScript())

	resp := h.post(t, "/api/messages", map[string]any{"sessionId": "chat-1", "message": "hi"}, "")
	testutil.ReadEvents(t, resp.Body)
	resp.Body.Close()
	h.settle(t, "chat-1")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/api/sessions/chat-1/ws"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var ev eventbus.Event
	require.NoError(t, json.Unmarshal(data, &ev))
	assert.True(t, ev.Final)
	assert.Equal(t, "72°F", ev.ContentSoFar)

	_, _, err = conn.Read(ctx)
	assert.Equal(t, websocket.StatusNormalClosure, websocket.CloseStatus(err))
}

func (h *harness) events(t *testing.T, ctx context.Context, sessionID string, after uint64) *http.Response {
	t.Helper()
	url := fmt.Sprintf("%s/api/sessions/%s/events?after=%d", h.srv.URL, sessionID, after)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	require.NoError(t, err)
	req.Header.Set("Accept", contentTypeNDJSON)
	resp, err := h.srv.Client().Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return resp
}

func requireTurn(t *testing.T, events []eventbus.Event, turnID string, first uint64) {
	t.Helper()
	require.Len(t, events, 4)
	finals := 0
	for i, ev := range events {
		assert.Equal(t, first+uint64(i), ev.Sequence)
		assert.Equal(t, turnID, ev.TurnID)
		if ev.Final {
			finals++
		}
	}
	assert.Equal(t, 1, finals)
	assert.True(t, events[3].Final)
}

func TestReattachDuringStreamLeavesOwnerEvents(t *testing.T) {
	script := weatherScript()
	script.Delay = 20 * time.Millisecond
	h := newHarness(t, sessions.Config{}, script)

	resp := h.post(t, "/api/messages", map[string]any{"sessionId": "chat-1", "message": "hi"}, contentTypeNDJSON)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var readers []*http.Response
	for i := 0; i < 2; i++ {
		r := h.events(t, ctx, "chat-1", 0)
		defer r.Body.Close()
		readers = append(readers, r)
	}

	for _, r := range readers {
		events := testutil.ReadEvents(t, r.Body)
		require.NotEmpty(t, events)
		assert.True(t, events[len(events)-1].Final)
		for i := 1; i < len(events); i++ {
			assert.Greater(t, events[i].Sequence, events[i-1].Sequence)
		}
	}
	requireTurn(t, testutil.ReadEvents(t, resp.Body), resp.Header.Get(headerTurnID), 1)
	h.settle(t, "chat-1")
}

func TestNewTurnWhileStreamStillDraining(t *testing.T) {
	h := newHarness(t, sessions.Config{}, weatherScript())

	first := h.post(t, "/api/messages", map[string]any{"sessionId": "chat-1", "message": "one"}, contentTypeNDJSON)
	defer first.Body.Close()
	require.Equal(t, http.StatusOK, first.StatusCode)

	// The slot frees once the final is appended, while the first body is
	// still unread.
	require.Eventually(t, func() bool {
		s, err := h.mgr.Get("chat-1")
		return err == nil && !s.Busy()
	}, 2*time.Second, 10*time.Millisecond)

	second := h.post(t, "/api/messages", map[string]any{"sessionId": "chat-1", "message": "two"}, contentTypeNDJSON)
	defer second.Body.Close()
	require.Equal(t, http.StatusOK, second.StatusCode)
	requireTurn(t, testutil.ReadEvents(t, second.Body), second.Header.Get(headerTurnID), 5)

	requireTurn(t, testutil.ReadEvents(t, first.Body), first.Header.Get(headerTurnID), 1)
	assert.NotEqual(t, first.Header.Get(headerTurnID), second.Header.Get(headerTurnID))
	h.settle(t, "chat-1")
	s, err := h.mgr.Get("chat-1")
	require.NoError(t, err)
	assert.Zero(t, s.Log().Dropped())
}

type fakeWSWriter struct {
	messages [][]byte
}

func (f *fakeWSWriter) Write(_ context.Context, _ websocket.MessageType, data []byte) error {
	f.messages = append(f.messages, data)
	return nil
}

func TestWSEventsWriter(t *testing.T) {
	l := eventbus.NewLog("s1", 4, eventbus.OverflowBlock)
	ctx := context.Background()
	_, err := l.Append(ctx, eventbus.Event{Kind: eventbus.KindStatus, State: "working"})
	require.NoError(t, err)
	_, err = l.Append(ctx, eventbus.Event{Kind: eventbus.KindStatus, State: "completed", Final: true})
	require.NoError(t, err)

	writer := &fakeWSWriter{}
	last, err := eventbus.Observe(ctx, l, 0, wsEvents{conn: writer})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), last)
	require.Len(t, writer.messages, 2)

	var ev eventbus.Event
	require.NoError(t, json.Unmarshal(writer.messages[1], &ev))
	assert.True(t, ev.Final)
}

func TestAgentRegistryEndpoints(t *testing.T) {
	h := newHarness(t, sessions.Config{}, weatherScript())
	client := h.srv.Client()

	put := func(name, body string) *http.Response {
		req, err := http.NewRequest(http.MethodPut, h.srv.URL+"/api/agents/"+name, strings.NewReader(body))
		require.NoError(t, err)
		resp, err := client.Do(req)
		require.NoError(t, err)
		return resp
	}

	ok := put("billing", `{"base_url":"http://billing.internal/a2a","description":"invoices"}`)
	ok.Body.Close()
	require.Equal(t, http.StatusOK, ok.StatusCode)

	bad := put("billing", `{"base_url":"ftp://billing"}`)
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)
	assert.Equal(t, "INVALID_REQUEST", decodeError(t, bad).Code)

	list, err := client.Get(h.srv.URL + "/api/agents")
	require.NoError(t, err)
	var agents []state.Agent
	require.NoError(t, json.NewDecoder(list.Body).Decode(&agents))
	list.Body.Close()
	require.Len(t, agents, 2)
	assert.Equal(t, "billing", agents[0].Name)

	req, err := http.NewRequest(http.MethodDelete, h.srv.URL+"/api/agents/billing", nil)
	require.NoError(t, err)
	del, err := client.Do(req)
	require.NoError(t, err)
	del.Body.Close()
	assert.Equal(t, http.StatusNoContent, del.StatusCode)

	missing, err := client.Get(h.srv.URL + "/api/agents/billing")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
	assert.Equal(t, "UNKNOWN_AGENT", decodeError(t, missing).Code)
}

func TestOpsEndpoints(t *testing.T) {
	h := newHarness(t, sessions.Config{}, weatherScript())
	client := testutil.NewInProcessClient((&Server{Sessions: h.mgr}).Handler())

	health, err := client.Do(testutil.NewRequest(http.MethodGet, "/api/health", nil))
	require.NoError(t, err)
	health.Body.Close()
	assert.Equal(t, http.StatusOK, health.StatusCode)

	diag, err := client.Do(testutil.NewRequest(http.MethodGet, "/api/diagnostics", nil))
	require.NoError(t, err)
	var d DiagnosticsResponse
	body, err := testutil.ReadAll(diag)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(body, &d))
	assert.NotEmpty(t, d.GoVersion)
	assert.Equal(t, 0, d.Sessions.Sessions)

	metrics, err := client.Do(testutil.NewRequest(http.MethodGet, "/metrics", nil))
	require.NoError(t, err)
	body, err = testutil.ReadAll(metrics)
	require.NoError(t, err)
	assert.Contains(t, string(body), "relay_")

	noRegistry, err := client.Do(testutil.NewRequest(http.MethodGet, "/api/agents", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotImplemented, noRegistry.StatusCode)
	noRegistry.Body.Close()

	wrong, err := client.Do(testutil.NewRequest(http.MethodPatch, "/api/health", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusMethodNotAllowed, wrong.StatusCode)
	assert.Equal(t, "METHOD_NOT_ALLOWED", decodeError(t, wrong).Code)
}
