package upstream

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/flitsinc/agent-relay/internal/protocol"
	"github.com/flitsinc/agent-relay/internal/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// httptest servers and the shared transport keep idle connections.
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)
}

func collect(t *testing.T, ch <-chan protocol.Frame) []protocol.Frame {
	t.Helper()
	var out []protocol.Frame
	timeout := time.After(5 * time.Second)
	for {
		select {
		case f, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, f)
		case <-timeout:
			t.Fatal("stream did not close")
		}
	}
}

func TestStreamRelaysFramesInOrder(t *testing.T) {
	agent := testutil.NewFakeAgent(t, testutil.AgentScript{Frames: []string{
		testutil.TaskFrame("t1", "c1", "submitted"),
		testutil.StatusFrame("t1", "working", false),
		testutil.ArtifactFrame("t1", "a1", "72°F"),
		testutil.StatusFrame("t1", "completed", true),
	}})
	client := NewClient(agent, Options{FrameTimeout: 2 * time.Second})

	frames := collect(t, client.Stream(context.Background(), Request{
		Agent:     "weather",
		ContextID: "c0",
		Message:   protocol.Message{Parts: []protocol.Part{{Kind: "text", Text: "weather in SF?"}}},
	}))

	require.Len(t, frames, 4)
	assert.IsType(t, protocol.TaskSnapshot{}, frames[0])
	assert.IsType(t, protocol.StatusUpdate{}, frames[1])
	assert.Equal(t, "72°F", protocol.TextOf(frames[2].(protocol.ArtifactUpdate).Parts))
	assert.True(t, frames[3].(protocol.StatusUpdate).Final)

	reqs := agent.Requests()
	require.Len(t, reqs, 1)
	var body struct {
		JSONRPC string `json:"jsonrpc"`
		ID      string `json:"id"`
		Method  string `json:"method"`
		Params  struct {
			Message struct {
				Kind      string          `json:"kind"`
				Role      string          `json:"role"`
				MessageID string          `json:"messageId"`
				ContextID string          `json:"contextId"`
				Parts     []protocol.Part `json:"parts"`
			} `json:"message"`
		} `json:"params"`
	}
	require.NoError(t, json.Unmarshal(reqs[0], &body))
	assert.Equal(t, "2.0", body.JSONRPC)
	assert.Equal(t, "message/stream", body.Method)
	assert.NotEmpty(t, body.ID)
	assert.Equal(t, "message", body.Params.Message.Kind)
	assert.Equal(t, "user", body.Params.Message.Role)
	assert.NotEmpty(t, body.Params.Message.MessageID)
	assert.Equal(t, "c0", body.Params.Message.ContextID)
	assert.Equal(t, "weather in SF?", body.Params.Message.Parts[0].Text)
}

func TestStreamForwardsUpstreamErrorFrame(t *testing.T) {
	agent := testutil.NewFakeAgent(t, testutil.AgentScript{Frames: []string{testutil.ErrorFrame(500, "agent exploded")}})
	client := NewClient(agent, Options{FrameTimeout: 2 * time.Second})

	frames := collect(t, client.Stream(context.Background(), Request{Agent: "a"}))
	require.Len(t, frames, 1)
	perr := frames[0].(protocol.ProtocolError)
	assert.Equal(t, "500", perr.Code)
	assert.Equal(t, protocol.OriginUpstream, perr.Origin)
}

func TestStreamNon2xx(t *testing.T) {
	agent := testutil.NewFakeAgent(t, testutil.AgentScript{Status: 503})
	client := NewClient(agent, Options{FrameTimeout: 2 * time.Second})

	frames := collect(t, client.Stream(context.Background(), Request{Agent: "a"}))
	require.Len(t, frames, 1)
	perr := frames[0].(protocol.ProtocolError)
	assert.Equal(t, "503", perr.Code)
	assert.Equal(t, protocol.OriginTransport, perr.Origin)
}

func TestStreamFrameTimeout(t *testing.T) {
	agent := testutil.NewFakeAgent(t, testutil.AgentScript{
		Frames: []string{testutil.TaskFrame("t1", "", "working")},
		Hold:   true,
	})
	client := NewClient(agent, Options{FrameTimeout: 100 * time.Millisecond})

	frames := collect(t, client.Stream(context.Background(), Request{Agent: "a"}))
	require.Len(t, frames, 2)
	perr := frames[1].(protocol.ProtocolError)
	assert.Equal(t, protocol.CodeTimeout, perr.Code)
	assert.Equal(t, protocol.OriginTransport, perr.Origin)
}

func TestStreamCancellationClosesQuietly(t *testing.T) {
	agent := testutil.NewFakeAgent(t, testutil.AgentScript{
		Frames: []string{testutil.TaskFrame("t1", "", "working")},
		Hold:   true,
	})
	client := NewClient(agent, Options{FrameTimeout: time.Minute})

	ctx, cancel := context.WithCancel(context.Background())
	ch := client.Stream(ctx, Request{Agent: "a"})
	first := <-ch
	assert.IsType(t, protocol.TaskSnapshot{}, first)

	cancel()
	rest := collect(t, ch)
	assert.Empty(t, rest)
}

func TestStreamResolverFailure(t *testing.T) {
	resolver := ResolverFunc(func(context.Context, string) (string, error) {
		return "", errors.New("unknown agent: ghost")
	})
	client := NewClient(resolver, Options{})

	frames := collect(t, client.Stream(context.Background(), Request{Agent: "ghost"}))
	require.Len(t, frames, 1)
	perr := frames[0].(protocol.ProtocolError)
	assert.Equal(t, protocol.CodeTransportError, perr.Code)
	assert.Contains(t, perr.Message, "ghost")
}

func TestStreamNetworkFailure(t *testing.T) {
	resolver := ResolverFunc(func(context.Context, string) (string, error) {
		return "http://127.0.0.1:1/a2a", nil
	})
	client := NewClient(resolver, Options{FrameTimeout: 2 * time.Second})

	frames := collect(t, client.Stream(context.Background(), Request{Agent: "a"}))
	require.Len(t, frames, 1)
	assert.Equal(t, protocol.CodeTransportError, frames[0].(protocol.ProtocolError).Code)
}

func TestSendModeReturnsSnapshot(t *testing.T) {
	full := `{"jsonrpc":"2.0","id":"1","result":{"kind":"task","id":"t1","contextId":"c1","status":{"state":"completed"},"artifacts":[{"artifactId":"a1","parts":[{"kind":"text","text":"72°F"}]}]}}`
	agent := testutil.NewFakeAgent(t, testutil.AgentScript{Frames: []string{full}, ContentType: "application/json"})
	client := NewClient(agent, Options{Mode: ModeSend, FrameTimeout: 2 * time.Second})

	frames := collect(t, client.Stream(context.Background(), Request{Agent: "a"}))
	require.Len(t, frames, 1)
	snap := frames[0].(protocol.TaskSnapshot)
	require.Len(t, snap.Artifacts, 1)

	var body struct {
		Method string `json:"method"`
		Params struct {
			Configuration struct {
				Blocking bool `json:"blocking"`
			} `json:"configuration"`
		} `json:"params"`
	}
	require.NoError(t, json.Unmarshal(agent.Requests()[0], &body))
	assert.Equal(t, "message/send", body.Method)
	assert.True(t, body.Params.Configuration.Blocking)
}

func TestReadEvents(t *testing.T) {
	input := strings.Join([]string{
		": keep-alive",
		"event: message",
		"id: 7",
		"data: {\"a\":",
		"data: 1}",
		"",
		"data:{\"b\":2}",
		"",
		"retry: 100",
		"data: {\"c\":3}",
	}, "\r\n")

	var got []string
	err := readEvents(strings.NewReader(input), 1024, func(b []byte) bool {
		got = append(got, string(b))
		return true
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"{\"a\":\n1}", "{\"b\":2}", "{\"c\":3}"}, got)
}

func TestReadEventsStopsEarly(t *testing.T) {
	input := "data: 1\n\ndata: 2\n\ndata: 3\n\n"
	calls := 0
	err := readEvents(strings.NewReader(input), 1024, func([]byte) bool {
		calls++
		return calls < 2
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestReadEventsLineTooLong(t *testing.T) {
	input := "data: " + strings.Repeat("x", 2048) + "\n\n"
	called := false
	err := readEvents(strings.NewReader(input), 512, func([]byte) bool {
		called = true
		return true
	})
	require.ErrorIs(t, err, bufio.ErrTooLong)
	assert.False(t, called)

	fits := "data: " + strings.Repeat("x", 400) + "\n\n"
	var got []byte
	err = readEvents(strings.NewReader(fits), 512, func(data []byte) bool {
		got = data
		return true
	})
	require.NoError(t, err)
	assert.Len(t, got, 400)
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeStream, m)
	m, err = ParseMode("SEND")
	require.NoError(t, err)
	assert.Equal(t, ModeSend, m)
	_, err = ParseMode("poll")
	require.Error(t, err)
}
