package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/flitsinc/agent-relay/internal/log"
	"github.com/flitsinc/agent-relay/internal/metrics"
	"github.com/flitsinc/agent-relay/internal/protocol"
)

// Resolver maps a logical agent name to the base URL of its endpoint.
type Resolver interface {
	ResolveAgent(ctx context.Context, name string) (string, error)
}

type ResolverFunc func(ctx context.Context, name string) (string, error)

func (f ResolverFunc) ResolveAgent(ctx context.Context, name string) (string, error) {
	return f(ctx, name)
}

// HTTPStatusError is returned for non-2xx upstream responses.
type HTTPStatusError struct {
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("upstream returned %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("upstream returned %d: %s", e.StatusCode, e.Body)
}

// Options configures the upstream client.
type Options struct {
	Mode Mode
	// FrameTimeout bounds the wait for the response and for every frame
	// after it.
	FrameTimeout   time.Duration
	RateLimit      rate.Limit // requests per second across all agents; 0 disables
	RateLimitBurst int
	MaxFrameBytes  int
	UserAgent      string
	HTTPClient     *http.Client
}

const (
	defaultFrameTimeout  = 60 * time.Second
	defaultMaxFrameBytes = 4 << 20
	defaultUserAgent     = "agent-relay"
)

func normalizeOptions(opts Options) Options {
	if opts.Mode == "" {
		opts.Mode = ModeStream
	}
	if opts.FrameTimeout <= 0 {
		opts.FrameTimeout = defaultFrameTimeout
	}
	if opts.MaxFrameBytes <= 0 {
		opts.MaxFrameBytes = defaultMaxFrameBytes
	}
	if opts.RateLimit > 0 && opts.RateLimitBurst <= 0 {
		opts.RateLimitBurst = 1
	}
	if strings.TrimSpace(opts.UserAgent) == "" {
		opts.UserAgent = defaultUserAgent
	}
	return opts
}

var tracer = otel.Tracer("github.com/flitsinc/agent-relay/internal/upstream")

// Client issues one JSON-RPC call per task and exposes the response as a
// stream of decoded frames.
type Client struct {
	resolver Resolver
	http     *http.Client
	limiter  *rate.Limiter
	opts     Options
}

func NewClient(resolver Resolver, opts Options) *Client {
	opts = normalizeOptions(opts)
	httpClient := opts.HTTPClient
	if httpClient == nil {
		transport := &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 20,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 5 * time.Second,
		}
		// No overall timeout: streams stay open for the length of a task.
		httpClient = &http.Client{Transport: otelhttp.NewTransport(transport)}
	}
	c := &Client{
		resolver: resolver,
		http:     httpClient,
		opts:     opts,
	}
	if opts.RateLimit > 0 {
		c.limiter = rate.NewLimiter(opts.RateLimit, opts.RateLimitBurst)
	}
	return c
}

func (c *Client) Mode() Mode {
	return c.opts.Mode
}

// Stream starts the call for req. Frames are delivered in arrival order and
// the channel is closed when the upstream response ends. Failures arrive as a
// single ProtocolError frame with transport origin. When ctx is cancelled the
// connection is closed and the channel closes without a further frame.
func (c *Client) Stream(ctx context.Context, req Request) <-chan protocol.Frame {
	out := make(chan protocol.Frame)
	go c.run(ctx, req, out)
	return out
}

func (c *Client) run(ctx context.Context, req Request, out chan<- protocol.Frame) {
	defer close(out)

	ctx, span := tracer.Start(ctx, "upstream "+c.opts.Mode.method(),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("relay.agent", req.Agent),
			attribute.String("relay.session_id", req.SessionID),
		))
	defer span.End()

	logger := log.FromContext(ctx, "upstream").With().Str(log.FieldAgent, req.Agent).Logger()
	start := time.Now()
	outcome := "ok"
	defer func() {
		metrics.UpstreamRequestDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	}()

	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	raw := make(chan []byte)
	errc := make(chan error, 1)
	go func() {
		errc <- c.call(callCtx, req, raw)
	}()

	timer := time.NewTimer(c.opts.FrameTimeout)
	defer timer.Stop()
	frames := 0

	for {
		select {
		case <-ctx.Done():
			outcome = "cancelled"
			cancel()
			<-errc
			logger.Debug().Str(log.FieldEvent, "upstream.cancelled").Int("frames", frames).Msg("upstream call cancelled")
			return

		case <-timer.C:
			outcome = "timeout"
			cancel()
			<-errc
			msg := fmt.Sprintf("no frame from agent %s within %s", req.Agent, c.opts.FrameTimeout)
			span.SetStatus(codes.Error, msg)
			logger.Warn().Str(log.FieldEvent, "upstream.timeout").Int("frames", frames).Dur("frame_timeout", c.opts.FrameTimeout).Msg("upstream frame timeout")
			c.emit(ctx, out, protocol.ProtocolError{Code: protocol.CodeTimeout, Message: msg, Origin: protocol.OriginTransport})
			return

		case data := <-raw:
			timer.Stop()
			frames++
			frame := protocol.Decode(data)
			metrics.FramesTotal.WithLabelValues(protocol.Kind(frame)).Inc()
			if perr, ok := frame.(protocol.ProtocolError); ok && perr.Origin == protocol.OriginDecode {
				logger.Warn().Str(log.FieldEvent, "upstream.decode_error").Str(log.FieldCode, perr.Code).Int("bytes", len(data)).Msg(perr.Message)
			}
			if !c.emit(ctx, out, frame) {
				continue
			}
			timer.Reset(c.opts.FrameTimeout)

		case err := <-errc:
			if err == nil {
				span.SetAttributes(attribute.Int("relay.frames", frames))
				return
			}
			if ctx.Err() != nil {
				outcome = "cancelled"
				return
			}
			frame := errorFrame(err)
			outcome = "error"
			var statusErr *HTTPStatusError
			if errors.As(err, &statusErr) {
				outcome = "http_error"
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			logger.Warn().Err(err).Str(log.FieldEvent, "upstream.failed").Str(log.FieldCode, frame.Code).Msg("upstream call failed")
			c.emit(ctx, out, frame)
			return
		}
	}
}

func (c *Client) emit(ctx context.Context, out chan<- protocol.Frame, f protocol.Frame) bool {
	select {
	case out <- f:
		return true
	case <-ctx.Done():
		return false
	}
}

func errorFrame(err error) protocol.ProtocolError {
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		return protocol.ProtocolError{
			Code:    strconv.Itoa(statusErr.StatusCode),
			Message: statusErr.Error(),
			Origin:  protocol.OriginTransport,
		}
	}
	return protocol.ProtocolError{
		Code:    protocol.CodeTransportError,
		Message: err.Error(),
		Origin:  protocol.OriginTransport,
	}
}

// call performs the HTTP exchange and hands each raw frame to raw.
func (c *Client) call(ctx context.Context, req Request, raw chan<- []byte) error {
	baseURL, err := c.resolver.ResolveAgent(ctx, req.Agent)
	if err != nil {
		return fmt.Errorf("resolve agent %s: %w", req.Agent, err)
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("upstream rate limit: %w", err)
		}
	}

	body, err := json.Marshal(newRPCRequest(c.opts.Mode, req))
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", c.opts.UserAgent)
	if c.opts.Mode == ModeStream {
		httpReq.Header.Set("Accept", "text/event-stream")
	} else {
		httpReq.Header.Set("Accept", "application/json")
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("post %s: %w", baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &HTTPStatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}

	send := func(data []byte) bool {
		select {
		case raw <- data:
			return true
		case <-ctx.Done():
			return false
		}
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType == "text/event-stream" {
		if err := readEvents(resp.Body, c.opts.MaxFrameBytes, send); err != nil {
			return err
		}
		return ctx.Err()
	}

	// A plain JSON body is a single frame, whichever method was called.
	data, err := io.ReadAll(io.LimitReader(resp.Body, int64(c.opts.MaxFrameBytes)+1))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if len(data) > c.opts.MaxFrameBytes {
		return fmt.Errorf("response exceeds %d bytes", c.opts.MaxFrameBytes)
	}
	send(data)
	return ctx.Err()
}
