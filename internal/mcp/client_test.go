package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type rpcMsg struct {
	ID     *int64          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// fakeServer is a minimal streamable-HTTP MCP endpoint. toolCall decides the
// answer for tools/call; it may write the response itself and return false.
type fakeServer struct {
	t *testing.T

	mu        sync.Mutex
	inits     int
	notified  int
	sessions  int
	toolCalls []rpcMsg
	headers   []http.Header

	toolCall func(w http.ResponseWriter, r *http.Request, msg rpcMsg, n int) bool
}

func (s *fakeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	var msg rpcMsg
	require.NoError(s.t, json.Unmarshal(body, &msg))

	s.mu.Lock()
	s.headers = append(s.headers, r.Header.Clone())
	switch msg.Method {
	case "initialize":
		s.inits++
		s.sessions++
		sid := "sess-" + jsonID(int64(s.sessions))
		s.mu.Unlock()
		w.Header().Set("Mcp-Session-Id", sid)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"jsonrpc":"2.0","id":`+jsonID(*msg.ID)+`,"result":{"protocolVersion":"2025-03-26","capabilities":{}}}`)
		return
	case "notifications/initialized":
		s.notified++
		s.mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
		return
	}
	s.toolCalls = append(s.toolCalls, msg)
	n := len(s.toolCalls)
	s.mu.Unlock()

	if s.toolCall != nil && !s.toolCall(w, r, msg, n) {
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = io.WriteString(w, `{"jsonrpc":"2.0","id":`+jsonID(*msg.ID)+`,"result":{"content":[{"type":"text","text":"ok"}]}}`)
}

func (s *fakeServer) counts() (inits, notified, calls int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inits, s.notified, len(s.toolCalls)
}

type recordingSleeper struct {
	mu    sync.Mutex
	total time.Duration
	n     int
}

func (r *recordingSleeper) sleep(_ context.Context, d time.Duration) error {
	r.mu.Lock()
	r.total += d
	r.n++
	r.mu.Unlock()
	return nil
}

type countingObserver struct {
	retries    atomic.Int64
	recoveries atomic.Int64
}

func (o *countingObserver) ObserveRetry(string, error)  { o.retries.Add(1) }
func (o *countingObserver) ObserveSessionRecovery()      { o.recoveries.Add(1) }

func newTestClient(t *testing.T, fs *fakeServer, mut func(*Options)) (*Client, *recordingSleeper) {
	t.Helper()
	fs.t = t
	srv := httptest.NewServer(fs)
	t.Cleanup(srv.Close)
	sl := &recordingSleeper{}
	opts := Options{URL: srv.URL, Token: "tok-1", Sleep: sl.sleep, RequestTimeout: 2 * time.Second}
	if mut != nil {
		mut(&opts)
	}
	c, err := NewClient(opts)
	require.NoError(t, err)
	return c, sl
}

func TestHandshakeHeadersAndSession(t *testing.T) {
	t.Parallel()
	fs := &fakeServer{}
	c, _ := newTestClient(t, fs, nil)

	res, err := c.CallTool(context.Background(), "now-time-info", nil)
	require.NoError(t, err)
	assert.Equal(t, KindContent, res.Kind)
	assert.Equal(t, []string{"ok"}, res.Texts())

	inits, notified, calls := fs.counts()
	assert.Equal(t, 1, inits)
	assert.Equal(t, 1, notified)
	assert.Equal(t, 1, calls)

	fs.mu.Lock()
	defer fs.mu.Unlock()
	require.Len(t, fs.headers, 3)
	first := fs.headers[0]
	assert.Equal(t, "Bearer tok-1", first.Get("Authorization"))
	assert.Equal(t, "application/json, text/event-stream", first.Get("Accept"))
	assert.Equal(t, DefaultProtocolVersion, first.Get("MCP-Protocol-Version"))
	assert.Empty(t, first.Get("Mcp-Session-Id"))

	// the echoed version and captured session are used afterwards
	last := fs.headers[2]
	assert.Equal(t, "2025-03-26", last.Get("MCP-Protocol-Version"))
	assert.Equal(t, "sess-1", last.Get("Mcp-Session-Id"))
	assert.Equal(t, "sess-1", c.SessionID())

	var params struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}
	require.NoError(t, json.Unmarshal(fs.toolCalls[0].Params, &params))
	assert.Equal(t, "now-time-info", params.Name)
	assert.NotNil(t, params.Arguments)
}

func TestSessionExpiredRecoversOnce(t *testing.T) {
	t.Parallel()
	fs := &fakeServer{}
	fs.toolCall = func(w http.ResponseWriter, r *http.Request, msg rpcMsg, n int) bool {
		if n == 1 {
			w.WriteHeader(http.StatusNotFound)
			return false
		}
		return true
	}
	obs := &countingObserver{}
	c, _ := newTestClient(t, fs, func(o *Options) { o.Observer = obs })

	_, err := c.CallTool(context.Background(), "my-coupons", nil)
	require.NoError(t, err)

	inits, notified, calls := fs.counts()
	assert.Equal(t, 2, inits)
	assert.Equal(t, 2, notified)
	assert.Equal(t, 2, calls)
	assert.Equal(t, int64(1), obs.recoveries.Load())
	assert.Equal(t, "sess-2", c.SessionID())

	// the replay carries the same request id
	fs.mu.Lock()
	assert.Equal(t, *fs.toolCalls[0].ID, *fs.toolCalls[1].ID)
	fs.mu.Unlock()
}

func TestSessionExpiredTwicePropagates(t *testing.T) {
	t.Parallel()
	fs := &fakeServer{}
	fs.toolCall = func(w http.ResponseWriter, r *http.Request, msg rpcMsg, n int) bool {
		w.WriteHeader(http.StatusNotFound)
		return false
	}
	c, _ := newTestClient(t, fs, nil)

	_, err := c.CallTool(context.Background(), "my-coupons", nil)
	require.ErrorIs(t, err, ErrSessionExpired)
	inits, _, calls := fs.counts()
	assert.Equal(t, 2, inits)
	assert.Equal(t, 2, calls)
}

func TestReplayAfterExpiryIsNotRetried(t *testing.T) {
	t.Parallel()
	fs := &fakeServer{}
	fs.toolCall = func(w http.ResponseWriter, r *http.Request, msg rpcMsg, n int) bool {
		if n == 1 {
			w.WriteHeader(http.StatusNotFound)
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		return false
	}
	obs := &countingObserver{}
	c, sl := newTestClient(t, fs, func(o *Options) { o.Observer = obs })

	_, err := c.CallTool(context.Background(), "auto-bind-coupons", nil)
	var ue *UpstreamError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, http.StatusServiceUnavailable, ue.Status)

	_, _, calls := fs.counts()
	assert.Equal(t, 2, calls, "original plus one replay")
	assert.Equal(t, 0, sl.n)
	assert.Equal(t, int64(0), obs.retries.Load())
	assert.Equal(t, int64(1), obs.recoveries.Load())
}

func TestRetryableStatusSucceedsOnThirdTry(t *testing.T) {
	t.Parallel()
	fs := &fakeServer{}
	fs.toolCall = func(w http.ResponseWriter, r *http.Request, msg rpcMsg, n int) bool {
		if n < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return false
		}
		return true
	}
	obs := &countingObserver{}
	c, sl := newTestClient(t, fs, func(o *Options) { o.Observer = obs })

	_, err := c.CallTool(context.Background(), "available-coupons", nil)
	require.NoError(t, err)

	_, _, calls := fs.counts()
	assert.Equal(t, 3, calls)
	assert.Equal(t, 2, sl.n)
	assert.Equal(t, int64(2), obs.retries.Load())

	lo, hi := DefaultRetryPolicy().DelayBounds(2)
	assert.GreaterOrEqual(t, sl.total, lo)
	assert.LessOrEqual(t, sl.total, hi)
}

func TestRetryExhaustedReturnsUpstreamError(t *testing.T) {
	t.Parallel()
	fs := &fakeServer{}
	fs.toolCall = func(w http.ResponseWriter, r *http.Request, msg rpcMsg, n int) bool {
		w.WriteHeader(http.StatusBadGateway)
		return false
	}
	c, _ := newTestClient(t, fs, nil)

	_, err := c.CallTool(context.Background(), "available-coupons", nil)
	var ue *UpstreamError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, http.StatusBadGateway, ue.Status)
	_, _, calls := fs.counts()
	assert.Equal(t, 3, calls)
}

func TestNonRetryableStatusFailsImmediately(t *testing.T) {
	t.Parallel()
	fs := &fakeServer{}
	fs.toolCall = func(w http.ResponseWriter, r *http.Request, msg rpcMsg, n int) bool {
		http.Error(w, "bad token", http.StatusUnauthorized)
		return false
	}
	c, sl := newTestClient(t, fs, nil)

	_, err := c.CallTool(context.Background(), "auto-bind-coupons", nil)
	var ue *UpstreamError
	require.ErrorAs(t, err, &ue)
	assert.False(t, ue.Retryable)
	assert.True(t, IsAuthFailure(err))
	assert.Equal(t, 0, sl.n)
	_, _, calls := fs.counts()
	assert.Equal(t, 1, calls)
}

func TestActionErrorIsNotRetried(t *testing.T) {
	t.Parallel()
	fs := &fakeServer{}
	fs.toolCall = func(w http.ResponseWriter, r *http.Request, msg rpcMsg, n int) bool {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"jsonrpc":"2.0","id":`+jsonID(*msg.ID)+`,"error":{"code":-32602,"message":"unknown tool"}}`)
		return false
	}
	c, sl := newTestClient(t, fs, nil)

	_, err := c.CallTool(context.Background(), "nope", nil)
	var ae *ActionError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, -32602, ae.Code)
	assert.Equal(t, "unknown tool", ae.Error())
	assert.False(t, IsRetryable(err))
	assert.Equal(t, 0, sl.n)
}

func TestEventStreamResponse(t *testing.T) {
	t.Parallel()
	fs := &fakeServer{}
	fs.toolCall = func(w http.ResponseWriter, r *http.Request, msg rpcMsg, n int) bool {
		w.Header().Set("Content-Type", "text/event-stream")
		id := jsonID(*msg.ID)
		_, _ = io.WriteString(w,
			"event: message\ndata: {\"jsonrpc\":\"2.0\",\"method\":\"notifications/progress\"}\n\n"+
				"data: {\"jsonrpc\":\"2.0\",\"id\":"+id+",\"result\":\"from-sse\"}\n\n"+
				"data: {\"jsonrpc\":\"2.0\",\"id\":999,\"result\":\"other\"}\n\n")
		return false
	}
	c, _ := newTestClient(t, fs, nil)

	res, err := c.CallTool(context.Background(), "now-time-info", nil)
	require.NoError(t, err)
	assert.Equal(t, KindText, res.Kind)
	assert.Equal(t, "from-sse", res.Text)
}

func TestEmptyBodyIsMalformed(t *testing.T) {
	t.Parallel()
	fs := &fakeServer{}
	fs.toolCall = func(w http.ResponseWriter, r *http.Request, msg rpcMsg, n int) bool {
		w.WriteHeader(http.StatusOK)
		return false
	}
	c, _ := newTestClient(t, fs, nil)

	_, err := c.CallTool(context.Background(), "now-time-info", nil)
	var me *MalformedResponseError
	require.ErrorAs(t, err, &me)
}

func TestTimeoutIsRetriedThenReported(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	fs := &fakeServer{}
	fs.toolCall = func(w http.ResponseWriter, r *http.Request, msg rpcMsg, n int) bool {
		select {
		case <-r.Context().Done():
		case <-release:
		}
		return false
	}
	c, sl := newTestClient(t, fs, func(o *Options) { o.RequestTimeout = 50 * time.Millisecond })

	_, err := c.CallTool(context.Background(), "now-time-info", nil)
	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	assert.True(t, IsRetryable(err))
	assert.Equal(t, 2, sl.n)
}

func TestInitializationFailureIsTyped(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)
	c, err := NewClient(Options{URL: srv.URL, Sleep: func(context.Context, time.Duration) error { return nil }})
	require.NoError(t, err)

	_, err = c.CallTool(context.Background(), "x", nil)
	var ie *InitializationError
	require.ErrorAs(t, err, &ie)
	assert.False(t, IsRetryable(err))
}

func TestConcurrentCallsShareOneHandshake(t *testing.T) {
	t.Parallel()
	gate := make(chan struct{})
	fs := &fakeServer{}
	srvHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Mcp-Session-Id") == "" {
			<-gate
		}
		fs.ServeHTTP(w, r)
	})
	fs.t = t
	srv := httptest.NewServer(srvHandler)
	t.Cleanup(srv.Close)
	c, err := NewClient(Options{URL: srv.URL})
	require.NoError(t, err)

	const n = 8
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.CallTool(context.Background(), "now-time-info", nil)
			errs <- err
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	inits, notified, calls := fs.counts()
	assert.Equal(t, 1, inits)
	assert.Equal(t, 1, notified)
	assert.Equal(t, n, calls)
}

func TestCanceledContextStopsRetries(t *testing.T) {
	t.Parallel()
	fs := &fakeServer{}
	fs.toolCall = func(w http.ResponseWriter, r *http.Request, msg rpcMsg, n int) bool {
		w.WriteHeader(http.StatusBadGateway)
		return false
	}
	ctx, cancel := context.WithCancel(context.Background())
	c, _ := newTestClient(t, fs, func(o *Options) {
		o.Sleep = func(context.Context, time.Duration) error {
			cancel()
			return context.Canceled
		}
	})
	_, err := c.CallTool(ctx, "x", nil)
	require.True(t, errors.Is(err, context.Canceled))
	_, _, calls := fs.counts()
	assert.Equal(t, 1, calls)
}
