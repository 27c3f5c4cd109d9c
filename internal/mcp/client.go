package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	logx "claimbot/pkg/logx"
)

const (
	DefaultProtocolVersion = "2025-06-18"

	headerSession  = "Mcp-Session-Id"
	headerProtocol = "MCP-Protocol-Version"
	acceptHeader   = "application/json, text/event-stream"

	maxBodyBytes = 4 << 20
)

// Observer receives client-level events; metrics implement it.
type Observer interface {
	ObserveRetry(method string, err error)
	ObserveSessionRecovery()
}

type ClientInfo struct {
	Name    string `json:"name"`
	Title   string `json:"title,omitempty"`
	Version string `json:"version"`
}

type Options struct {
	URL             string
	Token           string
	ProtocolVersion string
	ClientInfo      ClientInfo
	RequestTimeout  time.Duration
	// Retry nil means DefaultRetryPolicy.
	Retry *RetryPolicy

	HTTPClient *http.Client
	Logger     logx.Logger
	Observer   Observer
	// Sleep waits between retries; tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
}

type session struct {
	id              string
	protocolVersion string
	initialized     bool
	generation      uint64
}

// Client talks to one MCP endpoint with one credential. It is safe for
// concurrent use.
type Client struct {
	opts      Options
	retry     RetryPolicy
	retryable map[int]bool
	http      *http.Client
	log       logx.Logger

	rngMu sync.Mutex
	rng   *rand.Rand

	mu     sync.Mutex
	sess   session
	nextID atomic.Int64
	initSF singleflight.Group
}

func NewClient(opts Options) (*Client, error) {
	if strings.TrimSpace(opts.URL) == "" {
		return nil, errors.New("mcp: url is required")
	}
	if opts.ProtocolVersion == "" {
		opts.ProtocolVersion = DefaultProtocolVersion
	}
	if opts.ClientInfo.Name == "" {
		opts.ClientInfo = ClientInfo{Name: "claimbot", Title: "claimbot", Version: "dev"}
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepCtx
	}
	retry := DefaultRetryPolicy()
	if opts.Retry != nil {
		retry = *opts.Retry
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	log := opts.Logger
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Client{
		opts:      opts,
		retry:     retry,
		retryable: make(map[int]bool, len(retry.RetryableStatuses)),
		http:      hc,
		log:       log.With(logx.String("comp", "mcp")),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		sess:      session{protocolVersion: opts.ProtocolVersion},
	}
	for _, s := range retry.RetryableStatuses {
		c.retryable[s] = true
	}
	return c, nil
}

// SessionID returns the current server-issued session id, if any.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess.id
}

// ProtocolVersion returns the negotiated (or configured) protocol version.
func (c *Client) ProtocolVersion() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess.protocolVersion
}

// CallTool invokes tools/call and returns the unwrapped result.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (Result, error) {
	if args == nil {
		args = map[string]any{}
	}
	raw, err := c.Request(ctx, "tools/call", map[string]any{"name": name, "arguments": args})
	if err != nil {
		return Result{}, err
	}
	return ParseResult(raw), nil
}

// Request sends one JSON-RPC request and returns its unwrapped result.
// An expired session is re-initialized and the request replayed exactly
// once, outside the retry budget; whatever the replay returns is final.
func (c *Client) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	gen, err := c.ensureInitialized(ctx)
	if err != nil {
		return nil, err
	}
	msg := rpcRequest{JSONRPC: "2.0", ID: c.newID(), Method: method, Params: params}

	raw, err := c.sendWithRetry(ctx, msg)
	if !errors.Is(err, ErrSessionExpired) {
		return raw, err
	}

	c.log.Info("session expired; re-initializing", logx.String("method", method))
	c.invalidate(gen)
	if c.opts.Observer != nil {
		c.opts.Observer.ObserveSessionRecovery()
	}
	if _, err := c.ensureInitialized(ctx); err != nil {
		return nil, err
	}
	return c.send(ctx, msg)
}

func (c *Client) newID() int64 { return c.nextID.Add(1) }

// ensureInitialized runs the handshake once per session; concurrent callers
// share the in-flight attempt. It returns the session generation.
func (c *Client) ensureInitialized(ctx context.Context) (uint64, error) {
	c.mu.Lock()
	if c.sess.initialized {
		gen := c.sess.generation
		c.mu.Unlock()
		return gen, nil
	}
	c.mu.Unlock()

	ch := c.initSF.DoChan("initialize", func() (any, error) {
		c.mu.Lock()
		if c.sess.initialized {
			gen := c.sess.generation
			c.mu.Unlock()
			return gen, nil
		}
		c.mu.Unlock()
		// Detached so one caller giving up does not fail the others.
		return c.initialize(context.WithoutCancel(ctx))
	})
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return 0, res.Err
		}
		return res.Val.(uint64), nil
	}
}

func (c *Client) initialize(ctx context.Context) (uint64, error) {
	c.mu.Lock()
	pv := c.sess.protocolVersion
	c.mu.Unlock()

	resp, err := c.send(ctx, rpcRequest{
		JSONRPC: "2.0",
		ID:      c.newID(),
		Method:  "initialize",
		Params: map[string]any{
			"protocolVersion": pv,
			"capabilities":    map[string]any{},
			"clientInfo":      c.opts.ClientInfo,
		},
	})
	if err != nil {
		return 0, &InitializationError{Err: err}
	}
	var init struct {
		ProtocolVersion string `json:"protocolVersion"`
	}
	if json.Unmarshal(resp, &init) == nil && init.ProtocolVersion != "" {
		pv = init.ProtocolVersion
	}
	c.mu.Lock()
	c.sess.protocolVersion = pv
	c.mu.Unlock()

	if _, err := c.send(ctx, rpcRequest{JSONRPC: "2.0", Method: "notifications/initialized"}); err != nil {
		return 0, &InitializationError{Err: err}
	}

	c.mu.Lock()
	c.sess.initialized = true
	gen := c.sess.generation
	sid := c.sess.id
	c.mu.Unlock()
	c.log.Debug("session initialized", logx.String("protocol_version", pv), logx.Bool("session_id_set", sid != ""))
	return gen, nil
}

// invalidate drops the session only if nobody replaced it since gen.
func (c *Client) invalidate(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess.generation != gen {
		return
	}
	c.sess.id = ""
	c.sess.initialized = false
	c.sess.generation++
}

func (c *Client) sendWithRetry(ctx context.Context, msg rpcRequest) (json.RawMessage, error) {
	for retry := 0; ; retry++ {
		raw, err := c.send(ctx, msg)
		if err == nil {
			return raw, nil
		}
		if errors.Is(err, ErrSessionExpired) || !IsRetryable(err) || retry >= c.retry.MaxRetries {
			return nil, err
		}
		c.rngMu.Lock()
		d := backoffDelay(c.retry, retry+1, c.rng)
		c.rngMu.Unlock()

		if c.opts.Observer != nil {
			c.opts.Observer.ObserveRetry(msg.Method, err)
		}
		c.log.Debug("retrying request", logx.String("method", msg.Method), logx.Int("retry", retry+1), logx.Duration("backoff", d), logx.Err(err))
		if err := c.opts.Sleep(ctx, d); err != nil {
			return nil, err
		}
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// send performs one HTTP exchange. Notifications (ID 0) return (nil, nil)
// on 200/202/204.
func (c *Client) send(ctx context.Context, msg rpcRequest) (json.RawMessage, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	rctx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(rctx, http.MethodPost, c.opts.URL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	sid, pv := c.sess.id, c.sess.protocolVersion
	c.mu.Unlock()

	req.Header.Set("Accept", acceptHeader)
	req.Header.Set("Content-Type", "application/json")
	if c.opts.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.opts.Token)
	}
	if sid != "" {
		req.Header.Set(headerSession, sid)
	}
	if pv != "" {
		req.Header.Set(headerProtocol, pv)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var ne net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
			return nil, &TimeoutError{Timeout: c.opts.RequestTimeout, Err: err}
		}
		return nil, &NetworkError{Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		if ctx.Err() == nil && rctx.Err() != nil {
			return nil, &TimeoutError{Timeout: c.opts.RequestTimeout, Err: err}
		}
		return nil, &NetworkError{Err: err}
	}

	if msg.ID == 0 {
		switch resp.StatusCode {
		case http.StatusOK, http.StatusAccepted, http.StatusNoContent:
			return nil, nil
		}
		return nil, &UpstreamError{Status: resp.StatusCode, Body: truncate(string(data), 512)}
	}

	if resp.StatusCode == http.StatusNotFound && sid != "" {
		return nil, ErrSessionExpired
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &UpstreamError{
			Status:    resp.StatusCode,
			Body:      truncate(strings.TrimSpace(string(data)), 512),
			Retryable: c.retryable[resp.StatusCode],
		}
	}

	if newSID := strings.TrimSpace(resp.Header.Get(headerSession)); newSID != "" {
		c.mu.Lock()
		if c.sess.id == "" {
			c.sess.id = newSID
		}
		c.mu.Unlock()
	}

	if strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream") {
		if data, err = pickSSEResponse(data, msg.ID); err != nil {
			return nil, err
		}
	}
	return unwrap(data)
}

// unwrap returns "result" of a JSON-RPC response, the response itself when
// there is no result member, or an ActionError for an error member.
func unwrap(data []byte) (json.RawMessage, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, &MalformedResponseError{Reason: "empty response"}
	}
	var env struct {
		Result json.RawMessage `json:"result"`
		Error  *rpcError       `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &MalformedResponseError{Reason: err.Error(), Body: truncate(string(data), 512)}
	}
	if env.Error != nil {
		return nil, &ActionError{Code: env.Error.Code, Message: env.Error.Message}
	}
	if len(env.Result) == 0 || string(env.Result) == "null" {
		return json.RawMessage(data), nil
	}
	return env.Result, nil
}

func jsonID(id int64) string { return strconv.FormatInt(id, 10) }

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
