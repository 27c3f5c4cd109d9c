package actions

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"claimbot/internal/mcp"
	"claimbot/internal/metrics"
	"claimbot/internal/storage"
	logx "claimbot/pkg/logx"
)

type upstream struct {
	mu    sync.Mutex
	inits map[string]int // by bearer token
	calls map[string]int // by tool
}

func (u *upstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var msg struct {
		ID     *int64 `json:"id"`
		Method string `json:"method"`
		Params struct {
			Name string `json:"name"`
		} `json:"params"`
	}
	body, _ := io.ReadAll(r.Body)
	_ = json.Unmarshal(body, &msg)

	u.mu.Lock()
	defer u.mu.Unlock()
	switch msg.Method {
	case "initialize":
		u.inits[r.Header.Get("Authorization")]++
		w.Header().Set("Mcp-Session-Id", "s")
		_, _ = io.WriteString(w, `{"jsonrpc":"2.0","id":1,"result":{"protocolVersion":"2025-06-18"}}`)
	case "notifications/initialized":
		w.WriteHeader(http.StatusAccepted)
	default:
		u.calls[msg.Params.Name]++
		id, _ := json.Marshal(msg.ID)
		text := "ok"
		isErr := "false"
		if msg.Params.Name == "broken" {
			isErr = "true"
		}
		_, _ = io.WriteString(w, `{"jsonrpc":"2.0","id":`+string(id)+`,"result":{"content":[{"type":"text","text":"`+text+`"}],"isError":`+isErr+`}}`)
	}
}

func (u *upstream) initCount(token string) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.inits["Bearer "+token]
}

func (u *upstream) callCount(tool string) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.calls[tool]
}

func newGateway(t *testing.T) (*Gateway, *upstream) {
	t.Helper()
	up := &upstream{inits: map[string]int{}, calls: map[string]int{}}
	srv := httptest.NewServer(up)
	t.Cleanup(srv.Close)
	g := New(Config{
		URL:            srv.URL,
		CacheableTools: []string{ToolNowTime, ToolCalendar, "broken"},
		Retry:          &mcp.RetryPolicy{MaxRetries: 0},
	}, logx.Nop(), metrics.New())
	return g, up
}

func TestCallReusesSessionPerAccount(t *testing.T) {
	t.Parallel()
	g, up := newGateway(t)
	acc := &storage.Account{ID: "a1", Token: "t1"}

	for i := 0; i < 3; i++ {
		res, err := g.Call(context.Background(), "42", acc, ToolClaim, nil)
		require.NoError(t, err)
		assert.Equal(t, "ok", res.Format())
	}
	assert.Equal(t, 1, up.initCount("t1"))
	assert.Equal(t, 3, up.callCount(ToolClaim))

	// token change rebuilds the client
	acc2 := &storage.Account{ID: "a1", Token: "t2"}
	_, err := g.Call(context.Background(), "42", acc2, ToolClaim, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, up.initCount("t2"))

	g.Forget("42", "")
	_, err = g.Call(context.Background(), "42", acc2, ToolClaim, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, up.initCount("t2"))
}

func TestCacheableToolsShareResults(t *testing.T) {
	t.Parallel()
	g, up := newGateway(t)
	a := &storage.Account{ID: "a", Token: "ta"}
	b := &storage.Account{ID: "b", Token: "tb"}
	args := map[string]any{ArgSpecifiedDate: "2026-10-18"}

	_, err := g.Call(context.Background(), "1", a, ToolCalendar, args)
	require.NoError(t, err)
	_, err = g.Call(context.Background(), "2", b, ToolCalendar, map[string]any{ArgSpecifiedDate: "2026-10-18"})
	require.NoError(t, err)
	assert.Equal(t, 1, up.callCount(ToolCalendar))

	_, err = g.Call(context.Background(), "2", b, ToolCalendar, map[string]any{ArgSpecifiedDate: "2026-10-19"})
	require.NoError(t, err)
	assert.Equal(t, 2, up.callCount(ToolCalendar))

	// tool-level errors are not cached
	for i := 0; i < 2; i++ {
		res, err := g.Call(context.Background(), "1", a, "broken", nil)
		require.NoError(t, err)
		assert.True(t, res.IsError)
	}
	assert.Equal(t, 2, up.callCount("broken"))
}

func TestCallWithoutToken(t *testing.T) {
	t.Parallel()
	g, _ := newGateway(t)
	_, err := g.Call(context.Background(), "1", &storage.Account{ID: "a"}, ToolClaim, nil)
	require.ErrorIs(t, err, ErrNoToken)
}

func TestCacheKeyIsCanonical(t *testing.T) {
	t.Parallel()
	k1 := cacheKey("t", map[string]any{"b": 1, "a": "x"})
	k2 := cacheKey("t", map[string]any{"a": "x", "b": 1})
	assert.Equal(t, k1, k2)
	assert.Equal(t, `t:{"a":"x","b":1}`, k1)
	assert.Equal(t, "t:{}", cacheKey("t", map[string]any{}))
}
