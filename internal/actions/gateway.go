// Package actions is the single path from the bot and the sweep engine to
// the upstream MCP server. It keeps one protocol client per account so
// sessions survive across calls, and serves cacheable tools from a shared
// TTL cache.
package actions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"claimbot/internal/cache"
	"claimbot/internal/mcp"
	"claimbot/internal/metrics"
	"claimbot/internal/storage"
	logx "claimbot/pkg/logx"
)

// Upstream tool names.
const (
	ToolClaim         = "auto-bind-coupons"
	ToolAvailable     = "available-coupons"
	ToolMyCoupons     = "my-coupons"
	ToolCalendar      = "campaign-calender"
	ToolNowTime       = "now-time-info"
	ArgSpecifiedDate  = "specifiedDate"
	defaultCacheTTL   = 5 * time.Minute
	defaultCacheLimit = 512
)

var ErrNoToken = errors.New("account has no token")

type Config struct {
	URL             string
	ProtocolVersion string
	ClientInfo      mcp.ClientInfo
	RequestTimeout  time.Duration
	Retry           *mcp.RetryPolicy

	CacheableTools  []string
	CacheTTL        time.Duration
	CacheMaxEntries int

	HTTPClient *http.Client
}

type clientEntry struct {
	token  string
	client *mcp.Client
}

type Gateway struct {
	log     logx.Logger
	metrics *metrics.Metrics

	mu        sync.Mutex
	cfg       Config
	cacheable map[string]bool
	clients   map[string]*clientEntry

	cache *cache.TTL[mcp.Result]
}

func New(cfg Config, log logx.Logger, m *metrics.Metrics) *Gateway {
	if log.IsZero() {
		log = logx.Nop()
	}
	g := &Gateway{
		log:     log.With(logx.String("comp", "actions")),
		metrics: m,
		clients: map[string]*clientEntry{},
	}
	g.applyLocked(cfg)
	return g
}

// Apply swaps the upstream config. Clients are dropped when anything that
// shapes a session changed; the cache is rebuilt when its TTL or size did.
func (g *Gateway) Apply(cfg Config) {
	g.mu.Lock()
	defer g.mu.Unlock()
	prev := g.cfg
	if prev.URL != cfg.URL || prev.ProtocolVersion != cfg.ProtocolVersion || prev.RequestTimeout != cfg.RequestTimeout || !sameRetry(prev.Retry, cfg.Retry) {
		g.clients = map[string]*clientEntry{}
	}
	g.applyLocked(cfg)
}

func (g *Gateway) applyLocked(cfg Config) {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = defaultCacheTTL
	}
	if cfg.CacheMaxEntries <= 0 {
		cfg.CacheMaxEntries = defaultCacheLimit
	}
	if g.cache == nil || g.cfg.CacheTTL != cfg.CacheTTL || g.cfg.CacheMaxEntries != cfg.CacheMaxEntries {
		g.cache = cache.NewTTL[mcp.Result](cfg.CacheTTL, cfg.CacheMaxEntries)
	}
	g.cacheable = make(map[string]bool, len(cfg.CacheableTools))
	for _, t := range cfg.CacheableTools {
		if t = strings.TrimSpace(t); t != "" {
			g.cacheable[t] = true
		}
	}
	g.cfg = cfg
}

// Call invokes tool for one account. Results of cacheable tools are shared
// across accounts for the cache TTL; tool-level errors are never cached.
func (g *Gateway) Call(ctx context.Context, userID string, acc *storage.Account, tool string, args map[string]any) (mcp.Result, error) {
	if !acc.HasToken() {
		return mcp.Result{}, ErrNoToken
	}
	if args == nil {
		args = map[string]any{}
	}

	g.mu.Lock()
	useCache := g.cacheable[tool]
	c := g.cache
	g.mu.Unlock()

	var key string
	if useCache {
		key = cacheKey(tool, args)
		if res, ok := c.Get(key); ok {
			g.metrics.ObserveCacheHit()
			return res, nil
		}
	}

	client, err := g.client(userID, acc)
	if err != nil {
		return mcp.Result{}, err
	}
	start := time.Now()
	res, err := client.CallTool(ctx, tool, args)
	g.metrics.ObserveCall(tool, err)
	if err != nil {
		g.log.Debug("tool call failed", logx.Pair(userID, acc.ID), logx.Secret("token", acc.Token), logx.String("tool", tool), logx.Duration("took", time.Since(start)), logx.Err(err))
		return mcp.Result{}, err
	}
	if useCache && !res.IsError {
		c.Set(key, res)
	}
	return res, nil
}

// Forget drops the cached client of one account, e.g. after its token changed
// or the account was removed. An empty accountID forgets every account of
// the user.
func (g *Gateway) Forget(userID, accountID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if accountID != "" {
		delete(g.clients, clientKey(userID, accountID))
		return
	}
	prefix := userID + "/"
	for k := range g.clients {
		if strings.HasPrefix(k, prefix) {
			delete(g.clients, k)
		}
	}
}

// PruneCache drops expired cache entries.
func (g *Gateway) PruneCache() int {
	g.mu.Lock()
	c := g.cache
	g.mu.Unlock()
	return c.Prune()
}

func (g *Gateway) client(userID string, acc *storage.Account) (*mcp.Client, error) {
	key := clientKey(userID, acc.ID)
	g.mu.Lock()
	defer g.mu.Unlock()
	if e := g.clients[key]; e != nil && e.token == acc.Token {
		return e.client, nil
	}
	c, err := mcp.NewClient(mcp.Options{
		URL:             g.cfg.URL,
		Token:           acc.Token,
		ProtocolVersion: g.cfg.ProtocolVersion,
		ClientInfo:      g.cfg.ClientInfo,
		RequestTimeout:  g.cfg.RequestTimeout,
		Retry:           g.cfg.Retry,
		HTTPClient:      g.cfg.HTTPClient,
		Logger:          g.log.With(logx.Pair(userID, acc.ID)),
		Observer:        g.metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("mcp client: %w", err)
	}
	g.clients[key] = &clientEntry{token: acc.Token, client: c}
	return c, nil
}

func clientKey(userID, accountID string) string { return userID + "/" + accountID }

// cacheKey is tool plus the canonical JSON of args (encoding/json sorts map
// keys).
func cacheKey(tool string, args map[string]any) string {
	b, err := json.Marshal(args)
	if err != nil {
		return tool + ":" + fmt.Sprint(args)
	}
	return tool + ":" + string(b)
}

func sameRetry(a, b *mcp.RetryPolicy) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.MaxRetries != b.MaxRetries || a.Base != b.Base || a.MaxDelay != b.MaxDelay || a.Jitter != b.Jitter || len(a.RetryableStatuses) != len(b.RetryableStatuses) {
		return false
	}
	for i := range a.RetryableStatuses {
		if a.RetryableStatuses[i] != b.RetryableStatuses[i] {
			return false
		}
	}
	return true
}
