package mcp

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseResult(t *testing.T) {
	t.Parallel()

	r := ParseResult(json.RawMessage(`"hello"`))
	assert.Equal(t, KindText, r.Kind)
	assert.Equal(t, "hello", r.Format())

	r = ParseResult(json.RawMessage(`{"content":[{"type":"text","text":"a"},{"type":"image","url":"https://x/y.png"},{"type":"text","text":"b"}],"isError":true}`))
	assert.Equal(t, KindContent, r.Kind)
	assert.True(t, r.IsError)
	assert.Equal(t, []string{"a", "b"}, r.Texts())
	assert.Equal(t, "a\n\nhttps://x/y.png\n\nb", r.Format())

	r = ParseResult(json.RawMessage(`{"coupons":[1,2]}`))
	assert.Equal(t, KindOpaque, r.Kind)
	assert.Nil(t, r.Texts())
	assert.Equal(t, "{\n  \"coupons\": [\n    1,\n    2\n  ]\n}", r.Format())
}

func TestBackoffDelayWithinBounds(t *testing.T) {
	t.Parallel()
	p := DefaultRetryPolicy()
	assert.Equal(t, 500*time.Millisecond, backoffDelay(RetryPolicy{Base: p.Base, MaxDelay: p.MaxDelay}, 1, nil))
	assert.Equal(t, time.Second, backoffDelay(RetryPolicy{Base: p.Base, MaxDelay: p.MaxDelay}, 2, nil))
	assert.Equal(t, 8*time.Second, backoffDelay(RetryPolicy{Base: p.Base, MaxDelay: p.MaxDelay}, 10, nil))

	lo, hi := p.DelayBounds(2)
	assert.InDelta(t, float64(1200*time.Millisecond), float64(lo), float64(time.Microsecond))
	assert.InDelta(t, float64(1800*time.Millisecond), float64(hi), float64(time.Microsecond))
}

func TestIsAuthFailure(t *testing.T) {
	t.Parallel()
	assert.True(t, IsAuthFailure(&UpstreamError{Status: 403}))
	assert.True(t, IsAuthFailure(&ActionError{Message: "Token expired, please login again"}))
	assert.False(t, IsAuthFailure(&UpstreamError{Status: 500, Body: "boom"}))
	assert.False(t, IsAuthFailure(nil))
}
