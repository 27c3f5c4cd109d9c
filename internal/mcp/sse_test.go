package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitSSE(t *testing.T) {
	t.Parallel()
	body := "event: message\r\ndata: {\"a\":1}\r\n\r\n: comment\ndata: line1\ndata:line2\n\ndata: tail"
	assert.Equal(t, []string{`{"a":1}`, "line1\nline2", "tail"}, splitSSE([]byte(body)))
}

func TestPickSSEResponse(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		body string
		id   int64
		want string
	}{
		{"matching id wins", "data: {\"id\":7,\"r\":1}\n\ndata: {\"id\":8,\"r\":2}\n\n", 7, `{"id":7,"r":1}`},
		{"falls back to last parsable", "data: {\"id\":1}\n\ndata: not json\n\ndata: {\"id\":2}\n\ndata: nope\n\n", 5, `{"id":2}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := pickSSEResponse([]byte(tt.body), tt.id)
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(got))
		})
	}

	_, err := pickSSEResponse([]byte("data: nope\n\n"), 1)
	var me *MalformedResponseError
	require.ErrorAs(t, err, &me)
}
