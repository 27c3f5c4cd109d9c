package mcp

import (
	"bufio"
	"bytes"
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"
)

// splitSSE collects the data payload of every event in an event stream.
// Multiple data lines of one event are joined with "\n"; a trailing event
// without a terminating blank line is kept.
func splitSSE(body []byte) []string {
	var (
		events []string
		data   []string
	)
	flush := func() {
		if len(data) > 0 {
			events = append(events, strings.Join(data, "\n"))
			data = data[:0]
		}
	}
	sc := bufio.NewScanner(bytes.NewReader(body))
	sc.Buffer(make([]byte, 0, 64*1024), maxBodyBytes)
	for sc.Scan() {
		line := strings.TrimSuffix(sc.Text(), "\r")
		switch {
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimLeft(line[len("data:"):], " \t"))
		case strings.TrimSpace(line) == "":
			flush()
		}
	}
	flush()
	return events
}

// pickSSEResponse returns the event answering requestID, else the last
// event that parses as JSON.
func pickSSEResponse(body []byte, requestID int64) ([]byte, error) {
	var last []byte
	want := jsonID(requestID)
	for _, ev := range splitSSE(body) {
		b := []byte(ev)
		if !json.Valid(b) {
			continue
		}
		last = b
		if id := gjson.GetBytes(b, "id"); id.Exists() && id.Raw == want {
			return b, nil
		}
	}
	if last == nil {
		return nil, &MalformedResponseError{Reason: "no JSON-RPC message in event stream", Body: truncate(string(body), 512)}
	}
	return last, nil
}
