package mcp

import (
	"bytes"
	"encoding/json"
	"strings"
)

type Kind int

const (
	// KindOpaque is any JSON value without a recognised shape.
	KindOpaque Kind = iota
	// KindText is a bare JSON string.
	KindText
	// KindContent is an object with a "content" array of typed items.
	KindContent
)

func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindContent:
		return "content"
	default:
		return "opaque"
	}
}

type ContentItem struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	URL      string `json:"url,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// Result is the unwrapped value of a tools/call response.
type Result struct {
	Kind    Kind
	Text    string
	Content []ContentItem
	// IsError mirrors the tool-level "isError" flag of content results.
	IsError bool
	Raw     json.RawMessage
}

// ParseResult classifies an unwrapped JSON-RPC result.
func ParseResult(raw json.RawMessage) Result {
	r := Result{Kind: KindOpaque, Raw: raw}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return r
	}
	switch trimmed[0] {
	case '"':
		var s string
		if json.Unmarshal(trimmed, &s) == nil {
			r.Kind, r.Text = KindText, s
		}
	case '{':
		var v struct {
			Content *[]json.RawMessage `json:"content"`
			IsError bool               `json:"isError"`
		}
		if json.Unmarshal(trimmed, &v) != nil || v.Content == nil {
			return r
		}
		r.Kind, r.IsError = KindContent, v.IsError
		for _, item := range *v.Content {
			var ci ContentItem
			if json.Unmarshal(item, &ci) == nil {
				r.Content = append(r.Content, ci)
			}
		}
	}
	return r
}

// Texts returns the text items of a content result, or the text of a text
// result.
func (r Result) Texts() []string {
	switch r.Kind {
	case KindText:
		return []string{r.Text}
	case KindContent:
		out := make([]string, 0, len(r.Content))
		for _, c := range r.Content {
			if c.Type == "text" && c.Text != "" {
				out = append(out, c.Text)
			}
		}
		return out
	}
	return nil
}

// Format renders the result for a chat message: text items and image urls
// joined by blank lines, falling back to indented JSON.
func (r Result) Format() string {
	switch r.Kind {
	case KindText:
		return r.Text
	case KindContent:
		parts := make([]string, 0, len(r.Content))
		for _, c := range r.Content {
			switch c.Type {
			case "text":
				if c.Text != "" {
					parts = append(parts, c.Text)
				}
			case "image":
				if c.URL != "" {
					parts = append(parts, c.URL)
				} else if c.Data != "" {
					parts = append(parts, "[image content omitted]")
				}
			}
		}
		if s := strings.TrimSpace(strings.Join(parts, "\n\n")); s != "" {
			return s
		}
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, bytes.TrimSpace(r.Raw), "", "  "); err != nil {
		return string(r.Raw)
	}
	return buf.String()
}
