package autorun

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"

	"claimbot/internal/mcp"
)

// DefaultRewardPaths are gjson paths tried against JSON payloads of a claim
// result.
var DefaultRewardPaths = []string{
	"coupons.#.couponId",
	"coupons.#.id",
	"data.coupons.#.couponId",
	"data.list.#.couponId",
	"structuredContent.coupons.#.couponId",
	"couponIds",
}

// DefaultRewardPattern matches reward ids in free text; group 1 is the id.
const DefaultRewardPattern = `(?i)coupon\s*(?:id|code)\s*[:：=#]\s*([A-Za-z0-9_-]{4,})`

// Extractor pulls reward ids out of claim results.
type Extractor struct {
	paths   []string
	pattern *regexp.Regexp
}

func NewExtractor(paths []string, pattern string) (*Extractor, error) {
	if len(paths) == 0 {
		paths = DefaultRewardPaths
	}
	if strings.TrimSpace(pattern) == "" {
		pattern = DefaultRewardPattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("reward pattern: %w", err)
	}
	if re.NumSubexp() < 1 {
		return nil, fmt.Errorf("reward pattern needs a capture group")
	}
	return &Extractor{paths: append([]string(nil), paths...), pattern: re}, nil
}

// Extract returns the distinct reward ids found, in discovery order. JSON
// documents (the raw result and any text item that parses as JSON) are
// queried with the paths; plain text is scanned with the pattern.
func (x *Extractor) Extract(res mcp.Result) []string {
	var out []string
	seen := map[string]bool{}
	add := func(id string) {
		id = strings.TrimSpace(id)
		if id != "" && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}

	docs := make([][]byte, 0, 2)
	if len(res.Raw) > 0 && json.Valid(res.Raw) {
		docs = append(docs, res.Raw)
	}
	for _, text := range res.Texts() {
		t := strings.TrimSpace(text)
		if strings.HasPrefix(t, "{") || strings.HasPrefix(t, "[") {
			if json.Valid([]byte(t)) {
				docs = append(docs, []byte(t))
				continue
			}
		}
		for _, m := range x.pattern.FindAllStringSubmatch(text, -1) {
			add(m[1])
		}
	}
	for _, doc := range docs {
		for _, p := range x.paths {
			collect(gjson.GetBytes(doc, p), add)
		}
	}
	return out
}

func collect(r gjson.Result, add func(string)) {
	if !r.Exists() || r.Type == gjson.Null {
		return
	}
	if r.IsArray() {
		r.ForEach(func(_, v gjson.Result) bool {
			collect(v, add)
			return true
		})
		return
	}
	if r.IsObject() {
		return
	}
	add(r.String())
}
