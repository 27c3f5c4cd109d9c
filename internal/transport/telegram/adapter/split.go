package adapter

import "strings"

// DefaultTextLimit keeps chunks comfortably under Telegram's 4096 rune cap.
const DefaultTextLimit = 3500

// SplitText splits s into chunks of at most limit runes, preferring a
// newline boundary inside the last two thirds of each window.
func SplitText(s string, limit int) []string {
	if limit <= 0 {
		limit = DefaultTextLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}
		if chunk := strings.TrimRight(string(rs[start:end]), "\n"); chunk != "" {
			out = append(out, chunk)
		}
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
