package bot

import (
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
)

func newReqID() string { return uuid.NewString() }

// tokenizeCommandLine splits a message into words. Single or double quotes
// group words and a backslash escapes the next rune, so labels with spaces
// survive: /token abc "my phone".
func tokenizeCommandLine(s string) []string {
	var (
		out     []string
		word    strings.Builder
		inWord  bool
		quote   rune
		escaped bool
	)
	for _, r := range s {
		switch {
		case escaped:
			word.WriteRune(r)
			escaped = false
		case r == '\\':
			escaped, inWord = true, true
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				word.WriteRune(r)
			}
		case r == '"' || r == '\'':
			quote, inWord = r, true
		case unicode.IsSpace(r):
			if inWord {
				out = append(out, word.String())
				word.Reset()
				inWord = false
			}
		default:
			word.WriteRune(r)
			inWord = true
		}
	}
	if inWord && word.Len() > 0 {
		out = append(out, word.String())
	}
	return out
}

func parseOnOff(s string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "on", "enable", "true", "1":
		return true, true
	case "off", "disable", "false", "0":
		return false, true
	}
	return false, false
}

// parseMinutes reads a positive whole number of minutes no larger than max.
func parseMinutes(s string, max int) (time.Duration, bool) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n <= 0 || n > max {
		return 0, false
	}
	return time.Duration(n) * time.Minute, true
}

// parseDay accepts a YYYY-MM-DD calendar date and returns it normalised.
func parseDay(s string) (string, bool) {
	d, err := time.Parse(time.DateOnly, strings.TrimSpace(s))
	if err != nil {
		return "", false
	}
	return d.Format(time.DateOnly), true
}
