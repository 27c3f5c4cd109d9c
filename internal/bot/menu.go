package bot

import (
	"slices"
	"strings"
	"unicode"

	kit "claimbot/internal/transport"
)

// Telegram command names are [a-z0-9_]{1,32} and may not start with a digit.
const maxCommandName = 32

func isCommandSeparator(r rune) bool {
	return r == '_' || r == '-' || r == '/' || unicode.IsSpace(r)
}

func keepCommandRune(r rune) rune {
	if ('a' <= r && r <= 'z') || ('0' <= r && r <= '9') {
		return r
	}
	return -1
}

// commandName turns a route or alias into a Telegram-safe command name.
// Separator runs collapse into one underscore; other runes are dropped.
func commandName(s string) string {
	words := strings.FieldsFunc(strings.ToLower(s), isCommandSeparator)
	for i, w := range words {
		words[i] = strings.Map(keepCommandRune, w)
	}
	words = slices.DeleteFunc(words, func(w string) bool { return w == "" })
	out := strings.Join(words, "_")
	if out != "" && '0' <= out[0] && out[0] <= '9' {
		out = "cmd_" + out
	}
	if len(out) > maxCommandName {
		out = strings.TrimRight(out[:maxCommandName], "_")
	}
	return out
}

// routeCommand names a multi-token route for the menu: ["burst","open"] is
// "burst_open".
func routeCommand(route []string) (string, bool) {
	name := commandName(strings.Join(route, "_"))
	return name, name != ""
}

// menuFor lists the public top-level commands sorted by name. The menu is
// visible to everyone, so owner-only commands stay out of it. The adapter
// enforces the Bot API size limits.
func menuFor(root *cmdNode) []kit.BotCommand {
	var out []kit.BotCommand
	for _, name := range root.childNames() {
		n, _ := root.child(name)
		if n == nil || nodeIsOwnerOnly(n) {
			continue
		}
		if cmd := commandName(name); cmd != "" {
			desc := strings.ReplaceAll(summarizeNodeDesc(n), "\n", " ")
			out = append(out, kit.BotCommand{Command: cmd, Description: desc})
		}
	}
	slices.SortStableFunc(out, func(a, b kit.BotCommand) int { return strings.Compare(a.Command, b.Command) })
	return out
}
