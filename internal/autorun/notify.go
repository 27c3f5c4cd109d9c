package autorun

import (
	"fmt"

	"claimbot/internal/storage"
)

func accountTag(u *storage.User, acc *storage.Account) string {
	if u == nil || len(u.Accounts) <= 1 {
		return ""
	}
	return " [" + acc.DisplayName() + "]"
}

func successText(day, tag, formatted string) string {
	if formatted == "" {
		formatted = "No data returned."
	}
	return fmt.Sprintf("Auto-claim result%s (%s):\n\n%s", tag, day, formatted)
}

func failureText(day, tag, msg string) string {
	return fmt.Sprintf("Auto-claim failed%s (%s): %s", tag, day, msg)
}

func authText(day, tag string) string {
	return fmt.Sprintf("Auto-claim%s (%s) was rejected: your MCP token looks invalid or expired. Set a new one with /token <YOUR_TOKEN>.", tag, day)
}

func adminFailureText(userID string, acc *storage.Account, mode, msg string) string {
	return fmt.Sprintf("Auto-claim failed for user %s account %s (%s): %s", userID, acc.DisplayName(), mode, msg)
}
