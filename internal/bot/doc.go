// Package bot is the chat command surface: account management, on-demand
// upstream actions, and a few admin controls over the sweep.
//
// Updates are routed through a command tree (with root-level aliases) into a
// bounded worker pool. Each handler runs under timeout, panic recovery,
// request logging and, for mutating commands, an audit entry.
package bot
