// Package autorun decides when each (user, account) pair runs its claim
// action and runs it.
//
// Three tick sources (the regular tick, the burst tick while a burst window
// is open, and the watchdog) all funnel into Engine.Sweep, which is
// non-reentrant. Inside a sweep pairs run one at a time, paced by a gap
// persisted in the global state so it holds across restarts.
package autorun
