// Package notifier delivers chat messages to users and administrators.
//
// Messages go through a bounded queue drained by a small worker pool. Sends
// are paced by a token bucket, retried with backoff, and identical messages
// to the same chat are suppressed for a short dedup window. Delivery is
// best-effort: failures are logged and counted, never returned to the
// component that produced the message.
package notifier
