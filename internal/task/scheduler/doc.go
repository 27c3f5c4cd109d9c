// Package scheduler turns interval and cron schedules into tasks on the
// task engine. It owns no execution: every trigger is an engine.Enqueue.
package scheduler
