// Package scheduler arms, fires and recovers reminders.
//
// The Engine keeps one timer per active reminder. When a timer fires, the
// reminder is delivered and Decide computes what happens next:
//   - one-shot: removed on success; kept for retry until the failure threshold
//   - recurring: advanced to the next future occurrence, or auto-paused after
//     too many consecutive failures
//
// LoadReminders is the startup sweep; overdue reminders are delivered then.
// A cron job deletes reminders that stayed paused past StaleAfter.
package scheduler
