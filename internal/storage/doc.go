// Package storage persists remindbot state across restarts.
//
// It holds:
//   - Subjects (tasks and subscriptions) that reconciliation replays
//   - Pending reminders owned by the local delivery port
//   - Notifier dedup state so a reminder is delivered at most once
//   - An audit log of user actions (complete, paid, snooze)
package storage
