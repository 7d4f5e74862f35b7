// Package notifier delivers fired reminders to the chat.
//
// Deliveries go through a bounded queue served by a worker pool. Sends are
// rate limited (golang.org/x/time/rate) and retried with jittered
// exponential backoff. Each reminder occurrence (identifier + fire time) is
// delivered at most once: the dedup mark is set before queueing, in memory
// and, when a store is configured, persisted so restarts do not resend.
//
// Messages carry inline buttons for the actions registered for the
// reminder's category.
package notifier
