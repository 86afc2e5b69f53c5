// Package notifier tells operators about finished runs.
//
// The service listens for run.completed events on the scheduler bus. Failed
// runs (or every run when NotifyAll is set) become short HTML messages that
// are queued and delivered by a Sender, for example Telegram.
//
// # Delivery
//
// Messages go through a bounded queue, a token-bucket rate limit and a small
// retry loop. A full queue drops the message instead of blocking the bus.
// Identical messages for the same trigger can be suppressed for DedupWindow.
//
// # History
//
// The service keeps a small in-memory history of recent deliveries.
package notifier
