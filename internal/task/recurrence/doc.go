// Package recurrence computes trigger occurrence times.
//
// The scheduler core only depends on Strategy; this package provides the
// cron, fixed-interval and one-shot strategies and the schedule-string parser
// that picks between them.
package recurrence
