package notifier

import (
	"fmt"
	"hash/fnv"
	"html"
	"strings"
	"time"
	"unicode/utf8"

	"sundial/internal/task/scheduler"
)

const maxResultRunes = 600

// runMessage formats a run.completed change. Only failures qualify unless
// NotifyAll is set.
func runMessage(c scheduler.JobChange, cfg Config) (Message, bool) {
	tl := c.Timeline
	if tl == nil {
		return Message{}, false
	}
	if tl.Outcome != scheduler.OutcomeFailed && !cfg.NotifyAll {
		return Message{}, false
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s <b>%s</b> / %s %s\n", outcomeIcon(tl.Outcome),
		html.EscapeString(tl.JobID), html.EscapeString(tl.TriggerID), tl.Outcome)
	if d := c.JobDetail.Description; d != "" {
		fmt.Fprintf(&b, "<i>%s</i>\n", html.EscapeString(d))
	}
	fmt.Fprintf(&b, "mode: %s, run #%d, took %s\n", tl.Mode, tl.NumberOfRuns,
		(time.Duration(tl.ElapsedTime) * time.Millisecond).String())
	fmt.Fprintf(&b, "at: %s\n", tl.CreatedTime.Format(time.RFC3339))
	if tl.NextRunTime != nil {
		fmt.Fprintf(&b, "next: %s\n", tl.NextRunTime.Format(time.RFC3339))
	}
	if t := c.Trigger; t != nil && t.Status == scheduler.StatusPaused &&
		t.MaxNumberOfErrors > 0 && t.NumberOfErrors >= t.MaxNumberOfErrors {
		fmt.Fprintf(&b, "<b>trigger paused</b> after %d errors\n", t.NumberOfErrors)
	}
	if r := strings.TrimSpace(tl.Result); r != "" {
		fmt.Fprintf(&b, "<pre>%s</pre>", html.EscapeString(truncate(r, maxResultRunes)))
	}

	return Message{
		ChatID:   cfg.ChatID,
		ThreadID: cfg.ThreadID,
		Text:     strings.TrimRight(b.String(), "\n"),
		Key:      dedupKey(tl),
	}, true
}

func outcomeIcon(o scheduler.Outcome) string {
	switch o {
	case scheduler.OutcomeFailed:
		return "❌"
	case scheduler.OutcomeCanceled:
		return "⏹"
	default:
		return "✅"
	}
}

// dedupKey identifies a message by trigger, outcome and result text.
func dedupKey(tl *scheduler.TriggerTimeline) string {
	h := fnv.New64a()
	_, _ = fmt.Fprintf(h, "%s|%s|%s|%s", tl.JobID, tl.TriggerID, tl.Outcome, tl.Result)
	return fmt.Sprintf("%s/%s:%x", tl.JobID, tl.TriggerID, h.Sum64())
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "…"
}
