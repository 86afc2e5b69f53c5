package recurrence

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Kind describes the normalized kind of a schedule string.
type Kind int

const (
	KindCron Kind = iota
	KindInterval
	KindOnce
)

func (k Kind) String() string {
	switch k {
	case KindCron:
		return "cron"
	case KindInterval:
		return "interval"
	case KindOnce:
		return "once"
	default:
		return "unknown"
	}
}

// Spec is a parsed schedule string.
//
// Supported forms:
//   - cron: "*/5 * * * *", "*/2 * * * * *" (seconds), "@hourly", "@every 55m"
//   - interval duration: "55m", "1s", "2h30m"
//   - interval HH:MM: "00:50" (50 minutes), "02:30"
//   - one-shot RFC3339 instant: "2026-01-02T15:04:05Z"
//
// Prefixes force a kind: "cron:", "interval:" / "every:", "at:" / "once:".
type Spec struct {
	Kind  Kind
	Cron  string
	Every time.Duration
	At    time.Time
	Raw   string
}

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Parse parses a schedule string and builds its Strategy. loc applies to cron
// expressions without an explicit CRON_TZ/TZ prefix; nil means time.Local.
func Parse(raw string, loc *time.Location) (Strategy, error) {
	sp, err := ParseSpec(raw)
	if err != nil {
		return nil, err
	}
	return sp.Strategy(loc)
}

func ParseSpec(raw string) (Spec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Spec{}, fmt.Errorf("schedule required")
	}

	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		expr := strings.TrimSpace(s[len("cron:"):])
		if expr == "" {
			return Spec{}, fmt.Errorf("cron schedule required after 'cron:'")
		}
		return Spec{Kind: KindCron, Cron: expr, Raw: raw}, nil
	case strings.HasPrefix(low, "interval:"):
		return intervalSpec(s[len("interval:"):], raw)
	case strings.HasPrefix(low, "every:"):
		return intervalSpec(s[len("every:"):], raw)
	case strings.HasPrefix(low, "at:"):
		return onceSpec(s[len("at:"):], raw)
	case strings.HasPrefix(low, "once:"):
		return onceSpec(s[len("once:"):], raw)
	}

	if strings.ContainsAny(s, " \t\n\r") || strings.HasPrefix(s, "@") {
		return Spec{Kind: KindCron, Cron: s, Raw: raw}, nil
	}
	if reHHMM.MatchString(s) {
		return intervalSpec(s, raw)
	}
	if d, err := time.ParseDuration(s); err == nil {
		if d <= 0 {
			return Spec{}, fmt.Errorf("interval must be > 0")
		}
		return Spec{Kind: KindInterval, Every: d, Raw: raw}, nil
	}
	if _, err := time.Parse(time.RFC3339, s); err == nil {
		return onceSpec(s, raw)
	}

	return Spec{}, fmt.Errorf(
		"invalid schedule %q (use cron like '*/5 * * * *', HH:MM like '02:30', duration like '55m' or an RFC3339 instant)",
		raw,
	)
}

// Strategy builds the strategy for sp, validating cron expressions.
func (sp Spec) Strategy(loc *time.Location) (Strategy, error) {
	if loc == nil {
		loc = time.Local
	}
	switch sp.Kind {
	case KindCron:
		sched, err := parser.Parse(sp.Cron)
		if err != nil {
			return nil, fmt.Errorf("invalid cron %q: %w", sp.Cron, err)
		}
		if ss, ok := sched.(*cron.SpecSchedule); ok && !hasTZPrefix(sp.Cron) {
			ss.Location = loc
		}
		return Cron{Expr: sp.Cron, Schedule: sched}, nil
	case KindInterval:
		return Interval{Every: sp.Every}, nil
	case KindOnce:
		return Once{At: sp.At}, nil
	default:
		return nil, fmt.Errorf("unknown schedule kind %d", sp.Kind)
	}
}

func hasTZPrefix(expr string) bool {
	return strings.HasPrefix(expr, "CRON_TZ=") || strings.HasPrefix(expr, "TZ=")
}

func intervalSpec(v, raw string) (Spec, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return Spec{}, fmt.Errorf("interval required")
	}
	if reHHMM.MatchString(v) {
		d, err := parseHHMM(v)
		if err != nil {
			return Spec{}, err
		}
		return Spec{Kind: KindInterval, Every: d, Raw: raw}, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return Spec{}, fmt.Errorf("invalid interval %q (use HH:MM or Go duration like '55m'/'2h30m')", v)
	}
	if d <= 0 {
		return Spec{}, fmt.Errorf("interval must be > 0")
	}
	return Spec{Kind: KindInterval, Every: d, Raw: raw}, nil
}

func onceSpec(v, raw string) (Spec, error) {
	v = strings.TrimSpace(v)
	at, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return Spec{}, fmt.Errorf("invalid instant %q (use RFC3339): %w", v, err)
	}
	return Spec{Kind: KindOnce, At: at, Raw: raw}, nil
}

func parseHHMM(v string) (time.Duration, error) {
	m := reHHMM.FindStringSubmatch(v)
	if len(m) != 3 {
		return 0, fmt.Errorf("invalid HH:MM %q", v)
	}
	var hh int
	for i := 0; i < len(m[1]); i++ {
		hh = hh*10 + int(m[1][i]-'0')
	}
	mm := int(m[2][0]-'0')*10 + int(m[2][1]-'0')
	if mm > 59 {
		return 0, fmt.Errorf("invalid minutes in %q", v)
	}
	d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	if d <= 0 {
		return 0, fmt.Errorf("interval must be > 0")
	}
	return d, nil
}
