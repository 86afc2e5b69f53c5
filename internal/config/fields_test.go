package config

import (
	"strings"
	"testing"
	"time"
)

func TestDurationFields(t *testing.T) {
	t.Parallel()

	cases := []struct {
		raw     string
		def     time.Duration
		want    time.Duration
		wantErr string
	}{
		{raw: "", def: time.Second, want: time.Second},
		{raw: "  ", want: 0},
		{raw: "0s", def: 3 * time.Second, want: 3 * time.Second},
		{raw: " 90s ", def: time.Second, want: 90 * time.Second},
		{raw: "-1s", wantErr: "must be >= 0"},
		{raw: "soon", wantErr: `x.timeout: invalid duration "soon"`},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.raw, func(t *testing.T) {
			t.Parallel()
			got, err := ParseDurationOrDefault("x.timeout", tc.raw, tc.def)
			if tc.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
					t.Fatalf("err=%v want %q", err, tc.wantErr)
				}
				return
			}
			if err != nil || got != tc.want {
				t.Fatalf("got %s, %v want %s", got, err, tc.want)
			}
		})
	}
}

func TestTimeWindow(t *testing.T) {
	t.Parallel()

	jan := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	feb := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	cases := []struct {
		name       string
		start, end string
		from, to   time.Time
		wantErr    string
	}{
		{name: "unset"},
		{name: "open end", start: "2026-01-01T00:00:00Z", from: jan},
		{name: "both", start: "2026-01-01T00:00:00Z", end: "2026-02-01T00:00:00Z", from: jan, to: feb},
		{name: "reversed", start: "2026-02-01T00:00:00Z", end: "2026-01-01T00:00:00Z", wantErr: "t: end_time before start_time"},
		{name: "bad end", end: "tomorrow", wantErr: `t.end_time: invalid RFC3339 time "tomorrow"`},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			from, to, err := ParseTimeWindow("t", tc.start, tc.end)
			if tc.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
					t.Fatalf("err=%v want %q", err, tc.wantErr)
				}
				return
			}
			if err != nil || !from.Equal(tc.from) || !to.Equal(tc.to) {
				t.Fatalf("got %s..%s, %v", from, to, err)
			}
		})
	}
}
