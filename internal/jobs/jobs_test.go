package jobs

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"strings"
	"testing"
	"time"

	"sundial/internal/config"
	"sundial/internal/task/engine"
	"sundial/internal/task/scheduler"
	"sundial/pkg/logx"
)

func runContext(jobID string) *scheduler.JobExecutionContext {
	return scheduler.NewExecutionContext(
		scheduler.JobDetail{JobID: jobID},
		scheduler.TriggerModel{JobID: jobID, TriggerID: "t1"},
		time.Now(), "t1___run", scheduler.ModeManual, nil, scheduler.Clock{UTC: true},
	)
}

func TestHTTPJob(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/ok", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Sundial-Job") != "ping" || r.Header.Get("X-Token") != "abc" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte("hello"))
	})
	mux.HandleFunc("/missing", func(w http.ResponseWriter, r *http.Request) { http.NotFound(w, r) })
	mux.HandleFunc("/broken", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusBadGateway) })
	mux.HandleFunc("/busy", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "3")
		w.WriteHeader(http.StatusTooManyRequests)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	cases := []struct {
		path    string
		wantErr bool
		noRetry bool
		hint    time.Duration
		result  string
	}{
		{path: "/ok", result: "200 5 bytes"},
		{path: "/missing", wantErr: true, noRetry: true},
		{path: "/broken", wantErr: true},
		{path: "/busy", wantErr: true, hint: 3 * time.Second},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.path, func(t *testing.T) {
			t.Parallel()
			job := &HTTPJob{URL: srv.URL + tc.path, Headers: map[string]string{"X-Token": "abc"}, Client: srv.Client(), Timeout: 2 * time.Second}
			jc := runContext("ping")
			err := job.Execute(context.Background(), jc)
			if (err != nil) != tc.wantErr {
				t.Fatalf("err=%v wantErr=%v", err, tc.wantErr)
			}
			if engine.IsNoRetry(err) != tc.noRetry {
				t.Fatalf("noRetry=%v want %v (err=%v)", engine.IsNoRetry(err), tc.noRetry, err)
			}
			if tc.hint > 0 {
				var ra engine.RetryAfterError
				if !errors.As(err, &ra) || ra.RetryAfter() != tc.hint {
					t.Fatalf("retry hint missing from %v", err)
				}
			}
			if tc.result != "" && jc.Result() != tc.result {
				t.Fatalf("result=%q want %q", jc.Result(), tc.result)
			}
		})
	}
}

func TestExecJob(t *testing.T) {
	t.Parallel()

	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	ok, err := NewExecJob(`sh -c 'echo "$SUNDIAL_JOB_ID done"'`, nil, "", nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if ok.Command != "sh" || len(ok.Args) != 2 {
		t.Fatalf("split=%q %q", ok.Command, ok.Args)
	}
	jc := runContext("backup")
	if err := ok.Execute(context.Background(), jc); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if jc.Result() != "backup done" {
		t.Fatalf("result=%q", jc.Result())
	}

	fail := &ExecJob{Command: "sh", Args: []string{"-c", "echo oops; exit 3"}}
	jc = runContext("backup")
	err = fail.Execute(context.Background(), jc)
	if err == nil || !strings.Contains(err.Error(), "code 3") {
		t.Fatalf("err=%v", err)
	}
	if code, _ := scheduler.Item[int](jc, "exec.exit_code"); code != 3 || jc.Result() != "oops" {
		t.Fatalf("code=%d result=%q", code, jc.Result())
	}

	missing := &ExecJob{Command: "definitely-not-a-command-xyz"}
	if err := missing.Execute(context.Background(), runContext("x")); !engine.IsNoRetry(err) {
		t.Fatalf("missing binary err=%v, want no-retry", err)
	}

	if _, err := NewExecJob(`sh -c 'unterminated`, nil, "", nil); err == nil {
		t.Fatalf("unbalanced quotes accepted")
	}
}

func TestLogJob(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	job := &LogJob{Message: "tick", Level: "warn", Log: logx.NewWriter(&buf, "debug")}
	jc := runContext("beat")
	if err := job.Execute(context.Background(), jc); err != nil {
		t.Fatalf("execute: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, `"message":"tick"`) || !strings.Contains(out, `"level":"warn"`) || !strings.Contains(out, `"job":"beat"`) {
		t.Fatalf("log line %s", out)
	}
	if jc.Result() != "tick" {
		t.Fatalf("result=%q", jc.Result())
	}
}

func TestBuild(t *testing.T) {
	t.Parallel()

	def, err := Build(config.JobConfig{
		ID:         "report",
		Group:      "ops",
		Kind:       "log",
		Concurrent: true,
		Properties: map[string]string{"owner": "ops"},
		Triggers: []config.TriggerConfig{{
			ID: "nightly", Schedule: "0 2 * * *", Retries: 2, RetryTimeout: "30s",
			StartTime: "2026-01-01T00:00:00Z", RunOnStart: true,
		}},
	}, Deps{Log: logx.Nop()})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if def.Detail.JobID != "report" || !def.Detail.Concurrent || def.Detail.Properties["kind"] != "log" || def.Detail.Properties["owner"] != "ops" {
		t.Fatalf("detail=%+v", def.Detail)
	}
	if _, ok := def.Job.(*LogJob); !ok {
		t.Fatalf("job=%T want *LogJob", def.Job)
	}
	tr := def.Triggers[0]
	if tr.RetryTimeout != 30*time.Second || tr.NumRetries != 2 || !tr.RunOnStart || tr.StartTime.IsZero() {
		t.Fatalf("trigger=%+v", tr)
	}

	bad := []config.JobConfig{
		{ID: "a", Kind: "http"},
		{ID: "b", Kind: "exec", Exec: &config.ExecJobConfig{}},
		{ID: "c", Kind: "ftp"},
		{ID: "s", Kind: "systemd", Systemd: &config.SystemdJobConfig{Unit: "nginx", Action: "explode"}},
		{ID: "d", Kind: "log", Triggers: []config.TriggerConfig{{ID: "t", Schedule: "every:1m", Timeout: "later"}}},
	}
	for _, jc := range bad {
		if _, err := Build(jc, Deps{}); err == nil {
			t.Fatalf("job %s: expected an error", jc.ID)
		}
	}
}
