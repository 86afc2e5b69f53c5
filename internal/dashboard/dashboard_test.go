package dashboard

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"sundial/internal/metrics"
	"sundial/internal/storage"
	"sundial/internal/task/scheduler"
	"sundial/pkg/logx"
)

const farFuture = "cron:0 0 1 1 *"

type auditRecorder struct {
	mu      sync.Mutex
	entries []storage.AuditEntry
}

func (a *auditRecorder) AppendAudit(_ context.Context, e storage.AuditEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, e)
	return nil
}

func (a *auditRecorder) list() []storage.AuditEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]storage.AuditEntry(nil), a.entries...)
}

func noop(context.Context, *scheduler.JobExecutionContext) error { return nil }

// newTestHandler returns a handler over a factory with jobs "b/report" and
// "a/backup", each with one far-future trigger "t1".
func newTestHandler(t *testing.T, start bool, opts Options) (*Handler, *scheduler.Factory) {
	t.Helper()
	f := scheduler.NewFactory(scheduler.Config{UseUTC: true}, logx.Nop())
	for _, d := range []scheduler.JobDetail{{JobID: "report", GroupName: "b"}, {JobID: "backup", GroupName: "a"}} {
		if _, err := f.AddJob(d, scheduler.JobFunc(noop), scheduler.TriggerOptions{ID: "t1", Schedule: farFuture}); err != nil {
			t.Fatalf("add %s: %v", d.JobID, err)
		}
	}
	if start {
		if err := f.Start(context.Background()); err != nil {
			t.Fatalf("start: %v", err)
		}
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = f.Stop(ctx)
	})
	return New(f, opts, logx.Nop()), f
}

func do(t *testing.T, h http.Handler, method, target string, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req := httptest.NewRequest(method, target, body)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeReply(t *testing.T, rec *httptest.ResponseRecorder) reply {
	t.Helper()
	var r reply
	if err := json.Unmarshal(rec.Body.Bytes(), &r); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return r
}

func TestRoutes(t *testing.T) {
	t.Parallel()

	h, _ := newTestHandler(t, false, Options{Title: "ops", RequestPath: "schedule/"})
	cases := []struct {
		method string
		target string
		status int
		body   string
	}{
		{http.MethodGet, "/schedule/api/get-jobs", http.StatusOK, `"jobId":"backup"`},
		{http.MethodPost, "/schedule/api/get-jobs", http.StatusOK, `"jobId":"report"`},
		{http.MethodGet, "/schedule/api/timelines-log", http.StatusOK, "[]"},
		{http.MethodGet, "/schedule/API/Get-Jobs", http.StatusOK, `"jobId"`},
		{http.MethodGet, "/schedule/api/nope", http.StatusNotFound, "Not Found"},
		{http.MethodGet, "/schedule/apix/get-jobs", http.StatusNotFound, "Not Found"},
		{http.MethodGet, "/other/api/get-jobs", http.StatusNotFound, "Not Found"},
		{http.MethodDelete, "/schedule/api/get-jobs", http.StatusMethodNotAllowed, ""},
		{http.MethodGet, "/schedule/apiconfig.js", http.StatusOK, `window.apiconfig = {"requestPath":"/schedule","title":"ops"`},
		{http.MethodGet, "/schedule/login", http.StatusFound, ""},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.method+" "+tc.target, func(t *testing.T) {
			t.Parallel()
			rec := do(t, h, tc.method, tc.target, nil)
			if rec.Code != tc.status {
				t.Fatalf("status=%d want %d (body %q)", rec.Code, tc.status, rec.Body.String())
			}
			if !strings.Contains(rec.Body.String(), tc.body) {
				t.Fatalf("body %q does not contain %q", rec.Body.String(), tc.body)
			}
		})
	}
}

func TestGetJobsOrderedByGroupThenID(t *testing.T) {
	t.Parallel()

	h, _ := newTestHandler(t, false, Options{})
	rec := do(t, h, http.MethodGet, "/schedule/api/get-jobs", nil)
	var jobs []scheduler.JobModel
	if err := json.Unmarshal(rec.Body.Bytes(), &jobs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(jobs) != 2 || jobs[0].JobDetail.JobID != "backup" || jobs[1].JobDetail.JobID != "report" {
		t.Fatalf("jobs=%+v", jobs)
	}
	if len(jobs[0].Triggers) != 1 || jobs[0].Triggers[0].TriggerID != "t1" {
		t.Fatalf("triggers=%+v", jobs[0].Triggers)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatalf("CORS header set without an Origin")
	}

	req := httptest.NewRequest(http.MethodGet, "/schedule/api/get-jobs", nil)
	req.Header.Set("Origin", "http://elsewhere.example")
	cross := httptest.NewRecorder()
	h.ServeHTTP(cross, req)
	if got := cross.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("allow-origin=%q want *", got)
	}
}

func TestOperateJob(t *testing.T) {
	t.Parallel()

	audit := &auditRecorder{}
	reg := metrics.NewRegistry(prometheus.NewRegistry())
	h, f := newTestHandler(t, false, Options{Audit: audit, Metrics: reg})

	rec := do(t, h, http.MethodGet, "/schedule/api/operate-job?jobid=missing&action=pause", nil)
	if r := decodeReply(t, rec); rec.Code != http.StatusInternalServerError || r.Msg != "JobNotFound" || r.OK {
		t.Fatalf("missing job: %d %+v", rec.Code, r)
	}

	rec = do(t, h, http.MethodGet, "/schedule/api/operate-job?jobid=report&action=pause", nil)
	if r := decodeReply(t, rec); rec.Code != http.StatusOK || r.Msg != "Succeed" || !r.OK {
		t.Fatalf("pause: %d %+v", rec.Code, r)
	}
	s, _ := f.TryGetJob("report")
	if m, _ := s.GetTrigger("t1"); m.Status != scheduler.StatusPaused {
		t.Fatalf("status=%s want Paused", m.Status)
	}

	rec = do(t, h, http.MethodPost, "/schedule/api/operate-job", url.Values{"jobid": {"report"}, "action": {"start"}})
	if r := decodeReply(t, rec); !r.OK {
		t.Fatalf("start via form: %+v", r)
	}
	if m, _ := s.GetTrigger("t1"); m.Status != scheduler.StatusReady {
		t.Fatalf("status=%s want Ready", m.Status)
	}

	rec = do(t, h, http.MethodGet, "/schedule/api/operate-job?jobid=report&action=dance", nil)
	if r := decodeReply(t, rec); rec.Code != http.StatusOK || !r.OK {
		t.Fatalf("unknown action: %d %+v", rec.Code, r)
	}

	// Manual runs need a running factory.
	rec = do(t, h, http.MethodGet, "/schedule/api/operate-job?jobid=report&action=run", nil)
	if r := decodeReply(t, rec); r.Msg != "NotStarted" {
		t.Fatalf("run on stopped factory: %+v", r)
	}

	rec = do(t, h, http.MethodGet, "/schedule/api/operate-job?jobid=report&action=remove", nil)
	if r := decodeReply(t, rec); !r.OK {
		t.Fatalf("remove: %+v", r)
	}
	if _, res := f.TryGetJob("report"); res != scheduler.JobNotFound {
		t.Fatalf("job still present: %s", res)
	}

	got := audit.list()
	want := []string{"job.pause:JobNotFound", "job.pause:Succeed", "job.start:Succeed", "job.run:NotStarted", "job.remove:Succeed"}
	if len(got) != len(want) {
		t.Fatalf("audit=%+v", got)
	}
	for i, e := range got {
		if e.Action+":"+e.Result != want[i] {
			t.Fatalf("audit[%d]=%s:%s want %s", i, e.Action, e.Result, want[i])
		}
	}
}

func TestOperateTriggerRunAndTimelines(t *testing.T) {
	t.Parallel()

	h, f := newTestHandler(t, true, Options{})

	rec := do(t, h, http.MethodGet, "/schedule/api/operate-trigger?jobid=backup&triggerid=t1&action=run", nil)
	if r := decodeReply(t, rec); !r.OK {
		t.Fatalf("run: %+v", r)
	}
	deadline := time.Now().Add(2 * time.Second)
	for len(f.GetTimelines(0)) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("manual run never recorded")
		}
		time.Sleep(5 * time.Millisecond)
	}

	rec = do(t, h, http.MethodGet, "/schedule/api/operate-trigger?jobid=backup&triggerid=t1&action=timelines", nil)
	var tl []scheduler.TriggerTimeline
	if err := json.Unmarshal(rec.Body.Bytes(), &tl); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(tl) != 1 || tl[0].Mode != scheduler.ModeManual || tl[0].Outcome != scheduler.OutcomeSucceeded {
		t.Fatalf("timelines=%+v", tl)
	}

	rec = do(t, h, http.MethodGet, "/schedule/api/timelines-log", nil)
	if !strings.Contains(rec.Body.String(), `"jobId":"backup"`) {
		t.Fatalf("timelines-log=%s", rec.Body.String())
	}

	rec = do(t, h, http.MethodGet, "/schedule/api/operate-trigger?jobid=backup&triggerid=nope&action=timelines", nil)
	if strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Fatalf("unknown trigger timelines=%s", rec.Body.String())
	}

	cases := []struct {
		query string
		msg   string
	}{
		{"jobid=backup&triggerid=t1&action=pause", "Succeed"},
		{"jobid=backup&triggerid=nope&action=pause", "TriggerNotFound"},
		{"jobid=ghost&triggerid=t1&action=pause", "JobNotFound"},
		{"jobid=backup&triggerid=t1&action=remove", "Succeed"},
		{"jobid=backup&triggerid=t1&action=start", "TriggerNotFound"},
	}
	for _, tc := range cases {
		rec := do(t, h, http.MethodGet, "/schedule/api/operate-trigger?"+tc.query, nil)
		if r := decodeReply(t, rec); r.Msg != tc.msg {
			t.Fatalf("%s: msg=%s want %s", tc.query, r.Msg, tc.msg)
		}
	}
}

func TestLogin(t *testing.T) {
	t.Parallel()

	h, _ := newTestHandler(t, false, Options{Login: LoginOptions{
		Enabled: true, DefaultUsername: "admin", DefaultPassword: "secret", PerMinute: 3,
	}})
	cases := []struct {
		method string
		form   url.Values
		status int
	}{
		{http.MethodPost, url.Values{"username": {"admin"}, "password": {"secret"}}, http.StatusOK},
		{http.MethodPost, url.Values{"username": {"admin"}, "password": {"nope"}}, http.StatusUnauthorized},
		{http.MethodGet, nil, http.StatusMethodNotAllowed},
		{http.MethodPost, url.Values{"username": {""}, "password": {""}}, http.StatusUnauthorized},
		{http.MethodPost, url.Values{"username": {"admin"}, "password": {"secret"}}, http.StatusTooManyRequests},
	}
	for i, tc := range cases {
		rec := do(t, h, tc.method, "/schedule/api/login", tc.form)
		if rec.Code != tc.status {
			t.Fatalf("case %d: status=%d want %d (%q)", i, rec.Code, tc.status, rec.Body.String())
		}
	}

	failing, _ := newTestHandler(t, false, Options{Login: LoginOptions{
		Checker: func(context.Context, string, string) (bool, error) { return false, errors.New("directory down") },
	}})
	rec := do(t, failing, http.MethodPost, "/schedule/api/login", url.Values{"username": {"x"}})
	if rec.Code != http.StatusInternalServerError || !strings.Contains(rec.Body.String(), "directory down") {
		t.Fatalf("checker error: %d %q", rec.Code, rec.Body.String())
	}

	open, _ := newTestHandler(t, false, Options{})
	rec = do(t, open, http.MethodPost, "/schedule/api/login", url.Values{"username": {""}, "password": {""}})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("login without credentials configured: %d", rec.Code)
	}
}

func TestCheckChangeStreamsEvents(t *testing.T) {
	t.Parallel()

	h, f := newTestHandler(t, false, Options{})
	srv := httptest.NewServer(h)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/schedule/api/check-change", nil)
	req.Header.Set("Accept", "text/event-stream")
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content-type=%q", ct)
	}

	s, _ := f.TryGetJob("report")
	s.PauseTrigger("t1")

	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var d scheduler.JobDetail
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &d); err != nil {
			t.Fatalf("decode %q: %v", line, err)
		}
		if d.JobID != "report" {
			t.Fatalf("job=%s want report", d.JobID)
		}
		return
	}
	t.Fatalf("stream ended without data: %v", sc.Err())
}

func TestCheckChangeWebsocket(t *testing.T) {
	t.Parallel()

	h, f := newTestHandler(t, false, Options{})
	srv := httptest.NewServer(h)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/schedule/api/check-change-ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// The subscription is registered right after the upgrade; give it a beat.
	time.Sleep(50 * time.Millisecond)
	s, _ := f.TryGetJob("backup")
	s.PauseTrigger("t1")

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg struct {
		Type      string                  `json:"type"`
		JobDetail scheduler.JobDetail     `json:"jobDetail"`
		Trigger   *scheduler.TriggerModel `json:"trigger"`
	}
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Type != scheduler.EventTriggerPaused || msg.JobDetail.JobID != "backup" || msg.Trigger == nil || msg.Trigger.TriggerID != "t1" {
		t.Fatalf("msg=%+v", msg)
	}
}

func TestServerServesAPIAndMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	h, _ := newTestHandler(t, false, Options{Metrics: metrics.NewRegistry(reg)})
	srv := NewServer(ServerConfig{Addr: "127.0.0.1:0", Gatherer: reg, Pprof: true}, h, logx.Nop())
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	base := "http://" + srv.Addr()

	// Produce a control metric.
	if resp, err := http.Get(base + "/schedule/api/operate-job?jobid=report&action=pause"); err == nil {
		resp.Body.Close()
	}

	cases := []struct {
		path string
		body string
	}{
		{"/healthz", "ok"},
		{"/schedule/api/get-jobs", `"jobId":"backup"`},
		{"/metrics", "sundial_"},
		{"/debug/pprof/", "goroutine"},
	}
	for _, tc := range cases {
		resp, err := http.Get(base + tc.path)
		if err != nil {
			t.Fatalf("get %s: %v", tc.path, err)
		}
		b, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK || !strings.Contains(string(b), tc.body) {
			t.Fatalf("%s: %d %q", tc.path, resp.StatusCode, b)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if srv.Addr() != "" {
		t.Fatalf("addr still set after stop")
	}
	if _, err := http.Get(base + "/healthz"); err == nil {
		t.Fatalf("server still answering after stop")
	}
}

func TestNormalizeAndLoopback(t *testing.T) {
	t.Parallel()

	paths := map[string]string{"": "/schedule", "/": "/schedule", "jobs": "/jobs", "/ui/jobs/": "/ui/jobs"}
	for in, want := range paths {
		if got := normalizePath(in); got != want {
			t.Fatalf("normalizePath(%q)=%q want %q", in, got, want)
		}
	}
	addrs := map[string]bool{"127.0.0.1:80": true, "localhost:1": true, "[::1]:9": true, ":8080": false, "0.0.0.0:80": false, "bad": false}
	for in, want := range addrs {
		if got := isLoopbackAddr(in); got != want {
			t.Fatalf("isLoopbackAddr(%q)=%v want %v", in, got, want)
		}
	}
}
