package dashboard

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/cors"

	"sundial/internal/storage"
	"sundial/internal/task/scheduler"
	"sundial/pkg/logx"
)

const auditTimeout = 3 * time.Second

// Handler serves the dashboard API for one Factory.
type Handler struct {
	f    *scheduler.Factory
	opts Options
	log  logx.Logger

	base string
	api  string
	http http.Handler

	logins *loginLimiter
	check  CredentialChecker
}

// New builds the handler. Cross-origin requests are allowed from anywhere.
func New(f *scheduler.Factory, opts Options, log logx.Logger) *Handler {
	if log.IsZero() {
		log = logx.Nop()
	}
	opts = opts.withDefaults()
	h := &Handler{
		f:      f,
		opts:   opts,
		log:    log.With(logx.String("comp", "dashboard")),
		base:   opts.RequestPath,
		api:    opts.RequestPath + "/api",
		logins: newLoginLimiter(opts.Login.PerMinute),
		check:  opts.Login.checker(),
	}
	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
		MaxAge:         12 * 60 * 60,
	})
	h.http = c.Handler(http.HandlerFunc(h.route))
	return h
}

// RequestPath is the normalized mount point.
func (h *Handler) RequestPath() string { return h.base }

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.http.ServeHTTP(w, r)
}

func (h *Handler) route(w http.ResponseWriter, r *http.Request) {
	p := r.URL.Path
	if strings.EqualFold(p, h.base+"/apiconfig.js") {
		h.apiConfig(w, r)
		return
	}
	// A reload of the frontend login page lands here.
	if strings.EqualFold(p, h.base+"/login") {
		http.Redirect(w, r, h.base+"/", http.StatusFound)
		return
	}
	if len(p) <= len(h.api) || !strings.EqualFold(p[:len(h.api)], h.api) || p[len(h.api)] != '/' {
		notFound(w)
		return
	}
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	switch strings.ToLower(p[len(h.api):]) {
	case "/get-jobs":
		writeJSON(w, http.StatusOK, h.f.GetJobsOfModels())
	case "/timelines-log":
		writeJSON(w, http.StatusOK, h.f.GetTimelines(h.opts.TimelineCount))
	case "/operate-job":
		h.operateJob(w, r)
	case "/operate-trigger":
		h.operateTrigger(w, r)
	case "/check-change":
		h.checkChange(w, r)
	case "/check-change-ws":
		h.checkChangeWS(w, r)
	case "/login":
		h.login(w, r)
	default:
		notFound(w)
	}
}

type reply struct {
	Msg string `json:"msg"`
	OK  bool   `json:"ok"`
}

func (h *Handler) operateJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.FormValue("jobid")
	action := r.FormValue("action")

	s, res := h.f.TryGetJob(jobID)
	if res != scheduler.Succeed {
		h.record(r, "job."+action, jobID, "", res)
		writeResult(w, res)
		return
	}

	switch action {
	case "start":
		res = s.Start()
	case "pause":
		res = s.Pause()
	case "remove":
		res = h.f.RemoveJob(jobID)
	case "run":
		res = h.f.RunJob(jobID)
	default:
		writeResult(w, scheduler.Succeed)
		return
	}
	h.record(r, "job."+action, jobID, "", res)
	writeResult(w, res)
}

func (h *Handler) operateTrigger(w http.ResponseWriter, r *http.Request) {
	jobID := r.FormValue("jobid")
	triggerID := r.FormValue("triggerid")
	action := r.FormValue("action")

	s, res := h.f.TryGetJob(jobID)
	if res != scheduler.Succeed {
		h.record(r, "trigger."+action, jobID, triggerID, res)
		writeResult(w, res)
		return
	}

	switch action {
	case "start":
		res = s.StartTrigger(triggerID)
	case "pause":
		res = s.PauseTrigger(triggerID)
	case "remove":
		res = s.RemoveTrigger(triggerID)
	case "run":
		res = s.Run(triggerID)
	case "timelines":
		tl := []scheduler.TriggerTimeline{}
		if t, ok := s.Trigger(triggerID); ok {
			tl = append(tl, t.Timelines()...)
		}
		writeJSON(w, http.StatusOK, tl)
		return
	default:
		writeResult(w, scheduler.Succeed)
		return
	}
	h.record(r, "trigger."+action, jobID, triggerID, res)
	writeResult(w, res)
}

// record counts the operation and appends it to the audit sink.
func (h *Handler) record(r *http.Request, action, jobID, triggerID string, res scheduler.ScheduleResult) {
	h.opts.Metrics.Control(action, res.String())
	h.log.Info("operation", logx.String("action", action), logx.Job(jobID, triggerID, ""),
		logx.String("result", res.String()), logx.String("remote", clientAddr(r)))
	if h.opts.Audit == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), auditTimeout)
	defer cancel()
	err := h.opts.Audit.AppendAudit(ctx, storage.AuditEntry{
		At:        h.f.Clock().Now(),
		Remote:    clientAddr(r),
		Action:    action,
		JobID:     jobID,
		TriggerID: triggerID,
		Result:    res.String(),
	})
	if err != nil {
		h.log.Warn("audit append failed", logx.String("action", action), logx.Err(err))
	}
}

type apiConfig struct {
	RequestPath             string `json:"requestPath"`
	Title                   string `json:"title"`
	DisplayEmptyTriggerJobs bool   `json:"displayEmptyTriggerJobs"`
	DisplayHead             bool   `json:"displayHead"`
	DefaultExpandAllJobs    bool   `json:"defaultExpandAllJobs"`
	UseUTCTimestamp         bool   `json:"useUtcTimestamp"`
	LoginEnabled            bool   `json:"loginEnabled"`
	LoginSessionKey         string `json:"loginSessionKey"`
	DefaultUsername         string `json:"defaultUsername"`
}

func (h *Handler) apiConfig(w http.ResponseWriter, _ *http.Request) {
	b, err := json.Marshal(apiConfig{
		RequestPath:             h.base,
		Title:                   h.opts.Title,
		DisplayEmptyTriggerJobs: h.opts.DisplayEmptyTriggerJobs,
		DisplayHead:             h.opts.DisplayHead,
		DefaultExpandAllJobs:    h.opts.DefaultExpandAllJobs,
		UseUTCTimestamp:         h.f.Clock().UTC,
		LoginEnabled:            h.opts.Login.Enabled,
		LoginSessionKey:         h.opts.Login.SessionKey,
		DefaultUsername:         h.opts.Login.DefaultUsername,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/javascript; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	_, _ = w.Write([]byte("window.apiconfig = "))
	_, _ = w.Write(b)
	_, _ = w.Write([]byte(";\n"))
}

func writeResult(w http.ResponseWriter, res scheduler.ScheduleResult) {
	status := http.StatusOK
	if !res.OK() {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, reply{Msg: res.String(), OK: res.OK()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

func notFound(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusNotFound)
	_, _ = w.Write([]byte("Not Found"))
}

func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
