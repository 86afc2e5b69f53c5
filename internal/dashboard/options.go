package dashboard

import (
	"context"
	"crypto/subtle"
	"strings"
	"time"

	"sundial/internal/metrics"
	"sundial/internal/storage"
)

const (
	defaultRequestPath = "/schedule"
	defaultSessionKey  = "schedule_session_key"
	defaultTimelines   = 20
	defaultHeartbeat   = 15 * time.Second
	defaultStreamBuf   = 64
	defaultLoginPerMin = 10
)

// CredentialChecker validates a login attempt. A non-nil error yields 500.
type CredentialChecker func(ctx context.Context, username, password string) (bool, error)

// AuditSink receives one entry per control operation.
type AuditSink interface {
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
}

type LoginOptions struct {
	Enabled         bool
	SessionKey      string
	DefaultUsername string
	DefaultPassword string
	// Checker overrides the default username/password comparison.
	Checker CredentialChecker
	// PerMinute limits attempts per client address.
	PerMinute int
}

type Options struct {
	RequestPath string
	Title       string

	// Frontend display flags, passed through apiconfig.js.
	DisplayEmptyTriggerJobs bool
	DisplayHead             bool
	DefaultExpandAllJobs    bool

	Login LoginOptions

	// TimelineCount caps /timelines-log.
	TimelineCount int
	// Heartbeat is the keepalive interval of change streams.
	Heartbeat    time.Duration
	StreamBuffer int

	Audit   AuditSink
	Metrics *metrics.Registry
}

func (o Options) withDefaults() Options {
	o.RequestPath = normalizePath(o.RequestPath)
	if o.Login.SessionKey == "" {
		o.Login.SessionKey = defaultSessionKey
	}
	if o.Login.PerMinute <= 0 {
		o.Login.PerMinute = defaultLoginPerMin
	}
	if o.TimelineCount <= 0 {
		o.TimelineCount = defaultTimelines
	}
	if o.Heartbeat <= 0 {
		o.Heartbeat = defaultHeartbeat
	}
	if o.StreamBuffer <= 0 {
		o.StreamBuffer = defaultStreamBuf
	}
	return o
}

// checker returns the configured checker or one comparing against the
// default credentials. Without either every attempt is denied.
func (o LoginOptions) checker() CredentialChecker {
	if o.Checker != nil {
		return o.Checker
	}
	user, pass := o.DefaultUsername, o.DefaultPassword
	return func(_ context.Context, u, p string) (bool, error) {
		if user == "" && pass == "" {
			return false, nil
		}
		okU := subtle.ConstantTimeCompare([]byte(u), []byte(user)) == 1
		okP := subtle.ConstantTimeCompare([]byte(p), []byte(pass)) == 1
		return okU && okP, nil
	}
}

// normalizePath returns p with one leading slash and no trailing slash.
func normalizePath(p string) string {
	p = strings.TrimSpace(p)
	p = strings.TrimRight(p, "/")
	if p == "" {
		return defaultRequestPath
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}
