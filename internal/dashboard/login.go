package dashboard

import (
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"sundial/pkg/logx"
)

const maxLoginClients = 1024

// loginLimiter keeps one token bucket per client address.
type loginLimiter struct {
	mu       sync.Mutex
	perMin   int
	limiters map[string]*rate.Limiter
}

func newLoginLimiter(perMinute int) *loginLimiter {
	return &loginLimiter{perMin: perMinute, limiters: map[string]*rate.Limiter{}}
}

func (l *loginLimiter) allow(client string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[client]
	if !ok {
		if len(l.limiters) >= maxLoginClients {
			clear(l.limiters)
		}
		lim = rate.NewLimiter(rate.Every(time.Minute/time.Duration(l.perMin)), l.perMin)
		l.limiters[client] = lim
	}
	return lim.Allow()
}

func (h *Handler) login(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	client := clientAddr(r)
	if !h.logins.allow(client) {
		h.opts.Metrics.Login("throttled")
		http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
		return
	}

	username := r.PostFormValue("username")
	ok, err := h.check(r.Context(), username, r.PostFormValue("password"))
	switch {
	case err != nil:
		h.opts.Metrics.Login("error")
		h.log.Warn("login check failed", logx.String("remote", client), logx.Err(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
	case !ok:
		h.opts.Metrics.Login("denied")
		h.log.Info("login denied", logx.String("user", username), logx.String("remote", client))
		http.Error(w, "invalid username or password", http.StatusUnauthorized)
	default:
		h.opts.Metrics.Login("ok")
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("OK"))
	}
}
