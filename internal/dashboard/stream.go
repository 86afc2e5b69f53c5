package dashboard

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"sundial/internal/task/scheduler"
	"sundial/pkg/logx"
)

const wsWriteWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origins are already open through CORS.
	CheckOrigin: func(*http.Request) bool { return true },
}

// changeMessage is one websocket frame.
type changeMessage struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	scheduler.JobChange
}

// checkChange streams the job detail of every change as server-sent events
// until the client goes away.
func (h *Handler) checkChange(w http.ResponseWriter, r *http.Request) {
	fl, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	ch, unsub := h.f.Subscribe(h.opts.StreamBuffer)
	defer unsub()

	// Streams outlive the server's write timeout.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	hdr := w.Header()
	hdr.Set("Content-Type", "text/event-stream")
	hdr.Set("Cache-Control", "no-cache")
	hdr.Set("Connection", "keep-alive")
	hdr.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	fl.Flush()

	ping := time.NewTicker(h.opts.Heartbeat)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ping.C:
			if _, err := w.Write([]byte(": ping\n\n")); err != nil {
				return
			}
			fl.Flush()
		case ev, ok := <-ch:
			if !ok {
				return
			}
			change, ok := ev.Data.(scheduler.JobChange)
			if !ok {
				continue
			}
			b, err := json.Marshal(change.JobDetail)
			if err != nil {
				continue
			}
			if _, err := w.Write(append(append([]byte("data: "), b...), '\n', '\n')); err != nil {
				return
			}
			fl.Flush()
		}
	}
}

// checkChangeWS sends every change event as a JSON frame.
func (h *Handler) checkChangeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed", logx.String("remote", clientAddr(r)), logx.Err(err))
		return
	}
	defer func() { _ = conn.Close() }()

	ch, unsub := h.f.Subscribe(h.opts.StreamBuffer)
	defer unsub()

	// The reader only notices the peer closing.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(h.opts.Heartbeat)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(time.Second))
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		case ev, ok := <-ch:
			if !ok {
				return
			}
			change, ok := ev.Data.(scheduler.JobChange)
			if !ok {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(changeMessage{Type: ev.Type, Time: ev.Time, JobChange: change}); err != nil {
				h.log.Debug("websocket write failed", logx.String("remote", clientAddr(r)), logx.Err(err))
				return
			}
		}
	}
}
