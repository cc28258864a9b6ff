// Package pushlistener answers the hub's virtual-remote prober on the Roku ECP
// port and turns pushed key presses into host events.
package pushlistener

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/PetoAdam/homenavi/harmony-adapter/internal/hdp"
	"github.com/PetoAdam/homenavi/harmony-adapter/internal/observability"
)

const (
	DefaultPort = "8060"

	serverHeader = "Roku UPnP/1.0 MiniUPnPd/1.4"
	pageBody     = "<html><head><title>Harmony virtual remote</title></head><body><h1>Harmony virtual remote</h1></body></html>\n"

	eventPrefix = "harmony."
)

type EventPublisher interface {
	PublishEvent(ctx context.Context, deviceID, name string, data map[string]any) error
}

type Listener struct {
	events EventPublisher
	srv    *http.Server
}

func New(events EventPublisher, port string) *Listener {
	if port == "" {
		port = DefaultPort
	}
	l := &Listener{events: events}
	l.srv = &http.Server{
		Addr:              ":" + port,
		Handler:           l.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return l
}

func (l *Listener) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(disguise)
	r.Get("/*", l.handleProbe)
	r.Head("/*", l.handleProbe)
	r.Post("/*", l.handleKey)
	return r
}

func disguise(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Server", serverHeader)
		h.Set("Connection", "close")
		h.Set("Date", time.Now().UTC().Format(http.TimeFormat))
		next.ServeHTTP(w, r)
	})
}

func (l *Listener) handleProbe(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodGet {
		_, _ = w.Write([]byte(pageBody))
	}
}

func (l *Listener) handleKey(w http.ResponseWriter, r *http.Request) {
	defer w.WriteHeader(http.StatusOK)
	topic, key, ok := ParseKeyPath(r.URL.Path)
	if !ok {
		slog.Debug("push listener ignored path", "path", r.URL.Path)
		return
	}
	name := eventPrefix + topic
	observability.PushEvents.WithLabelValues(topic).Inc()
	if err := l.events.PublishEvent(r.Context(), hdp.RemoteDeviceID, name, map[string]any{"key": key}); err != nil {
		slog.Warn("push event publish failed", "event", name, "key", key, "error", err)
		return
	}
	slog.Debug("push event", "event", name, "key", key)
}

// ParseKeyPath accepts exactly "/<topic>/<key>".
func ParseKeyPath(path string) (topic, key string, ok bool) {
	parts := strings.Split(path, "/")
	if len(parts) != 3 || parts[1] == "" || parts[2] == "" {
		return "", "", false
	}
	return parts[1], parts[2], true
}

// Start binds the port and serves in the background until Shutdown.
func (l *Listener) Start() error {
	ln, err := net.Listen("tcp", l.srv.Addr)
	if err != nil {
		return err
	}
	go func() {
		if err := l.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("push listener error", "error", err)
		}
	}()
	slog.Info("push listener started", "addr", ln.Addr().String())
	return nil
}

func (l *Listener) Shutdown(ctx context.Context) error {
	return l.srv.Shutdown(ctx)
}
