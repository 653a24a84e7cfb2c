package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/NikosSpanos/health-monitoring-app/internal/frontend"
	"github.com/NikosSpanos/health-monitoring-app/internal/kpi"
	"github.com/NikosSpanos/health-monitoring-app/internal/metrics"
	"github.com/NikosSpanos/health-monitoring-app/internal/render"
)

// Upstream reports the state of the KPI channel connection.
type Upstream interface {
	Connected() bool
}

// Options configures a Server.
type Options struct {
	Title          string
	AllowedOrigins []string
	AuthToken      string
}

type Server struct {
	opts           Options
	container      *render.Container
	broadcaster    *Broadcaster
	snapshot       func() []kpi.DeviceKPI
	upstream       Upstream
	metrics        *metrics.Metrics
	log            *slog.Logger
	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
}

// NewServer builds the dashboard HTTP server. snapshot returns the last
// decoded KPI snapshot; upstream may be nil (mock mode).
func NewServer(opts Options, container *render.Container, broadcaster *Broadcaster, snapshot func() []kpi.DeviceKPI, upstream Upstream, m *metrics.Metrics, log *slog.Logger) *Server {
	if opts.Title == "" {
		opts.Title = "Heart rate KPIs"
	}
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		opts:           opts,
		container:      container,
		broadcaster:    broadcaster,
		snapshot:       snapshot,
		upstream:       upstream,
		metrics:        m,
		log:            log.With("component", "server"),
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
	}

	for _, origin := range opts.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}

	return s
}

// Router returns the dashboard routes.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/", s.handleIndex).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.handleWS).Methods(http.MethodGet)
	r.HandleFunc("/api/kpis", s.handleKPIs).Methods(http.MethodGet)
	r.HandleFunc("/api/container", s.handleContainer).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	}
	r.PathPrefix("/static/").Handler(http.StripPrefix("/static/", frontend.Handler()))
	return r
}

// Handler is the router wrapped with panic recovery and security headers.
func (s *Server) Handler() http.Handler {
	return securityHeaders(handlers.RecoveryHandler(handlers.PrintRecoveryStack(true))(s.Router()))
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	st := s.container.State()
	var buf bytes.Buffer
	err := frontend.Page.Execute(&buf, frontend.PageData{
		Title:       s.opts.Title,
		ContainerID: st.ID,
		HTML:        st.HTML,
		Stale:       st.Stale,
		Note:        st.Note,
		Version:     st.Version,
	})
	if err != nil {
		s.log.Error("rendering page", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(buf.Bytes())
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("ws upgrade error", "error", err)
		return
	}

	c, err := s.broadcaster.AddClient(conn)
	if err != nil {
		s.log.Warn("rejecting ws client", "remote", r.RemoteAddr, "error", err)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()),
			time.Now().Add(time.Second))
		conn.Close()
		return
	}
	s.log.Info("dashboard client connected", "remote", r.RemoteAddr)

	go func() {
		defer func() {
			s.broadcaster.RemoveClient(c)
			s.log.Info("dashboard client disconnected", "remote", r.RemoteAddr)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) handleKPIs(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	devices := []kpi.DeviceKPI{}
	if s.snapshot != nil {
		if snap := s.snapshot(); snap != nil {
			devices = snap
		}
	}
	writeJSON(w, devices)
}

func (s *Server) handleContainer(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	writeJSON(w, s.container.State())
}

type healthResponse struct {
	Status            string `json:"status"`
	UpstreamConnected *bool  `json:"upstreamConnected,omitempty"`
	BrowserClients    int    `json:"browserClients"`
	ContainerVersion  uint64 `json:"containerVersion"`
	Stale             bool   `json:"stale"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	st := s.container.State()
	resp := healthResponse{
		Status:           "ok",
		BrowserClients:   s.broadcaster.ClientCount(),
		ContainerVersion: st.Version,
		Stale:            st.Stale,
	}
	if s.upstream != nil {
		connected := s.upstream.Connected()
		resp.UpstreamConnected = &connected
		if !connected {
			resp.Status = "degraded"
		}
	}
	writeJSON(w, resp)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (s *Server) authorize(r *http.Request) bool {
	if s.opts.AuthToken == "" {
		return true
	}

	if r.URL.Query().Get("token") == s.opts.AuthToken {
		return true
	}

	if r.Header.Get("X-Kpiboard-Token") == s.opts.AuthToken {
		return true
	}

	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == s.opts.AuthToken {
		return true
	}

	return false
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if len(s.allowedOrigins) > 0 {
		if s.allowedOrigins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return s.allowedHosts[parsed.Host]
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}

	host := parsed.Host
	if host == "" {
		return false
	}

	if host == r.Host {
		return true
	}

	hostname := parsed.Hostname()
	return hostname == "localhost" || hostname == "127.0.0.1" || hostname == "::1"
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-XSS-Protection", "1; mode=block")
		h.Set("Content-Security-Policy", "default-src 'self'")
		next.ServeHTTP(w, r)
	})
}

// ListenAndServe serves h until ctx is cancelled, then shuts down
// gracefully. Requests are access-logged to accessLog when it is non-nil.
func ListenAndServe(ctx context.Context, host string, port int, h http.Handler, accessLog io.Writer, log *slog.Logger) error {
	if accessLog != nil {
		h = handlers.LoggingHandler(accessLog, h)
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("listen on %s: %w", addr, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
