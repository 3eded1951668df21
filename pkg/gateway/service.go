package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"cargochats/pkg/config"
	"cargochats/pkg/supervisor"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

const (
	defaultHealthHost = "0.0.0.0"
	defaultHealthPort = 18790

	replyHealthInterval = 30 * time.Second
	shutdownTimeout     = 5 * time.Second
)

// Supervisor is the part of supervisor.Supervisor the gateway drives.
type Supervisor interface {
	Run(ctx context.Context) error
	Status() supervisor.Status
	Ready() bool
}

// HealthChecker probes the reply backend.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Service runs the supervisor next to an HTTP status server.
type Service struct {
	cfg        *config.Config
	log        *slog.Logger
	supervisor Supervisor
	replies    HealthChecker

	mu            sync.RWMutex
	startedAt     time.Time
	replyLastOKAt time.Time
	replyLastErr  string
}

// StatusResponse is the JSON body of every status endpoint.
type StatusResponse struct {
	Status            string             `json:"status"`
	UptimeSeconds     int64              `json:"uptime_seconds"`
	ReplyBackendOKAt  string             `json:"reply_backend_ok_at,omitempty"`
	ReplyBackendError string             `json:"reply_backend_error,omitempty"`
	Supervisor        *supervisor.Status `json:"supervisor,omitempty"`
}

func NewService(cfg *config.Config, sup Supervisor, replies HealthChecker, log *slog.Logger) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if sup == nil {
		return nil, errors.New("supervisor is required")
	}
	if log == nil {
		log = slog.Default()
	}

	return &Service{
		cfg:        cfg,
		log:        log.With("component", "gateway.service"),
		supervisor: sup,
		replies:    replies,
	}, nil
}

// Addr is the status server's listen address.
func (s *Service) Addr() string {
	host := strings.TrimSpace(s.cfg.Gateway.Host)
	if host == "" {
		host = defaultHealthHost
	}

	port := s.cfg.Gateway.Port
	if port <= 0 {
		port = defaultHealthPort
	}

	return net.JoinHostPort(host, strconv.Itoa(port))
}

// Run serves status until ctx is cancelled or either half fails. The
// supervisor stops all runtimes before Run returns.
func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	s.startedAt = time.Now().UTC()
	s.mu.Unlock()

	listener, err := net.Listen("tcp", s.Addr())
	if err != nil {
		return fmt.Errorf("start status server: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.serve(gctx, listener)
	})
	g.Go(func() error {
		return s.supervisor.Run(gctx)
	})
	g.Go(func() error {
		s.watchReplyBackend(gctx)
		return nil
	})

	return g.Wait()
}

func (s *Service) serve(ctx context.Context, listener net.Listener) error {
	server := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.log.Info("Status server started", "address", listener.Addr().String())
	if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("status server: %w", err)
	}
	return nil
}

// Handler exposes the status endpoints.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.respond(w, http.StatusOK, s.currentStatus("ok", false))
}

func (s *Service) handleReady(w http.ResponseWriter, _ *http.Request) {
	statusCode := http.StatusOK
	status := "ready"
	if !s.isReady() {
		statusCode = http.StatusServiceUnavailable
		status = "not_ready"
	}

	s.respond(w, statusCode, s.currentStatus(status, false))
}

func (s *Service) handleStatus(w http.ResponseWriter, _ *http.Request) {
	status := "ready"
	if !s.isReady() {
		status = "not_ready"
	}
	s.respond(w, http.StatusOK, s.currentStatus(status, true))
}

func (s *Service) respond(w http.ResponseWriter, statusCode int, payload StatusResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Error("Failed to write status response", "error", err)
	}
}

func (s *Service) currentStatus(status string, detailed bool) StatusResponse {
	s.mu.RLock()
	uptime := int64(0)
	if !s.startedAt.IsZero() {
		uptime = int64(time.Since(s.startedAt).Seconds())
	}
	lastOK := ""
	if !s.replyLastOKAt.IsZero() {
		lastOK = s.replyLastOKAt.Format(time.RFC3339)
	}
	resp := StatusResponse{
		Status:            status,
		UptimeSeconds:     uptime,
		ReplyBackendOKAt:  lastOK,
		ReplyBackendError: s.replyLastErr,
	}
	s.mu.RUnlock()

	if detailed {
		supStatus := s.supervisor.Status()
		resp.Supervisor = &supStatus
	}
	return resp
}

// isReady requires a recent successful fetch and no failing reply backend.
func (s *Service) isReady() bool {
	if !s.supervisor.Ready() {
		return false
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.replyLastErr == ""
}

func (s *Service) watchReplyBackend(ctx context.Context) {
	if s.replies == nil {
		return
	}

	s.checkReplyBackend(ctx)

	ticker := time.NewTicker(replyHealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checkReplyBackend(ctx)
		}
	}
}

func (s *Service) checkReplyBackend(ctx context.Context) {
	err := s.replies.Health(ctx)
	if errors.Is(err, errors.ErrUnsupported) || ctx.Err() != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		if s.replyLastErr == "" {
			s.log.Warn("Reply backend health check failed", "error", err)
		}
		s.replyLastErr = err.Error()
		return
	}
	if s.replyLastErr != "" {
		s.log.Info("Reply backend recovered")
	}
	s.replyLastErr = ""
	s.replyLastOKAt = time.Now().UTC()
}
