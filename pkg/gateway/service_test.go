package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"cargochats/pkg/config"
	"cargochats/pkg/supervisor"
)

type stubSupervisor struct {
	mu     sync.Mutex
	ready  bool
	status supervisor.Status
}

func (s *stubSupervisor) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (s *stubSupervisor) Status() supervisor.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *stubSupervisor) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

type stubHealth struct{ err error }

func (h stubHealth) Health(context.Context) error { return h.err }

func newStubService(t *testing.T, sup *stubSupervisor, replies HealthChecker) *Service {
	t.Helper()

	svc, err := NewService(&config.Config{}, sup, replies, nil)
	if err != nil {
		t.Fatalf("NewService error: %v", err)
	}
	return svc
}

func TestNewServiceValidatesInputs(t *testing.T) {
	t.Parallel()

	if _, err := NewService(nil, &stubSupervisor{}, nil, nil); err == nil {
		t.Fatal("expected error without config")
	}
	if _, err := NewService(&config.Config{}, nil, nil, nil); err == nil {
		t.Fatal("expected error without supervisor")
	}
}

func TestAddrDefaults(t *testing.T) {
	t.Parallel()

	svc := newStubService(t, &stubSupervisor{}, nil)
	if got := svc.Addr(); got != "0.0.0.0:18790" {
		t.Fatalf("Addr() = %q", got)
	}

	svc.cfg = &config.Config{Gateway: config.GatewayConfig{Host: "127.0.0.1", Port: 9000}}
	if got := svc.Addr(); got != "127.0.0.1:9000" {
		t.Fatalf("Addr() = %q", got)
	}
}

func TestIsReady(t *testing.T) {
	t.Parallel()

	sup := &stubSupervisor{}
	svc := newStubService(t, sup, nil)
	if svc.isReady() {
		t.Fatal("expected not ready before a successful fetch")
	}

	sup.ready = true
	if !svc.isReady() {
		t.Fatal("expected ready once the supervisor is ready")
	}

	svc.replyLastErr = "boom"
	if svc.isReady() {
		t.Fatal("expected not ready when the reply backend is failing")
	}
}

func TestCheckReplyBackend(t *testing.T) {
	t.Parallel()

	svc := newStubService(t, &stubSupervisor{ready: true}, stubHealth{err: errors.New("401 unauthorized")})
	svc.checkReplyBackend(context.Background())
	if svc.replyLastErr == "" {
		t.Fatal("expected reply backend error to be recorded")
	}

	svc.replies = stubHealth{}
	svc.checkReplyBackend(context.Background())
	if svc.replyLastErr != "" || svc.replyLastOKAt.IsZero() {
		t.Fatalf("expected recovery, got err=%q okAt=%v", svc.replyLastErr, svc.replyLastOKAt)
	}

	svc.replies = stubHealth{err: errors.ErrUnsupported}
	svc.checkReplyBackend(context.Background())
	if svc.replyLastErr != "" {
		t.Fatal("unsupported health checks must not mark the backend failing")
	}
}

func TestHandlerEndpoints(t *testing.T) {
	t.Parallel()

	sup := &stubSupervisor{
		status: supervisor.Status{
			Interval: "5s",
			Runtimes: []supervisor.RuntimeStatus{{AccountID: 7, State: "running"}},
		},
	}
	svc := newStubService(t, sup, nil)
	handler := svc.Handler()

	tests := []struct {
		path     string
		ready    bool
		wantCode int
		wantBody string
	}{
		{path: "/healthz", wantCode: http.StatusOK, wantBody: `"status":"ok"`},
		{path: "/readyz", wantCode: http.StatusServiceUnavailable, wantBody: `"status":"not_ready"`},
		{path: "/readyz", ready: true, wantCode: http.StatusOK, wantBody: `"status":"ready"`},
		{path: "/status", ready: true, wantCode: http.StatusOK, wantBody: `"account_id":7`},
		{path: "/metrics", wantCode: http.StatusOK, wantBody: "go_goroutines"},
	}

	for _, tt := range tests {
		sup.mu.Lock()
		sup.ready = tt.ready
		sup.mu.Unlock()

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))

		if rec.Code != tt.wantCode {
			t.Fatalf("%s: status = %d, want %d", tt.path, rec.Code, tt.wantCode)
		}
		if !strings.Contains(rec.Body.String(), tt.wantBody) {
			t.Fatalf("%s: body %q does not contain %q", tt.path, rec.Body.String(), tt.wantBody)
		}
	}
}

func TestStatusOmitsSupervisorOnProbes(t *testing.T) {
	t.Parallel()

	svc := newStubService(t, &stubSupervisor{ready: true}, nil)
	rec := httptest.NewRecorder()
	svc.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := payload["supervisor"]; ok {
		t.Fatalf("healthz payload should not include supervisor detail: %v", payload)
	}
}
