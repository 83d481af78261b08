package app

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"slices"
	"testing"
	"time"

	"github.com/balti-ai/balti-voice/internal/config"
	audiomock "github.com/balti-ai/balti-voice/pkg/audio/mock"
)

func newTestApp(t *testing.T, cfg *config.Config) *App {
	t.Helper()

	devices := &stubDevices{capture: audiomock.NewCapture(16), playback: audiomock.NewPlayback()}
	a, err := New(context.Background(), cfg, Options{Devices: devices})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = a.Shutdown(ctx)
	})
	return a
}

func TestRegisterBuiltinGateways(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	RegisterBuiltinGateways(reg)

	names := reg.Names()
	for _, want := range []string{"gemini-live", "openai-cascade", "mock"} {
		if !slices.Contains(names, want) {
			t.Errorf("gateway %q not registered; have %v", want, names)
		}
	}

	client, err := reg.CreateGateway(config.GatewayConfig{Name: "mock"})
	if err != nil {
		t.Fatalf("CreateGateway(mock): %v", err)
	}
	if client == nil {
		t.Fatal("CreateGateway returned nil client")
	}
}

func TestControlSurfaceRoutes(t *testing.T) {
	a := newTestApp(t, mockConfig())
	ts := httptest.NewServer(a.server.Handler)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/healthz status = %d", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/readyz status = %d", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/v1/status")
	if err != nil {
		t.Fatalf("GET /v1/status: %v", err)
	}
	defer resp.Body.Close()
	var body struct {
		Running bool `json:"running"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if body.Running {
		t.Error("fresh app reports a running session")
	}
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	a := newTestApp(t, mockConfig())
	ts := httptest.NewServer(a.server.Handler)
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/v1/session/start", "application/json", nil)
	if err != nil {
		t.Fatalf("POST start: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start status = %d", resp.StatusCode)
	}
	if !a.Sessions().Running() {
		t.Fatal("session not running after start")
	}

	resp, err = http.Post(ts.URL+"/v1/session/stop", "application/json", nil)
	if err != nil {
		t.Fatalf("POST stop: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stop status = %d", resp.StatusCode)
	}
	if a.Sessions().Running() {
		t.Error("session still running after stop")
	}
}

func TestReadyzFailsForUnknownGateway(t *testing.T) {
	cfg := &config.Config{Gateway: config.GatewayConfig{Name: "no-such-gateway"}}
	a := newTestApp(t, cfg)
	ts := httptest.NewServer(a.server.Handler)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("/readyz status = %d, want %d", resp.StatusCode, http.StatusServiceUnavailable)
	}
}

func TestApplyReloadLogLevel(t *testing.T) {
	t.Parallel()

	level := &slog.LevelVar{}
	a := &App{cfg: mockConfig(), level: level, log: slog.Default()}

	old := mockConfig()
	next := mockConfig()
	next.Server.LogLevel = config.LogDebug
	a.applyReload(old, next)

	if level.Level() != slog.LevelDebug {
		t.Errorf("level = %v, want debug", level.Level())
	}
}

func TestApplyReloadAssistant(t *testing.T) {
	t.Parallel()

	a := &App{cfg: mockConfig(), log: slog.Default()}

	old := mockConfig()
	next := mockConfig()
	next.Assistant.Tone = "formal"
	a.applyReload(old, next)

	if a.cfg.Assistant.Tone != "formal" {
		t.Errorf("assistant tone not applied: %q", a.cfg.Assistant.Tone)
	}
}

func TestRunServesAndShutsDown(t *testing.T) {
	cfg := mockConfig()
	cfg.Server.ListenAddr = "127.0.0.1:0"
	a := newTestApp(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("Run = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
