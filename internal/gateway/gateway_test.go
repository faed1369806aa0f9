// ABOUTME: Tests for Gateway construction, lifecycle and health endpoints
// ABOUTME: Uses real listeners, a temp SQLite database and the echo provider

package gateway

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-chat/internal/completion"
	"github.com/2389/coven-chat/internal/config"
)

const testSigningSecret = "media-signing-secret-for-tests!!"

// testConfig creates a complete config for testing with an available port.
func testConfig(t *testing.T) *config.Config {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	httpAddr := ln.Addr().String()
	ln.Close()

	dir := t.TempDir()
	return &config.Config{
		Server:   config.ServerConfig{HTTPAddr: httpAddr},
		Database: config.DatabaseConfig{Driver: config.DriverModernc, Path: filepath.Join(dir, "chat.db")},
		Auth:     config.AuthConfig{DefaultUser: "tester@example.com"},
		Media: config.MediaConfig{
			Dir:            filepath.Join(dir, "media"),
			BaseURL:        "http://chat.test",
			MaxUploadBytes: 1 << 20,
			SigningSecret:  testSigningSecret,
			URLTTL:         time.Hour,
		},
		Provider: config.ProviderConfig{Kind: config.ProviderScripted},
		Conversation: config.ConversationConfig{
			UploadConcurrency: 2,
			IdempotencyTTL:    time.Minute,
		},
	}
}

// testLogger creates a silent logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestGatewayWithConfig(t *testing.T, cfg *config.Config, opts ...Option) *Gateway {
	t.Helper()
	gw, err := New(cfg, testLogger(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = gw.Shutdown(context.Background()) })
	return gw
}

func newTestGateway(t *testing.T, opts ...Option) *Gateway {
	t.Helper()
	return newTestGatewayWithConfig(t, testConfig(t), opts...)
}

func TestNew_RequiresMediaDir(t *testing.T) {
	cfg := testConfig(t)
	cfg.Media.Dir = ""

	_, err := New(cfg, testLogger())
	assert.ErrorContains(t, err, "media.dir")
}

func TestNew_WeakJWTSecret(t *testing.T) {
	cfg := testConfig(t)
	cfg.Auth.JWTSecret = "short"

	_, err := New(cfg, testLogger())
	assert.ErrorContains(t, err, "JWT verifier")
}

func TestNew_EphemeralSigningSecret(t *testing.T) {
	cfg := testConfig(t)
	cfg.Media.SigningSecret = ""

	gw := newTestGatewayWithConfig(t, cfg)
	assert.NotNil(t, gw.uploader)
}

func TestHealthEndpoints(t *testing.T) {
	gw := newTestGateway(t)

	rec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())

	rec = httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ready (Echo)", rec.Body.String())
}

func TestReady_DatabaseClosed(t *testing.T) {
	gw := newTestGateway(t)
	require.NoError(t, gw.store.Close())

	rec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestGateway_RunAndShutdown(t *testing.T) {
	cfg := testConfig(t)
	gw, err := New(cfg, testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- gw.Run(ctx) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + cfg.Server.HTTPAddr + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestGateway_RunListenError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	cfg := testConfig(t)
	cfg.Server.HTTPAddr = ln.Addr().String()
	gw := newTestGatewayWithConfig(t, cfg)

	err = gw.Run(context.Background())
	assert.ErrorContains(t, err, "listening on HTTP address")
}

func TestNewProvider(t *testing.T) {
	tests := []struct {
		kind     string
		wantName string
		wantErr  bool
	}{
		{kind: config.ProviderOpenAI, wantName: "OpenAI"},
		{kind: config.ProviderAnthropic, wantName: "Anthropic"},
		{kind: config.ProviderScripted, wantName: "Echo"},
		{kind: "", wantName: "Echo"},
		{kind: "llama", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			p, err := NewProvider(config.ProviderConfig{Kind: tt.kind, APIKey: "test-key"})
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantName, p.Name())
		})
	}
}

func TestNewProvider_Label(t *testing.T) {
	p, err := NewProvider(config.ProviderConfig{Kind: config.ProviderOpenAI, APIKey: "k", Label: "Azure"})
	require.NoError(t, err)
	assert.Equal(t, "Azure", p.Name())
}

func TestWithProvider(t *testing.T) {
	scripted := completion.NewScripted(completion.Fragment{Text: "hi"})
	gw := newTestGateway(t, WithProvider(scripted))
	assert.Same(t, scripted, gw.provider)
}
