package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nerrad567/domuslink/internal/history"
	"github.com/nerrad567/domuslink/internal/infrastructure/config"
	"github.com/nerrad567/domuslink/internal/infrastructure/logging"
	"github.com/nerrad567/domuslink/internal/state"
)

// TestRun_InvalidConfig verifies run fails with invalid config path.
func TestRun_InvalidConfig(t *testing.T) {
	originalEnv := os.Getenv("DOMUSLINK_CONFIG")
	defer os.Setenv("DOMUSLINK_CONFIG", originalEnv)

	os.Setenv("DOMUSLINK_CONFIG", "/nonexistent/path/config.yaml")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := run(ctx)
	if err == nil {
		t.Fatal("run() should fail with invalid config path")
	}
}

// TestRun_MissingControllerHost verifies run fails validation when the
// controller host is absent.
func TestRun_MissingControllerHost(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "test-config.yaml")

	configContent := `
controller:
  host: ""
  username: "gateway"
  password: "secret"

database:
  path: "` + filepath.Join(tmpDir, "test.db") + `"
  wal_mode: true
  busy_timeout: 5

mqtt:
  enabled: false

influxdb:
  enabled: false

logging:
  level: info
  format: text
  output: stdout
`
	if err := os.WriteFile(configPath, []byte(configContent), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	originalEnv := os.Getenv("DOMUSLINK_CONFIG")
	defer os.Setenv("DOMUSLINK_CONFIG", originalEnv)
	os.Setenv("DOMUSLINK_CONFIG", configPath)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := run(ctx)
	if err == nil {
		t.Fatal("run() should fail with empty controller host")
	}
}

// TestGetConfigPath_Default verifies default config path.
func TestGetConfigPath_Default(t *testing.T) {
	originalEnv := os.Getenv("DOMUSLINK_CONFIG")
	defer os.Setenv("DOMUSLINK_CONFIG", originalEnv)

	os.Unsetenv("DOMUSLINK_CONFIG")

	path := getConfigPath()
	if path != defaultConfigPath {
		t.Errorf("getConfigPath() = %q, want %q", path, defaultConfigPath)
	}
}

// TestGetConfigPath_EnvOverride verifies environment variable override.
func TestGetConfigPath_EnvOverride(t *testing.T) {
	originalEnv := os.Getenv("DOMUSLINK_CONFIG")
	defer os.Setenv("DOMUSLINK_CONFIG", originalEnv)

	expected := "/custom/path/config.yaml"
	os.Setenv("DOMUSLINK_CONFIG", expected)

	path := getConfigPath()
	if path != expected {
		t.Errorf("getConfigPath() = %q, want %q", path, expected)
	}
}

// TestControllerURLs verifies both channel endpoints derive from one host.
func TestControllerURLs(t *testing.T) {
	tests := []struct {
		name       string
		host       string
		tls        bool
		wantBase   string
		wantStream string
	}{
		{
			name:       "tls enabled",
			host:       "ctrl.local:443",
			tls:        true,
			wantBase:   "https://ctrl.local:443",
			wantStream: "wss://ctrl.local:443/api/v1/stream",
		},
		{
			name:       "plaintext",
			host:       "192.168.1.10:8080",
			tls:        false,
			wantBase:   "http://192.168.1.10:8080",
			wantStream: "ws://192.168.1.10:8080/api/v1/stream",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			base, stream := controllerURLs(config.ControllerConfig{Host: tt.host, TLS: tt.tls})
			if base != tt.wantBase {
				t.Errorf("baseURL = %q, want %q", base, tt.wantBase)
			}
			if stream != tt.wantStream {
				t.Errorf("streamURL = %q, want %q", stream, tt.wantStream)
			}
		})
	}
}

// TestAsFloat verifies numeric field narrowing for metric writes.
func TestAsFloat(t *testing.T) {
	tests := []struct {
		name   string
		value  any
		want   float64
		wantOK bool
	}{
		{"float64", 42.5, 42.5, true},
		{"float32", float32(1.5), 1.5, true},
		{"int", 7, 7, true},
		{"int64", int64(9), 9, true},
		{"string", "on", 0, false},
		{"bool", true, 0, false},
		{"nil", nil, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := asFloat(tt.value)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("asFloat(%v) = (%v, %v), want (%v, %v)", tt.value, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestHistorySource(t *testing.T) {
	tests := []struct {
		source state.ChangeSource
		want   string
	}{
		{state.SourcePush, history.SourcePush},
		{state.SourcePoll, history.SourcePoll},
		{state.SourceCorrelation, history.SourceCorrelation},
	}

	for _, tt := range tests {
		if got := historySource(tt.source); got != tt.want {
			t.Errorf("historySource(%q) = %q, want %q", tt.source, got, tt.want)
		}
	}
}

// TestRunHistoryPrune_ZeroRetentionReturns verifies a zero retention
// disables the pruning loop instead of deleting the whole trail.
func TestRunHistoryPrune_ZeroRetentionReturns(t *testing.T) {
	done := make(chan struct{})
	go func() {
		runHistoryPrune(context.Background(), 0, nil, logging.Default())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("runHistoryPrune did not return with zero retention")
	}
}
