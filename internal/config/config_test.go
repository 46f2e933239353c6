package config

import (
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"
)

// clearEnv unsets every CALLBRIDGE_ variable for the duration of the test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, kv := range os.Environ() {
		name, _, _ := strings.Cut(kv, "=")
		if strings.HasPrefix(name, envPrefix) {
			t.Setenv(name, "")
			os.Unsetenv(name)
		}
	}
}

func TestDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.DataDir != defaultDataDir {
		t.Errorf("DataDir = %q, want %q", cfg.DataDir, defaultDataDir)
	}
	if cfg.HTTPPort != defaultHTTPPort {
		t.Errorf("HTTPPort = %d, want %d", cfg.HTTPPort, defaultHTTPPort)
	}
	if cfg.SIPPort != defaultSIPPort {
		t.Errorf("SIPPort = %d, want %d", cfg.SIPPort, defaultSIPPort)
	}
	if cfg.RTPPort != defaultRTPPort {
		t.Errorf("RTPPort = %d, want %d", cfg.RTPPort, defaultRTPPort)
	}
	if cfg.AcceptTimeout != 10*time.Second || cfg.ReportTimeout != 20*time.Second {
		t.Errorf("timeouts = %s/%s, want 10s/20s", cfg.AcceptTimeout, cfg.ReportTimeout)
	}
	if cfg.DevicePushPlatform != "apns" {
		t.Errorf("DevicePushPlatform = %q, want apns", cfg.DevicePushPlatform)
	}
	if cfg.LogLevel != defaultLogLevel {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, defaultLogLevel)
	}
	if cfg.UsePostgres() {
		t.Error("UsePostgres() = true with no database-url")
	}
	if cfg.DoNotDisturb {
		t.Error("DoNotDisturb = true by default")
	}
}

func TestEnvVarOverride(t *testing.T) {
	clearEnv(t)
	t.Setenv("CALLBRIDGE_HTTP_PORT", "9090")
	t.Setenv("CALLBRIDGE_DATA_DIR", "/tmp/callbridge-test")
	t.Setenv("CALLBRIDGE_LOG_LEVEL", "debug")
	t.Setenv("CALLBRIDGE_REPORT_TIMEOUT", "30s")
	t.Setenv("CALLBRIDGE_DO_NOT_DISTURB", "true")
	t.Setenv("CALLBRIDGE_SIP_ALLOW", "10.0.0.0/8, 192.0.2.7")

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.HTTPPort != 9090 {
		t.Errorf("HTTPPort = %d, want 9090", cfg.HTTPPort)
	}
	if cfg.DataDir != "/tmp/callbridge-test" {
		t.Errorf("DataDir = %q, want /tmp/callbridge-test", cfg.DataDir)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
	if cfg.ReportTimeout != 30*time.Second {
		t.Errorf("ReportTimeout = %s, want 30s", cfg.ReportTimeout)
	}
	if !cfg.DoNotDisturb {
		t.Error("DoNotDisturb = false, want true")
	}
	peers := cfg.AllowedPeers()
	if len(peers) != 2 || peers[0] != "10.0.0.0/8" || peers[1] != "192.0.2.7" {
		t.Errorf("AllowedPeers() = %v", peers)
	}
}

func TestInvalidEnvValue(t *testing.T) {
	clearEnv(t)
	t.Setenv("CALLBRIDGE_SIP_PORT", "five")
	if _, err := Load(nil); err == nil {
		t.Fatal("expected error for non-numeric CALLBRIDGE_SIP_PORT")
	}
}

func TestCLIFlagsPrecedence(t *testing.T) {
	clearEnv(t)
	t.Setenv("CALLBRIDGE_HTTP_PORT", "9090")
	t.Setenv("CALLBRIDGE_LOG_LEVEL", "debug")

	cfg, err := Load([]string{"--http-port", "3000", "--log-level", "warn"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.HTTPPort != 3000 {
		t.Errorf("HTTPPort = %d, want 3000 (CLI should override env)", cfg.HTTPPort)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %q, want warn (CLI should override env)", cfg.LogLevel)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"http port out of range", []string{"--http-port", "99999"}},
		{"odd rtp port", []string{"--rtp-port", "10001"}},
		{"log level", []string{"--log-level", "verbose"}},
		{"log format", []string{"--log-format", "xml"}},
		{"zero accept timeout", []string{"--accept-timeout", "0s"}},
		{"accept after report", []string{"--accept-timeout", "30s", "--report-timeout", "20s"}},
		{"push platform", []string{"--device-push-platform", "sms"}},
		{"database url", []string{"--database-url", "mysql://db"}},
		{"login without hash", []string{"--app-username", "phone"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			if _, err := Load(tt.args); err == nil {
				t.Fatalf("Load(%v) succeeded, want error", tt.args)
			}
		})
	}
}

func TestDatabaseSelection(t *testing.T) {
	clearEnv(t)
	cfg, err := Load([]string{"--database-url", "postgres://cb@localhost/cb"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cfg.UsePostgres() {
		t.Error("UsePostgres() = false for postgres:// URL")
	}
}

func TestEnvName(t *testing.T) {
	if got := EnvName("device-push-token"); got != "CALLBRIDGE_DEVICE_PUSH_TOKEN" {
		t.Errorf("EnvName() = %q", got)
	}
}

func TestJWTSecretBytes(t *testing.T) {
	cfg := &Config{}
	key, err := cfg.JWTSecretBytes()
	if err != nil {
		t.Fatalf("generating secret: %v", err)
	}
	if len(key) != 32 || len(cfg.JWTSecret) != 64 {
		t.Errorf("generated key len %d, hex len %d", len(key), len(cfg.JWTSecret))
	}

	again, err := cfg.JWTSecretBytes()
	if err != nil || string(again) != string(key) {
		t.Errorf("second call returned a different key (err %v)", err)
	}

	bad := &Config{JWTSecret: "abcd"}
	if _, err := bad.JWTSecretBytes(); err == nil {
		t.Error("expected error for short secret")
	}
}

func TestSlogLevel(t *testing.T) {
	tests := []struct {
		level string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			cfg := &Config{LogLevel: tt.level}
			if got := cfg.SlogLevel(); got != tt.want {
				t.Errorf("SlogLevel() = %v, want %v", got, tt.want)
			}
		})
	}
}
