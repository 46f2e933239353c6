package config

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration for the callbridge server.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	DataDir    string
	HTTPPort   int
	SIPPort    int
	RTPPort    int    // media port advertised in SDP
	ExternalIP string // address advertised in Contact, Via and SDP
	SIPAllow   string // comma-separated IPs/CIDRs allowed to send INVITE

	// Identity and digest credentials for outgoing calls.
	SIPUser     string
	SIPDomain   string
	SIPPassword string
	SIPAuthUser string

	LogLevel  string
	LogFormat string // log output format: "text" or "json"

	AcceptTimeout time.Duration // how long an accepted call may wait for its INVITE
	ReportTimeout time.Duration // how long a reported call may wait for its INVITE

	PushGatewayURL     string // URL of the push gateway service
	LicenseKey         string // license key shared with the push gateway
	DevicePushToken    string // fallback push token when no device has registered
	DevicePushPlatform string

	JWTSecret       string // hex-encoded 32-byte secret for device JWT signing
	AppUsername     string
	AppPasswordHash string // argon2id, see "callbridge hash-password"

	DatabaseURL string // empty selects SQLite under DataDir

	BlockList    string // comma-separated caller handles refused by the surface
	DoNotDisturb bool
}

// defaults
const (
	defaultDataDir       = "./data"
	defaultHTTPPort      = 8080
	defaultSIPPort       = 5060
	defaultRTPPort       = 10000
	defaultLogLevel      = "info"
	defaultLogFormat     = "text"
	defaultAcceptTimeout = 10 * time.Second
	defaultReportTimeout = 20 * time.Second
	defaultPushPlatform  = "apns"
)

// envPrefix is the prefix for all callbridge environment variables.
const envPrefix = "CALLBRIDGE_"

// Load parses configuration from the given CLI arguments and environment
// variables. Precedence: CLI flags > env vars > defaults.
func Load(args []string) (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("callbridge", flag.ContinueOnError)

	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for the call history database")
	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "HTTP API listen port")
	fs.IntVar(&cfg.SIPPort, "sip-port", defaultSIPPort, "SIP UDP/TCP listen port")
	fs.IntVar(&cfg.RTPPort, "rtp-port", defaultRTPPort, "media port advertised in SDP")
	fs.StringVar(&cfg.ExternalIP, "external-ip", "", "address advertised in SIP headers and SDP (auto-detected if empty)")
	fs.StringVar(&cfg.SIPAllow, "sip-allow", "", "comma-separated IPs or CIDRs allowed to send INVITE (empty allows any)")
	fs.StringVar(&cfg.SIPUser, "sip-user", "", "SIP user for outgoing calls")
	fs.StringVar(&cfg.SIPDomain, "sip-domain", "", "SIP domain for outgoing calls")
	fs.StringVar(&cfg.SIPPassword, "sip-password", "", "digest password for outgoing calls")
	fs.StringVar(&cfg.SIPAuthUser, "sip-auth-user", "", "digest username (defaults to sip-user)")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")
	fs.DurationVar(&cfg.AcceptTimeout, "accept-timeout", defaultAcceptTimeout, "how long an answered call may wait for its INVITE")
	fs.DurationVar(&cfg.ReportTimeout, "report-timeout", defaultReportTimeout, "how long a reported call may wait for its INVITE")
	fs.StringVar(&cfg.PushGatewayURL, "push-gateway-url", "", "URL of the push gateway service")
	fs.StringVar(&cfg.LicenseKey, "license-key", "", "license key shared with the push gateway")
	fs.StringVar(&cfg.DevicePushToken, "device-push-token", "", "push token used until a device registers one")
	fs.StringVar(&cfg.DevicePushPlatform, "device-push-platform", defaultPushPlatform, "platform of device-push-token (apns, fcm)")
	fs.StringVar(&cfg.JWTSecret, "jwt-secret", "", "hex-encoded 32-byte secret for device JWT signing (auto-generated if empty)")
	fs.StringVar(&cfg.AppUsername, "app-username", "", "device login username")
	fs.StringVar(&cfg.AppPasswordHash, "app-password-hash", "", "argon2id hash of the device login password")
	fs.StringVar(&cfg.DatabaseURL, "database-url", "", "postgres:// URL for call history (SQLite under data-dir if empty)")
	fs.StringVar(&cfg.BlockList, "block-list", "", "comma-separated caller handles to refuse")
	fs.BoolVar(&cfg.DoNotDisturb, "do-not-disturb", false, "refuse every incoming call")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	// Apply env var overrides for any flags not explicitly set on the command line.
	if err := applyEnvOverrides(fs); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides sets every flag not given on the command line from its
// CALLBRIDGE_ environment variable, e.g. sip-port from CALLBRIDGE_SIP_PORT.
func applyEnvOverrides(fs *flag.FlagSet) error {
	// Track which flags were explicitly set via CLI.
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	var err error
	fs.VisitAll(func(f *flag.Flag) {
		if err != nil || set[f.Name] {
			return
		}
		envVar := EnvName(f.Name)
		val, ok := os.LookupEnv(envVar)
		if !ok || val == "" {
			return
		}
		if setErr := f.Value.Set(val); setErr != nil {
			err = fmt.Errorf("parsing %s: %w", envVar, setErr)
		}
	})
	return err
}

// EnvName returns the environment variable consulted for a flag.
func EnvName(flagName string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	for _, p := range []struct {
		name string
		val  int
	}{
		{"http-port", c.HTTPPort},
		{"sip-port", c.SIPPort},
		{"rtp-port", c.RTPPort},
	} {
		if p.val < 1 || p.val > 65535 {
			return fmt.Errorf("%s must be between 1 and 65535, got %d", p.name, p.val)
		}
	}
	// RTP uses the even port, RTCP the odd one above it.
	if c.RTPPort%2 != 0 {
		return fmt.Errorf("rtp-port must be even, got %d", c.RTPPort)
	}

	if c.AcceptTimeout <= 0 {
		return fmt.Errorf("accept-timeout must be positive, got %s", c.AcceptTimeout)
	}
	if c.ReportTimeout <= 0 {
		return fmt.Errorf("report-timeout must be positive, got %s", c.ReportTimeout)
	}
	if c.AcceptTimeout > c.ReportTimeout {
		return fmt.Errorf("accept-timeout (%s) must not exceed report-timeout (%s)", c.AcceptTimeout, c.ReportTimeout)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	c.DevicePushPlatform = strings.ToLower(c.DevicePushPlatform)
	if c.DevicePushPlatform != "apns" && c.DevicePushPlatform != "fcm" {
		return fmt.Errorf("device-push-platform must be apns or fcm; got %q", c.DevicePushPlatform)
	}

	if c.DatabaseURL != "" && !c.UsePostgres() {
		return fmt.Errorf("database-url must be a postgres:// or postgresql:// URL")
	}

	// Device login needs both halves.
	if (c.AppUsername == "") != (c.AppPasswordHash == "") {
		return fmt.Errorf("app-username and app-password-hash must both be provided or both be omitted")
	}

	return nil
}

// UsePostgres reports whether call history goes to PostgreSQL.
func (c *Config) UsePostgres() bool {
	return strings.HasPrefix(c.DatabaseURL, "postgres://") || strings.HasPrefix(c.DatabaseURL, "postgresql://")
}

// AllowedPeers returns the parsed sip-allow list.
func (c *Config) AllowedPeers() []string {
	return splitList(c.SIPAllow)
}

// BlockedHandles returns the parsed block-list.
func (c *Config) BlockedHandles() []string {
	return splitList(c.BlockList)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// JWTSecretBytes returns the decoded 32-byte JWT signing secret.
// If no secret is configured, it generates a random 32-byte key and stores
// the hex-encoded value back in the config for the process lifetime.
func (c *Config) JWTSecretBytes() ([]byte, error) {
	if c.JWTSecret == "" {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generating jwt secret: %w", err)
		}
		c.JWTSecret = hex.EncodeToString(key)
		slog.Warn("no jwt-secret configured, generated ephemeral key (tokens will not survive restart)")
		return key, nil
	}
	key, err := hex.DecodeString(c.JWTSecret)
	if err != nil {
		return nil, fmt.Errorf("decoding jwt secret: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("jwt secret must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

// MediaIP returns the IP address to advertise in SIP headers and SDP.
// If ExternalIP is configured, it is returned directly. Otherwise the
// function attempts to detect the machine's primary non-loopback IPv4 address.
// Falls back to "127.0.0.1" if detection fails.
func (c *Config) MediaIP() string {
	if c.ExternalIP != "" {
		return c.ExternalIP
	}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, addr := range addrs {
		if ipNet, ok := addr.(*net.IPNet); ok && !ipNet.IP.IsLoopback() {
			if ipNet.IP.To4() != nil {
				return ipNet.IP.String()
			}
		}
	}
	return "127.0.0.1"
}

// HTTPAddr is the API listen address.
func (c *Config) HTTPAddr() string {
	return ":" + strconv.Itoa(c.HTTPPort)
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
