package middleware

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
)

// LicenseKeyHeader carries the install's license key on requests made by
// the push gateway instead of the device.
const LicenseKeyHeader = "X-License-Key"

type contextKey string

const deviceKey contextKey = "device"

// Device is the authenticated caller of the instruction API.
type Device struct {
	Username string
	// ViaLicense is set when the request authenticated with the license
	// key rather than a device token.
	ViaLicense bool
}

// WithDevice returns a copy of ctx carrying d.
func WithDevice(ctx context.Context, d *Device) context.Context {
	return context.WithValue(ctx, deviceKey, d)
}

// DeviceFromContext returns the authenticated device, or nil.
func DeviceFromContext(ctx context.Context) *Device {
	d, _ := ctx.Value(deviceKey).(*Device)
	return d
}

// RequireLicenseOrDevice accepts either a matching X-License-Key header or
// a device bearer token. A present but wrong license key is refused even if
// a bearer token is also sent.
func RequireLicenseOrDevice(licenseKey string, secret []byte) func(http.Handler) http.Handler {
	bearer := RequireDeviceAuth(secret)
	return func(next http.Handler) http.Handler {
		withBearer := bearer(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := strings.TrimSpace(r.Header.Get(LicenseKeyHeader))
			if key == "" {
				withBearer.ServeHTTP(w, r)
				return
			}
			if licenseKey == "" || subtle.ConstantTimeCompare([]byte(key), []byte(licenseKey)) != 1 {
				slog.Warn("license key rejected", "path", r.URL.Path, "remote_addr", r.RemoteAddr)
				writeAuthError(w, http.StatusForbidden, "invalid license key")
				return
			}
			ctx := WithDevice(r.Context(), &Device{ViaLicense: true})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// authEnvelope matches the api package's envelope format for error responses.
type authEnvelope struct {
	Error string `json:"error,omitempty"`
}

// writeAuthError writes a JSON error matching the API envelope format.
// This avoids importing the api package (which would create a circular dependency).
func writeAuthError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(authEnvelope{Error: msg}) //nolint:errcheck
}
