package middleware

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// jwtTokenTTL is the lifetime of a device JWT (7 days).
const jwtTokenTTL = 7 * 24 * time.Hour

const jwtIssuer = "callbridge"

// DeviceClaims holds the JWT claims for a logged-in device. The subject is
// the app username.
type DeviceClaims struct {
	jwt.RegisteredClaims
}

// GenerateDeviceToken creates a signed JWT for username.
func GenerateDeviceToken(secret []byte, username string, now time.Time) (string, time.Time, error) {
	expiresAt := now.Add(jwtTokenTTL)

	claims := DeviceClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			Issuer:    jwtIssuer,
			Subject:   username,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", time.Time{}, err
	}

	return signed, expiresAt, nil
}

// RequireDeviceAuth returns middleware that validates JWT bearer tokens.
// On success it stores the Device in the request context.
func RequireDeviceAuth(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeAuthError(w, http.StatusUnauthorized, "authentication required")
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
				writeAuthError(w, http.StatusUnauthorized, "invalid authorization header")
				return
			}

			claims := &DeviceClaims{}
			token, err := jwt.ParseWithClaims(parts[1], claims, func(t *jwt.Token) (any, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, jwt.ErrSignatureInvalid
				}
				return secret, nil
			})
			if err != nil || !token.Valid {
				slog.Debug("device auth: invalid jwt", "error", err)
				writeAuthError(w, http.StatusUnauthorized, "invalid or expired token")
				return
			}

			if claims.Subject == "" || claims.Issuer != jwtIssuer {
				writeAuthError(w, http.StatusUnauthorized, "invalid token claims")
				return
			}

			ctx := WithDevice(r.Context(), &Device{Username: claims.Subject})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
