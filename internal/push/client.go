// Package push talks to the push gateway that wakes the device's native
// call surface with a VoIP push.
package push

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Kind selects what the device does with a push.
type Kind string

const (
	KindIncomingCall Kind = "incoming_call"
	KindCallEnded    Kind = "call_ended"
)

// ErrInvalidToken is returned when the gateway reports the device token as
// no longer valid. Callers should forget the token.
var ErrInvalidToken = errors.New("push: device token rejected by gateway")

// Notification is one push for the device.
type Notification struct {
	PushToken    string
	PushPlatform string // "apns" or "fcm"
	Kind         Kind
	SessionToken string
	CallerID     string
	CallID       string
	HasVideo     bool
	Silent       bool
}

// PushRequest is the payload sent to the gateway's POST /v1/push endpoint.
type PushRequest struct {
	LicenseKey   string `json:"license_key"`
	PushToken    string `json:"push_token"`
	PushPlatform string `json:"push_platform"`
	Kind         Kind   `json:"kind"`
	SessionToken string `json:"session_token"`
	CallerID     string `json:"caller_id,omitempty"`
	CallID       string `json:"call_id,omitempty"`
	HasVideo     bool   `json:"has_video,omitempty"`
	Silent       bool   `json:"silent,omitempty"`
}

// PushResponse is the data returned by POST /v1/push.
type PushResponse struct {
	Delivered bool   `json:"delivered"`
	CallID    string `json:"call_id"`
}

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error string          `json:"error,omitempty"`
}

// Client is an HTTP client for the push gateway.
type Client struct {
	httpClient *http.Client
	baseURL    string
	licenseKey string
}

// NewClient creates a push gateway client. licenseKey identifies this
// installation to the gateway.
func NewClient(baseURL, licenseKey string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    baseURL,
		licenseKey: licenseKey,
	}
}

// Configured reports whether a gateway URL and license key are set.
func (c *Client) Configured() bool {
	return c.baseURL != "" && c.licenseKey != ""
}

// Send delivers n and reports whether the gateway handed it to the
// platform push service.
func (c *Client) Send(ctx context.Context, n Notification) (bool, error) {
	body, err := json.Marshal(PushRequest{
		LicenseKey:   c.licenseKey,
		PushToken:    n.PushToken,
		PushPlatform: n.PushPlatform,
		Kind:         n.Kind,
		SessionToken: n.SessionToken,
		CallerID:     n.CallerID,
		CallID:       n.CallID,
		HasVideo:     n.HasVideo,
		Silent:       n.Silent,
	})
	if err != nil {
		return false, fmt.Errorf("push: marshalling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/push", bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("push: creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-License-Key", c.licenseKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("push: sending request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return false, fmt.Errorf("push: reading response: %w", err)
	}

	var env envelope
	decodeErr := json.Unmarshal(respBody, &env)

	switch {
	case resp.StatusCode == http.StatusGone:
		return false, ErrInvalidToken
	case resp.StatusCode != http.StatusOK:
		if decodeErr == nil && env.Error != "" {
			return false, fmt.Errorf("push: gateway error (status %d): %s", resp.StatusCode, env.Error)
		}
		return false, fmt.Errorf("push: gateway returned status %d", resp.StatusCode)
	case decodeErr != nil:
		return false, fmt.Errorf("push: decoding response: %w", decodeErr)
	}

	var pr PushResponse
	if err := json.Unmarshal(env.Data, &pr); err != nil {
		return false, fmt.Errorf("push: decoding push response data: %w", err)
	}

	slog.Debug("push notification sent",
		"kind", n.Kind,
		"delivered", pr.Delivered,
		"call_id", n.CallID,
		"platform", n.PushPlatform,
	)
	return pr.Delivered, nil
}
