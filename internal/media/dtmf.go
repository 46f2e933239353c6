package media

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// SIP INFO DTMF bodies come in two common forms:
//
//	Content-Type: application/dtmf-relay
//	Signal=5
//	Duration=160
//
//	Content-Type: application/dtmf
//	5

// Content types for SIP INFO DTMF.
const (
	ContentTypeDTMFRelay = "application/dtmf-relay"
	ContentTypeDTMF      = "application/dtmf"
)

// DefaultDigitDuration is the tone length sent with outgoing digits, in
// milliseconds.
const DefaultDigitDuration = 160

// ErrInvalidDTMF is returned when a body or digit is not valid DTMF.
var ErrInvalidDTMF = errors.New("invalid dtmf")

// Digit is a DTMF signal received or sent over SIP INFO.
type Digit struct {
	Signal   byte
	Duration int // milliseconds, 0 when absent
}

// ValidDigit reports whether c is one of 0-9, *, #, A-D.
func ValidDigit(c byte) bool {
	switch {
	case c >= '0' && c <= '9', c == '*', c == '#', c >= 'A' && c <= 'D':
		return true
	}
	return false
}

func normalizeDigit(s string) (byte, bool) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if len(s) != 1 || !ValidDigit(s[0]) {
		return 0, false
	}
	return s[0], true
}

// ParseInfo parses a SIP INFO DTMF body according to its Content-Type.
// Content-Type parameters are ignored.
func ParseInfo(contentType string, body []byte) (Digit, error) {
	ct, _, _ := strings.Cut(contentType, ";")
	switch strings.ToLower(strings.TrimSpace(ct)) {
	case ContentTypeDTMFRelay:
		return parseRelay(body)
	case ContentTypeDTMF:
		sig, ok := normalizeDigit(string(body))
		if !ok {
			return Digit{}, ErrInvalidDTMF
		}
		return Digit{Signal: sig}, nil
	}
	return Digit{}, fmt.Errorf("%w: unsupported content type %q", ErrInvalidDTMF, contentType)
}

// parseRelay parses Signal=<digit> and Duration=<ms> lines. Signal is
// required; an unparseable Duration is ignored.
func parseRelay(body []byte) (Digit, error) {
	var d Digit
	found := false
	for _, line := range strings.Split(string(body), "\n") {
		key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "signal":
			sig, ok := normalizeDigit(value)
			if !ok {
				return Digit{}, ErrInvalidDTMF
			}
			d.Signal, found = sig, true
		case "duration":
			if n, err := strconv.Atoi(strings.TrimSpace(value)); err == nil && n >= 0 {
				d.Duration = n
			}
		}
	}
	if !found {
		return Digit{}, ErrInvalidDTMF
	}
	return d, nil
}

// RelayBody builds an application/dtmf-relay body for d. A zero Duration
// uses DefaultDigitDuration.
func RelayBody(d Digit) ([]byte, error) {
	sig, ok := normalizeDigit(string(d.Signal))
	if !ok {
		return nil, ErrInvalidDTMF
	}
	dur := d.Duration
	if dur <= 0 {
		dur = DefaultDigitDuration
	}
	return []byte("Signal=" + string(sig) + "\r\nDuration=" + strconv.Itoa(dur) + "\r\n"), nil
}
