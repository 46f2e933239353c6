package api

import (
	"strings"
	"unicode/utf8"

	"github.com/flowpbx/callbridge/internal/media"
)

// maxHandleLen bounds destinations, caller handles and Call-IDs.
const maxHandleLen = 256

// maxTokenLen bounds device push tokens.
const maxTokenLen = 4096

// maxDigitsLen bounds a DTMF instruction.
const maxDigitsLen = 32

// validateStringLen checks that a string does not exceed maxLen runes.
// Returns an error message if invalid, empty string if OK.
func validateStringLen(field, value string, maxLen int) string {
	if utf8.RuneCountInString(value) > maxLen {
		return field + " exceeds maximum length"
	}
	return ""
}

// validateRequiredStringLen checks that a non-empty string does not exceed maxLen.
func validateRequiredStringLen(field, value string, maxLen int) string {
	if strings.TrimSpace(value) == "" {
		return field + " is required"
	}
	return validateStringLen(field, value, maxLen)
}

// containsControlChars checks whether a string has control characters.
func containsControlChars(s string) bool {
	for _, r := range s {
		if r < 32 || r == 127 {
			return true
		}
	}
	return false
}

// validateHandle checks a destination or caller handle.
func validateHandle(field, value string, required bool) string {
	if required {
		if msg := validateRequiredStringLen(field, value, maxHandleLen); msg != "" {
			return msg
		}
	} else if msg := validateStringLen(field, value, maxHandleLen); msg != "" {
		return msg
	}
	if containsControlChars(value) {
		return field + " contains invalid characters"
	}
	return ""
}

// validateDigits checks that digits is a non-empty run of DTMF symbols.
func validateDigits(field, digits string) string {
	if digits == "" {
		return field + " is required"
	}
	if len(digits) > maxDigitsLen {
		return field + " exceeds maximum length"
	}
	for i := 0; i < len(digits); i++ {
		if !media.ValidDigit(digits[i]) {
			return field + " must contain only 0-9, *, # or A-D"
		}
	}
	return ""
}

// validatePlatform checks a push platform name.
func validatePlatform(field, value string) string {
	switch value {
	case "apns", "fcm":
		return ""
	default:
		return field + " must be apns or fcm"
	}
}
