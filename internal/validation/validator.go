// Package validation holds the input checks shared by the REST API and
// the NATS command intake.
package validation

import (
	"fmt"
	"strings"
)

// MaxCommandLen is the longest command text the wire format can carry.
const MaxCommandLen = 250

// ValidIMEI reports whether s is a well formed 15-digit IMEI.
func ValidIMEI(s string) bool {
	if len(s) != 15 {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// ValidateCommand checks a command text before it is accepted for
// delivery. Returns the trimmed text.
func ValidateCommand(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("command is required")
	}
	if len(s) > MaxCommandLen {
		return "", fmt.Errorf("command too long: %d bytes (max %d)", len(s), MaxCommandLen)
	}
	for _, r := range s {
		if r < 0x20 || r > 0x7E {
			return "", fmt.Errorf("command contains non-printable character %q", r)
		}
	}
	return s, nil
}
