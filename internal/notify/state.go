package notify

import (
	"errors"
	"strings"
)

// ErrInvalidToken is returned when a verification token does not match a pending request
var ErrInvalidToken = errors.New("invalid verification token")

// VerificationState is an email address's standing with the Email Service
type VerificationState int

const (
	Unknown VerificationState = iota
	Pending
	Verified
)

func (s VerificationState) String() string {
	switch s {
	case Pending:
		return "pending"
	case Verified:
		return "verified"
	default:
		return "unknown"
	}
}

func (s VerificationState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *VerificationState) UnmarshalText(text []byte) error {
	*s = ParseState(string(text))
	return nil
}

// ParseState parses the persisted form of a VerificationState
func ParseState(s string) VerificationState {
	switch s {
	case "pending":
		return Pending
	case "verified":
		return Verified
	default:
		return Unknown
	}
}

// Gate reports whether content may be delivered to an address in state s.
// Only verified addresses receive mail other than verification requests.
func Gate(s VerificationState) bool {
	return s == Verified
}

// NormalizeEmail is the key every identity is stored under and bills are grouped by
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
