package types

import (
	"fmt"
	"net/mail"
	"regexp"
	"strconv"
)

// MaxContentBytes is the default upper bound for message text
const MaxContentBytes = 64 * 1024

// FUNCTIONAL DISCOVERY: Regex compiled once at package initialization
// for better performance in high-frequency validation scenarios
var usernameRegex = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)

// Validate ensures the message satisfies the content-or-media invariant
// ARCHITECTURAL DISCOVERY: Validation at type level ensures consistency
// across the send and upload paths without duplicating rules
func (m *Message) Validate(maxContent int) error {
	if !IsValidUserID(m.SenderID) {
		return fmt.Errorf("%w: invalid sender id %d", ErrValidation, m.SenderID)
	}
	if !IsValidUserID(m.ReceiverID) {
		return fmt.Errorf("%w: invalid receiver id %d", ErrValidation, m.ReceiverID)
	}
	if m.Content == "" && !m.HasMedia() {
		return fmt.Errorf("%w: message needs content or media", ErrValidation)
	}
	if maxContent > 0 && len(m.Content) > maxContent {
		return fmt.Errorf("%w: content exceeds %d bytes", ErrValidation, maxContent)
	}
	if m.HasMedia() {
		if m.MediaType == nil || (*m.MediaType != MediaTypeImage && *m.MediaType != MediaTypeVideo) {
			return fmt.Errorf("%w: media type must be image or video", ErrValidation)
		}
	}
	return nil
}

// IsValidUserID checks a user identity is a repository-assigned id
func IsValidUserID(id int64) bool {
	return id > 0
}

// ParseUserID parses a user identity from its decimal string form
// FUNCTIONAL DISCOVERY: Empty and non-numeric identities are rejected before any query
func ParseUserID(raw string) (int64, error) {
	if raw == "" {
		return 0, fmt.Errorf("%w: user id is required", ErrValidation)
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || !IsValidUserID(id) {
		return 0, fmt.Errorf("%w: invalid user id %q", ErrValidation, raw)
	}
	return id, nil
}

// ValidateSignup checks the fields required to create an account
func ValidateSignup(username, email, password string) error {
	if len(username) < 1 || len(username) > 50 || !usernameRegex.MatchString(username) {
		return fmt.Errorf("%w: username must be 1-50 characters of letters, digits, '.', '_' or '-'", ErrValidation)
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return fmt.Errorf("%w: invalid email address", ErrValidation)
	}
	if len(password) < 6 {
		return fmt.Errorf("%w: password must be at least 6 characters", ErrValidation)
	}
	return nil
}
