package chat

import (
	"strings"
	"unicode/utf8"
)

const (
	MaxMessageBytes = 4096 // 4KB max frame size
	MaxTextChars    = 2000 // max character count
)

// ValidateMessage checks that a chat message meets content requirements.
func ValidateMessage(text string) error {
	if strings.TrimSpace(text) == "" {
		return invalid("content", "message text is empty")
	}
	if len(text) > MaxMessageBytes {
		return invalid("content", "message exceeds 4096 byte limit")
	}
	if !utf8.ValidString(text) {
		return invalid("content", "message contains invalid UTF-8")
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return invalid("content", "message exceeds 2000 character limit")
	}
	return nil
}

func validateUserID(field, id string) error {
	if strings.TrimSpace(id) == "" {
		return invalid(field, "user id is empty")
	}
	return nil
}
