package chat

import (
	"errors"
	"unicode/utf8"
)

const (
	MaxMessageBytes = 4096 // 4KB max text size
	MaxTextChars    = 2000 // max character count
)

var (
	ErrMessageTooLong = errors.New("chat: message too long")
	ErrInvalidText    = errors.New("chat: message contains invalid UTF-8")
)

// ValidateMessage checks that chat text is within size limits and valid UTF-8.
// Empty text is allowed and relayed as is.
func ValidateMessage(text string) error {
	if len(text) > MaxMessageBytes {
		return ErrMessageTooLong
	}
	if !utf8.ValidString(text) {
		return ErrInvalidText
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return ErrMessageTooLong
	}
	return nil
}
