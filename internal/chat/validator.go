package chat

import (
	"strings"
	"unicode/utf8"
)

// DefaultMaxRunes is the content limit when none is configured.
const DefaultMaxRunes = 10000

// ValidateContent checks that message content meets the pipeline's
// requirements. Whitespace-only content counts as empty.
func ValidateContent(content string, maxRunes int) error {
	if strings.TrimSpace(content) == "" {
		return ErrEmptyMessage
	}
	if !utf8.ValidString(content) {
		return ErrInvalidContent
	}
	if maxRunes <= 0 {
		maxRunes = DefaultMaxRunes
	}
	if utf8.RuneCountInString(content) > maxRunes {
		return ErrContentTooLarge
	}
	return nil
}
