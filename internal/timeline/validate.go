package timeline

import (
	"fmt"
	"unicode/utf8"
)

const (
	MaxMessageBytes = 4096 // 4KB max payload size
	MaxTextChars    = 2000 // max character count
)

// ValidateContent checks that trimmed message content meets the limits. The
// empty case is handled by the send protocol itself, which treats it as a
// silent no-op rather than an error.
func ValidateContent(text string) error {
	if len(text) > MaxMessageBytes {
		return fmt.Errorf("timeline: message exceeds %d byte limit", MaxMessageBytes)
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return fmt.Errorf("timeline: message exceeds %d character limit", MaxTextChars)
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("timeline: message contains invalid UTF-8")
	}
	return nil
}
