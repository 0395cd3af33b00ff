package chat

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	MaxMessageBytes = 4096 // 4KB max frame payload for text
	MaxTextChars    = 500  // default max character count
	MaxEmojiBytes   = 32
	MaxRoomIDLength = 128
)

var (
	ErrEmptyMessage = errors.New("message text is empty")
	ErrInvalidRoom  = errors.New("invalid room id")
	ErrInvalidEmoji = errors.New("invalid emoji")
)

// ValidateMessage checks that a chat message meets content requirements.
// maxChars <= 0 selects MaxTextChars.
func ValidateMessage(text string, maxChars int) error {
	if maxChars <= 0 {
		maxChars = MaxTextChars
	}
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}
	if len(text) > MaxMessageBytes {
		return fmt.Errorf("message exceeds %d byte limit", MaxMessageBytes)
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("message contains invalid UTF-8")
	}
	if utf8.RuneCountInString(text) > maxChars {
		return fmt.Errorf("message exceeds %d character limit", maxChars)
	}
	return nil
}

// ValidateRoom checks a room id.
func ValidateRoom(room string) error {
	if room == "" || len(room) > MaxRoomIDLength || strings.ContainsAny(room, " \t\r\n*>") {
		return ErrInvalidRoom
	}
	return nil
}

// ValidateEmoji checks a reaction key.
func ValidateEmoji(emoji string) error {
	if emoji == "" || len(emoji) > MaxEmojiBytes || !utf8.ValidString(emoji) || strings.ContainsAny(emoji, " \t\r\n") {
		return ErrInvalidEmoji
	}
	return nil
}
