package domain

import (
	"errors"
	"strings"
	"unicode"
)

const MaxRoomNameLen = 64

var ErrInvalidChannelName = errors.New("invalid channel name")

type RoomName string

// SanitizeRoomName trims the input, collapses whitespace runs into a single
// hyphen and strips every byte outside [A-Za-z0-9_-].
func SanitizeRoomName(raw string) string {
	fields := strings.FieldsFunc(raw, unicode.IsSpace)
	joined := strings.Join(fields, "-")

	var b strings.Builder
	b.Grow(len(joined))
	for i := 0; i < len(joined); i++ {
		if isRoomNameByte(joined[i]) {
			b.WriteByte(joined[i])
		}
	}
	return b.String()
}

// ValidateRoomName checks an already sanitized name against [A-Za-z0-9_-]{1,64}.
func ValidateRoomName(name string) error {
	if len(name) == 0 || len(name) > MaxRoomNameLen {
		return ErrInvalidChannelName
	}
	for i := 0; i < len(name); i++ {
		if !isRoomNameByte(name[i]) {
			return ErrInvalidChannelName
		}
	}
	return nil
}

// ParseRoomName is the only way user input becomes a RoomName.
func ParseRoomName(raw string) (RoomName, error) {
	name := SanitizeRoomName(raw)
	if err := ValidateRoomName(name); err != nil {
		return "", err
	}
	return RoomName(name), nil
}

func isRoomNameByte(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == '-' || c == '_':
		return true
	}
	return false
}
