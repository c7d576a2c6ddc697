package chat

import (
	"errors"
	"strings"
)

// ErrEmptyMessage is returned for text that is blank after normalization.
var ErrEmptyMessage = errors.New("chat: empty message")

var lineEndings = strings.NewReplacer("\r\n", "\n", "\r", "\n")

// NormalizeText unifies line endings to \n, replaces invalid UTF-8,
// truncates to maxRunes characters and rejects text that is only
// whitespace. Leading and trailing whitespace is otherwise preserved.
func NormalizeText(text string, maxRunes int) (string, error) {
	t := lineEndings.Replace(text)
	t = strings.ToValidUTF8(t, "\uFFFD")

	if maxRunes > 0 {
		if r := []rune(t); len(r) > maxRunes {
			t = string(r[:maxRunes])
		}
	}
	if strings.TrimSpace(t) == "" {
		return "", ErrEmptyMessage
	}
	return t, nil
}
