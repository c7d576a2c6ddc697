package profile

import (
	"regexp"
	"strings"
)

const (
	// DefaultNick replaces nicknames that sanitize to nothing.
	DefaultNick = "anon"

	// DefaultLang is used for unknown language tags.
	DefaultLang = "ru"

	maxNickRunes = 32
)

var (
	nickDisallowed = regexp.MustCompile(`[^a-zA-Z0-9_-]`)
	emailPattern   = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

	languages = map[string]bool{"ru": true, "en": true, "zh": true}
)

// SanitizeNick trims nick, keeps at most 32 characters and replaces every
// character outside [A-Za-z0-9_-] with an underscore.
func SanitizeNick(nick string) string {
	cleaned := strings.TrimSpace(nick)
	if r := []rune(cleaned); len(r) > maxNickRunes {
		cleaned = string(r[:maxNickRunes])
	}
	cleaned = nickDisallowed.ReplaceAllString(cleaned, "_")
	if cleaned == "" {
		return DefaultNick
	}
	return cleaned
}

// SanitizeLang returns lang lower-cased when it is supported and
// DefaultLang otherwise.
func SanitizeLang(lang string) string {
	v := strings.ToLower(lang)
	if languages[v] {
		return v
	}
	return DefaultLang
}

// SanitizeEmail returns the trimmed, lower-cased address or an empty string
// when it does not look like an address. Empty disables notifications.
func SanitizeEmail(email string) string {
	cleaned := strings.ToLower(strings.TrimSpace(email))
	if !emailPattern.MatchString(cleaned) {
		return ""
	}
	return cleaned
}
