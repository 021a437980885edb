package tts

import (
	"regexp"
	"strings"
	"unicode"
)

var (
	speechURLPattern          = regexp.MustCompile(`https?://\S+`)
	speechMarkdownLinkPattern = regexp.MustCompile(`\[(.*?)\]\((.*?)\)`)
	speechTimePattern         = regexp.MustCompile(`(?i)\b(\d{1,2}):(\d{2})\s*(am|pm)\b`)
	speechRegistrationPattern = regexp.MustCompile(`\b([A-Z]{2}[0-9]{2})\s?([A-Z]{3})\b`)
)

// SpeechText turns a response chunk into text a phone voice can read: pause
// markers and markup go, registrations are spaced out, clock times read naturally.
// Markers that are also sentence punctuation stay in place.
func SpeechText(raw, pauseMarkers string) string {
	if pauseMarkers != "" {
		raw = strings.Map(func(r rune) rune {
			if strings.ContainsRune(pauseMarkers, r) && !isSpeechSafePunctuation(r) {
				return ' '
			}
			return r
		}, raw)
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}

	raw = speechMarkdownLinkPattern.ReplaceAllString(raw, "$1")
	raw = speechURLPattern.ReplaceAllString(raw, " ")
	raw = speechRegistrationPattern.ReplaceAllStringFunc(raw, spellRegistration)
	raw = speechTimePattern.ReplaceAllStringFunc(raw, func(m string) string {
		parts := speechTimePattern.FindStringSubmatch(m)
		suffix := strings.ToUpper(parts[3])
		if parts[2] == "00" {
			return parts[1] + " " + suffix
		}
		return parts[1] + " " + parts[2] + " " + suffix
	})
	raw = strings.NewReplacer(
		"*", " ",
		"_", " ",
		"\\", " ",
		"|", " ",
		"#", " ",
		"~", " ",
		"<", " ",
		">", " ",
	).Replace(raw)

	var b strings.Builder
	b.Grow(len(raw))
	prevSpace := true
	for _, r := range raw {
		switch {
		case r == '\u200d' || r == '\ufe0f' || r == '\u20e3':
			continue
		case unicode.IsSpace(r):
			if !prevSpace {
				b.WriteByte(' ')
				prevSpace = true
			}
		case unicode.IsControl(r):
			continue
		case unicode.In(r, unicode.So, unicode.Sm, unicode.Sk):
			continue
		case isSpeechSafePunctuation(r):
			b.WriteRune(r)
			prevSpace = false
		case unicode.IsPunct(r):
			if !prevSpace {
				b.WriteByte(' ')
				prevSpace = true
			}
		default:
			b.WriteRune(r)
			prevSpace = false
		}
	}
	return strings.TrimSpace(b.String())
}

// spellRegistration reads "AB12CDE" as "A B 1 2, C D E".
func spellRegistration(reg string) string {
	reg = strings.ReplaceAll(reg, " ", "")
	if len(reg) != 7 {
		return reg
	}
	spell := func(s string) string { return strings.Join(strings.Split(s, ""), " ") }
	return spell(reg[:4]) + ", " + spell(reg[4:])
}

func isSpeechSafePunctuation(r rune) bool {
	switch r {
	case '.', ',', '!', '?', ':', ';', '\'', '"', '-', '(', ')', '/':
		return true
	default:
		return false
	}
}
