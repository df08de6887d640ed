package validate

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// leetSubstitutions maps common leetspeak/confusable characters back
// to their plain-ASCII equivalent before the word-list lookup, per
// spec §9's "normalized (lower-case, de-leetspeaked, NFC-normalized)
// handle" instruction. The engine does not embed a real word list —
// see DESIGN.md's open-question decision — this is a small neutral
// fixture sufficient to exercise the screen.
var leetSubstitutions = map[rune]rune{
	'0': 'o', '1': 'i', '3': 'e', '4': 'a', '5': 's', '7': 't', '@': 'a', '$': 's',
	// confusables: Cyrillic/Greek lookalikes sometimes used to evade filters
	'а': 'a', 'е': 'e', 'о': 'o', 'р': 'p', 'с': 'c',
}

// bannedWords is a deliberately small, neutral fixture. Real deployments
// supply their own list; the engine treats this as a pluggable predicate,
// not a hard-coded policy (spec §9).
var bannedWords = []string{"profanity", "badword"}

// normalize lower-cases, applies NFC normalization, and de-leetspeaks
// a string before it is screened or compared.
func normalize(s string) string {
	s = norm.NFC.String(s)
	s = strings.ToLower(s)
	var b strings.Builder
	for _, r := range s {
		if sub, ok := leetSubstitutions[r]; ok {
			b.WriteRune(sub)
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// IsProfane reports whether s, after normalization, contains any
// banned word.
func IsProfane(s string) bool {
	n := normalize(s)
	for _, w := range bannedWords {
		if strings.Contains(n, w) {
			return true
		}
	}
	return false
}
