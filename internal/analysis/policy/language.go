// Package policy holds the local, deterministic turn checks: language,
// emergency keywords and the medical-topic heuristic.
package policy

import (
	"unicode"

	"github.com/zhouzirui/z-clinic/backend/internal/model/locale"
)

// MatchesLanguage reports whether text is monolingual in lang. Digits,
// punctuation and symbols are neutral; an English session rejects any
// Arabic-script letter and an Arabic session rejects any Latin letter.
func MatchesLanguage(text string, lang locale.Language) bool {
	for _, r := range text {
		if !unicode.IsLetter(r) {
			continue
		}
		switch lang {
		case locale.Arabic:
			if unicode.Is(unicode.Latin, r) {
				return false
			}
		default:
			if unicode.Is(unicode.Arabic, r) {
				return false
			}
		}
	}
	return true
}
