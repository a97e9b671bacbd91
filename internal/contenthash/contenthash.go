// Package contenthash computes the dedup keys stored on turns.
package contenthash

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/samotage/headspace/internal/models"
)

// LegacyPrefixRunes is how much normalized text the legacy key covers.
const LegacyPrefixRunes = 200

const prefix = "sha256:"

// Normalize lowercases text, collapses whitespace runs to one space and trims.
func Normalize(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}

// Primary keys a turn by actor and its full normalized text.
func Primary(actor models.Actor, text string) string {
	return sum(string(actor) + "\x00" + Normalize(text))
}

// Legacy keys a turn by the first LegacyPrefixRunes runes of its normalized
// text. It matches rows written before Primary existed.
func Legacy(text string) string {
	n := []rune(Normalize(text))
	if len(n) > LegacyPrefixRunes {
		n = n[:LegacyPrefixRunes]
	}
	return sum(string(n))
}

func sum(s string) string {
	h := sha256.Sum256([]byte(s))
	return prefix + hex.EncodeToString(h[:])
}
