package contenthash

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/samotage/headspace/internal/models"
)

func TestNormalize(t *testing.T) {
	assert.Equal(t, "fix the login bug", Normalize("  Fix   the\tLOGIN\nbug "))
	assert.Equal(t, "", Normalize(" \n\t "))
}

func TestPrimary(t *testing.T) {
	a := Primary(models.ActorUser, "Fix the login bug")
	assert.True(t, strings.HasPrefix(a, "sha256:"))
	assert.Len(t, a, len("sha256:")+64)

	assert.Equal(t, a, Primary(models.ActorUser, "fix  THE login bug\n"), "case and whitespace insensitive")
	assert.NotEqual(t, a, Primary(models.ActorAgent, "Fix the login bug"), "actor is part of the key")
}

func TestLegacy_Prefix(t *testing.T) {
	base := strings.Repeat("a", LegacyPrefixRunes)
	assert.Equal(t, Legacy(base+" tail one"), Legacy(base+" tail two"), "only the prefix counts")
	assert.NotEqual(t, Legacy("short one"), Legacy("short two"))
	assert.Equal(t, Legacy("Hello World"), Legacy("hello   world"))
}
