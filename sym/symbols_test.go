package sym

import (
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestSymbolsAreDistinctSingleRunes(t *testing.T) {
	all := []string{AM, IX, Sync, Reconcile, Batch, Pulse, PulseOpen, PulseClose, DB}
	seen := make(map[string]bool, len(all))
	for _, s := range all {
		assert.Equal(t, 1, utf8.RuneCountInString(s), "symbol %q", s)
		assert.False(t, seen[s], "symbol %q used twice", s)
		seen[s] = true
	}
}
