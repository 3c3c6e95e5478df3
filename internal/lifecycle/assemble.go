package lifecycle

import (
	"sort"
	"strings"

	"bookroom/api/internal/store"
)

// Assemble concatenates the seed content and every fragment in position
// order. parts is not modified.
func Assemble(seed string, parts []store.Participation, separator string) string {
	ordered := make([]store.Participation, len(parts))
	copy(ordered, parts)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Position < ordered[j].Position
	})

	fragments := make([]string, len(ordered))
	for i, p := range ordered {
		fragments[i] = p.Fragment
	}
	return seed + strings.Join(fragments, separator)
}

// WordCount counts whitespace separated tokens.
func WordCount(text string) int {
	return len(strings.Fields(text))
}
