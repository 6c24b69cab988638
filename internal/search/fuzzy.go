package search

import (
	"strings"

	"github.com/agnivade/levenshtein"
)

// Ratio is a 0..100 similarity between two strings, case-insensitive,
// derived from the Levenshtein edit distance over the longer string.
func Ratio(a, b string) int {
	a = strings.ToLower(a)
	b = strings.ToLower(b)
	if a == b {
		return 100
	}
	la := len([]rune(a))
	lb := len([]rune(b))
	longest := la
	if lb > longest {
		longest = lb
	}
	if longest == 0 {
		return 100
	}
	dist := levenshtein.ComputeDistance(a, b)
	return int(float64(longest-dist) / float64(longest) * 100)
}

// PartialRatio slides the shorter string across the longer and returns the
// best window ratio, so a query scores well against a long memory that
// contains something close to it.
func PartialRatio(query, text string) int {
	q := []rune(strings.ToLower(query))
	t := []rune(strings.ToLower(text))
	if len(q) == 0 {
		return 100
	}
	if len(q) >= len(t) {
		return Ratio(string(q), string(t))
	}
	best := 0
	for i := 0; i+len(q) <= len(t); i++ {
		r := Ratio(string(q), string(t[i:i+len(q)]))
		if r > best {
			best = r
			if best == 100 {
				break
			}
		}
	}
	return best
}
