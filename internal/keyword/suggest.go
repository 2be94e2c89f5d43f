package keyword

import (
	"strings"
)

// maxSuggestDistance bounds the edit distance of a suggested term.
const maxSuggestDistance = 2

// Suggest builds a "did you mean" query: each unknown term is replaced by the
// closest indexed term (ties broken by document frequency). It returns "" when
// no term changed.
func (b *BleveIndex) Suggest(query string) (string, error) {
	dict, err := b.terms()
	if err != nil {
		return "", err
	}
	return suggestQuery(query, dict), nil
}

func suggestQuery(query string, dict map[string]int) string {
	terms := tokenizeQuery(query)
	changed := false
	for i, term := range terms {
		if _, ok := dict[term]; ok {
			continue
		}
		best, bestDist, bestFreq := "", maxSuggestDistance+1, 0
		for candidate, freq := range dict {
			if abs(len(candidate)-len(term)) > maxSuggestDistance {
				continue
			}
			d := editDistance(term, candidate)
			if d < bestDist || (d == bestDist && (freq > bestFreq || (freq == bestFreq && candidate < best))) {
				best, bestDist, bestFreq = candidate, d, freq
			}
		}
		if best != "" {
			terms[i] = best
			changed = true
		}
	}
	if !changed {
		return ""
	}
	return strings.Join(terms, " ")
}

// editDistance is the Levenshtein distance between a and b over runes.
func editDistance(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = min3(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)]
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
