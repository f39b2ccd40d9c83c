// Package similarity implements the field-level comparators and the
// Fellegi-Sunter aggregator of spec.md §4.2 (C2). Comparators are
// grounded on github.com/ehdc-llpg/internal/match/features.go's
// JaroSimilarity, LevenshteinDistance, cosineBagOfWords, and
// CosineSimilarity, generalized from address strings to arbitrary
// record fields, plus a Soundex-based phonetic comparator and n-gram
// Jaccard ported from original_source/services/similarity_service.py's
// _ngram_similarity.
package similarity

import (
	"math"
	"strings"

	"github.com/ehdc-er/entityresolution/internal/er/phonetics"
)

// Comparator computes a similarity in [0,1] for two field values.
// Implementations treat empty/null inputs as producing 0.0, except both
// empty which also returns 0.0 (missing data must not count as
// agreement — spec.md §4.2).
type Comparator func(a, b string) float64

// Exact returns 1 if the case-folded, whitespace-trimmed values are
// equal and non-empty, else 0.
func Exact(a, b string) float64 {
	a, b = norm(a), norm(b)
	if a == "" && b == "" {
		return 0.0
	}
	if a == b {
		return 1.0
	}
	return 0.0
}

// NGramJaccard computes intersection-over-union similarity of character
// n-grams (default n=3), case-folded and whitespace-normalized.
func NGramJaccard(n int) Comparator {
	if n <= 0 {
		n = 3
	}
	return func(a, b string) float64 {
		a, b = norm(a), norm(b)
		if a == "" || b == "" {
			return 0.0
		}
		ga, gb := ngrams(a, n), ngrams(b, n)
		if len(ga) == 0 || len(gb) == 0 {
			return 0.0
		}
		inter := 0
		for g := range ga {
			if gb[g] {
				inter++
			}
		}
		union := len(ga) + len(gb) - inter
		if union == 0 {
			return 0.0
		}
		return float64(inter) / float64(union)
	}
}

func ngrams(s string, n int) map[string]bool {
	set := make(map[string]bool)
	r := []rune(s)
	if len(r) < n {
		set[s] = true
		return set
	}
	for i := 0; i+n <= len(r); i++ {
		set[string(r[i:i+n])] = true
	}
	return set
}

// LevenshteinSimilarity returns 1 - edit_distance/max(len(a),len(b)).
func LevenshteinSimilarity(a, b string) float64 {
	a, b = norm(a), norm(b)
	if a == "" && b == "" {
		return 0.0
	}
	if a == "" || b == "" {
		return 0.0
	}
	if a == b {
		return 1.0
	}
	dist := levenshteinDistance(a, b)
	maxLen := len(a)
	if len(b) > maxLen {
		maxLen = len(b)
	}
	return 1.0 - float64(dist)/float64(maxLen)
}

func levenshteinDistance(a, b string) int {
	la, lb := len(a), len(b)
	matrix := make([][]int, la+1)
	for i := range matrix {
		matrix[i] = make([]int, lb+1)
		matrix[i][0] = i
	}
	for j := range matrix[0] {
		matrix[0][j] = j
	}
	for i := 1; i <= la; i++ {
		for j := 1; j <= lb; j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			del := matrix[i-1][j] + 1
			ins := matrix[i][j-1] + 1
			sub := matrix[i-1][j-1] + cost
			matrix[i][j] = minInt(minInt(del, ins), sub)
		}
	}
	return matrix[la][lb]
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// JaroWinkler computes Jaro similarity with the standard Winkler prefix
// boost: scale 0.1, applied only when Jaro >= 0.7, prefix capped at 4
// characters. Constants match
// original_source/services/similarity_service.py's
// _jaro_winkler_similarity exactly.
func JaroWinkler(a, b string) float64 {
	a, b = norm(a), norm(b)
	if a == "" || b == "" {
		return 0.0
	}
	if a == b {
		return 1.0
	}

	jaro := jaroSimilarity(a, b)
	if jaro < 0.7 {
		return jaro
	}

	prefixLen := 0
	maxPrefix := 4
	for i := 0; i < len(a) && i < len(b) && i < maxPrefix; i++ {
		if a[i] != b[i] {
			break
		}
		prefixLen++
	}

	const scale = 0.1
	return jaro + float64(prefixLen)*scale*(1-jaro)
}

func jaroSimilarity(a, b string) float64 {
	la, lb := len(a), len(b)
	if la == 0 || lb == 0 {
		return 0.0
	}

	matchWindow := maxInt(la, lb)/2 - 1
	if matchWindow < 0 {
		matchWindow = 0
	}

	aMatches := make([]bool, la)
	bMatches := make([]bool, lb)

	matches := 0
	for i := 0; i < la; i++ {
		start := maxInt(0, i-matchWindow)
		end := minInt(i+matchWindow+1, lb)
		for j := start; j < end; j++ {
			if bMatches[j] || a[i] != b[j] {
				continue
			}
			aMatches[i] = true
			bMatches[j] = true
			matches++
			break
		}
	}

	if matches == 0 {
		return 0.0
	}

	transpositions := 0
	k := 0
	for i := 0; i < la; i++ {
		if !aMatches[i] {
			continue
		}
		for !bMatches[k] {
			k++
		}
		if a[i] != b[k] {
			transpositions++
		}
		k++
	}

	m := float64(matches)
	return (m/float64(la) + m/float64(lb) + (m-float64(transpositions)/2)/m) / 3.0
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Phonetic returns 1 if the Soundex codes of a and b are equal and both
// non-empty, else 0.
func Phonetic(a, b string) float64 {
	if phonetics.Match(a, b) {
		return 1.0
	}
	return 0.0
}

// CosineVectors computes the dot product of two L2-normalized vectors,
// ported from github.com/ehdc-llpg/internal/match/features.go's
// CosineSimilarity. Vectors of mismatched length, or either zero-norm,
// return 0.
func CosineVectors(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0.0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0.0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func norm(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
