// Package fuzzy implements token based string similarity on a 0-100 scale.
//
// Inputs are normalised before comparison: accents are folded, letters are
// lower-cased and every rune that is neither a letter nor a digit becomes a
// separator. Ratios are computed with a difflib SequenceMatcher over runes.
package fuzzy

import (
	"math"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/pmezard/go-difflib/difflib"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Normalize folds accents, lower-cases s and collapses non alphanumeric runs
// into single spaces.
func Normalize(s string) string {
	if s == "" {
		return ""
	}
	fold := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(fold, s)
	if err != nil {
		folded = s
	}
	var b strings.Builder
	b.Grow(len(folded))
	for _, r := range strings.ToLower(folded) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			continue
		}
		b.WriteByte(' ')
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// Tokens returns the normalised whitespace separated tokens of s.
func Tokens(s string) []string {
	return strings.Fields(Normalize(s))
}

// Ratio is the plain sequence similarity of the normalised strings.
func Ratio(a, b string) int {
	return toScore(ratio(Normalize(a), Normalize(b)))
}

// TokenSortRatio compares the strings after sorting their tokens, so word
// order does not matter.
func TokenSortRatio(a, b string) int {
	ta := sortedTokens(Tokens(a))
	tb := sortedTokens(Tokens(b))
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	return toScore(ratio(strings.Join(ta, " "), strings.Join(tb, " ")))
}

// TokenSetRatio compares the token intersection against each side's
// remainder and keeps the best of the pairwise ratios. A string whose tokens
// are a subset of the other's scores 100.
func TokenSetRatio(a, b string) int {
	setA := tokenSet(Tokens(a))
	setB := tokenSet(Tokens(b))
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}

	var common, onlyA, onlyB []string
	for tok := range setA {
		if _, ok := setB[tok]; ok {
			common = append(common, tok)
		} else {
			onlyA = append(onlyA, tok)
		}
	}
	for tok := range setB {
		if _, ok := setA[tok]; !ok {
			onlyB = append(onlyB, tok)
		}
	}
	sort.Strings(common)
	sort.Strings(onlyA)
	sort.Strings(onlyB)

	sect := strings.Join(common, " ")
	combinedA := strings.TrimSpace(sect + " " + strings.Join(onlyA, " "))
	combinedB := strings.TrimSpace(sect + " " + strings.Join(onlyB, " "))

	best := ratio(combinedA, combinedB)
	if sect != "" {
		best = math.Max(best, ratio(sect, combinedA))
		best = math.Max(best, ratio(sect, combinedB))
	}
	return toScore(best)
}

// Jaccard returns |A∩B| / |A∪B| over the tokens of at least minLen runes.
// It returns 0 when neither side has a qualifying token.
func Jaccard(a, b string, minLen int) float64 {
	setA := tokenSet(filterShort(Tokens(a), minLen))
	setB := tokenSet(filterShort(Tokens(b), minLen))
	union := len(setA)
	inter := 0
	for tok := range setB {
		if _, ok := setA[tok]; ok {
			inter++
			continue
		}
		union++
	}
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// ratio returns the SequenceMatcher ratio scaled to 0-100.
func ratio(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 100
	}
	m := difflib.NewMatcher(runeStrings(a), runeStrings(b))
	return 100 * m.Ratio()
}

func toScore(v float64) int {
	return int(math.Round(v))
}

func runeStrings(s string) []string {
	out := make([]string, 0, utf8.RuneCountInString(s))
	for _, r := range s {
		out = append(out, string(r))
	}
	return out
}

func sortedTokens(tokens []string) []string {
	out := append([]string(nil), tokens...)
	sort.Strings(out)
	return out
}

func tokenSet(tokens []string) map[string]struct{} {
	set := make(map[string]struct{}, len(tokens))
	for _, tok := range tokens {
		set[tok] = struct{}{}
	}
	return set
}

func filterShort(tokens []string, minLen int) []string {
	out := tokens[:0:0]
	for _, tok := range tokens {
		if utf8.RuneCountInString(tok) >= minLen {
			out = append(out, tok)
		}
	}
	return out
}
