package rag

import (
	"strings"
	"unicode"
)

// Terms splits text into lower-cased alphanumeric terms.
func Terms(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

// OverlapScore returns the fraction of distinct query terms that occur in
// text, in [0, 1]. It is the keyword-match score used where the backend does
// not score keyword candidates itself.
func OverlapScore(queryTerms []string, text string) float64 {
	if len(queryTerms) == 0 {
		return 0
	}
	present := make(map[string]struct{})
	for _, t := range Terms(text) {
		present[t] = struct{}{}
	}
	distinct := make(map[string]struct{}, len(queryTerms))
	matched := 0
	for _, q := range queryTerms {
		if _, dup := distinct[q]; dup {
			continue
		}
		distinct[q] = struct{}{}
		if _, ok := present[q]; ok {
			matched++
		}
	}
	return float64(matched) / float64(len(distinct))
}
