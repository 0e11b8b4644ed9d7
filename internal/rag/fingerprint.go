package rag

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Scope is the retrieval-relevant slice of the active configuration. Any
// field that can change the ranked result of a query belongs here, so that
// changing it also changes the fingerprint.
type Scope struct {
	// Provider is the search backend name (e.g. "qdrant").
	Provider string
	// Index is the collection searched.
	Index string
	// Hybrid enables merged semantic + keyword candidates.
	Hybrid bool
	// Fusion is the hybrid merge strategy ("max" or "rrf").
	Fusion string
	// Rerank enables the reranking pass.
	Rerank bool
	// RerankMethod names the reranker; ignored when Rerank is false.
	RerankMethod string
}

// NormalizeText case-folds s and collapses every whitespace run to a single
// space, trimming both ends.
func NormalizeText(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// Fingerprint derives the deterministic cache key for q under scope.
// Filters are encoded in sorted key order with a type tag per value, so
// {"page": 1} and {"page": "1"} produce different keys.
func Fingerprint(q Query, scope Scope) string {
	var b strings.Builder
	b.WriteString("v1\x00")
	b.WriteString(NormalizeText(q.Text))
	b.WriteString("\x00k=")
	b.WriteString(strconv.Itoa(q.K))

	keys := make([]string, 0, len(q.Filters))
	for k := range q.Filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString("\x00f:")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(canonicalScalar(q.Filters[k]))
	}

	fmt.Fprintf(&b, "\x00provider=%s\x00index=%s\x00hybrid=%t\x00fusion=%s\x00rerank=%t",
		scope.Provider, scope.Index, scope.Hybrid, scope.Fusion, scope.Rerank)
	if scope.Rerank {
		b.WriteString("\x00method=")
		b.WriteString(scope.RerankMethod)
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// canonicalScalar renders a filter value with a type tag. Integral numbers
// are rendered identically regardless of their Go type so that a value decoded
// from JSON (float64) and one built in code (int) share a key.
func canonicalScalar(v any) string {
	switch t := v.(type) {
	case string:
		return "s:" + t
	case bool:
		return "b:" + strconv.FormatBool(t)
	case int:
		return "n:" + strconv.FormatInt(int64(t), 10)
	case int64:
		return "n:" + strconv.FormatInt(t, 10)
	case int32:
		return "n:" + strconv.FormatInt(int64(t), 10)
	case float32:
		return canonicalFloat(float64(t))
	case float64:
		return canonicalFloat(t)
	case nil:
		return "z:"
	default:
		return fmt.Sprintf("x:%T:%v", v, v)
	}
}

func canonicalFloat(f float64) string {
	if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return "n:" + strconv.FormatInt(int64(f), 10)
	}
	return "n:" + strconv.FormatFloat(f, 'g', -1, 64)
}
