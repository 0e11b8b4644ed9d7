package rag

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
)

// ContentHash returns the content fingerprint of a chunk's text. Whitespace
// and case differences do not produce distinct hashes, so the same passage
// indexed twice (or under two sources) is detected as a duplicate.
func ContentHash(text string) string {
	sum := sha256.Sum256([]byte(NormalizeText(text)))
	return hex.EncodeToString(sum[:16])
}

// ChunkFromHit converts a raw backend hit into a Chunk, computing its hash.
func ChunkFromHit(h Hit) Chunk {
	return Chunk{
		SourceID: h.SourceID,
		Text:     h.Text,
		Score:    h.Score,
		Page:     h.Page,
		Hash:     ContentHash(h.Text),
	}
}

// SortChunks orders chunks by descending score. Ties are broken by ascending
// SourceID, then ascending page (a missing page sorts first), then hash, so
// the order is total and repeatable.
func SortChunks(chunks []Chunk) {
	sort.SliceStable(chunks, func(i, j int) bool {
		return chunkLess(chunks[i], chunks[j])
	})
}

func chunkLess(a, b Chunk) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if a.SourceID != b.SourceID {
		return a.SourceID < b.SourceID
	}
	pa, pb := pageOrder(a.Page), pageOrder(b.Page)
	if pa != pb {
		return pa < pb
	}
	return a.Hash < b.Hash
}

func pageOrder(p *int) int {
	if p == nil {
		return -1 << 31
	}
	return *p
}

// Dedupe drops every chunk whose Hash was already seen, keeping the first
// occurrence. Callers sort first so the kept instance is the best ranked.
func Dedupe(chunks []Chunk) []Chunk {
	seen := make(map[string]struct{}, len(chunks))
	out := make([]Chunk, 0, len(chunks))
	for _, c := range chunks {
		if _, ok := seen[c.Hash]; ok {
			continue
		}
		seen[c.Hash] = struct{}{}
		out = append(out, c)
	}
	return out
}
