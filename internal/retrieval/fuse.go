package retrieval

import (
	"cmp"
	"slices"

	"github.com/54b3r/ragkit-go/internal/rag"
)

// rrfK is the Reciprocal Rank Fusion constant (Cormack et al. 2009).
const rrfK = 60

func toChunks(hits []rag.Hit) []rag.Chunk {
	out := make([]rag.Chunk, 0, len(hits))
	for _, h := range hits {
		out = append(out, rag.ChunkFromHit(h))
	}
	return out
}

// identity is the key two hits from different modes are merged on.
func identity(c rag.Chunk) string {
	return c.SourceID + "\x00" + c.Hash
}

// mergeMax keeps one chunk per identity, scored with the best score any
// mode gave it.
func mergeMax(hits []rag.Hit) []rag.Chunk {
	best := make(map[string]int, len(hits))
	out := make([]rag.Chunk, 0, len(hits))
	for _, h := range hits {
		c := rag.ChunkFromHit(h)
		id := identity(c)
		if i, ok := best[id]; ok {
			if c.Score > out[i].Score {
				out[i].Score = c.Score
			}
			continue
		}
		best[id] = len(out)
		out = append(out, c)
	}
	return out
}

// fuseRRF scores each chunk by the sum of 1/(rrfK + rank + 1) over the mode
// rankings it appears in. Ranks are taken per mode after ordering by backend
// score.
func fuseRRF(hits []rag.Hit) []rag.Chunk {
	byMode := map[rag.Mode][]rag.Hit{}
	var modes []rag.Mode
	for _, h := range hits {
		if _, ok := byMode[h.Mode]; !ok {
			modes = append(modes, h.Mode)
		}
		byMode[h.Mode] = append(byMode[h.Mode], h)
	}

	index := map[string]int{}
	var out []rag.Chunk
	for _, m := range modes {
		ranked := byMode[m]
		slices.SortStableFunc(ranked, func(a, b rag.Hit) int { return cmp.Compare(b.Score, a.Score) })
		for rank, h := range ranked {
			s := 1.0 / float64(rrfK+rank+1)
			c := rag.ChunkFromHit(h)
			id := identity(c)
			if i, ok := index[id]; ok {
				out[i].Score += s
				continue
			}
			c.Score = s
			index[id] = len(out)
			out = append(out, c)
		}
	}
	return out
}
