// Package search answers hybrid queries by fusing lexical and vector result
// lists with Reciprocal Rank Fusion (RRF).
package search

import (
	"sort"
)

// DefaultRRFConstant is the standard RRF smoothing parameter.
const DefaultRRFConstant = 60

// Candidate is one entry of a ranked list handed to fusion. Rank is its
// position in the list; Score is kept for display only.
type Candidate struct {
	ChunkID    string
	DocID      string
	ChunkIndex int
	ChunkHash  string
	Score      float64
}

// FusedResult is a chunk after RRF fusion.
type FusedResult struct {
	ChunkID      string
	DocID        string
	ChunkIndex   int
	ChunkHash    string
	RRFScore     float64 // Sum of 1/(k+rank) over the lists the chunk appears in
	LexicalScore float64
	LexicalRank  int // 1-indexed, 0 if absent
	VectorScore  float64
	VectorRank   int // 1-indexed, 0 if absent
}

// Source reports which channels produced the result.
func (r *FusedResult) Source() Source {
	switch {
	case r.LexicalRank > 0 && r.VectorRank > 0:
		return SourceHybrid
	case r.VectorRank > 0:
		return SourceSemantic
	default:
		return SourceKeyword
	}
}

// RRFFusion combines ranked lists using only the ranks:
//
//	score(d) = Σ 1 / (k + rank_i(d))
//
// A chunk absent from a list contributes nothing for it.
type RRFFusion struct {
	K int
}

// NewRRFFusion creates a fusion with the given k. k <= 0 means 60.
func NewRRFFusion(k int) *RRFFusion {
	if k <= 0 {
		k = DefaultRRFConstant
	}
	return &RRFFusion{K: k}
}

// Fuse merges the lexical and semantic lists. The result is sorted by score
// descending, then chunk index ascending, then chunk hash ascending, with the
// chunk id as the last resort so the order is total.
func (f *RRFFusion) Fuse(lexical, semantic []Candidate) []*FusedResult {
	scores := make(map[string]*FusedResult, len(lexical)+len(semantic))

	for rank, c := range lexical {
		r := getOrCreate(scores, c)
		if r.LexicalRank > 0 {
			continue
		}
		r.LexicalRank = rank + 1
		r.LexicalScore = c.Score
		r.RRFScore += 1 / float64(f.K+rank+1)
	}
	for rank, c := range semantic {
		r := getOrCreate(scores, c)
		if r.VectorRank > 0 {
			continue
		}
		r.VectorRank = rank + 1
		r.VectorScore = c.Score
		r.RRFScore += 1 / float64(f.K+rank+1)
	}

	results := make([]*FusedResult, 0, len(scores))
	for _, r := range scores {
		results = append(results, r)
	}
	sort.Slice(results, func(i, j int) bool {
		return less(results[i], results[j])
	})
	return results
}

func getOrCreate(m map[string]*FusedResult, c Candidate) *FusedResult {
	if r, ok := m[c.ChunkID]; ok {
		return r
	}
	r := &FusedResult{
		ChunkID:    c.ChunkID,
		DocID:      c.DocID,
		ChunkIndex: c.ChunkIndex,
		ChunkHash:  c.ChunkHash,
	}
	m[c.ChunkID] = r
	return r
}

func less(a, b *FusedResult) bool {
	if a.RRFScore != b.RRFScore {
		return a.RRFScore > b.RRFScore
	}
	if a.ChunkIndex != b.ChunkIndex {
		return a.ChunkIndex < b.ChunkIndex
	}
	if a.ChunkHash != b.ChunkHash {
		return a.ChunkHash < b.ChunkHash
	}
	return a.ChunkID < b.ChunkID
}

// Select applies the per-document cap, then the score floor, then top_k.
// Entries over the cap are dropped without pulling lower results up in their place.
// groupLimit <= 0 disables the cap; topK <= 0 disables truncation.
func Select(fused []*FusedResult, groupLimit int, minScore float64, topK int) []*FusedResult {
	out := make([]*FusedResult, 0, min(len(fused), max(topK, 0)))
	perDoc := make(map[string]int)
	for _, r := range fused {
		if groupLimit > 0 {
			if perDoc[r.DocID] >= groupLimit {
				continue
			}
			perDoc[r.DocID]++
		}
		if r.RRFScore < minScore {
			continue
		}
		out = append(out, r)
		if topK > 0 && len(out) == topK {
			break
		}
	}
	return out
}
