package retrieval

import (
	"sort"

	"github.com/brunobiangulo/nbrag/store"
)

const rrfK = 60 // RRF constant (standard value from literature)

// FusedResultInfo holds per-result method contribution metadata.
type FusedResultInfo struct {
	Methods []string `json:"methods"`
	VecRank int      `json:"vec_rank,omitempty"` // 1-based, 0 = not present
	FTSRank int      `json:"fts_rank,omitempty"` // 1-based, 0 = not present
}

type fusedEntry struct {
	result store.RetrievalResult
	score  float64
	info   FusedResultInfo
}

// fuseRRF combines a vector-search list and an FTS list with Reciprocal
// Rank Fusion: score = sum(1/(k+rank+1)) across both lists. Ties are
// broken by first-seen order (vector results, then FTS-only additions),
// keeping the merge a total order independent of map iteration.
func fuseRRF(vecResults, ftsResults []store.RetrievalResult, maxResults int) ([]store.RetrievalResult, map[string]FusedResultInfo) {
	fused := make(map[string]*fusedEntry)
	order := make([]string, 0, len(vecResults)+len(ftsResults))

	addResult := func(r store.RetrievalResult) *fusedEntry {
		entry, ok := fused[r.ChunkID]
		if !ok {
			entry = &fusedEntry{result: r}
			fused[r.ChunkID] = entry
			order = append(order, r.ChunkID)
		}
		return entry
	}

	for rank, r := range vecResults {
		entry := addResult(r)
		entry.score += 1.0 / float64(rrfK+rank+1)
		entry.info.Methods = append(entry.info.Methods, "vector")
		entry.info.VecRank = rank + 1
	}

	for rank, r := range ftsResults {
		entry := addResult(r)
		entry.score += 1.0 / float64(rrfK+rank+1)
		entry.info.Methods = append(entry.info.Methods, "fts")
		entry.info.FTSRank = rank + 1
	}

	entries := make([]*fusedEntry, len(order))
	for i, id := range order {
		entries[i] = fused[id]
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].score > entries[j].score
	})

	if maxResults > 0 && len(entries) > maxResults {
		entries = entries[:maxResults]
	}

	results := make([]store.RetrievalResult, len(entries))
	infoMap := make(map[string]FusedResultInfo, len(entries))
	for i, e := range entries {
		results[i] = e.result
		results[i].Score = e.score
		infoMap[e.result.ChunkID] = e.info
	}

	normalizeScores(results)
	return results, infoMap
}

// normalizeScores rescales scores so the maximum equals 1.0. When every
// score is zero, every result is assigned 1.0 instead of leaving it at
// zero; scores coming from fuseRRF are positive RRF sums.
func normalizeScores(results []store.RetrievalResult) {
	if len(results) == 0 {
		return
	}
	max := 0.0
	for _, r := range results {
		if r.Score > max {
			max = r.Score
		}
	}
	if max == 0 {
		for i := range results {
			results[i].Score = 1.0
		}
		return
	}
	for i := range results {
		results[i].Score /= max
	}
}

// modeThreshold returns the minimum post-normalisation score a result
// must meet for the given chat mode, or 0 (no filtering) for modes that
// don't apply one.
func modeThreshold(mode string, ragThreshold, modelThreshold float64) float64 {
	switch mode {
	case "rag":
		return ragThreshold
	case "model":
		return modelThreshold
	default: // "agent" and anything else: not applied
		return 0
	}
}

// applyThreshold drops results scoring below the threshold. A zero
// threshold is a no-op (agent mode, or callers that don't filter).
func applyThreshold(results []store.RetrievalResult, threshold float64) []store.RetrievalResult {
	if threshold <= 0 {
		return results
	}
	kept := results[:0]
	for _, r := range results {
		if r.Score >= threshold {
			kept = append(kept, r)
		}
	}
	return kept
}
