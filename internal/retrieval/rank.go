package retrieval

import (
	"sort"
	"time"

	"github.com/facilityos/knowledge-engine/internal/store"
)

// candidate pairs a search hit with its parsed creation timestamp. Payloads
// come from user-shaped records, so a missing or unparseable timestamp is
// normal, not an error.
type candidate struct {
	point store.ScoredPoint
	ts    time.Time
	hasTS bool
}

// rankResults applies the recency-aware ordering policy to raw search hits.
//
// Only hits at or above minScore participate. Between two dated hits,
// recency dominates: the newer one sorts first unless the two timestamps
// fall within the recency window of each other, in which case relevance
// (score) decides. A dated hit sorts before an undated one, and two undated
// hits fall back to score order. The net effect is that "recent incidents"
// queries surface the latest matching report even when its textual match is
// slightly weaker.
func rankResults(points []store.ScoredPoint, minScore float64, window time.Duration) []store.ScoredPoint {
	candidates := make([]candidate, 0, len(points))
	for _, p := range points {
		if p.Score < minScore {
			continue
		}
		c := candidate{point: p}
		c.ts, c.hasTS = parseCreatedAt(p.Payload)
		candidates = append(candidates, c)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		switch {
		case a.hasTS && b.hasTS:
			diff := a.ts.Sub(b.ts)
			if diff < 0 {
				diff = -diff
			}
			if diff < window {
				return a.point.Score > b.point.Score
			}
			return a.ts.After(b.ts)
		case a.hasTS:
			return true
		case b.hasTS:
			return false
		default:
			return a.point.Score > b.point.Score
		}
	})

	ranked := make([]store.ScoredPoint, len(candidates))
	for i, c := range candidates {
		ranked[i] = c.point
	}
	return ranked
}

func parseCreatedAt(payload map[string]any) (time.Time, bool) {
	raw, ok := payload[store.PayloadCreatedAt].(string)
	if !ok || raw == "" {
		return time.Time{}, false
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}
