package assemble

import (
	"crypto/sha256"
	"encoding/hex"
)

// fuzzyCompareLimit bounds the quadratic LCS comparison.
const fuzzyCompareLimit = 1000

// contentKey is the fallback strong key for items without an id.
func contentKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return "content:" + hex.EncodeToString(sum[:8])
}

// lcsRatio is 2·LCS(a,b) / (len(a)+len(b)) over runes, the classic
// sequence-similarity ratio. Long inputs compare by prefix.
func lcsRatio(a, b string) float64 {
	ra := []rune(a)
	rb := []rune(b)
	if len(ra) > fuzzyCompareLimit {
		ra = ra[:fuzzyCompareLimit]
	}
	if len(rb) > fuzzyCompareLimit {
		rb = rb[:fuzzyCompareLimit]
	}
	if len(ra) == 0 || len(rb) == 0 {
		return 0
	}

	// Rolling single-row DP keeps memory at O(len(rb)).
	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for i := 1; i <= len(ra); i++ {
		for j := 1; j <= len(rb); j++ {
			if ra[i-1] == rb[j-1] {
				curr[j] = prev[j-1] + 1
			} else if prev[j] >= curr[j-1] {
				curr[j] = prev[j]
			} else {
				curr[j] = curr[j-1]
			}
		}
		prev, curr = curr, prev
	}
	lcs := prev[len(rb)]
	return 2 * float64(lcs) / float64(len(ra)+len(rb))
}

// dedupe drops strong-key duplicates and fuzzy near-duplicates,
// keeping the higher-relevance item of each pair. Items must arrive
// sorted by descending relevance so the kept item is the better one.
func dedupe(items []item, threshold float64) []item {
	seen := map[string]bool{}
	var kept []item
	for _, it := range items {
		if seen[it.key] {
			continue
		}
		dup := false
		for _, other := range kept {
			if lcsRatio(it.content, other.content) >= threshold {
				dup = true
				break
			}
		}
		if dup {
			continue
		}
		seen[it.key] = true
		kept = append(kept, it)
	}
	return kept
}
