// Package extract produces scored field candidates from normalized OCR
// lines. Each extractor is a pure function of the line set and its tuning
// config, and every scoring step taken is recorded in the candidate's
// Reasons so decisions stay explainable.
package extract

import (
	"sort"
	"strings"

	"github.com/medstack/receiptocr/internal/receipt"
)

func containsAny(text string, keywords []string) (string, bool) {
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			return kw, true
		}
	}
	return "", false
}

// nearbyLine finds a line other than self whose center is within vtol
// vertically and htol horizontally of box, matching pred. Returns the first
// match in line order.
func nearbyLine(lines []receipt.OCRLine, self int, box receipt.BBox, vtol, htol float64, pred func(receipt.OCRLine) bool) (receipt.OCRLine, bool) {
	cy, cx := box.CenterY(), box.CenterX()
	for _, l := range lines {
		if l.LineIndex == self {
			continue
		}
		dy := l.BBox.CenterY() - cy
		if dy < 0 {
			dy = -dy
		}
		if dy > vtol {
			continue
		}
		dx := l.BBox.CenterX() - cx
		if dx < 0 {
			dx = -dx
		}
		if dx > htol {
			continue
		}
		if pred(l) {
			return l, true
		}
	}
	return receipt.OCRLine{}, false
}

// sortCandidates orders by score descending, OCR confidence as tie-break.
func sortCandidates(cands []receipt.Candidate) {
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].Score != cands[j].Score {
			return cands[i].Score > cands[j].Score
		}
		return cands[i].OCRConfidence > cands[j].OCRConfidence
	})
}

func mergeIndices(a, b []int) []int {
	seen := map[int]bool{}
	out := make([]int, 0, len(a)+len(b))
	for _, v := range append(append([]int{}, a...), b...) {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	sort.Ints(out)
	return out
}
