package template

import (
	"math"
	"strings"
	"unicode"

	"github.com/medstack/receiptocr/internal/jptext"
	"github.com/medstack/receiptocr/internal/receipt"
)

const anchorMinConfidence = 0.8

// Fingerprint builds the anchor set for a document: high-confidence lines
// reduced to stable label text.
func Fingerprint(lines []receipt.OCRLine) []Anchor {
	var out []Anchor
	for _, l := range lines {
		if l.Confidence < anchorMinConfidence {
			continue
		}
		text := sanitizeAnchorText(l.Text)
		if text == "" {
			continue
		}
		out = append(out, Anchor{Text: text, Position: l.BBox})
	}
	return out
}

// sanitizeAnchorText strips the volatile parts of a line (digits,
// punctuation) so the anchor survives across receipts from the same
// facility. Falls back to the compacted raw text when nothing survives.
func sanitizeAnchorText(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' || unicode.IsPunct(r) || unicode.IsSymbol(r) || unicode.IsSpace(r) {
			continue
		}
		b.WriteRune(r)
	}
	out := b.String()
	if out == "" {
		out = jptext.Compact(s)
	}
	runes := []rune(out)
	if len(runes) > maxAnchorRunes {
		out = string(runes[:maxAnchorRunes])
	}
	return out
}

// findAnchor reports whether any observed line contains the anchor text,
// and how far the closest such line sits from the stored position. hasPos
// is false when the anchor carries no reference position. A moved layout
// still counts as a hit; distance only dilutes the positional credit.
func findAnchor(lines []receipt.OCRLine, a Anchor) (dist float64, hasPos, ok bool) {
	hasPos = a.Position != (receipt.BBox{})
	best := math.Inf(1)
	for _, l := range lines {
		if !strings.Contains(sanitizeAnchorText(l.Text), a.Text) {
			continue
		}
		ok = true
		if !hasPos {
			return 0, false, true
		}
		dx := l.BBox.CenterX() - a.Position.CenterX()
		dy := l.BBox.CenterY() - a.Position.CenterY()
		if d := math.Hypot(dx, dy); d < best {
			best = d
		}
	}
	return best, hasPos, ok
}

// nearestLineTo finds the observed line closest to box. Learning only
// trusts lines within the cutoff; anything farther is a different region
// of the receipt.
func nearestLineTo(lines []receipt.OCRLine, box receipt.BBox) (receipt.OCRLine, bool) {
	best := receipt.OCRLine{}
	bestDist := math.Inf(1)
	for _, l := range lines {
		dx := l.BBox.CenterX() - box.CenterX()
		dy := l.BBox.CenterY() - box.CenterY()
		d := math.Hypot(dx, dy)
		if d < bestDist {
			best, bestDist = l, d
		}
	}
	if math.IsInf(bestDist, 1) || bestDist > nearestLineCutoff {
		return receipt.OCRLine{}, false
	}
	return best, true
}
