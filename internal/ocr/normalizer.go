// Package ocr turns raw OCR engine payloads into normalized line sets and
// hosts the pluggable recognition providers.
package ocr

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/medstack/receiptocr/internal/jptext"
	"github.com/medstack/receiptocr/internal/receipt"
)

// rawLine accepts the union of shapes the supported engines emit. Bounding
// geometry may arrive as a normalized bbox, a pixel bbox, or a polygon.
type rawLine struct {
	Text       string      `json:"text"`
	Confidence float64     `json:"confidence"`
	LineIndex  *int        `json:"line_index"`
	Page       int         `json:"page"`
	BBox       []float64   `json:"bbox"`
	Polygon    [][]float64 `json:"polygon"`
	PageWidth  float64     `json:"page_width"`
	PageHeight float64     `json:"page_height"`
}

type rawPayload struct {
	Lines []rawLine `json:"lines"`
}

// Normalize decodes an engine payload (either a bare JSON array of lines or
// an object with a "lines" key) into sorted, clamped OCR lines.
func Normalize(payload []byte) ([]receipt.OCRLine, error) {
	var lines []rawLine
	if err := json.Unmarshal(payload, &lines); err != nil {
		var wrapped rawPayload
		if err2 := json.Unmarshal(payload, &wrapped); err2 != nil {
			return nil, receipt.WrapError(receipt.KindValidation, "undecodable ocr payload", err)
		}
		lines = wrapped.Lines
	}
	return NormalizeLines(lines)
}

// NormalizeLines applies the per-line normalization rules and ordering.
func NormalizeLines(lines []rawLine) ([]receipt.OCRLine, error) {
	out := make([]receipt.OCRLine, 0, len(lines))
	for i, rl := range lines {
		text := strings.TrimSpace(rl.Text)
		if text == "" {
			continue
		}
		idx := i
		if rl.LineIndex != nil {
			idx = *rl.LineIndex
		}
		box, err := normalizeBox(rl)
		if err != nil {
			// One mangled geometry drops that line, not the payload.
			continue
		}
		out = append(out, receipt.OCRLine{
			Text:       jptext.FoldWidth(text),
			BBox:       box,
			Confidence: normalizeConfidence(rl.Confidence),
			LineIndex:  idx,
			Page:       rl.Page,
		})
	}
	sort.SliceStable(out, func(a, b int) bool {
		la, lb := out[a], out[b]
		if la.Page != lb.Page {
			return la.Page < lb.Page
		}
		if la.LineIndex != lb.LineIndex {
			return la.LineIndex < lb.LineIndex
		}
		if la.BBox[1] != lb.BBox[1] {
			return la.BBox[1] < lb.BBox[1]
		}
		return la.BBox[0] < lb.BBox[0]
	})
	return out, nil
}

// Some engines report percent confidences.
func normalizeConfidence(c float64) float64 {
	if c > 1.0 {
		c = c / 100
	}
	return clamp01(c)
}

func normalizeBox(rl rawLine) (receipt.BBox, error) {
	coords := rl.BBox
	if len(coords) == 0 && len(rl.Polygon) > 0 {
		xmin, ymin := rl.Polygon[0][0], rl.Polygon[0][1]
		xmax, ymax := xmin, ymin
		for _, p := range rl.Polygon {
			if len(p) < 2 {
				return receipt.BBox{}, fmt.Errorf("polygon vertex with %d coords", len(p))
			}
			xmin, xmax = minf(xmin, p[0]), maxf(xmax, p[0])
			ymin, ymax = minf(ymin, p[1]), maxf(ymax, p[1])
		}
		coords = []float64{xmin, ymin, xmax, ymax}
	}
	if len(coords) != 4 {
		return receipt.BBox{}, fmt.Errorf("bbox with %d coords", len(coords))
	}
	x1, y1, x2, y2 := coords[0], coords[1], coords[2], coords[3]
	// Pixel-space input: any coordinate well past the unit page.
	if x1 > 1.5 || y1 > 1.5 || x2 > 1.5 || y2 > 1.5 {
		w, h := rl.PageWidth, rl.PageHeight
		if w <= 0 {
			w = maxf(x2, 1)
		}
		if h <= 0 {
			h = maxf(y2, 1)
		}
		x1, x2 = x1/w, x2/w
		y1, y2 = y1/h, y2/h
	}
	if x2 < x1 {
		x1, x2 = x2, x1
	}
	if y2 < y1 {
		y1, y2 = y2, y1
	}
	return receipt.BBox{clamp01(x1), clamp01(y1), clamp01(x2), clamp01(y2)}, nil
}

// MeanConfidence is the OCR quality signal: the mean confidence of all
// non-empty lines, zero for an empty document.
func MeanConfidence(lines []receipt.OCRLine) float64 {
	if len(lines) == 0 {
		return 0
	}
	sum := 0.0
	for _, l := range lines {
		sum += l.Confidence
	}
	return sum / float64(len(lines))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func minf(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
