package ocr

import (
	"context"
	"encoding/json"
	"os"

	"github.com/medstack/receiptocr/internal/receipt"
)

// DocumentAIDecoder adapts exported Document AI JSON into normalized lines.
// It does not call the service; batch runs consume pre-fetched payloads.
type DocumentAIDecoder struct{}

func (DocumentAIDecoder) Name() string { return "documentai" }

type docaiPayload struct {
	Document struct {
		Pages []struct {
			Dimension struct {
				Width  float64 `json:"width"`
				Height float64 `json:"height"`
			} `json:"dimension"`
			Lines []struct {
				Layout struct {
					TextAnchor struct {
						Content string `json:"content"`
					} `json:"textAnchor"`
					Confidence   float64 `json:"confidence"`
					BoundingPoly struct {
						NormalizedVertices []struct {
							X float64 `json:"x"`
							Y float64 `json:"y"`
						} `json:"normalizedVertices"`
						Vertices []struct {
							X float64 `json:"x"`
							Y float64 `json:"y"`
						} `json:"vertices"`
					} `json:"boundingPoly"`
				} `json:"layout"`
			} `json:"lines"`
		} `json:"pages"`
	} `json:"document"`
}

// Decode accepts either the native Document AI response shape or the
// generic lines payload and returns normalized lines.
func (DocumentAIDecoder) Decode(payload []byte) ([]receipt.OCRLine, error) {
	var doc docaiPayload
	if err := json.Unmarshal(payload, &doc); err == nil && len(doc.Document.Pages) > 0 {
		var raw []rawLine
		idx := 0
		for pageNo, page := range doc.Document.Pages {
			for _, line := range page.Lines {
				verts := line.Layout.BoundingPoly.NormalizedVertices
				poly := make([][]float64, 0, 4)
				if len(verts) > 0 {
					for _, v := range verts {
						poly = append(poly, []float64{v.X, v.Y})
					}
				} else {
					for _, v := range line.Layout.BoundingPoly.Vertices {
						poly = append(poly, []float64{v.X, v.Y})
					}
				}
				i := idx
				raw = append(raw, rawLine{
					Text:       line.Layout.TextAnchor.Content,
					Confidence: line.Layout.Confidence,
					LineIndex:  &i,
					Page:       pageNo,
					Polygon:    poly,
					PageWidth:  page.Dimension.Width,
					PageHeight: page.Dimension.Height,
				})
				idx++
			}
		}
		return NormalizeLines(raw)
	}
	return Normalize(payload)
}

func (d DocumentAIDecoder) RecognizeFile(ctx context.Context, path string) ([]receipt.OCRLine, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, receipt.WrapError(receipt.KindOCRFailure, "read payload", err)
	}
	return d.Decode(data)
}
