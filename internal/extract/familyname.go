package extract

import (
	"strings"

	"github.com/medstack/receiptocr/internal/family"
	"github.com/medstack/receiptocr/internal/jptext"
	"github.com/medstack/receiptocr/internal/receipt"
)

var familyNameLabels = []string{"患者氏名", "患者名", "受診者氏名", "受診者", "氏名", "お名前"}

type FamilyNameExtractor struct {
	registry *family.Registry
}

func NewFamilyNameExtractor(registry *family.Registry) *FamilyNameExtractor {
	return &FamilyNameExtractor{registry: registry}
}

// Extract proposes patient-name candidates resolved through the household
// registry. Each line yields at most three hypotheses: the label-stripped
// text, the honorific-stripped text, and the raw line.
func (e *FamilyNameExtractor) Extract(lines []receipt.OCRLine) []receipt.Candidate {
	var out []receipt.Candidate
	for _, line := range lines {
		for _, hyp := range nameHypotheses(line.Text) {
			if !plausibleName(hyp) {
				continue
			}
			res := e.registry.Resolve(hyp)
			score := res.Score
			reasons := []string{res.Reason}
			if _, ok := containsAny(line.Text, familyNameLabels); ok {
				score += 1.0
				reasons = append(reasons, "name_label")
			}
			compact := jptext.Compact(line.Text)
			if strings.HasSuffix(compact, "様") || strings.HasSuffix(compact, "殿") {
				score += 0.4
				reasons = append(reasons, "honorific_suffix")
			}
			source := receipt.SourceGeneric
			if res.Known {
				source = receipt.SourceFamilyRegistry
			}
			out = append(out, receipt.Candidate{
				Field:             receipt.FieldFamilyMember,
				ValueRaw:          line.Text,
				ValueNormalized:   res.Canonical,
				SourceLineIndices: []int{line.LineIndex},
				BBox:              line.BBox,
				Score:             score,
				OCRConfidence:     line.Confidence,
				Reasons:           reasons,
				Source:            source,
			})
			// First plausible hypothesis per line wins; the later ones are
			// weaker renderings of the same text.
			break
		}
	}
	sortCandidates(out)
	return out
}

func nameHypotheses(text string) []string {
	stripped := family.Normalize(text)
	noHonorific := strings.TrimSpace(strings.TrimSuffix(strings.TrimSuffix(strings.TrimSpace(text), "様"), "殿"))
	raw := strings.TrimSpace(text)
	var out []string
	seen := map[string]bool{}
	for _, h := range []string{stripped, noHonorific, raw} {
		if h != "" && !seen[h] {
			seen[h] = true
			out = append(out, h)
		}
	}
	return out
}

func plausibleName(s string) bool {
	if strings.ContainsAny(s, "0123456789") {
		return false
	}
	for _, hint := range nonNameHints {
		if strings.Contains(s, hint) {
			return false
		}
	}
	compact := jptext.Compact(s)
	n := len([]rune(compact))
	if n < 2 || n > 24 {
		return false
	}
	return jptext.IsJapaneseName(s)
}
