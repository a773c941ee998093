// Package resolve selects winning candidates, fuses confidences, and
// produces the accept/review/reject decision for an extraction.
package resolve

import (
	"sort"
	"strings"

	"github.com/medstack/receiptocr/internal/receipt"
)

type Config struct {
	CandidateThreshold      float64 `yaml:"candidate_threshold"`
	TemplateThresholdRelief float64 `yaml:"template_threshold_relief"`
	RejectThreshold         float64 `yaml:"reject_threshold"`
	ReviewThreshold         float64 `yaml:"review_threshold"`
	MinQuality              float64 `yaml:"min_quality"`
}

func DefaultConfig() Config {
	return Config{
		CandidateThreshold:      2.5,
		TemplateThresholdRelief: 0.7,
		RejectThreshold:         0.35,
		ReviewThreshold:         0.72,
		MinQuality:              0.25,
	}
}

func (c *Config) defaults() {
	d := DefaultConfig()
	if c.CandidateThreshold == 0 {
		c.CandidateThreshold = d.CandidateThreshold
	}
	if c.TemplateThresholdRelief == 0 {
		c.TemplateThresholdRelief = d.TemplateThresholdRelief
	}
	if c.RejectThreshold == 0 {
		c.RejectThreshold = d.RejectThreshold
	}
	if c.ReviewThreshold == 0 {
		c.ReviewThreshold = d.ReviewThreshold
	}
	if c.MinQuality == 0 {
		c.MinQuality = d.MinQuality
	}
}

type Resolver struct {
	cfg Config
}

func New(cfg Config) *Resolver {
	cfg.defaults()
	return &Resolver{cfg: cfg}
}

// SelectFields picks the winning candidate per field: the max by
// (score, OCR confidence), kept only when it clears the threshold.
// Template candidates clear a lower bar.
func (r *Resolver) SelectFields(pool map[receipt.FieldName][]receipt.Candidate) map[receipt.FieldName]receipt.Candidate {
	out := map[receipt.FieldName]receipt.Candidate{}
	for field, cands := range pool {
		best, ok := r.selectOne(cands)
		if ok {
			out[field] = best
		}
	}
	return out
}

func (r *Resolver) selectOne(cands []receipt.Candidate) (receipt.Candidate, bool) {
	var best receipt.Candidate
	found := false
	for _, c := range cands {
		if !found || c.Score > best.Score ||
			(c.Score == best.Score && c.OCRConfidence > best.OCRConfidence) {
			best = c
			found = true
		}
	}
	if !found {
		return receipt.Candidate{}, false
	}
	threshold := r.cfg.CandidateThreshold
	if best.Source == receipt.SourceTemplate {
		threshold -= r.cfg.TemplateThresholdRelief
	}
	if best.Score < threshold {
		return receipt.Candidate{}, false
	}
	return best, true
}

// FieldConfidence fuses OCR confidence with the extraction score.
func FieldConfidence(c receipt.Candidate) float64 {
	scorePart := c.Score / 10
	if scorePart > 1 {
		scorePart = 1
	}
	if scorePart < 0 {
		scorePart = 0
	}
	return 0.55*c.OCRConfidence + 0.45*scorePart
}

// Resolve builds the decision from the selected fields. pool is the full
// candidate pool the selection drew from; a completely empty pool is the
// only no-candidate rejection.
func (r *Resolver) Resolve(fields map[receipt.FieldName]receipt.Candidate, pool map[receipt.FieldName][]receipt.Candidate, quality float64, tplMatch *receipt.TemplateMatch) receipt.Decision {
	d := receipt.Decision{FieldConfidences: map[receipt.FieldName]float64{}}

	if poolSize(pool) == 0 {
		d.Status = receipt.StatusRejected
		d.Reasons = append(d.Reasons, "no_viable_candidates")
		d.MissingRequired = append(d.MissingRequired, receipt.RequiredFields...)
		return d
	}
	if quality < r.cfg.MinQuality {
		d.Status = receipt.StatusRejected
		d.Reasons = append(d.Reasons, "low_ocr_quality")
		return d
	}

	// Base confidence averages over every selected field, not just the
	// required ones.
	var base float64
	var n int
	for _, f := range receipt.RequiredFields {
		if _, ok := fields[f]; !ok {
			d.MissingRequired = append(d.MissingRequired, f)
		}
	}
	for f, c := range fields {
		conf := FieldConfidence(c)
		d.FieldConfidences[f] = conf
		base += conf
		n++
	}
	if n > 0 {
		base /= float64(n)
	}

	if tplMatch != nil && tplMatch.Matched {
		d.OverallConfidence = 0.65*base + 0.20*tplMatch.Score + 0.15*quality
	} else {
		d.OverallConfidence = 0.80*base + 0.20*quality
	}

	switch {
	case d.OverallConfidence < r.cfg.RejectThreshold:
		d.Status = receipt.StatusRejected
		d.Reasons = append(d.Reasons, "overall_confidence_below_reject_threshold")
	case len(d.MissingRequired) > 0:
		d.Status = receipt.StatusReviewRequired
		d.Reasons = append(d.Reasons, "missing_required_fields:"+joinFields(d.MissingRequired))
	case d.OverallConfidence < r.cfg.ReviewThreshold:
		d.Status = receipt.StatusReviewRequired
		d.Reasons = append(d.Reasons, "overall_confidence_below_review_threshold")
	default:
		d.Status = receipt.StatusAutoAccept
		d.Reasons = append(d.Reasons, "all_required_fields_present")
	}

	if tplMatch != nil && tplMatch.Matched {
		if tplMatch.Score >= 0.8 {
			d.Reasons = append(d.Reasons, "template_match_strong")
		} else {
			d.Reasons = append(d.Reasons, "template_match_applied")
		}
	}
	return d
}

func poolSize(pool map[receipt.FieldName][]receipt.Candidate) int {
	n := 0
	for _, cands := range pool {
		n += len(cands)
	}
	return n
}

func joinFields(fields []receipt.FieldName) string {
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = string(f)
	}
	sort.Strings(names)
	return strings.Join(names, ",")
}

// TruncatePool keeps the top candidates per field for audit output.
func TruncatePool(pool map[receipt.FieldName][]receipt.Candidate, max int) map[receipt.FieldName][]receipt.Candidate {
	out := map[receipt.FieldName][]receipt.Candidate{}
	for f, cands := range pool {
		sorted := append([]receipt.Candidate{}, cands...)
		sort.SliceStable(sorted, func(i, j int) bool {
			if sorted[i].Score != sorted[j].Score {
				return sorted[i].Score > sorted[j].Score
			}
			return sorted[i].OCRConfidence > sorted[j].OCRConfidence
		})
		if len(sorted) > max {
			sorted = sorted[:max]
		}
		out[f] = sorted
	}
	return out
}

// MergePools appends template candidates into the generic pool.
func MergePools(dst, src map[receipt.FieldName][]receipt.Candidate) map[receipt.FieldName][]receipt.Candidate {
	if dst == nil {
		dst = map[receipt.FieldName][]receipt.Candidate{}
	}
	for f, cands := range src {
		dst[f] = append(dst[f], cands...)
	}
	return dst
}
