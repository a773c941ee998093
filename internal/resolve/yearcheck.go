package resolve

import (
	"fmt"
	"strconv"

	"github.com/medstack/receiptocr/internal/receipt"
)

type YearConfig struct {
	TargetTaxYear int `yaml:"target_tax_year"`

	// Batch mode: only used when no target tax year is configured.
	Enabled            bool    `yaml:"enabled"`
	MinSamples         int     `yaml:"min_samples"`
	DominantRatio      float64 `yaml:"dominant_ratio_threshold"`
	WeightByConfidence bool    `yaml:"weight_by_confidence"`
}

func (c *YearConfig) defaults() {
	if c.MinSamples == 0 {
		c.MinSamples = 5
	}
	if c.DominantRatio == 0 {
		c.DominantRatio = 0.65
	}
}

// YearReconciler flags documents whose payment year disagrees with the
// target tax year or with the dominant year of the batch.
type YearReconciler struct {
	cfg YearConfig
}

func NewYearReconciler(cfg YearConfig) *YearReconciler {
	cfg.defaults()
	return &YearReconciler{cfg: cfg}
}

func documentYear(r *receipt.ExtractionResult) (int, bool) {
	c, ok := r.Fields[receipt.FieldPaymentDate]
	if !ok || len(c.ValueNormalized) < 4 {
		return 0, false
	}
	y, err := strconv.Atoi(c.ValueNormalized[:4])
	if err != nil || y == 0 {
		return 0, false
	}
	return y, true
}

// CheckTarget demotes an auto-accept to review when the document year
// differs from the configured target tax year. Rejected documents are
// never upgraded or further touched.
func (y *YearReconciler) CheckTarget(r *receipt.ExtractionResult) {
	if y.cfg.TargetTaxYear == 0 || r.Decision.Status == receipt.StatusRejected {
		return
	}
	docYear, ok := documentYear(r)
	if !ok || docYear == y.cfg.TargetTaxYear {
		return
	}
	reason := fmt.Sprintf("year_mismatch_target_tax_year:target=%d:doc=%d", y.cfg.TargetTaxYear, docYear)
	r.Decision.Status = receipt.StatusReviewRequired
	r.Decision.Reasons = append(r.Decision.Reasons, reason)
	r.Audit.Notes = append(r.Audit.Notes, reason)
}

// CheckBatch finds the dominant year across the batch and, when it is
// dominant enough, demotes outliers to review. Votes are weighted by the
// date candidate's OCR confidence unless weighting is off. Batch mode
// only runs when no target tax year is configured; rejected documents
// never change status.
func (y *YearReconciler) CheckBatch(results []*receipt.ExtractionResult) {
	if !y.cfg.Enabled || y.cfg.TargetTaxYear != 0 {
		return
	}
	years := map[int]float64{}
	total := 0.0
	samples := 0
	for _, r := range results {
		yr, ok := documentYear(r)
		if !ok {
			continue
		}
		w := 1.0
		if y.cfg.WeightByConfidence {
			if c, ok := r.Fields[receipt.FieldPaymentDate]; ok && c.OCRConfidence > 0 {
				w = c.OCRConfidence
			}
		}
		years[yr] += w
		total += w
		samples++
	}
	if samples < y.cfg.MinSamples || total == 0 {
		return
	}
	dominant := 0
	weight := 0.0
	for yr, w := range years {
		if w > weight {
			dominant, weight = yr, w
		}
	}
	ratio := weight / total
	if ratio < y.cfg.DominantRatio {
		return
	}
	for _, r := range results {
		if r.Decision.Status == receipt.StatusRejected {
			continue
		}
		yr, ok := documentYear(r)
		if !ok || yr == dominant {
			continue
		}
		reason := fmt.Sprintf("year_outlier_against_batch:dominant=%d:doc=%d:ratio=%.3f", dominant, yr, ratio)
		r.Decision.Status = receipt.StatusReviewRequired
		r.Decision.Reasons = append(r.Decision.Reasons, reason)
		r.Audit.Notes = append(r.Audit.Notes, reason)
	}
}
