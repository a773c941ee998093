// Package classify decides whether a receipt came from a pharmacy or a
// clinic/hospital using weighted keyword evidence.
package classify

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/medstack/receiptocr/internal/ocr"
	"github.com/medstack/receiptocr/internal/receipt"
)

type Config struct {
	PharmacyWeight float64
	ClinicWeight   float64
	ContextBonus   float64
	MinQuality     float64
	MinGap         float64
	BaseConfidence float64
	GapScale       float64
}

func DefaultConfig() Config {
	return Config{
		PharmacyWeight: 1.6,
		ClinicWeight:   1.2,
		ContextBonus:   0.8,
		MinQuality:     0.45,
		MinGap:         1.0,
		BaseConfidence: 0.55,
		GapScale:       10,
	}
}

type Classifier struct {
	cfg Config
}

func New(cfg Config) *Classifier {
	def := DefaultConfig()
	if cfg.PharmacyWeight == 0 {
		cfg.PharmacyWeight = def.PharmacyWeight
	}
	if cfg.ClinicWeight == 0 {
		cfg.ClinicWeight = def.ClinicWeight
	}
	if cfg.ContextBonus == 0 {
		cfg.ContextBonus = def.ContextBonus
	}
	if cfg.MinQuality == 0 {
		cfg.MinQuality = def.MinQuality
	}
	if cfg.MinGap == 0 {
		cfg.MinGap = def.MinGap
	}
	if cfg.BaseConfidence == 0 {
		cfg.BaseConfidence = def.BaseConfidence
	}
	if cfg.GapScale == 0 {
		cfg.GapScale = def.GapScale
	}
	return &Classifier{cfg: cfg}
}

var pharmacyKeywords = []string{"薬局", "調剤", "処方", "保険薬局", "おくすり", "服薬"}

var clinicKeywords = []string{"病院", "医院", "クリニック", "診療所", "外来", "診察"}

var pharmacyContext = regexp.MustCompile(`処方箋交付|保険医療機関`)

// Result carries the verdict plus the evidence behind it.
type Result struct {
	Type       receipt.DocumentType
	Confidence float64
	Reasons    []string
	Quality    float64
}

func (c *Classifier) Classify(lines []receipt.OCRLine) Result {
	quality := ocr.MeanConfidence(lines)
	if len(lines) == 0 {
		return Result{Type: receipt.DocUnknown, Confidence: 0.0, Quality: 0, Reasons: []string{"no_ocr_lines"}}
	}
	if quality < c.cfg.MinQuality {
		return Result{Type: receipt.DocUnknown, Confidence: 0.2, Quality: quality,
			Reasons: []string{fmt.Sprintf("low_quality:%.3f", quality)}}
	}

	var pharmacy, clinic float64
	var reasons []string
	for _, line := range lines {
		text := line.Text
		for _, kw := range pharmacyKeywords {
			if !strings.Contains(text, kw) {
				continue
			}
			// 処方箋料 is a billing item, not evidence of document origin.
			if kw == "処方" && strings.Contains(text, "処方箋料") {
				continue
			}
			pharmacy += c.cfg.PharmacyWeight
			reasons = append(reasons, "pharmacy_kw:"+kw)
		}
		for _, kw := range clinicKeywords {
			if strings.Contains(text, kw) {
				clinic += c.cfg.ClinicWeight
				reasons = append(reasons, "clinic_kw:"+kw)
			}
		}
		if pharmacyContext.MatchString(text) {
			pharmacy += c.cfg.ContextBonus
			reasons = append(reasons, "pharmacy_context")
		}
	}

	if pharmacy == 0 && clinic == 0 {
		return Result{Type: receipt.DocUnknown, Confidence: 0.3, Quality: quality,
			Reasons: append(reasons, "no_keywords")}
	}
	gap := pharmacy - clinic
	if gap < 0 {
		gap = -gap
	}
	if gap < c.cfg.MinGap {
		return Result{Type: receipt.DocUnknown, Confidence: 0.4, Quality: quality,
			Reasons: append(reasons, fmt.Sprintf("small_gap:%.2f", gap))}
	}

	docType := receipt.DocPharmacy
	if clinic > pharmacy {
		docType = receipt.DocClinic
	}
	confidence := c.cfg.BaseConfidence + gap/c.cfg.GapScale
	if confidence > 1.0 {
		confidence = 1.0
	}
	reasons = append(reasons, fmt.Sprintf("scores:pharmacy=%.2f:clinic=%.2f", pharmacy, clinic))
	return Result{Type: docType, Confidence: confidence, Quality: quality, Reasons: reasons}
}
