package extract

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/medstack/receiptocr/internal/receipt"
)

// AmountConfig tunes the payment amount extractor. Zero values fall back to
// the defaults baked in from receipt corpora.
type AmountConfig struct {
	Base                float64 `yaml:"base"`
	PrimaryLabelBonus   float64 `yaml:"primary_label_bonus"`
	SecondaryLabelBonus float64 `yaml:"secondary_label_bonus"`
	NearPrimaryBonus    float64 `yaml:"near_primary_bonus"`
	NearSecondaryBonus  float64 `yaml:"near_secondary_bonus"`
	CurrencyBonus       float64 `yaml:"currency_bonus"`
	NearCurrencyBonus   float64 `yaml:"near_currency_bonus"`
	ExcludePenalty      float64 `yaml:"exclude_penalty"`
	SoftExcludePenalty  float64 `yaml:"soft_exclude_penalty"`
	DateContextPenalty  float64 `yaml:"date_context_penalty"`
	ContactPenalty      float64 `yaml:"contact_penalty"`
	BarePenalty         float64 `yaml:"bare_penalty"`
	LowerHalfBonus      float64 `yaml:"lower_half_bonus"`
	TallLineBonus       float64 `yaml:"tall_line_bonus"`
	ShortLinePenalty    float64 `yaml:"short_line_penalty"`
	AlignmentBonusMax   float64 `yaml:"alignment_bonus_max"`
	NearVTol            float64 `yaml:"near_vtol"`
	NearHTol            float64 `yaml:"near_htol"`
}

func DefaultAmountConfig() AmountConfig {
	return AmountConfig{
		Base:                1.2,
		PrimaryLabelBonus:   4.0,
		SecondaryLabelBonus: 2.4,
		NearPrimaryBonus:    2.8,
		NearSecondaryBonus:  1.4,
		CurrencyBonus:       1.8,
		NearCurrencyBonus:   0.8,
		ExcludePenalty:      3.0,
		SoftExcludePenalty:  1.0,
		DateContextPenalty:  2.0,
		ContactPenalty:      4.5,
		BarePenalty:         1.6,
		LowerHalfBonus:      0.6,
		TallLineBonus:       0.2,
		ShortLinePenalty:    0.2,
		AlignmentBonusMax:   3.0,
		NearVTol:            0.06,
		NearHTol:            0.8,
	}
}

func (c *AmountConfig) defaults() {
	d := DefaultAmountConfig()
	if c.Base == 0 {
		c.Base = d.Base
	}
	if c.PrimaryLabelBonus == 0 {
		c.PrimaryLabelBonus = d.PrimaryLabelBonus
	}
	if c.SecondaryLabelBonus == 0 {
		c.SecondaryLabelBonus = d.SecondaryLabelBonus
	}
	if c.NearPrimaryBonus == 0 {
		c.NearPrimaryBonus = d.NearPrimaryBonus
	}
	if c.NearSecondaryBonus == 0 {
		c.NearSecondaryBonus = d.NearSecondaryBonus
	}
	if c.CurrencyBonus == 0 {
		c.CurrencyBonus = d.CurrencyBonus
	}
	if c.NearCurrencyBonus == 0 {
		c.NearCurrencyBonus = d.NearCurrencyBonus
	}
	if c.ExcludePenalty == 0 {
		c.ExcludePenalty = d.ExcludePenalty
	}
	if c.SoftExcludePenalty == 0 {
		c.SoftExcludePenalty = d.SoftExcludePenalty
	}
	if c.DateContextPenalty == 0 {
		c.DateContextPenalty = d.DateContextPenalty
	}
	if c.ContactPenalty == 0 {
		c.ContactPenalty = d.ContactPenalty
	}
	if c.BarePenalty == 0 {
		c.BarePenalty = d.BarePenalty
	}
	if c.LowerHalfBonus == 0 {
		c.LowerHalfBonus = d.LowerHalfBonus
	}
	if c.TallLineBonus == 0 {
		c.TallLineBonus = d.TallLineBonus
	}
	if c.ShortLinePenalty == 0 {
		c.ShortLinePenalty = d.ShortLinePenalty
	}
	if c.AlignmentBonusMax == 0 {
		c.AlignmentBonusMax = d.AlignmentBonusMax
	}
	if c.NearVTol == 0 {
		c.NearVTol = d.NearVTol
	}
	if c.NearHTol == 0 {
		c.NearHTol = d.NearHTol
	}
}

var (
	amountRe = regexp.MustCompile(`(?:[¥￥]\s*)?(\d{1,3}(?:,\d{3})+|\d+)\s*(?:円)?`)

	amountPrimaryLabels   = []string{"領収", "請求", "お支払", "今回"}
	amountSecondaryLabels = []string{"合計", "計", "入金額", "金額"}
	amountExcludeContext  = []string{"総点数", "保険点数", "点数", "保険合計点", "消費税", "税率", "%"}
	amountDateContext     = []string{"年", "月", "日", "/"}
	amountContactContext  = []string{"TEL", "FAX", "電話", "〒"}
	amountNoteContext     = []string{"未満", "四捨五入", "再発行", "印紙法"}
	identifierContext     = []string{"番号", "伝票", "受付", "会計", "患者", "カルテ"}

	identifierNoRe = regexp.MustCompile(`No\.?\s*\d`)
	currencyRunes  = []string{"円", "¥", "￥"}
)

// nearLabelBase builds the composite labels matched on neighbor lines, e.g.
// 領収額, 合計金額, 自己負担額.
var nearLabelBases = []string{"領収", "請求", "合計", "自己負担"}

type AmountExtractor struct {
	cfg AmountConfig
}

func NewAmountExtractor(cfg AmountConfig) *AmountExtractor {
	cfg.defaults()
	return &AmountExtractor{cfg: cfg}
}

// Extract scans every line for yen amounts and scores each match.
func (e *AmountExtractor) Extract(lines []receipt.OCRLine) []receipt.Candidate {
	var out []receipt.Candidate
	for _, line := range lines {
		out = append(out, e.extractLine(lines, line)...)
	}
	sortCandidates(out)
	return out
}

func (e *AmountExtractor) extractLine(lines []receipt.OCRLine, line receipt.OCRLine) []receipt.Candidate {
	text := line.Text
	matches := amountRe.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		return nil
	}
	if _, hit := containsAny(text, amountNoteContext); hit {
		return nil
	}

	_, hasPrimary := containsAny(text, amountPrimaryLabels)
	_, hasSecondary := containsAny(text, amountSecondaryLabels)
	_, hasExclude := containsAny(text, amountExcludeContext)
	_, hasContact := containsAny(text, amountContactContext)
	hasIdentifier := false
	if _, ok := containsAny(text, identifierContext); ok || identifierNoRe.MatchString(text) {
		hasIdentifier = true
	}

	var out []receipt.Candidate
	for _, m := range matches {
		full := text[m[0]:m[1]]
		digits := text[m[2]:m[3]]

		// Negative and parenthesized figures are adjustments, never totals.
		before := text[:m[0]]
		if strings.HasSuffix(strings.TrimSpace(before), "-") || strings.HasSuffix(before, "(") {
			continue
		}
		// Point-unit figures are insurance points, not yen.
		rest := text[m[1]:]
		if strings.HasPrefix(strings.TrimSpace(rest), "点") {
			continue
		}

		hasCurrency := strings.ContainsAny(full, "¥￥") || strings.Contains(full, "円") ||
			strings.HasPrefix(strings.TrimSpace(rest), "円")
		if hasIdentifier && !hasCurrency && !hasPrimary && !hasSecondary {
			continue
		}

		value, err := strconv.ParseInt(strings.ReplaceAll(digits, ",", ""), 10, 64)
		if err != nil {
			continue
		}

		score := e.cfg.Base
		reasons := []string{"amount_base"}
		indices := []int{line.LineIndex}
		box := line.BBox

		if hasPrimary {
			score += e.cfg.PrimaryLabelBonus
			reasons = append(reasons, "primary_label")
		} else if hasSecondary {
			score += e.cfg.SecondaryLabelBonus
			reasons = append(reasons, "secondary_label")
		} else {
			if near, ok := e.nearLabel(lines, line, true); ok {
				score += e.cfg.NearPrimaryBonus
				reasons = append(reasons, "near_primary_label")
				indices = mergeIndices(indices, []int{near.LineIndex})
				box = box.Union(near.BBox)
				hasPrimary = true
			} else if near, ok := e.nearLabel(lines, line, false); ok {
				score += e.cfg.NearSecondaryBonus
				reasons = append(reasons, "near_secondary_label")
				indices = mergeIndices(indices, []int{near.LineIndex})
				box = box.Union(near.BBox)
			}
		}

		if hasCurrency {
			score += e.cfg.CurrencyBonus
			reasons = append(reasons, "currency_marker")
		} else if _, ok := nearbyLine(lines, line.LineIndex, line.BBox, e.cfg.NearVTol, e.cfg.NearHTol, func(l receipt.OCRLine) bool {
			_, hit := containsAny(l.Text, currencyRunes)
			return hit
		}); ok {
			score += e.cfg.NearCurrencyBonus
			reasons = append(reasons, "near_currency")
		}

		if hasExclude {
			p := e.cfg.ExcludePenalty
			if hasCurrency && hasPrimary {
				p = e.cfg.SoftExcludePenalty
			}
			score -= p
			reasons = append(reasons, "exclude_context")
		}
		if looksLikeDateLine(text, full) {
			score -= e.cfg.DateContextPenalty
			reasons = append(reasons, "date_context")
		}
		if hasContact {
			score -= e.cfg.ContactPenalty
			reasons = append(reasons, "contact_context")
		}
		if !hasCurrency && !hasPrimary && !hasSecondary {
			score -= e.cfg.BarePenalty
			reasons = append(reasons, "bare_number")
		}

		if line.BBox.CenterY() >= 0.55 {
			score += e.cfg.LowerHalfBonus
			reasons = append(reasons, "lower_half")
		}
		if h := line.BBox.Height(); h >= 0.022 {
			score += e.cfg.TallLineBonus
			reasons = append(reasons, "tall_line")
		} else if h <= 0.012 && h > 0 {
			score -= e.cfg.ShortLinePenalty
			reasons = append(reasons, "short_line")
		}

		switch {
		case value == 0:
			score -= 1.0
			reasons = append(reasons, "zero_value")
		case value > 10_000_000:
			score -= 2.0
			reasons = append(reasons, "implausibly_large")
		case value < 10 && !hasPrimary:
			score -= 1.0
			reasons = append(reasons, "implausibly_small")
		}
		if value >= 1900 && value <= 2100 && !hasCurrency {
			score -= 2.5
			reasons = append(reasons, "likely_year_penalty")
		}
		plain := !hasCurrency && !strings.Contains(digits, ",")
		if plain && value < 100 && value >= 10 {
			score -= 1.2
			reasons = append(reasons, "small_plain_number")
		}
		if plain && len(digits) > 1 && digits[0] == '0' {
			score -= 1.2
			reasons = append(reasons, "leading_zero")
		}

		if !hasPrimary && !hasSecondary {
			if bonus, label := e.alignmentBonus(lines, line); bonus > 0 {
				score += bonus
				reasons = append(reasons, fmt.Sprintf("label_alignment:%s", label))
			}
		}

		out = append(out, receipt.Candidate{
			Field:             receipt.FieldPaymentAmount,
			ValueRaw:          strings.TrimSpace(full),
			ValueNormalized:   strconv.FormatInt(value, 10),
			SourceLineIndices: indices,
			BBox:              box,
			Score:             score,
			OCRConfidence:     line.Confidence,
			Reasons:           reasons,
			Source:            receipt.SourceGeneric,
		})
	}
	return out
}

// nearLabel looks for a label line next to the value line. Composite labels
// such as 領収額 or 合計金額 count at the tier of their base word.
func (e *AmountExtractor) nearLabel(lines []receipt.OCRLine, line receipt.OCRLine, primary bool) (receipt.OCRLine, bool) {
	return nearbyLine(lines, line.LineIndex, line.BBox, e.cfg.NearVTol, e.cfg.NearHTol, func(l receipt.OCRLine) bool {
		if primary {
			if _, ok := containsAny(l.Text, amountPrimaryLabels); ok {
				return true
			}
			for _, base := range nearLabelBases {
				if strings.Contains(l.Text, base+"額") || strings.Contains(l.Text, base+"金額") {
					return true
				}
			}
			return false
		}
		_, ok := containsAny(l.Text, amountSecondaryLabels)
		return ok
	})
}

// alignmentBonus rewards a value cell that lines up horizontally with a
// strong label cell, the common two-column receipt layout.
func (e *AmountExtractor) alignmentBonus(lines []receipt.OCRLine, line receipt.OCRLine) (float64, string) {
	cy := line.BBox.CenterY()
	for _, l := range lines {
		if l.LineIndex == line.LineIndex {
			continue
		}
		label, ok := containsAny(l.Text, amountPrimaryLabels)
		if !ok {
			continue
		}
		dy := l.BBox.CenterY() - cy
		if dy < 0 {
			dy = -dy
		}
		dx := line.BBox[0] - l.BBox[2]
		if dx < 0 {
			dx = -dx
		}
		if dy <= 0.08 && dx <= 0.25 {
			// Tighter alignment earns more of the cap.
			frac := 1.0 - (dy/0.08+dx/0.25)/2
			if frac < 0 {
				frac = 0
			}
			return e.cfg.AlignmentBonusMax * frac, label
		}
	}
	return 0, ""
}

// looksLikeDateLine reports whether the matched digits likely belong to a
// date expression rather than an amount.
func looksLikeDateLine(text, match string) bool {
	if strings.Contains(match, ",") || strings.ContainsAny(match, "¥￥円") {
		return false
	}
	hits := 0
	for _, kw := range amountDateContext {
		if strings.Contains(text, kw) {
			hits++
		}
	}
	return hits >= 2
}
