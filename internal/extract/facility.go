package extract

import (
	"strings"

	"github.com/medstack/receiptocr/internal/jptext"
	"github.com/medstack/receiptocr/internal/receipt"
)

var (
	pharmacyFacilityKw    = []string{"薬局", "調剤", "ファーマシー", "保険薬局"}
	clinicFacilityKw      = []string{"病院", "医院", "クリニック", "診療所"}
	prescribingFacilityKw = []string{"処方箋", "保険医療機関", "交付", "医師"}
	contactKw             = []string{"〒", "TEL", "領収書", "発行"}

	nonNameHints = []string{
		"領収金額", "合計金額", "保険点数", "一部負担金", "明細書", "診療明細",
		"お問い合わせ", "受付時間", "営業時間", "インボイス", "登録番号",
	}

	rejectedCompactNames = map[string]bool{
		"調剤": true, "明細": true, "領収": true, "合計": true, "内訳": true,
	}
)

const facilityNearVTol = 0.12

type FacilityExtractor struct{}

func NewFacilityExtractor() *FacilityExtractor { return &FacilityExtractor{} }

// Extract returns payer-facility candidates, and for pharmacy documents
// also prescribing-facility candidates.
func (e *FacilityExtractor) Extract(lines []receipt.OCRLine, docType receipt.DocumentType) []receipt.Candidate {
	var out []receipt.Candidate
	for _, line := range lines {
		name := cleanFacilityText(line.Text)
		if !looksLikeFacilityName(name, line.Text) {
			continue
		}
		switch docType {
		case receipt.DocPharmacy:
			if c, ok := e.scorePharmacyPayer(lines, line, name); ok {
				out = append(out, c)
			}
			if c, ok := e.scorePharmacyPrescribing(lines, line, name); ok {
				out = append(out, c)
			}
		case receipt.DocClinic:
			if c, ok := e.scoreClinicPayer(lines, line, name); ok {
				out = append(out, c)
			}
		default:
			if c, ok := e.scoreUnknown(lines, line, name); ok {
				out = append(out, c)
			}
		}
	}
	sortCandidates(out)
	return out
}

// cleanFacilityText strips prescribing prefixes so the name itself is the
// candidate value, e.g. "処方箋発行医療機関 さくら内科" keeps the tail.
func cleanFacilityText(text string) string {
	t := strings.TrimSpace(text)
	for _, prefix := range []string{"処方箋発行医療機関", "保険医療機関", "処方箋交付"} {
		if rest, ok := strings.CutPrefix(t, prefix); ok {
			t = strings.TrimSpace(strings.TrimLeft(rest, ":："))
		}
	}
	return t
}

func looksLikeFacilityName(name, original string) bool {
	if name == "" {
		return false
	}
	runes := []rune(name)
	if len(runes) < 2 || len(runes) > 64 {
		return false
	}
	for _, prefix := range []string{"〒", "TEL", "FAX"} {
		if strings.HasPrefix(name, prefix) {
			return false
		}
	}
	for _, hint := range nonNameHints {
		if strings.Contains(original, hint) {
			return false
		}
	}
	compact := jptext.Compact(name)
	if rejectedCompactNames[compact] {
		return false
	}
	if strings.HasSuffix(compact, "様") || strings.HasSuffix(compact, "殿") {
		return false
	}
	if strings.Contains(name, ":") {
		if _, ok := containsAny(name, pharmacyFacilityKw); !ok {
			if _, ok := containsAny(name, clinicFacilityKw); !ok {
				return false
			}
		}
	}
	if jptext.DigitRatio(name) > 0.35 {
		return false
	}
	return true
}

func (e *FacilityExtractor) scorePharmacyPayer(lines []receipt.OCRLine, line receipt.OCRLine, name string) (receipt.Candidate, bool) {
	score := 1.0
	reasons := []string{"facility_base"}
	if kw, ok := containsAny(line.Text, pharmacyFacilityKw); ok {
		score += 3.0
		reasons = append(reasons, "pharmacy_kw:"+kw)
	}
	if line.BBox.CenterY() <= 0.25 {
		score += 2.0
		reasons = append(reasons, "top_region")
	}
	if e.nearContact(lines, line) {
		score += 2.0
		reasons = append(reasons, "near_contact")
	}
	if _, ok := containsAny(line.Text, prescribingFacilityKw); ok {
		score -= 4.0
		reasons = append(reasons, "prescribing_context")
	}
	if kw, ok := containsAny(line.Text, clinicFacilityKw); ok {
		score -= 2.0
		reasons = append(reasons, "clinic_kw:"+kw)
	}
	if score < 1.0 {
		return receipt.Candidate{}, false
	}
	return e.candidate(receipt.FieldPayerFacility, line, name, score, reasons), true
}

func (e *FacilityExtractor) scorePharmacyPrescribing(lines []receipt.OCRLine, line receipt.OCRLine, name string) (receipt.Candidate, bool) {
	score := 0.8
	reasons := []string{"facility_base"}
	matched := false
	if kw, ok := containsAny(line.Text, prescribingFacilityKw); ok {
		score += 3.0
		matched = true
		reasons = append(reasons, "prescribing_kw:"+kw)
	}
	if kw, ok := containsAny(line.Text, clinicFacilityKw); ok {
		score += 2.0
		matched = true
		reasons = append(reasons, "clinic_kw:"+kw)
	}
	if !matched {
		return receipt.Candidate{}, false
	}
	if _, ok := containsAny(line.Text, pharmacyFacilityKw); ok {
		score -= 3.0
		reasons = append(reasons, "pharmacy_kw")
	}
	if cy := line.BBox.CenterY(); cy >= 0.18 && cy <= 0.6 {
		score += 0.6
		reasons = append(reasons, "middle_region")
	}
	if score < 1.0 {
		return receipt.Candidate{}, false
	}
	return e.candidate(receipt.FieldPrescribingFacility, line, name, score, reasons), true
}

func (e *FacilityExtractor) scoreClinicPayer(lines []receipt.OCRLine, line receipt.OCRLine, name string) (receipt.Candidate, bool) {
	score := 1.0
	reasons := []string{"facility_base"}
	if line.BBox.CenterY() <= 0.25 {
		score += 1.6
		reasons = append(reasons, "top_region")
	}
	if kw, ok := containsAny(line.Text, clinicFacilityKw); ok {
		score += 3.6
		reasons = append(reasons, "clinic_kw:"+kw)
	}
	if strings.Contains(line.Text, "医療法人") {
		score += 0.8
		reasons = append(reasons, "medical_corporation")
	}
	if e.nearContact(lines, line) {
		score += 0.8
		reasons = append(reasons, "near_contact")
	}
	if _, ok := containsAny(line.Text, prescribingFacilityKw); ok {
		score -= 2.0
		reasons = append(reasons, "prescribing_context")
	}
	compact := jptext.Compact(line.Text)
	if strings.HasSuffix(compact, "様") || strings.HasSuffix(compact, "殿") {
		score -= 3.0
		reasons = append(reasons, "honorific_suffix")
	}
	if score < 1.0 {
		return receipt.Candidate{}, false
	}
	return e.candidate(receipt.FieldPayerFacility, line, name, score, reasons), true
}

func (e *FacilityExtractor) scoreUnknown(lines []receipt.OCRLine, line receipt.OCRLine, name string) (receipt.Candidate, bool) {
	score := 0.5
	reasons := []string{"facility_base"}
	if kw, ok := containsAny(line.Text, pharmacyFacilityKw); ok {
		score += 1.8
		reasons = append(reasons, "pharmacy_kw:"+kw)
	}
	if kw, ok := containsAny(line.Text, clinicFacilityKw); ok {
		score += 1.8
		reasons = append(reasons, "clinic_kw:"+kw)
	}
	if line.BBox.CenterY() <= 0.30 {
		score += 1.0
		reasons = append(reasons, "top_region")
	}
	// Without a recognized document type only lines with real evidence
	// survive.
	if score < 1.4 {
		return receipt.Candidate{}, false
	}
	return e.candidate(receipt.FieldPayerFacility, line, name, score, reasons), true
}

func (e *FacilityExtractor) nearContact(lines []receipt.OCRLine, line receipt.OCRLine) bool {
	_, ok := nearbyLine(lines, line.LineIndex, line.BBox, facilityNearVTol, 1.0, func(l receipt.OCRLine) bool {
		_, hit := containsAny(l.Text, contactKw)
		return hit
	})
	return ok
}

func (e *FacilityExtractor) candidate(field receipt.FieldName, line receipt.OCRLine, name string, score float64, reasons []string) receipt.Candidate {
	return receipt.Candidate{
		Field:             field,
		ValueRaw:          line.Text,
		ValueNormalized:   name,
		SourceLineIndices: []int{line.LineIndex},
		BBox:              line.BBox,
		Score:             score,
		OCRConfidence:     line.Confidence,
		Reasons:           reasons,
		Source:            receipt.SourceGeneric,
	}
}
