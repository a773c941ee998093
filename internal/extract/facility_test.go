package extract

import (
	"testing"

	"github.com/medstack/receiptocr/internal/receipt"
)

func TestFacilityPharmacyPayerAndPrescribing(t *testing.T) {
	e := NewFacilityExtractor()
	lines := []receipt.OCRLine{
		ocrLine(0, "すこやか薬局 中央店", receipt.BBox{0.08, 0.03, 0.68, 0.07}, 0.97),
		ocrLine(1, "〒150-0001 TEL 03-1234-5678", receipt.BBox{0.08, 0.08, 0.90, 0.11}, 0.93),
		ocrLine(2, "処方箋発行医療機関 さくら内科クリニック", receipt.BBox{0.10, 0.32, 0.78, 0.35}, 0.91),
	}
	cands := e.Extract(lines, receipt.DocPharmacy)

	var payer, prescribing *receipt.Candidate
	for i := range cands {
		c := &cands[i]
		if c.Field == receipt.FieldPayerFacility && payer == nil {
			payer = c
		}
		if c.Field == receipt.FieldPrescribingFacility && prescribing == nil {
			prescribing = c
		}
	}
	if payer == nil || payer.ValueNormalized != "すこやか薬局 中央店" {
		t.Fatalf("payer = %+v", payer)
	}
	if prescribing == nil || prescribing.ValueNormalized != "さくら内科クリニック" {
		t.Fatalf("prescribing = %+v", prescribing)
	}
	if payer.Score <= 2.5 {
		t.Errorf("payer score = %v, want above threshold", payer.Score)
	}
}

func TestFacilityClinicPayer(t *testing.T) {
	e := NewFacilityExtractor()
	lines := []receipt.OCRLine{
		ocrLine(0, "医療法人社団 さくら内科クリニック", receipt.BBox{0.1, 0.03, 0.8, 0.07}, 0.95),
		ocrLine(1, "山田 太郎 様", receipt.BBox{0.1, 0.2, 0.5, 0.24}, 0.95),
	}
	cands := e.Extract(lines, receipt.DocClinic)
	if len(cands) == 0 {
		t.Fatal("no candidates")
	}
	top := cands[0]
	if top.ValueNormalized != "医療法人社団 さくら内科クリニック" {
		t.Fatalf("top = %+v", top)
	}
	for _, c := range cands {
		if c.ValueNormalized == "山田 太郎 様" {
			t.Fatalf("honorific line proposed as facility: %+v", c)
		}
	}
}

func TestFacilityRejectsNoise(t *testing.T) {
	e := NewFacilityExtractor()
	lines := []receipt.OCRLine{
		ocrLine(0, "〒150-0001 東京都渋谷区", receipt.BBox{0.1, 0.05, 0.8, 0.09}, 0.9),
		ocrLine(1, "領収金額 1,240円", receipt.BBox{0.1, 0.5, 0.5, 0.54}, 0.9),
		ocrLine(2, "調剤", receipt.BBox{0.1, 0.6, 0.3, 0.64}, 0.9),
	}
	if cands := e.Extract(lines, receipt.DocPharmacy); len(cands) != 0 {
		t.Fatalf("noise lines produced candidates: %+v", cands)
	}
}

func TestFacilityUnknownDocumentFloor(t *testing.T) {
	e := NewFacilityExtractor()
	lines := []receipt.OCRLine{
		ocrLine(0, "ひまわり堂", receipt.BBox{0.1, 0.05, 0.5, 0.09}, 0.9),
		ocrLine(1, "みどりや 本店", receipt.BBox{0.1, 0.58, 0.5, 0.62}, 0.9),
	}
	cands := e.Extract(lines, receipt.DocUnknown)
	if len(cands) == 0 {
		t.Fatal("no candidates")
	}
	if cands[0].Score < 1.4 {
		t.Errorf("score = %v, want >= 1.4 floor", cands[0].Score)
	}
	// A keyword-less line outside the header carries no evidence at all
	// and must be dropped rather than surfaced with a floor score.
	for _, c := range cands {
		if c.ValueNormalized == "みどりや 本店" {
			t.Fatalf("evidence-free line proposed: %+v", c)
		}
	}
}
