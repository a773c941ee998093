package extract

import (
	"testing"

	"github.com/medstack/receiptocr/internal/receipt"
)

func ocrLine(idx int, text string, box receipt.BBox, conf float64) receipt.OCRLine {
	return receipt.OCRLine{Text: text, BBox: box, Confidence: conf, LineIndex: idx}
}

func pharmacyLines() []receipt.OCRLine {
	return []receipt.OCRLine{
		ocrLine(0, "すこやか薬局 中央店", receipt.BBox{0.08, 0.03, 0.68, 0.07}, 0.97),
		ocrLine(1, "〒150-0001 TEL 03-1234-5678", receipt.BBox{0.08, 0.08, 0.90, 0.11}, 0.93),
		ocrLine(2, "調剤日 2026/02/17", receipt.BBox{0.10, 0.27, 0.48, 0.30}, 0.96),
		ocrLine(3, "保険点数 412点", receipt.BBox{0.10, 0.40, 0.45, 0.43}, 0.94),
		ocrLine(4, "領収金額 ¥1,240", receipt.BBox{0.10, 0.55, 0.52, 0.59}, 0.97),
	}
}

func TestAmountPrefersLabeledCurrencyValue(t *testing.T) {
	e := NewAmountExtractor(AmountConfig{})
	cands := e.Extract(pharmacyLines())
	if len(cands) == 0 {
		t.Fatal("no candidates")
	}
	if got := cands[0].ValueNormalized; got != "1240" {
		t.Fatalf("top candidate = %q (reasons %v), want 1240", got, cands[0].Reasons)
	}
	if cands[0].Score <= 2.5 {
		t.Errorf("top score = %v, want above candidate threshold", cands[0].Score)
	}
}

func TestAmountNeverEmitsPointValues(t *testing.T) {
	e := NewAmountExtractor(AmountConfig{})
	cands := e.Extract(pharmacyLines())
	for _, c := range cands {
		if c.ValueNormalized == "412" {
			t.Fatalf("insurance point value extracted as amount: %+v", c)
		}
	}
}

func TestAmountSkipsNegativeAndNotes(t *testing.T) {
	e := NewAmountExtractor(AmountConfig{})
	lines := []receipt.OCRLine{
		ocrLine(0, "調整 -120円", receipt.BBox{0.1, 0.4, 0.5, 0.44}, 0.9),
		ocrLine(1, "10円未満は四捨五入します", receipt.BBox{0.1, 0.9, 0.8, 0.93}, 0.9),
	}
	if cands := e.Extract(lines); len(cands) != 0 {
		t.Fatalf("got %d candidates, want 0: %+v", len(cands), cands)
	}
}

func TestAmountYearPenalty(t *testing.T) {
	e := NewAmountExtractor(AmountConfig{})
	lines := []receipt.OCRLine{
		ocrLine(0, "受付 2026", receipt.BBox{0.1, 0.1, 0.4, 0.14}, 0.9),
		ocrLine(1, "合計 560円", receipt.BBox{0.1, 0.6, 0.5, 0.64}, 0.9),
	}
	cands := e.Extract(lines)
	if len(cands) == 0 || cands[0].ValueNormalized != "560" {
		t.Fatalf("want 560 on top, got %+v", cands)
	}
	for _, c := range cands {
		if c.ValueNormalized == "2026" && c.Score >= cands[0].Score {
			t.Fatalf("bare year outranked labeled amount: %+v", c)
		}
	}
}

func TestAmountIdentifierContextSkipped(t *testing.T) {
	e := NewAmountExtractor(AmountConfig{})
	lines := []receipt.OCRLine{
		ocrLine(0, "受付番号 1234", receipt.BBox{0.1, 0.1, 0.4, 0.13}, 0.9),
	}
	if cands := e.Extract(lines); len(cands) != 0 {
		t.Fatalf("identifier line produced candidates: %+v", cands)
	}
}

func TestAmountOrderedByScoreThenConfidence(t *testing.T) {
	e := NewAmountExtractor(AmountConfig{})
	cands := e.Extract(pharmacyLines())
	for i := 1; i < len(cands); i++ {
		a, b := cands[i-1], cands[i]
		if a.Score < b.Score {
			t.Fatalf("candidates not sorted by score: %v before %v", a.Score, b.Score)
		}
		if a.Score == b.Score && a.OCRConfidence < b.OCRConfidence {
			t.Fatal("tie not broken by OCR confidence")
		}
	}
}
