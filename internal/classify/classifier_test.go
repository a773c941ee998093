package classify

import (
	"testing"

	"github.com/medstack/receiptocr/internal/receipt"
)

func line(text string, conf float64) receipt.OCRLine {
	return receipt.OCRLine{Text: text, Confidence: conf, BBox: receipt.BBox{0.1, 0.1, 0.9, 0.15}}
}

func TestClassifyPharmacy(t *testing.T) {
	c := New(Config{})
	res := c.Classify([]receipt.OCRLine{
		line("すこやか薬局 中央店", 0.95),
		line("調剤日 2026/02/17", 0.93),
		line("領収金額 1,240円", 0.97),
	})
	if res.Type != receipt.DocPharmacy {
		t.Fatalf("type = %s, want pharmacy (reasons %v)", res.Type, res.Reasons)
	}
	if res.Confidence <= 0.55 || res.Confidence > 1.0 {
		t.Errorf("confidence = %v", res.Confidence)
	}
}

func TestClassifyClinic(t *testing.T) {
	c := New(Config{})
	res := c.Classify([]receipt.OCRLine{
		line("さくら内科クリニック", 0.96),
		line("外来 診察料", 0.92),
		line("領収金額 2,100円", 0.95),
	})
	if res.Type != receipt.DocClinic {
		t.Fatalf("type = %s, want clinic (reasons %v)", res.Type, res.Reasons)
	}
}

func TestClassifyGates(t *testing.T) {
	c := New(Config{})
	tests := []struct {
		name       string
		lines      []receipt.OCRLine
		confidence float64
	}{
		{"no lines", nil, 0.0},
		{"low quality", []receipt.OCRLine{line("薬局", 0.3)}, 0.2},
		{"no keywords", []receipt.OCRLine{line("こんにちは", 0.9)}, 0.3},
		{"small gap", []receipt.OCRLine{line("薬局の隣の病院 医院", 0.9)}, 0.4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := c.Classify(tt.lines)
			if res.Type != receipt.DocUnknown {
				t.Fatalf("type = %s, want unknown", res.Type)
			}
			if res.Confidence != tt.confidence {
				t.Errorf("confidence = %v, want %v", res.Confidence, tt.confidence)
			}
			if tt.lines == nil {
				if len(res.Reasons) != 1 || res.Reasons[0] != "no_ocr_lines" {
					t.Errorf("reasons = %v", res.Reasons)
				}
			}
		})
	}
}

func TestPrescriptionFeeDoesNotCountAsPharmacy(t *testing.T) {
	c := New(Config{})
	res := c.Classify([]receipt.OCRLine{
		line("さくら内科クリニック 診察", 0.95),
		line("処方箋料 680円", 0.95),
	})
	if res.Type != receipt.DocClinic {
		t.Fatalf("type = %s, want clinic (reasons %v)", res.Type, res.Reasons)
	}
}
