package extract

import (
	"testing"

	"github.com/medstack/receiptocr/internal/family"
	"github.com/medstack/receiptocr/internal/receipt"
)

func testFamilyRegistry(t *testing.T) *family.Registry {
	t.Helper()
	r, err := family.NewRegistry([]family.Member{
		{Canonical: "山田 太郎"},
		{Canonical: "山田 花子"},
	}, true, 0)
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func TestFamilyNameExactMember(t *testing.T) {
	e := NewFamilyNameExtractor(testFamilyRegistry(t))
	lines := []receipt.OCRLine{
		ocrLine(0, "患者氏名 山田 太郎 様", receipt.BBox{0.1, 0.2, 0.5, 0.24}, 0.95),
	}
	cands := e.Extract(lines)
	if len(cands) == 0 {
		t.Fatal("no candidates")
	}
	top := cands[0]
	if top.ValueNormalized != "山田 太郎" {
		t.Fatalf("normalized = %q", top.ValueNormalized)
	}
	if top.Source != receipt.SourceFamilyRegistry {
		t.Errorf("source = %q", top.Source)
	}
	// 6.2 registry + 1.0 label + 0.4 honorific
	if top.Score < 7.59 || top.Score > 7.61 {
		t.Errorf("score = %v, want 7.6", top.Score)
	}
}

func TestFamilyNameUnknownSurname(t *testing.T) {
	e := NewFamilyNameExtractor(testFamilyRegistry(t))
	cands := e.Extract([]receipt.OCRLine{
		ocrLine(0, "佐藤 次郎 様", receipt.BBox{0.1, 0.2, 0.5, 0.24}, 0.95),
	})
	if len(cands) == 0 {
		t.Fatal("no candidates")
	}
	if cands[0].Source != receipt.SourceGeneric {
		t.Errorf("source = %q, want generic for unknown name", cands[0].Source)
	}
	if got := cands[0].Reasons[0]; got != family.ReasonUnknownSurname {
		t.Errorf("reason = %q", got)
	}
}

func TestFamilyNameRejectsNonNames(t *testing.T) {
	e := NewFamilyNameExtractor(testFamilyRegistry(t))
	cands := e.Extract([]receipt.OCRLine{
		ocrLine(0, "領収金額 1,240円", receipt.BBox{0.1, 0.5, 0.5, 0.54}, 0.95),
		ocrLine(1, "TEL 03-1234-5678", receipt.BBox{0.1, 0.6, 0.5, 0.64}, 0.95),
	})
	if len(cands) != 0 {
		t.Fatalf("non-name lines produced candidates: %+v", cands)
	}
}
