package template

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/medstack/receiptocr/internal/receipt"
)

func sampleLines() []receipt.OCRLine {
	return []receipt.OCRLine{
		{Text: "すこやか薬局 中央店", BBox: receipt.BBox{0.08, 0.03, 0.68, 0.07}, Confidence: 0.97, LineIndex: 0},
		{Text: "調剤日 2026/02/17", BBox: receipt.BBox{0.10, 0.27, 0.48, 0.30}, Confidence: 0.96, LineIndex: 1},
		{Text: "領収金額 1,240円", BBox: receipt.BBox{0.10, 0.55, 0.52, 0.59}, Confidence: 0.97, LineIndex: 2},
	}
}

func TestLearnThenMatchRoundTrip(t *testing.T) {
	store := NewStore(t.TempDir())
	learner := NewLearner(store)
	lines := sampleLines()

	confirmed := map[receipt.FieldName]receipt.Candidate{
		receipt.FieldPaymentAmount: {
			Field: receipt.FieldPaymentAmount, ValueNormalized: "1240",
			SourceLineIndices: []int{2}, BBox: lines[2].BBox,
		},
	}
	tpl, err := learner.Learn("hh1", receipt.DocPharmacy, lines, nil, confirmed)
	if err != nil {
		t.Fatalf("Learn: %v", err)
	}
	if tpl.SampleCount != 1 {
		t.Errorf("SampleCount = %d", tpl.SampleCount)
	}
	if tpl.DocumentType != receipt.DocPharmacy {
		t.Errorf("document type = %s", tpl.DocumentType)
	}
	if tpl.Targets[receipt.FieldPaymentAmount] != lines[2].BBox {
		t.Errorf("amount target = %v", tpl.Targets[receipt.FieldPaymentAmount])
	}

	loaded, err := store.Load("hh1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(loaded) != 1 {
		t.Fatalf("loaded %d templates", len(loaded))
	}

	m := NewMatcher(MatcherConfig{})
	match := m.Match(loaded[0], lines)
	if !match.Matched {
		t.Fatalf("same layout did not match: %+v", match)
	}
	if match.Score < DefaultMatchThreshold {
		t.Errorf("score = %v", match.Score)
	}

	cands := m.Apply(loaded[0], lines)
	amounts := cands[receipt.FieldPaymentAmount]
	if len(amounts) == 0 {
		t.Fatal("no template amount candidates")
	}
	if amounts[0].Source != receipt.SourceTemplate {
		t.Errorf("source = %q", amounts[0].Source)
	}
	if amounts[0].ValueNormalized != "1240" {
		t.Errorf("value = %q", amounts[0].ValueNormalized)
	}
}

func TestMatchRejectsDifferentLayout(t *testing.T) {
	store := NewStore(t.TempDir())
	learner := NewLearner(store)
	tpl, err := learner.Learn("hh1", receipt.DocPharmacy, sampleLines(), nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	other := []receipt.OCRLine{
		{Text: "さくら内科クリニック", BBox: receipt.BBox{0.1, 0.05, 0.7, 0.09}, Confidence: 0.95, LineIndex: 0},
		{Text: "診察料 2,100円", BBox: receipt.BBox{0.1, 0.5, 0.5, 0.54}, Confidence: 0.95, LineIndex: 1},
	}
	m := NewMatcher(MatcherConfig{})
	if match := m.Match(tpl, other); match.Matched {
		t.Fatalf("unrelated layout matched: %+v", match)
	}
}

func TestStoreSkipsMalformedFiles(t *testing.T) {
	root := t.TempDir()
	store := NewStore(root)
	learner := NewLearner(store)
	if _, err := learner.Learn("hh1", receipt.DocPharmacy, sampleLines(), nil, nil); err != nil {
		t.Fatal(err)
	}
	dir := filepath.Join(root, "hh1")
	if err := os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	loaded, err := store.Load("hh1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(loaded) != 1 {
		t.Fatalf("loaded %d templates, want 1 (malformed skipped)", len(loaded))
	}
}

func TestLearnUpdatesExistingTemplate(t *testing.T) {
	store := NewStore(t.TempDir())
	learner := NewLearner(store)
	tpl, err := learner.Learn("hh1", receipt.DocPharmacy, sampleLines(), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	first := tpl.SuccessRate
	tpl2, err := learner.Learn("hh1", receipt.DocPharmacy, sampleLines(), tpl, nil)
	if err != nil {
		t.Fatal(err)
	}
	if tpl2.ID != tpl.ID {
		t.Errorf("template id changed on update")
	}
	if tpl2.SampleCount != 2 {
		t.Errorf("SampleCount = %d", tpl2.SampleCount)
	}
	if tpl2.SuccessRate <= first {
		t.Errorf("success rate did not move toward 1: %v -> %v", first, tpl2.SuccessRate)
	}
}

// A receipt from the same facility with the whole layout shifted down
// still matches: anchors hit by text containment and the distance only
// reduces the positional credit.
func TestMatchToleratesLayoutShift(t *testing.T) {
	store := NewStore(t.TempDir())
	learner := NewLearner(store)
	tpl, err := learner.Learn("hh1", receipt.DocPharmacy, sampleLines(), nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	shifted := make([]receipt.OCRLine, 0, len(sampleLines()))
	for _, l := range sampleLines() {
		l.BBox[1] += 0.4
		l.BBox[3] += 0.4
		shifted = append(shifted, l)
	}
	m := NewMatcher(MatcherConfig{})
	match := m.Match(tpl, shifted)
	if !match.Matched {
		t.Fatalf("shifted layout did not match: %+v", match)
	}
	// All anchors hit, each 0.4 away with decay 0.5: 0.7 + 0.3*0.2.
	if match.Score < 0.75 || match.Score > 0.77 {
		t.Errorf("score = %v", match.Score)
	}
}

// Anchors hit by containment, so a line with extra volatile text around
// the stable label still counts.
func TestMatchAnchorsByContainment(t *testing.T) {
	store := NewStore(t.TempDir())
	learner := NewLearner(store)
	tpl, err := learner.Learn("hh1", receipt.DocPharmacy, sampleLines(), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	decorated := sampleLines()
	decorated[0].Text = "領収書 " + decorated[0].Text
	m := NewMatcher(MatcherConfig{})
	if match := m.Match(tpl, decorated); !match.Matched {
		t.Fatalf("decorated lines did not match: %+v", match)
	}
}

func TestBestMatchFiltersDocumentTypeAndReportsScore(t *testing.T) {
	store := NewStore(t.TempDir())
	learner := NewLearner(store)
	tpl, err := learner.Learn("hh1", receipt.DocPharmacy, sampleLines(), nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	m := NewMatcher(MatcherConfig{})
	best, match := m.BestMatch([]*Template{tpl}, sampleLines(), receipt.DocClinic)
	if best != nil {
		t.Fatalf("clinic document matched a pharmacy template: %+v", match)
	}

	other := []receipt.OCRLine{
		{Text: "さくら内科クリニック", BBox: receipt.BBox{0.1, 0.05, 0.7, 0.09}, Confidence: 0.95, LineIndex: 0},
	}
	best, match = m.BestMatch([]*Template{tpl}, other, receipt.DocPharmacy)
	if best != nil {
		t.Fatalf("unrelated lines matched: %+v", match)
	}
	// The best score is still reported for the audit trail.
	if match.TemplateID != tpl.ID || match.Matched {
		t.Fatalf("missing diagnostic match: %+v", match)
	}
}

// A learned target box restricts where template candidates may come from.
func TestApplyHonorsTargetBox(t *testing.T) {
	store := NewStore(t.TempDir())
	learner := NewLearner(store)
	lines := sampleLines()
	confirmed := map[receipt.FieldName]receipt.Candidate{
		receipt.FieldPaymentAmount: {
			Field: receipt.FieldPaymentAmount, ValueNormalized: "1240",
			SourceLineIndices: []int{2}, BBox: lines[2].BBox,
		},
	}
	tpl, err := learner.Learn("hh1", receipt.DocPharmacy, lines, nil, confirmed)
	if err != nil {
		t.Fatal(err)
	}

	decoy := append([]receipt.OCRLine{}, lines...)
	decoy = append(decoy, receipt.OCRLine{
		Text: "合計 99,999円", BBox: receipt.BBox{0.10, 0.90, 0.52, 0.94}, Confidence: 0.97, LineIndex: 3,
	})
	m := NewMatcher(MatcherConfig{})
	for _, c := range m.Apply(tpl, decoy)[receipt.FieldPaymentAmount] {
		if c.ValueNormalized == "99999" {
			t.Fatalf("candidate from outside the target box: %+v", c)
		}
	}
}
