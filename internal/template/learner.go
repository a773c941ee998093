package template

import (
	"fmt"
	"strings"
	"time"

	"github.com/medstack/receiptocr/internal/receipt"
)

const priorSuccessRate = 0.8

// Learner folds confirmed extractions back into the household's template
// set.
type Learner struct {
	store *Store
	now   func() time.Time
}

func NewLearner(store *Store) *Learner {
	return &Learner{store: store, now: time.Now}
}

// Learn updates (or creates) the template matching the document and
// records one confirmed sample. confirmed maps fields to the values the
// user accepted; the originating lines refine the field rules and target
// boxes.
func (l *Learner) Learn(householdID string, docType receipt.DocumentType, lines []receipt.OCRLine, matched *Template, confirmed map[receipt.FieldName]receipt.Candidate) (*Template, error) {
	tpl := matched
	if tpl == nil {
		tpl = &Template{
			ID:           newTemplateID(householdID, l.now()),
			HouseholdID:  householdID,
			DocumentType: docType,
			Anchors:      Fingerprint(lines),
			FieldRules:   defaultFieldRules(),
			SuccessRate:  priorSuccessRate,
		}
	}
	if tpl.DocumentType == "" {
		tpl.DocumentType = docType
	}
	if tpl.FieldRules == nil {
		tpl.FieldRules = defaultFieldRules()
	}
	if tpl.Targets == nil {
		tpl.Targets = map[receipt.FieldName]receipt.BBox{}
	}

	for field, cand := range confirmed {
		l.refineRules(tpl, lines, field, cand)
	}

	// Online mean over samples, seeded with the prior; a confirmed sample
	// counts as a full success.
	tpl.SampleCount++
	tpl.SuccessRate = tpl.SuccessRate + (1.0-tpl.SuccessRate)/float64(tpl.SampleCount+1)
	tpl.UpdatedAt = l.now()

	if err := l.store.Save(tpl); err != nil {
		return nil, err
	}
	return tpl, nil
}

// refineRules records the confirmed value's location as the field's target
// box and promotes a near-anchor rule pointing at it so future receipts
// from this layout find it directly.
func (l *Learner) refineRules(tpl *Template, lines []receipt.OCRLine, field receipt.FieldName, cand receipt.Candidate) {
	if cand.BBox != (receipt.BBox{}) {
		tpl.Targets[field] = cand.BBox
	}
	var labelLine *receipt.OCRLine
	for i := range lines {
		for _, idx := range cand.SourceLineIndices {
			if lines[i].LineIndex == idx {
				labelLine = &lines[i]
			}
		}
	}
	if labelLine == nil && cand.BBox != (receipt.BBox{}) {
		if near, ok := nearestLineTo(lines, cand.BBox); ok {
			labelLine = &near
		}
	}
	if labelLine == nil {
		return
	}
	anchorText := sanitizeAnchorText(labelLine.Text)
	if anchorText == "" {
		return
	}
	rule := FieldRule{Kind: RulePreferNearAnchor, Anchor: anchorText, Position: cand.BBox}
	rules := tpl.FieldRules[field]
	for _, r := range rules {
		if r.Kind == RulePreferNearAnchor && r.Anchor == anchorText {
			return
		}
	}
	// Learned rules lead; seeded defaults stay as fallback.
	tpl.FieldRules[field] = append([]FieldRule{rule}, rules...)

	ensureAnchor(tpl, anchorText, labelLine.BBox)
}

func ensureAnchor(tpl *Template, text string, pos receipt.BBox) {
	for _, a := range tpl.Anchors {
		if a.Text == text {
			return
		}
	}
	tpl.Anchors = append(tpl.Anchors, Anchor{Text: text, Position: pos})
}

func newTemplateID(householdID string, now time.Time) string {
	h := strings.NewReplacer("/", "_", " ", "_").Replace(householdID)
	return fmt.Sprintf("%s-%s", h, now.UTC().Format("20060102T150405"))
}
