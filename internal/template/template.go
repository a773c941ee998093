// Package template learns per-household receipt layouts and applies them
// as an extra candidate source. A template is a set of text anchors with
// positions plus per-field extraction rules refined from confirmed
// corrections.
package template

import (
	"time"

	"github.com/medstack/receiptocr/internal/receipt"
)

const (
	DefaultMatchThreshold = 0.65

	// Template candidates clear a lower bar than generic ones; the matcher
	// bakes that into the base score.
	CandidateBase = 2.5

	anchorWeight   = 0.7
	positionWeight = 0.3

	// positionDecay controls how fast positional credit falls off with
	// distance between the stored and observed anchor.
	positionDecay = 0.5

	nearestLineCutoff = 0.2

	maxAnchorRunes = 12
)

type RuleKind string

const (
	RuleTopmostText      RuleKind = "topmost_text"
	RulePreferNearAnchor RuleKind = "prefer_near_anchor"
	RulePreferKeyword    RuleKind = "prefer_keyword"
	RulePreferLabel      RuleKind = "prefer_label"
)

type FieldRule struct {
	Kind     RuleKind     `json:"kind"`
	Anchor   string       `json:"anchor,omitempty"`
	Keyword  string       `json:"keyword,omitempty"`
	Label    string       `json:"label,omitempty"`
	Position receipt.BBox `json:"position,omitempty"`
}

type Anchor struct {
	Text     string       `json:"text"`
	Position receipt.BBox `json:"position"`
}

type Template struct {
	ID           string                             `json:"id"`
	HouseholdID  string                             `json:"household_id"`
	DocumentType receipt.DocumentType               `json:"document_type,omitempty"`
	Anchors      []Anchor                           `json:"anchors"`
	FieldRules   map[receipt.FieldName][]FieldRule  `json:"field_rules"`
	Targets      map[receipt.FieldName]receipt.BBox `json:"targets,omitempty"`
	SampleCount  int                                `json:"sample_count"`
	SuccessRate  float64                            `json:"success_rate"`
	UpdatedAt    time.Time                          `json:"updated_at"`
}

// defaultFieldRules seeds a fresh template before any corrections refine it.
func defaultFieldRules() map[receipt.FieldName][]FieldRule {
	return map[receipt.FieldName][]FieldRule{
		receipt.FieldPayerFacility: {
			{Kind: RuleTopmostText},
			{Kind: RulePreferKeyword, Keyword: "薬局"},
		},
		receipt.FieldPaymentDate: {
			{Kind: RulePreferLabel, Label: "領収日"},
			{Kind: RulePreferLabel, Label: "調剤日"},
		},
		receipt.FieldPaymentAmount: {
			{Kind: RulePreferLabel, Label: "領収"},
			{Kind: RulePreferLabel, Label: "合計"},
		},
		receipt.FieldFamilyMember: {
			{Kind: RulePreferLabel, Label: "氏名"},
		},
	}
}
