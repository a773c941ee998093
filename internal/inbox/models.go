package inbox

import (
	"encoding/json"
	"time"

	"github.com/medstack/receiptocr/internal/receipt"
)

// AggregateStatus tracks an expense entry's lifecycle in the yearly
// summary.
const (
	AggregateTentative = "tentative"
	AggregateConfirmed = "confirmed"
	AggregateHold      = "hold"
)

// StoredReceipt is the receipts table row.
type StoredReceipt struct {
	ReceiptID          string  `db:"receipt_id"`
	UserID             string  `db:"user_id"`
	HouseholdID        string  `db:"household_id"`
	DocumentType       string  `db:"document_type"`
	DecisionStatus     string  `db:"decision_status"`
	DecisionConfidence float64 `db:"decision_confidence"`
	DuplicateKey       string  `db:"duplicate_key"`
	ImageSHA256        string  `db:"image_sha256"`
	ImagePath          string  `db:"image_path"`
	CreatedAt          string  `db:"created_at"`
}

// StoredField is one receipt_fields row.
type StoredField struct {
	ReceiptID       string  `db:"receipt_id"`
	FieldName       string  `db:"field_name"`
	ValueRaw        string  `db:"value_raw"`
	ValueNormalized string  `db:"value_normalized"`
	Score           float64 `db:"score"`
	OCRConfidence   float64 `db:"ocr_confidence"`
	ReasonsJSON     string  `db:"reasons_json"`
	Source          string  `db:"source"`
}

// AggregateEntry is one confirmed (or pending) medical expense.
type AggregateEntry struct {
	EntryID          string `db:"entry_id"`
	UserID           string `db:"user_id"`
	ReceiptID        string `db:"receipt_id"`
	ServiceDate      string `db:"service_date"`
	ProviderName     string `db:"provider_name"`
	AmountYen        int64  `db:"amount_yen"`
	FamilyMemberName string `db:"family_member_name"`
	Status           string `db:"status"`
	CreatedAt        string `db:"created_at"`
}

// Session is a conversation_sessions row plus its decoded payload.
type Session struct {
	SessionID   string       `db:"session_id"`
	UserID      string       `db:"user_id"`
	ReceiptID   string       `db:"receipt_id"`
	State       SessionState `db:"state"`
	PayloadJSON string       `db:"payload_json"`
	UpdatedAt   time.Time    `db:"updated_at"`
	ExpiresAt   time.Time    `db:"expires_at"`

	Payload SessionPayload `db:"-"`
}

// payloadVersion tags the stored JSON so later schema changes can migrate.
const payloadVersion = 1

// SessionPayload carries the per-state conversation data. Only the parts
// relevant to the current state are populated.
type SessionPayload struct {
	Version int `json:"v"`

	// Snapshot of extraction at session open. Lines are kept so the
	// template learner can fingerprint the layout after confirmation.
	Fields       map[receipt.FieldName]receipt.Candidate   `json:"fields,omitempty"`
	Candidates   map[receipt.FieldName][]receipt.Candidate `json:"candidates,omitempty"`
	Decision     *receipt.Decision                         `json:"decision,omitempty"`
	Lines        []receipt.OCRLine                         `json:"lines,omitempty"`
	DocumentType receipt.DocumentType                      `json:"document_type,omitempty"`
	TemplateID   string                                    `json:"template_id,omitempty"`

	// AWAIT_FIELD_CANDIDATE / AWAIT_FREE_TEXT: the field being corrected.
	AwaitingField receipt.FieldName `json:"awaiting_field,omitempty"`
	// Options shown for the awaited field, in quick-reply order.
	Options []receipt.Candidate `json:"options,omitempty"`

	// Pending correction steps queued at session open (family before date).
	PendingSteps []PendingStep `json:"pending_steps,omitempty"`

	// Family registration sub-dialog: the step to resume afterwards.
	FamilyRegistration bool         `json:"family_registration,omitempty"`
	ResumeStep         *PendingStep `json:"resume_step,omitempty"`
	// Original extracted name to record as an alias once corrected.
	AliasSource string `json:"alias_source,omitempty"`

	// Duplicate confirmation: id of the earlier receipt with the same key.
	DuplicateOf string `json:"duplicate_of,omitempty"`
}

// PendingStep is a queued field-correction prompt.
type PendingStep struct {
	Field   receipt.FieldName   `json:"field"`
	Options []receipt.Candidate `json:"options,omitempty"`
	Reason  string              `json:"reason,omitempty"`
}

func (p SessionPayload) encode() (string, error) {
	p.Version = payloadVersion
	b, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodePayload(raw string) (SessionPayload, error) {
	var p SessionPayload
	if raw == "" {
		return p, nil
	}
	err := json.Unmarshal([]byte(raw), &p)
	return p, err
}

// CorrectionHint is an often-repeated user correction for a field in a
// facility context.
type CorrectionHint struct {
	FieldName  string `db:"field_name"`
	ContextKey string `db:"context_key"`
	Value      string `db:"corrected_value"`
	Count      int    `db:"count"`
}

// FamilyProfile mirrors the per-user registry rows.
type FamilyProfile struct {
	UserID    string `db:"user_id"`
	Canonical string `db:"canonical_name"`
	AliasJSON string `db:"aliases_json"`
}

// QuotaDecision is the outcome of an OCR quota check.
type QuotaDecision struct {
	Allowed bool
	Reason  string
}
