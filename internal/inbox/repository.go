package inbox

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/medstack/receiptocr/internal/receipt"
)

const schema = `
CREATE TABLE IF NOT EXISTS receipts (
	receipt_id          TEXT PRIMARY KEY,
	user_id             TEXT NOT NULL,
	household_id        TEXT NOT NULL DEFAULT '',
	document_type       TEXT NOT NULL DEFAULT 'unknown',
	decision_status     TEXT NOT NULL,
	decision_confidence REAL NOT NULL DEFAULT 0,
	duplicate_key       TEXT NOT NULL DEFAULT '',
	image_sha256        TEXT NOT NULL DEFAULT '',
	image_path          TEXT NOT NULL DEFAULT '',
	created_at          TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_receipts_user_dup ON receipts (user_id, duplicate_key);
CREATE INDEX IF NOT EXISTS idx_receipts_user_sha ON receipts (user_id, image_sha256);

CREATE TABLE IF NOT EXISTS receipt_fields (
	receipt_id       TEXT NOT NULL,
	field_name       TEXT NOT NULL,
	value_raw        TEXT NOT NULL DEFAULT '',
	value_normalized TEXT NOT NULL DEFAULT '',
	score            REAL NOT NULL DEFAULT 0,
	ocr_confidence   REAL NOT NULL DEFAULT 0,
	reasons_json     TEXT NOT NULL DEFAULT '[]',
	source           TEXT NOT NULL DEFAULT 'generic',
	PRIMARY KEY (receipt_id, field_name)
);

CREATE TABLE IF NOT EXISTS conversation_sessions (
	session_id   TEXT PRIMARY KEY,
	user_id      TEXT NOT NULL,
	receipt_id   TEXT NOT NULL,
	state        TEXT NOT NULL,
	payload_json TEXT NOT NULL DEFAULT '{}',
	updated_at   TEXT NOT NULL,
	expires_at   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_user ON conversation_sessions (user_id, updated_at DESC);

CREATE TABLE IF NOT EXISTS aggregate_entries (
	entry_id           TEXT PRIMARY KEY,
	user_id            TEXT NOT NULL,
	receipt_id         TEXT NOT NULL UNIQUE,
	service_date       TEXT NOT NULL DEFAULT '',
	provider_name      TEXT NOT NULL DEFAULT '',
	amount_yen         INTEGER NOT NULL DEFAULT 0,
	family_member_name TEXT NOT NULL DEFAULT '',
	status             TEXT NOT NULL DEFAULT 'tentative',
	created_at         TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_aggregate_user ON aggregate_entries (user_id, service_date);

CREATE TABLE IF NOT EXISTS processed_line_events (
	event_id     TEXT PRIMARY KEY,
	processed_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS family_registry_profiles (
	user_id    TEXT PRIMARY KEY,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS family_registry_members (
	user_id        TEXT NOT NULL,
	canonical_name TEXT NOT NULL,
	aliases_json   TEXT NOT NULL DEFAULT '[]',
	PRIMARY KEY (user_id, canonical_name)
);

CREATE TABLE IF NOT EXISTS correction_rules (
	user_id         TEXT NOT NULL,
	field_name      TEXT NOT NULL,
	context_key     TEXT NOT NULL,
	corrected_value TEXT NOT NULL,
	count           INTEGER NOT NULL DEFAULT 1,
	PRIMARY KEY (user_id, field_name, context_key, corrected_value)
);

CREATE TABLE IF NOT EXISTS ocr_usage_guard (
	scope_key        TEXT NOT NULL,
	window_key       TEXT NOT NULL,
	count            TEXT NOT NULL DEFAULT '0',
	expires_at_epoch INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (scope_key, window_key)
);
`

// Repository is the single SQLite-backed persistence layer for receipts,
// conversations, aggregates, quotas and the per-user family registry.
type Repository struct {
	db  *sqlx.DB
	now func() time.Time
}

func OpenRepository(dbPath string) (*Repository, error) {
	db, err := sqlx.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Repository{db: db, now: time.Now}, nil
}

func (r *Repository) Close() error { return r.db.Close() }

// WithClock fixes the repository clock; tests use this.
func (r *Repository) WithClock(now func() time.Time) *Repository {
	r.now = now
	return r
}

func (r *Repository) nowText() string {
	return r.now().UTC().Format(time.RFC3339Nano)
}

// --- receipts ---

// SaveResult persists the extraction outcome and its selected fields.
func (r *Repository) SaveResult(userID string, res *receipt.ExtractionResult, imageSHA, imagePath string) error {
	tx, err := r.db.Beginx()
	if err != nil {
		return wrapRepo("begin", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`INSERT OR REPLACE INTO receipts
		(receipt_id, user_id, household_id, document_type, decision_status, decision_confidence, duplicate_key, image_sha256, image_path, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		res.DocumentID, userID, res.HouseholdID, string(res.DocumentType),
		string(res.Decision.Status), res.Decision.OverallConfidence,
		res.DuplicateKey(), imageSHA, imagePath, r.nowText())
	if err != nil {
		return wrapRepo("insert receipt", err)
	}
	if _, err := tx.Exec(`DELETE FROM receipt_fields WHERE receipt_id = ?`, res.DocumentID); err != nil {
		return wrapRepo("clear fields", err)
	}
	for name, c := range res.Fields {
		reasons, _ := json.Marshal(c.Reasons)
		_, err = tx.Exec(`INSERT INTO receipt_fields
			(receipt_id, field_name, value_raw, value_normalized, score, ocr_confidence, reasons_json, source)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			res.DocumentID, string(name), c.ValueRaw, c.ValueNormalized,
			c.Score, c.OCRConfidence, string(reasons), c.Source)
		if err != nil {
			return wrapRepo("insert field", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return wrapRepo("commit", err)
	}
	return nil
}

func (r *Repository) GetReceipt(receiptID string) (*StoredReceipt, error) {
	var row StoredReceipt
	err := r.db.Get(&row, `SELECT * FROM receipts WHERE receipt_id = ?`, receiptID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapRepo("get receipt", err)
	}
	return &row, nil
}

// UpdateField overwrites one selected field after a user correction.
func (r *Repository) UpdateField(receiptID string, c receipt.Candidate) error {
	reasons, _ := json.Marshal(c.Reasons)
	_, err := r.db.Exec(`INSERT OR REPLACE INTO receipt_fields
		(receipt_id, field_name, value_raw, value_normalized, score, ocr_confidence, reasons_json, source)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		receiptID, string(c.Field), c.ValueRaw, c.ValueNormalized,
		c.Score, c.OCRConfidence, string(reasons), c.Source)
	if err != nil {
		return wrapRepo("update field", err)
	}
	return nil
}

func (r *Repository) GetFields(receiptID string) (map[receipt.FieldName]receipt.Candidate, error) {
	var rows []StoredField
	if err := r.db.Select(&rows, `SELECT * FROM receipt_fields WHERE receipt_id = ?`, receiptID); err != nil {
		return nil, wrapRepo("get fields", err)
	}
	out := map[receipt.FieldName]receipt.Candidate{}
	for _, f := range rows {
		var reasons []string
		_ = json.Unmarshal([]byte(f.ReasonsJSON), &reasons)
		out[receipt.FieldName(f.FieldName)] = receipt.Candidate{
			Field:           receipt.FieldName(f.FieldName),
			ValueRaw:        f.ValueRaw,
			ValueNormalized: f.ValueNormalized,
			Score:           f.Score,
			OCRConfidence:   f.OCRConfidence,
			Reasons:         reasons,
			Source:          f.Source,
		}
	}
	return out, nil
}

// FindDuplicate looks for an earlier receipt of this user with the same
// duplicate key or image hash. Returns the receipt id or "".
func (r *Repository) FindDuplicate(userID, duplicateKey, imageSHA, excludeReceiptID string) (string, error) {
	var id string
	err := r.db.Get(&id, `SELECT receipt_id FROM receipts
		WHERE user_id = ? AND receipt_id != ?
		  AND ((duplicate_key != '' AND duplicate_key = ?) OR (image_sha256 != '' AND image_sha256 = ?))
		ORDER BY created_at DESC LIMIT 1`,
		userID, excludeReceiptID, duplicateKey, imageSHA)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", wrapRepo("find duplicate", err)
	}
	return id, nil
}

// --- aggregate entries ---

// UpsertAggregate writes the expense entry for a receipt, replacing any
// previous values.
func (r *Repository) UpsertAggregate(userID, receiptID string, fields map[receipt.FieldName]receipt.Candidate, status string) error {
	get := func(f receipt.FieldName) string {
		if c, ok := fields[f]; ok {
			return c.ValueNormalized
		}
		return ""
	}
	amount, _ := strconv.ParseInt(get(receipt.FieldPaymentAmount), 10, 64)
	_, err := r.db.Exec(`INSERT INTO aggregate_entries
		(entry_id, user_id, receipt_id, service_date, provider_name, amount_yen, family_member_name, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (receipt_id) DO UPDATE SET
			service_date = excluded.service_date,
			provider_name = excluded.provider_name,
			amount_yen = excluded.amount_yen,
			family_member_name = excluded.family_member_name,
			status = excluded.status`,
		uuid.NewString(), userID, receiptID, get(receipt.FieldPaymentDate),
		get(receipt.FieldPayerFacility), amount, get(receipt.FieldFamilyMember),
		status, r.nowText())
	if err != nil {
		return wrapRepo("upsert aggregate", err)
	}
	return nil
}

func (r *Repository) SetAggregateStatus(receiptID, status string) error {
	_, err := r.db.Exec(`UPDATE aggregate_entries SET status = ? WHERE receipt_id = ?`, status, receiptID)
	if err != nil {
		return wrapRepo("set aggregate status", err)
	}
	return nil
}

func (r *Repository) DeleteAggregate(receiptID string) error {
	_, err := r.db.Exec(`DELETE FROM aggregate_entries WHERE receipt_id = ?`, receiptID)
	if err != nil {
		return wrapRepo("delete aggregate", err)
	}
	return nil
}

// YearTotal sums confirmed entries whose service date falls in year.
func (r *Repository) YearTotal(userID string, year int) (int64, error) {
	var total sql.NullInt64
	err := r.db.Get(&total, `SELECT SUM(amount_yen) FROM aggregate_entries
		WHERE user_id = ? AND status = ? AND service_date LIKE ?`,
		userID, AggregateConfirmed, fmt.Sprintf("%04d-%%", year))
	if err != nil {
		return 0, wrapRepo("year total", err)
	}
	return total.Int64, nil
}

// LastConfirmedEntry returns the most recent confirmed entry for the user.
func (r *Repository) LastConfirmedEntry(userID string) (*AggregateEntry, error) {
	var row AggregateEntry
	err := r.db.Get(&row, `SELECT * FROM aggregate_entries
		WHERE user_id = ? AND status = ? ORDER BY created_at DESC LIMIT 1`,
		userID, AggregateConfirmed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapRepo("last confirmed", err)
	}
	return &row, nil
}

// --- sessions ---

// SaveSession upserts the user's session row.
func (r *Repository) SaveSession(s *Session, ttl time.Duration) error {
	if s.SessionID == "" {
		s.SessionID = uuid.NewString()
	}
	payload, err := s.Payload.encode()
	if err != nil {
		return wrapRepo("encode payload", err)
	}
	now := r.now().UTC()
	s.UpdatedAt = now
	s.ExpiresAt = now.Add(ttl)
	_, err = r.db.Exec(`INSERT OR REPLACE INTO conversation_sessions
		(session_id, user_id, receipt_id, state, payload_json, updated_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		s.SessionID, s.UserID, s.ReceiptID, string(s.State), payload,
		now.Format(time.RFC3339Nano), s.ExpiresAt.Format(time.RFC3339Nano))
	if err != nil {
		return wrapRepo("save session", err)
	}
	return nil
}

// ActiveSession returns the user's latest unexpired session, or nil.
func (r *Repository) ActiveSession(userID string) (*Session, error) {
	var row struct {
		SessionID   string `db:"session_id"`
		UserID      string `db:"user_id"`
		ReceiptID   string `db:"receipt_id"`
		State       string `db:"state"`
		PayloadJSON string `db:"payload_json"`
		UpdatedAt   string `db:"updated_at"`
		ExpiresAt   string `db:"expires_at"`
	}
	err := r.db.Get(&row, `SELECT * FROM conversation_sessions
		WHERE user_id = ? AND expires_at > ?
		ORDER BY updated_at DESC LIMIT 1`,
		userID, r.nowText())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapRepo("active session", err)
	}
	payload, err := decodePayload(row.PayloadJSON)
	if err != nil {
		return nil, wrapRepo("decode payload", err)
	}
	updated, _ := time.Parse(time.RFC3339Nano, row.UpdatedAt)
	expires, _ := time.Parse(time.RFC3339Nano, row.ExpiresAt)
	return &Session{
		SessionID: row.SessionID,
		UserID:    row.UserID,
		ReceiptID: row.ReceiptID,
		State:     SessionState(row.State),
		UpdatedAt: updated,
		ExpiresAt: expires,
		Payload:   payload,
	}, nil
}

func (r *Repository) DeleteSession(sessionID string) error {
	_, err := r.db.Exec(`DELETE FROM conversation_sessions WHERE session_id = ?`, sessionID)
	if err != nil {
		return wrapRepo("delete session", err)
	}
	return nil
}

// --- event dedup ---

// MarkEventProcessed records the event id, returning false when it was
// already present.
func (r *Repository) MarkEventProcessed(eventID string) (bool, error) {
	res, err := r.db.Exec(`INSERT OR IGNORE INTO processed_line_events (event_id, processed_at) VALUES (?, ?)`,
		eventID, r.nowText())
	if err != nil {
		return false, wrapRepo("mark event", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrapRepo("mark event rows", err)
	}
	return n > 0, nil
}

// --- family registry ---

func (r *Repository) HasFamilyProfile(userID string) (bool, error) {
	var n int
	if err := r.db.Get(&n, `SELECT COUNT(*) FROM family_registry_profiles WHERE user_id = ?`, userID); err != nil {
		return false, wrapRepo("has profile", err)
	}
	return n > 0, nil
}

func (r *Repository) EnsureFamilyProfile(userID string) error {
	_, err := r.db.Exec(`INSERT OR IGNORE INTO family_registry_profiles (user_id, created_at) VALUES (?, ?)`,
		userID, r.nowText())
	if err != nil {
		return wrapRepo("ensure profile", err)
	}
	return nil
}

func (r *Repository) AddFamilyMember(userID, canonical string) error {
	if err := r.EnsureFamilyProfile(userID); err != nil {
		return err
	}
	_, err := r.db.Exec(`INSERT OR IGNORE INTO family_registry_members (user_id, canonical_name, aliases_json) VALUES (?, ?, '[]')`,
		userID, canonical)
	if err != nil {
		return wrapRepo("add member", err)
	}
	return nil
}

// AddFamilyAlias records alias as an alternate spelling of canonical.
func (r *Repository) AddFamilyAlias(userID, canonical, alias string) error {
	var aliasJSON string
	err := r.db.Get(&aliasJSON, `SELECT aliases_json FROM family_registry_members WHERE user_id = ? AND canonical_name = ?`,
		userID, canonical)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return wrapRepo("get aliases", err)
	}
	var aliases []string
	_ = json.Unmarshal([]byte(aliasJSON), &aliases)
	for _, a := range aliases {
		if a == alias {
			return nil
		}
	}
	aliases = append(aliases, alias)
	blob, _ := json.Marshal(aliases)
	_, err = r.db.Exec(`UPDATE family_registry_members SET aliases_json = ? WHERE user_id = ? AND canonical_name = ?`,
		string(blob), userID, canonical)
	if err != nil {
		return wrapRepo("update aliases", err)
	}
	return nil
}

func (r *Repository) ListFamilyMembers(userID string) ([]FamilyProfile, error) {
	var rows []FamilyProfile
	err := r.db.Select(&rows, `SELECT user_id, canonical_name, aliases_json FROM family_registry_members WHERE user_id = ? ORDER BY canonical_name`, userID)
	if err != nil {
		return nil, wrapRepo("list members", err)
	}
	return rows, nil
}

// PurgeUser removes everything the user owns; used on unfollow.
func (r *Repository) PurgeUser(userID string) error {
	tx, err := r.db.Beginx()
	if err != nil {
		return wrapRepo("begin purge", err)
	}
	defer tx.Rollback()
	var imagePaths []string
	_ = tx.Select(&imagePaths, `SELECT image_path FROM receipts WHERE user_id = ? AND image_path != ''`, userID)
	for _, stmt := range []string{
		`DELETE FROM receipt_fields WHERE receipt_id IN (SELECT receipt_id FROM receipts WHERE user_id = ?)`,
		`DELETE FROM receipts WHERE user_id = ?`,
		`DELETE FROM conversation_sessions WHERE user_id = ?`,
		`DELETE FROM aggregate_entries WHERE user_id = ?`,
		`DELETE FROM family_registry_members WHERE user_id = ?`,
		`DELETE FROM family_registry_profiles WHERE user_id = ?`,
		`DELETE FROM correction_rules WHERE user_id = ?`,
	} {
		if _, err := tx.Exec(stmt, userID); err != nil {
			return wrapRepo("purge", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return wrapRepo("commit purge", err)
	}
	for _, p := range imagePaths {
		_ = os.Remove(p)
	}
	return nil
}

// --- correction rules ---

func (r *Repository) RecordCorrection(userID string, field receipt.FieldName, contextKey, value string) error {
	if contextKey == "" || value == "" {
		return nil
	}
	_, err := r.db.Exec(`INSERT INTO correction_rules (user_id, field_name, context_key, corrected_value, count)
		VALUES (?, ?, ?, ?, 1)
		ON CONFLICT (user_id, field_name, context_key, corrected_value) DO UPDATE SET count = count + 1`,
		userID, string(field), contextKey, value)
	if err != nil {
		return wrapRepo("record correction", err)
	}
	return nil
}

// CorrectionHint returns the most repeated correction for the field in
// this context when it has been seen at least minCount times.
func (r *Repository) CorrectionHint(userID string, field receipt.FieldName, contextKey string, minCount int) (*CorrectionHint, error) {
	var row CorrectionHint
	err := r.db.Get(&row, `SELECT field_name, context_key, corrected_value, count FROM correction_rules
		WHERE user_id = ? AND field_name = ? AND context_key = ? AND count >= ?
		ORDER BY count DESC LIMIT 1`,
		userID, string(field), contextKey, minCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapRepo("correction hint", err)
	}
	return &row, nil
}

// --- retention ---

// CleanupRetention removes expired sessions and stored images older than
// the retention window, clearing the image path on the kept rows.
func (r *Repository) CleanupRetention(retentionDays int) error {
	now := r.now().UTC()
	if _, err := r.db.Exec(`DELETE FROM conversation_sessions WHERE expires_at <= ?`,
		now.Format(time.RFC3339Nano)); err != nil {
		return wrapRepo("cleanup sessions", err)
	}
	cutoff := now.AddDate(0, 0, -retentionDays).Format(time.RFC3339Nano)
	var paths []string
	if err := r.db.Select(&paths, `SELECT image_path FROM receipts WHERE image_path != '' AND created_at <= ?`, cutoff); err != nil {
		return wrapRepo("cleanup list", err)
	}
	for _, p := range paths {
		_ = os.Remove(p)
	}
	if _, err := r.db.Exec(`UPDATE receipts SET image_path = '' WHERE image_path != '' AND created_at <= ?`, cutoff); err != nil {
		return wrapRepo("cleanup clear", err)
	}
	return nil
}

func wrapRepo(op string, err error) error {
	return receipt.WrapError(receipt.KindRepository, op, err)
}
