package inbox

import (
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

// Quota limits for OCR calls. Scopes are per-user and global, windows
// are a rolling minute and a calendar day.
type QuotaLimits struct {
	UserPerMinute int
	UserPerDay    int
	GlobalPerDay  int
}

func DefaultQuotaLimits() QuotaLimits {
	return QuotaLimits{UserPerMinute: 3, UserPerDay: 40, GlobalPerDay: 1200}
}

const (
	quotaDenyUserMinute = "user_minute"
	quotaDenyUserDay    = "user_day"
	quotaDenyGlobalDay  = "global_day"

	minuteWindowTTL = 120 * time.Second
	dayWindowTTL    = 172800 * time.Second
)

type quotaCounter struct {
	scope  string
	window string
	limit  int
	reason string
	ttl    time.Duration
}

// ConsumeOCRQuota checks every counter first and increments all of them
// only when every check passes, inside one transaction. A counter whose
// stored count is not numeric is rewritten with its salvageable value
// and the check retried once.
func (r *Repository) ConsumeOCRQuota(userID string, limits QuotaLimits) (QuotaDecision, error) {
	now := r.now().UTC()
	minuteKey := "MIN#" + now.Format("200601021504")
	dayKey := "DAY#" + now.Format("20060102")
	counters := []quotaCounter{
		{scope: "USER#" + userID, window: minuteKey, limit: limits.UserPerMinute, reason: quotaDenyUserMinute, ttl: minuteWindowTTL},
		{scope: "USER#" + userID, window: dayKey, limit: limits.UserPerDay, reason: quotaDenyUserDay, ttl: dayWindowTTL},
		{scope: "GLOBAL", window: dayKey, limit: limits.GlobalPerDay, reason: quotaDenyGlobalDay, ttl: dayWindowTTL},
	}

	tx, err := r.db.Beginx()
	if err != nil {
		return QuotaDecision{}, wrapRepo("begin quota", err)
	}
	defer tx.Rollback()

	counts := make([]int, len(counters))
	for i, c := range counters {
		n, err := readCounter(tx, c, true)
		if err != nil {
			return QuotaDecision{}, err
		}
		if n >= c.limit {
			return QuotaDecision{Allowed: false, Reason: c.reason}, nil
		}
		counts[i] = n
	}
	for i, c := range counters {
		_, err := tx.Exec(`INSERT INTO ocr_usage_guard (scope_key, window_key, count, expires_at_epoch)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (scope_key, window_key) DO UPDATE SET count = ?, expires_at_epoch = ?`,
			c.scope, c.window, strconv.Itoa(counts[i]+1), now.Add(c.ttl).Unix(),
			strconv.Itoa(counts[i]+1), now.Add(c.ttl).Unix())
		if err != nil {
			return QuotaDecision{}, wrapRepo("increment quota", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return QuotaDecision{}, wrapRepo("commit quota", err)
	}
	return QuotaDecision{Allowed: true}, nil
}

func readCounter(tx *sqlx.Tx, c quotaCounter, repair bool) (int, error) {
	var raw string
	err := tx.Get(&raw, `SELECT count FROM ocr_usage_guard WHERE scope_key = ? AND window_key = ?`,
		c.scope, c.window)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, wrapRepo("read quota", err)
	}
	n, perr := strconv.Atoi(strings.TrimSpace(raw))
	if perr == nil {
		return n, nil
	}
	if !repair {
		return 0, wrapRepo("quota counter", perr)
	}
	// Corrupt counter: salvage the numeric part so the window is not
	// reset, then read once more.
	if _, err := tx.Exec(`UPDATE ocr_usage_guard SET count = ? WHERE scope_key = ? AND window_key = ?`,
		strconv.Itoa(salvageCount(raw)), c.scope, c.window); err != nil {
		return 0, wrapRepo("repair quota", err)
	}
	return readCounter(tx, c, false)
}

// salvageCount recovers the integer from a mangled counter value: the
// first digit run wins, so "3x", " 3" and "3.7" all come back as 3.
// Values with no digits at all reset to zero.
func salvageCount(raw string) int {
	n, seen := 0, false
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			n = n*10 + int(r-'0')
			seen = true
			continue
		}
		if seen {
			break
		}
	}
	if !seen {
		return 0
	}
	return n
}

// SweepQuotaWindows drops expired counters.
func (r *Repository) SweepQuotaWindows() error {
	_, err := r.db.Exec(`DELETE FROM ocr_usage_guard WHERE expires_at_epoch > 0 AND expires_at_epoch <= ?`,
		r.now().UTC().Unix())
	if err != nil {
		return wrapRepo("sweep quota", err)
	}
	return nil
}
