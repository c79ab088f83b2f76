// Package engine – audit.go records every reply decision in a small SQLite
// database so probability tuning can be inspected after the fact. Failures
// here never block the pipeline.
package engine

import (
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DecisionRecord is one audited decision.
type DecisionRecord struct {
	ID          int64
	Timestamp   time.Time
	Chat        string
	UserID      string
	MessageText string
	Stage       string  // gate that ended the pipeline: "command", "probability", "judge_no", "replied", ...
	Probability float64 // composed probability, when the gate was reached
	Trail       string  // probability composition steps
	Replied     bool
}

// AuditLog is the SQLite-backed decision trail.
type AuditLog struct {
	db        *sql.DB
	retention time.Duration
	logger    *slog.Logger
	pruneOnce sync.Once
}

// NewAuditLog opens (and migrates) the audit database.
func NewAuditLog(path string, retentionDays int, logger *slog.Logger) (*AuditLog, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	schema := `CREATE TABLE IF NOT EXISTS decisions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts TEXT NOT NULL,
		chat TEXT NOT NULL,
		user_id TEXT NOT NULL,
		message TEXT NOT NULL,
		stage TEXT NOT NULL,
		probability REAL NOT NULL,
		trail TEXT NOT NULL,
		replied INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_decisions_ts ON decisions(ts);
	CREATE INDEX IF NOT EXISTS idx_decisions_chat ON decisions(chat);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create audit schema: %w", err)
	}
	if retentionDays <= 0 {
		retentionDays = 30
	}
	return &AuditLog{
		db:        db,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		logger:    logger.With("component", "audit"),
	}, nil
}

// Log writes one decision row. Message text is truncated to keep rows small.
func (a *AuditLog) Log(rec DecisionRecord) {
	if a == nil {
		return
	}
	a.pruneOnce.Do(func() { go a.prune() })

	msg := rec.MessageText
	if len(msg) > 500 {
		msg = msg[:500]
	}
	replied := 0
	if rec.Replied {
		replied = 1
	}
	_, err := a.db.Exec(
		`INSERT INTO decisions (ts, chat, user_id, message, stage, probability, trail, replied)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		time.Now().UTC().Format(time.RFC3339), rec.Chat, rec.UserID, msg,
		rec.Stage, rec.Probability, rec.Trail, replied,
	)
	if err != nil {
		a.logger.Warn("audit insert failed", "error", err)
	}
}

// Recent returns the newest n decisions for a chat; empty chat means all.
func (a *AuditLog) Recent(chat string, n int) ([]DecisionRecord, error) {
	if n <= 0 {
		n = 50
	}
	query := `SELECT id, ts, chat, user_id, message, stage, probability, trail, replied
	          FROM decisions`
	args := []any{}
	if chat != "" {
		query += " WHERE chat = ?"
		args = append(args, chat)
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, n)

	rows, err := a.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	var out []DecisionRecord
	for rows.Next() {
		var rec DecisionRecord
		var ts string
		var replied int
		if err := rows.Scan(&rec.ID, &ts, &rec.Chat, &rec.UserID, &rec.MessageText,
			&rec.Stage, &rec.Probability, &rec.Trail, &replied); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		rec.Timestamp, _ = time.Parse(time.RFC3339, ts)
		rec.Replied = replied == 1
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Count returns the number of audited decisions.
func (a *AuditLog) Count() (int64, error) {
	var n int64
	err := a.db.QueryRow(`SELECT COUNT(*) FROM decisions`).Scan(&n)
	return n, err
}

// prune deletes rows older than the retention window.
func (a *AuditLog) prune() {
	cutoff := time.Now().UTC().Add(-a.retention).Format(time.RFC3339)
	res, err := a.db.Exec(`DELETE FROM decisions WHERE ts < ?`, cutoff)
	if err != nil {
		a.logger.Warn("audit prune failed", "error", err)
		return
	}
	if n, _ := res.RowsAffected(); n > 0 {
		a.logger.Debug("pruned old audit rows", "rows", n)
	}
}

// Close releases the database handle.
func (a *AuditLog) Close() error {
	if a == nil || a.db == nil {
		return nil
	}
	return a.db.Close()
}
