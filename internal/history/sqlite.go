package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/msageha/phasegate/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	issue_id    TEXT NOT NULL,
	policy      TEXT NOT NULL DEFAULT '',
	phase       TEXT NOT NULL,
	status      TEXT NOT NULL,
	started_at  INTEGER NOT NULL,
	duration_ns INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_runs_issue_phase ON runs(issue_id, phase);

CREATE TABLE IF NOT EXISTS transitions (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	issue_id   TEXT NOT NULL,
	from_phase TEXT NOT NULL,
	to_phase   TEXT NOT NULL,
	ts         INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transitions_issue ON transitions(issue_id, seq);

CREATE TABLE IF NOT EXISTS decisions (
	seq               INTEGER PRIMARY KEY AUTOINCREMENT,
	id                TEXT NOT NULL UNIQUE,
	issue_id          TEXT NOT NULL,
	policy            TEXT NOT NULL DEFAULT '',
	phase             TEXT NOT NULL,
	action            TEXT NOT NULL,
	target_phase      TEXT NOT NULL DEFAULT '',
	confidence        REAL NOT NULL,
	reasoning         TEXT NOT NULL DEFAULT '',
	transition        TEXT NOT NULL,
	required_approval INTEGER NOT NULL DEFAULT 0,
	escalated         INTEGER NOT NULL DEFAULT 0,
	ts                INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_decisions_issue ON decisions(issue_id, seq);
`

// SQLiteStore persists history in a single SQLite file. After Close every
// call fails with ErrHistoryUnavailable.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
	mu     sync.Mutex
	closed bool
}

// OpenSQLite opens (creating if needed) the history database at dbPath.
func OpenSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create history db dir: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(wal)", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping history db: %w", err)
	}

	s := &SQLiteStore{db: db, dbPath: dbPath}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init history schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range strings.Split(schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("exec schema statement: %w\nSQL: %s", err, stmt)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) Path() string { return s.dbPath }

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func (s *SQLiteStore) CountRuns(ctx context.Context, issueID, phase string, status model.RunStatus) (int, error) {
	q := `SELECT COUNT(*) FROM runs WHERE issue_id = ? AND phase = ?`
	args := []any{issueID, phase}
	if status != "" {
		q += ` AND status = ?`
		args = append(args, string(status))
	}
	var n int
	if err := s.db.QueryRowContext(ctx, q, args...).Scan(&n); err != nil {
		return 0, unavailable(fmt.Errorf("count runs: %w", err))
	}
	return n, nil
}

func (s *SQLiteStore) CountTransitions(ctx context.Context, issueID, from, to string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM transitions WHERE issue_id = ? AND from_phase = ? AND to_phase = ?`,
		issueID, from, to).Scan(&n)
	if err != nil {
		return 0, unavailable(fmt.Errorf("count transitions: %w", err))
	}
	return n, nil
}

func (s *SQLiteStore) TransitionHistory(ctx context.Context, issueID string, limit int) ([]model.TransitionRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT from_phase, to_phase, ts FROM (
			SELECT seq, from_phase, to_phase, ts FROM transitions
			WHERE issue_id = ? ORDER BY seq DESC LIMIT ?
		) ORDER BY seq ASC`, issueID, limit)
	if err != nil {
		return nil, unavailable(fmt.Errorf("query transitions: %w", err))
	}
	defer rows.Close()

	out := []model.TransitionRecord{}
	for rows.Next() {
		rec := model.TransitionRecord{IssueID: issueID}
		var ts int64
		if err := rows.Scan(&rec.From, &rec.To, &ts); err != nil {
			return nil, unavailable(fmt.Errorf("scan transition: %w", err))
		}
		rec.Timestamp = time.Unix(0, ts).UTC()
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(fmt.Errorf("iterate transitions: %w", err))
	}
	return out, nil
}

func (s *SQLiteStore) PhaseDurationStats(ctx context.Context, issueID, phase string) (model.DurationStats, error) {
	var (
		count   int
		totalNs sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), SUM(duration_ns) FROM runs WHERE issue_id = ? AND phase = ?`,
		issueID, phase).Scan(&count, &totalNs)
	if err != nil {
		return model.DurationStats{}, unavailable(fmt.Errorf("phase duration stats: %w", err))
	}
	st := model.DurationStats{VisitCount: count}
	if totalNs.Valid {
		st.TotalMs = float64(time.Duration(totalNs.Int64).Milliseconds())
	}
	if count > 0 {
		st.AvgMs = st.TotalMs / float64(count)
	}
	return st, nil
}

func (s *SQLiteStore) DecisionEvents(ctx context.Context, issueID string, limit int) ([]model.DecisionEvent, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, issue_id, policy, phase, action, target_phase, confidence, reasoning,
			transition, required_approval, escalated, ts FROM (
			SELECT * FROM decisions WHERE (? = '' OR issue_id = ?) ORDER BY seq DESC LIMIT ?
		) ORDER BY seq ASC`, issueID, issueID, limit)
	if err != nil {
		return nil, unavailable(fmt.Errorf("query decisions: %w", err))
	}
	defer rows.Close()

	out := []model.DecisionEvent{}
	for rows.Next() {
		var (
			ev  model.DecisionEvent
			ts  int64
			req int
			esc int
		)
		if err := rows.Scan(&ev.ID, &ev.IssueID, &ev.Policy, &ev.Phase, &ev.Action, &ev.TargetPhase,
			&ev.Confidence, &ev.Reasoning, &ev.Transition, &req, &esc, &ts); err != nil {
			return nil, unavailable(fmt.Errorf("scan decision: %w", err))
		}
		ev.RequiredApproval = req != 0
		ev.Escalated = esc != 0
		ev.Timestamp = time.Unix(0, ts).UTC()
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(fmt.Errorf("iterate decisions: %w", err))
	}
	return out, nil
}

func (s *SQLiteStore) RecordRun(ctx context.Context, run model.Run) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, issue_id, policy, phase, status, started_at, duration_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET status = excluded.status, duration_ns = excluded.duration_ns`,
		run.ID, run.IssueID, run.Policy, run.Phase, string(run.Status), run.StartedAt.UnixNano(), int64(run.Duration))
	if err != nil {
		return unavailable(fmt.Errorf("record run: %w", err))
	}
	return nil
}

func (s *SQLiteStore) RecordTransition(ctx context.Context, rec model.TransitionRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO transitions (issue_id, from_phase, to_phase, ts) VALUES (?, ?, ?, ?)`,
		rec.IssueID, rec.From, rec.To, rec.Timestamp.UnixNano())
	if err != nil {
		return unavailable(fmt.Errorf("record transition: %w", err))
	}
	return nil
}

func (s *SQLiteStore) RecordDecision(ctx context.Context, ev model.DecisionEvent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO decisions (id, issue_id, policy, phase, action, target_phase, confidence, reasoning,
			transition, required_approval, escalated, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.IssueID, ev.Policy, ev.Phase, ev.Action, ev.TargetPhase, ev.Confidence, ev.Reasoning,
		ev.Transition, boolInt(ev.RequiredApproval), boolInt(ev.Escalated), ev.Timestamp.UnixNano())
	if err != nil {
		return unavailable(fmt.Errorf("record decision: %w", err))
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
