package feedback

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "modernc.org/sqlite"
)

// #region sqlite-log
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS feedback_log (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	tag              TEXT NOT NULL,
	version_id       INTEGER NOT NULL,
	bucket           TEXT NOT NULL,
	composite        REAL NOT NULL,
	sub_scores       TEXT,
	safety_violation INTEGER NOT NULL DEFAULT 0,
	ts_unix_nano     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_feedback_log_key ON feedback_log(tag, version_id, ts_unix_nano);
`

// SQLiteLog stores feedback in SQLite.
type SQLiteLog struct {
	db    *sql.DB
	owned bool
}

// OpenSQLiteLog opens a feedback log with its own database file and pool.
func OpenSQLiteLog(path string) (*SQLiteLog, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open feedback db: %w", err)
	}
	l, err := NewSQLiteLog(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	l.owned = true
	return l, nil
}

// Close closes the database if OpenSQLiteLog opened it.
func (l *SQLiteLog) Close() error {
	if !l.owned {
		return nil
	}
	return l.db.Close()
}

// NewSQLiteLog creates the feedback table on db if needed.
func NewSQLiteLog(db *sql.DB) (*SQLiteLog, error) {
	if _, err := db.Exec(sqliteSchema); err != nil {
		return nil, fmt.Errorf("migrate feedback_log: %w", err)
	}
	return &SQLiteLog{db: db}, nil
}

// Append writes one record.
func (l *SQLiteLog) Append(ctx context.Context, r Record) error {
	subJSON, err := marshalSubScores(r.SubScores)
	if err != nil {
		return err
	}
	_, err = l.db.ExecContext(ctx,
		`INSERT INTO feedback_log (tag, version_id, bucket, composite, sub_scores, safety_violation, ts_unix_nano)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.Tag, r.VersionID, r.Bucket, r.Composite, subJSON, boolToInt(r.SafetyViolation), r.Timestamp.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("append feedback: %w", err)
	}
	return nil
}

// Recent returns the newest records for a tag, oldest first.
func (l *SQLiteLog) Recent(ctx context.Context, tag string, limit int) ([]Record, error) {
	return l.query(ctx,
		`SELECT tag, version_id, bucket, composite, sub_scores, safety_violation, ts_unix_nano
		 FROM feedback_log WHERE tag = ? ORDER BY ts_unix_nano DESC, id DESC LIMIT ?`, tag, limit)
}

// RecentVersion returns the newest records for one version, oldest first.
func (l *SQLiteLog) RecentVersion(ctx context.Context, tag string, versionID int64, limit int) ([]Record, error) {
	return l.query(ctx,
		`SELECT tag, version_id, bucket, composite, sub_scores, safety_violation, ts_unix_nano
		 FROM feedback_log WHERE tag = ? AND version_id = ? ORDER BY ts_unix_nano DESC, id DESC LIMIT ?`,
		tag, versionID, limit)
}

func (l *SQLiteLog) query(ctx context.Context, q string, args ...any) ([]Record, error) {
	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query feedback: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var sub sql.NullString
		var violation int
		var ts int64
		if err := rows.Scan(&r.Tag, &r.VersionID, &r.Bucket, &r.Composite, &sub, &violation, &ts); err != nil {
			return nil, fmt.Errorf("scan feedback: %w", err)
		}
		if sub.Valid && sub.String != "" {
			if err := json.Unmarshal([]byte(sub.String), &r.SubScores); err != nil {
				return nil, fmt.Errorf("unmarshal sub_scores: %w", err)
			}
		}
		r.SafetyViolation = violation != 0
		r.Timestamp = time.Unix(0, ts).UTC()
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	reverse(out)
	return out, nil
}

// #endregion sqlite-log

// #region postgres-log
const postgresSchema = `
CREATE TABLE IF NOT EXISTS feedback_log (
	id               BIGSERIAL PRIMARY KEY,
	tag              TEXT NOT NULL,
	version_id       BIGINT NOT NULL,
	bucket           TEXT NOT NULL,
	composite        DOUBLE PRECISION NOT NULL,
	sub_scores       JSONB,
	safety_violation BOOLEAN NOT NULL DEFAULT FALSE,
	ts               TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_feedback_log_key ON feedback_log(tag, version_id, ts);
`

// PostgresLog stores feedback in a shared Postgres database so several
// controllers can read one log.
type PostgresLog struct {
	pool *pgxpool.Pool
}

// NewPostgresLog connects, pings and migrates.
func NewPostgresLog(ctx context.Context, databaseURL string) (*PostgresLog, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate feedback_log: %w", err)
	}
	return &PostgresLog{pool: pool}, nil
}

// Close releases the pool.
func (l *PostgresLog) Close() {
	l.pool.Close()
}

// Append writes one record.
func (l *PostgresLog) Append(ctx context.Context, r Record) error {
	subJSON, err := marshalSubScores(r.SubScores)
	if err != nil {
		return err
	}
	_, err = l.pool.Exec(ctx,
		`INSERT INTO feedback_log (tag, version_id, bucket, composite, sub_scores, safety_violation, ts)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		r.Tag, r.VersionID, r.Bucket, r.Composite, subJSON, r.SafetyViolation, r.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("append feedback: %w", err)
	}
	return nil
}

// Recent returns the newest records for a tag, oldest first.
func (l *PostgresLog) Recent(ctx context.Context, tag string, limit int) ([]Record, error) {
	rows, err := l.pool.Query(ctx,
		`SELECT tag, version_id, bucket, composite, sub_scores, safety_violation, ts
		 FROM feedback_log WHERE tag = $1 ORDER BY ts DESC, id DESC LIMIT $2`, tag, limit)
	if err != nil {
		return nil, fmt.Errorf("query feedback: %w", err)
	}
	return collectPG(rows)
}

// RecentVersion returns the newest records for one version, oldest first.
func (l *PostgresLog) RecentVersion(ctx context.Context, tag string, versionID int64, limit int) ([]Record, error) {
	rows, err := l.pool.Query(ctx,
		`SELECT tag, version_id, bucket, composite, sub_scores, safety_violation, ts
		 FROM feedback_log WHERE tag = $1 AND version_id = $2 ORDER BY ts DESC, id DESC LIMIT $3`,
		tag, versionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query feedback: %w", err)
	}
	return collectPG(rows)
}

func collectPG(rows pgx.Rows) ([]Record, error) {
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Record, error) {
		var r Record
		var sub []byte
		if err := row.Scan(&r.Tag, &r.VersionID, &r.Bucket, &r.Composite, &sub, &r.SafetyViolation, &r.Timestamp); err != nil {
			return Record{}, err
		}
		if len(sub) > 0 {
			if err := json.Unmarshal(sub, &r.SubScores); err != nil {
				return Record{}, fmt.Errorf("unmarshal sub_scores: %w", err)
			}
		}
		r.Timestamp = r.Timestamp.UTC()
		return r, nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan feedback: %w", err)
	}
	reverse(out)
	return out, nil
}

// #endregion postgres-log

// #region helpers
func marshalSubScores(sub map[string]float64) (any, error) {
	if len(sub) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(sub)
	if err != nil {
		return nil, fmt.Errorf("marshal sub_scores: %w", err)
	}
	return string(b), nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func reverse(recs []Record) {
	for i, j := 0, len(recs)-1; i < j; i, j = i+1, j-1 {
		recs[i], recs[j] = recs[j], recs[i]
	}
}

// #endregion helpers
