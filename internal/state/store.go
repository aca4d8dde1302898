package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danielpatrickdp/adaptive-router/internal/policy"
	"github.com/danielpatrickdp/adaptive-router/internal/tag"
	_ "modernc.org/sqlite"
)

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS tags (
	name          TEXT PRIMARY KEY,
	directives    TEXT NOT NULL,
	deprecated    INTEGER NOT NULL DEFAULT 0,
	created_at    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS program_versions (
	tag           TEXT NOT NULL,
	version_id    INTEGER NOT NULL,
	parent_id     INTEGER,
	payload       TEXT NOT NULL,
	status        TEXT NOT NULL,
	created_at    TEXT NOT NULL,
	updated_at    TEXT NOT NULL,
	PRIMARY KEY (tag, version_id),
	FOREIGN KEY (tag) REFERENCES tags(name)
);

CREATE TABLE IF NOT EXISTS active_set_history (
	tag           TEXT NOT NULL,
	generation    INTEGER NOT NULL,
	restores_to   INTEGER NOT NULL DEFAULT 0,
	members_json  TEXT NOT NULL,
	experiment_started_at TEXT,
	created_at    TEXT NOT NULL,
	PRIMARY KEY (tag, generation),
	FOREIGN KEY (tag) REFERENCES tags(name)
);

CREATE TABLE IF NOT EXISTS active_sets (
	tag           TEXT PRIMARY KEY,
	generation    INTEGER NOT NULL,
	FOREIGN KEY (tag, generation) REFERENCES active_set_history(tag, generation)
);

CREATE TABLE IF NOT EXISTS decision_log (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	tag           TEXT NOT NULL,
	action        TEXT NOT NULL,
	target_version_id INTEGER,
	generation    INTEGER NOT NULL,
	rule          TEXT,
	reason        TEXT,
	outcome       TEXT NOT NULL,
	error         TEXT,
	input_json    TEXT,
	config_json   TEXT,
	decided_at    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_decision_log_tag ON decision_log(tag, decided_at);

CREATE TABLE IF NOT EXISTS optimization_runs (
	run_id        TEXT PRIMARY KEY,
	tag           TEXT NOT NULL,
	trigger_type  TEXT NOT NULL,
	outcome       TEXT NOT NULL,
	attempts      INTEGER NOT NULL,
	candidate_id  INTEGER,
	error         TEXT,
	started_at    TEXT NOT NULL,
	finished_at   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_optimization_runs_tag ON optimization_runs(tag, started_at);
`

// #endregion schema

// #region store-struct
// Store is the program version registry. Writers serialize per tag behind a
// mutex and a SQLite transaction; readers load the last published ActiveSet
// without locking.
type Store struct {
	db  *sql.DB
	now func() time.Time

	locks  sync.Map // tag -> *sync.Mutex
	active sync.Map // tag -> *atomic.Pointer[ActiveSet]
	tags   sync.Map // tag -> TagInfo
	latest sync.Map // tag -> *atomic.Int64, highest registered version id
}

// #endregion store-struct

// #region constructor
// NewStore opens a SQLite database, runs migrations and loads the committed
// active sets into memory.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// One connection keeps pragmas in effect and avoids SQLITE_BUSY between
	// concurrent per-tag writers.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma fk: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	s := &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
	if err := s.load(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// #endregion constructor

// #region close
// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB for the audit log and feedback log.
func (s *Store) DB() *sql.DB {
	return s.db
}

// #endregion close

// #region load
func (s *Store) load(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `SELECT name, directives, deprecated, created_at FROM tags`)
	if err != nil {
		return fmt.Errorf("load tags: %w", err)
	}
	var infos []TagInfo
	for rows.Next() {
		var info TagInfo
		var directives, created string
		var deprecated int
		if err := rows.Scan(&info.Name, &directives, &deprecated, &created); err != nil {
			rows.Close()
			return fmt.Errorf("scan tag: %w", err)
		}
		if err := json.Unmarshal([]byte(directives), &info.Directives); err != nil {
			rows.Close()
			return fmt.Errorf("unmarshal directives %s: %w", info.Name, err)
		}
		info.Deprecated = deprecated != 0
		info.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		infos = append(infos, info)
	}
	if err := rows.Close(); err != nil {
		return fmt.Errorf("load tags: %w", err)
	}

	for _, info := range infos {
		var gen int64
		err := s.db.QueryRowContext(ctx, `SELECT generation FROM active_sets WHERE tag = ?`, info.Name).Scan(&gen)
		if err != nil {
			return fmt.Errorf("load active set %s: %w", info.Name, err)
		}
		set, err := loadGeneration(ctx, s.db, info.Name, gen)
		if err != nil {
			return err
		}
		s.tags.Store(info.Name, info)
		s.publish(set)
	}

	rows, err = s.db.QueryContext(ctx, `SELECT tag, MAX(version_id) FROM program_versions GROUP BY tag`)
	if err != nil {
		return fmt.Errorf("load versions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		var maxID int64
		if err := rows.Scan(&name, &maxID); err != nil {
			return fmt.Errorf("scan versions: %w", err)
		}
		s.setLatest(name, maxID)
	}
	return rows.Err()
}

// #endregion load

// #region tags
// CreateTag registers a new tag together with its root version, which becomes
// the sole active member of generation 1.
func (s *Store) CreateTag(ctx context.Context, rawTag string, directives map[string]string, payload string) (ProgramVersion, ActiveSet, error) {
	name, err := tag.Normalize(rawTag)
	if err != nil {
		return ProgramVersion{}, ActiveSet{}, err
	}
	if directives == nil {
		directives = map[string]string{}
	}

	mu := s.lockFor(name)
	mu.Lock()
	defer mu.Unlock()

	if _, ok := s.tags.Load(name); ok {
		return ProgramVersion{}, ActiveSet{}, fmt.Errorf("create tag %s: %w", name, ErrTagExists)
	}

	now := s.now()
	dirJSON, err := json.Marshal(directives)
	if err != nil {
		return ProgramVersion{}, ActiveSet{}, fmt.Errorf("marshal directives: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ProgramVersion{}, ActiveSet{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO tags (name, directives, deprecated, created_at) VALUES (?, ?, 0, ?)`,
		name, string(dirJSON), now.Format(time.RFC3339Nano),
	); err != nil {
		return ProgramVersion{}, ActiveSet{}, fmt.Errorf("insert tag: %w", err)
	}

	root := ProgramVersion{
		Tag:           name,
		VersionID:     1,
		PayloadHandle: payload,
		Status:        StatusActive,
		CreatedAt:     now,
	}
	if err := insertVersion(ctx, tx, root); err != nil {
		return ProgramVersion{}, ActiveSet{}, err
	}

	set := ActiveSet{
		Tag:        name,
		Generation: 1,
		Members:    []Member{{VersionID: 1, Basis: TotalBasis, Role: RoleStable}},
		CreatedAt:  now,
	}
	if err := writeGeneration(ctx, tx, set); err != nil {
		return ProgramVersion{}, ActiveSet{}, err
	}
	if err := tx.Commit(); err != nil {
		return ProgramVersion{}, ActiveSet{}, fmt.Errorf("commit: %w", err)
	}

	s.tags.Store(name, TagInfo{Name: name, Directives: directives, CreatedAt: now})
	s.setLatest(name, root.VersionID)
	s.publish(set)
	return root, set.clone(), nil
}

// DeprecateTag stops new registrations for a tag. The tag keeps routing.
func (s *Store) DeprecateTag(ctx context.Context, name string) error {
	mu := s.lockFor(name)
	mu.Lock()
	defer mu.Unlock()

	v, ok := s.tags.Load(name)
	if !ok {
		return fmt.Errorf("deprecate %s: %w", name, ErrUnknownTag)
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE tags SET deprecated = 1 WHERE name = ?`, name); err != nil {
		return fmt.Errorf("deprecate tag: %w", err)
	}
	info := v.(TagInfo)
	info.Deprecated = true
	s.tags.Store(name, info)
	return nil
}

// LookupTag returns a known tag from memory.
func (s *Store) LookupTag(name string) (TagInfo, bool) {
	v, ok := s.tags.Load(name)
	if !ok {
		return TagInfo{}, false
	}
	return v.(TagInfo), true
}

// Tags lists all known tags sorted by name.
func (s *Store) Tags() []TagInfo {
	var out []TagInfo
	s.tags.Range(func(_, v any) bool {
		out = append(out, v.(TagInfo))
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// #endregion tags

// #region get-active
// GetActive returns the last committed ActiveSet for a tag. It never blocks on writers.
func (s *Store) GetActive(name string) (ActiveSet, error) {
	v, ok := s.active.Load(name)
	if !ok {
		return ActiveSet{}, fmt.Errorf("get active %s: %w", name, ErrUnknownTag)
	}
	return v.(*atomic.Pointer[ActiveSet]).Load().clone(), nil
}

// CheckVersion reports whether versionID was registered for tag. It reads
// memory only, so feedback ingestion never waits on the database.
func (s *Store) CheckVersion(name string, versionID int64) error {
	v, ok := s.latest.Load(name)
	if !ok {
		return fmt.Errorf("check %s: %w", name, ErrUnknownTag)
	}
	if versionID < 1 || versionID > v.(*atomic.Int64).Load() {
		return fmt.Errorf("check %s v%d: %w", name, versionID, ErrUnknownVersion)
	}
	return nil
}

func (s *Store) setLatest(name string, versionID int64) {
	v, _ := s.latest.LoadOrStore(name, &atomic.Int64{})
	v.(*atomic.Int64).Store(versionID)
}

// #endregion get-active

// #region register
// Register creates a new candidate version whose parent must be a live
// (candidate or active) version of the same tag.
func (s *Store) Register(ctx context.Context, name, payload string, parentID int64) (ProgramVersion, error) {
	mu := s.lockFor(name)
	mu.Lock()
	defer mu.Unlock()

	info, ok := s.LookupTag(name)
	if !ok {
		return ProgramVersion{}, fmt.Errorf("register %s: %w", name, ErrUnknownTag)
	}
	if info.Deprecated {
		return ProgramVersion{}, fmt.Errorf("register %s: %w", name, ErrTagDeprecated)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ProgramVersion{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	parent, err := getVersion(ctx, tx, name, parentID)
	if errors.Is(err, ErrUnknownVersion) {
		return ProgramVersion{}, fmt.Errorf("register %s parent %d: %w", name, parentID, ErrInvalidParent)
	}
	if err != nil {
		return ProgramVersion{}, err
	}
	if parent.Status == StatusRetired || parent.Status == StatusFailed {
		return ProgramVersion{}, fmt.Errorf("register %s parent %d is %s: %w", name, parentID, parent.Status, ErrInvalidParent)
	}

	var maxID int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version_id), 0) FROM program_versions WHERE tag = ?`, name,
	).Scan(&maxID); err != nil {
		return ProgramVersion{}, fmt.Errorf("next version id: %w", err)
	}

	v := ProgramVersion{
		Tag:           name,
		VersionID:     maxID + 1,
		ParentID:      parentID,
		PayloadHandle: payload,
		Status:        StatusCandidate,
		CreatedAt:     s.now(),
	}
	if err := insertVersion(ctx, tx, v); err != nil {
		return ProgramVersion{}, err
	}
	if err := tx.Commit(); err != nil {
		return ProgramVersion{}, fmt.Errorf("commit: %w", err)
	}
	s.setLatest(name, v.VersionID)
	return v, nil
}

// #endregion register

// #region promote
// Promote makes versionID the sole active member. Promoting the version that
// is already the sole member returns the current set and ErrAlreadyActive
// without writing anything.
func (s *Store) Promote(ctx context.Context, name string, versionID int64) (ActiveSet, error) {
	return s.promote(ctx, name, versionID, 0)
}

func (s *Store) promote(ctx context.Context, name string, versionID, expect int64) (ActiveSet, error) {
	return s.mutate(ctx, name, expect, func(tx *sql.Tx, cur ActiveSet) (ActiveSet, error) {
		v, err := getVersion(ctx, tx, name, versionID)
		if err != nil {
			return ActiveSet{}, err
		}
		if v.Status == StatusFailed {
			return ActiveSet{}, fmt.Errorf("promote %s v%d: %w", name, versionID, ErrVersionFailed)
		}
		if !cur.IsExperiment() && cur.Primary().VersionID == versionID {
			return ActiveSet{}, fmt.Errorf("promote %s v%d: %w", name, versionID, ErrAlreadyActive)
		}

		now := s.now()
		next := ActiveSet{
			Tag:        name,
			Generation: cur.Generation + 1,
			RestoresTo: cur.Generation,
			Members:    []Member{{VersionID: versionID, Basis: TotalBasis, Role: RoleStable}},
			CreatedAt:  now,
		}
		if err := setStatus(ctx, tx, name, leaving(cur, next), StatusRetired, now); err != nil {
			return ActiveSet{}, err
		}
		if err := setStatus(ctx, tx, name, []int64{versionID}, StatusActive, now); err != nil {
			return ActiveSet{}, err
		}
		return next, nil
	})
}

// #endregion promote

// #region start-experiment
// StartExperiment splits traffic between the active control and a candidate
// variant; weight is the variant's share.
func (s *Store) StartExperiment(ctx context.Context, name string, controlID, variantID int64, weight float64) (ActiveSet, error) {
	return s.startExperiment(ctx, name, controlID, variantID, weight, 0)
}

// startExperiment uses the current primary member as control when controlID is 0.
func (s *Store) startExperiment(ctx context.Context, name string, controlID, variantID int64, weight float64, expect int64) (ActiveSet, error) {
	basis := int(math.Round(weight * TotalBasis))
	if weight <= 0 || weight >= 1 || basis <= 0 || basis >= TotalBasis {
		return ActiveSet{}, fmt.Errorf("start experiment %s weight %.4f: %w", name, weight, ErrInvalidWeight)
	}
	return s.mutate(ctx, name, expect, func(tx *sql.Tx, cur ActiveSet) (ActiveSet, error) {
		if controlID == 0 {
			controlID = cur.Primary().VersionID
		}
		if _, err := getVersion(ctx, tx, name, controlID); err != nil {
			return ActiveSet{}, err
		}
		if !cur.Contains(controlID) {
			return ActiveSet{}, fmt.Errorf("start experiment %s control v%d: %w", name, controlID, ErrControlNotActive)
		}
		variant, err := getVersion(ctx, tx, name, variantID)
		if err != nil {
			return ActiveSet{}, err
		}
		if variant.Status != StatusCandidate {
			return ActiveSet{}, fmt.Errorf("start experiment %s variant v%d is %s: %w", name, variantID, variant.Status, ErrNotCandidate)
		}

		now := s.now()
		next := ActiveSet{
			Tag:        name,
			Generation: cur.Generation + 1,
			RestoresTo: cur.Generation,
			Members: []Member{
				{VersionID: controlID, Basis: TotalBasis - basis, Role: RoleControl},
				{VersionID: variantID, Basis: basis, Role: RoleVariant},
			},
			ExperimentStartedAt: now,
			CreatedAt:           now,
		}
		if err := setStatus(ctx, tx, name, leaving(cur, next), StatusRetired, now); err != nil {
			return ActiveSet{}, err
		}
		if err := setStatus(ctx, tx, name, []int64{variantID}, StatusActive, now); err != nil {
			return ActiveSet{}, err
		}
		return next, nil
	})
}

// #endregion start-experiment

// #region rollback
// Rollback restores the ActiveSet that the current generation replaced.
// Versions dropped by the rollback are marked failed.
func (s *Store) Rollback(ctx context.Context, name string) (ActiveSet, error) {
	return s.rollback(ctx, name, 0)
}

func (s *Store) rollback(ctx context.Context, name string, expect int64) (ActiveSet, error) {
	return s.mutate(ctx, name, expect, func(tx *sql.Tx, cur ActiveSet) (ActiveSet, error) {
		target, err := s.restoreTarget(ctx, tx, cur)
		if err != nil {
			return ActiveSet{}, err
		}

		now := s.now()
		next := ActiveSet{
			Tag:        name,
			Generation: cur.Generation + 1,
			RestoresTo: target.RestoresTo,
			Members:    append([]Member(nil), target.Members...),
			CreatedAt:  now,
		}
		if next.IsExperiment() {
			next.ExperimentStartedAt = now
		}
		if err := setStatus(ctx, tx, name, leaving(cur, next), StatusFailed, now); err != nil {
			return ActiveSet{}, err
		}
		if err := setStatus(ctx, tx, name, memberIDs(next), StatusActive, now); err != nil {
			return ActiveSet{}, err
		}
		return next, nil
	})
}

// restoreTarget walks back the restore chain, skipping generations that
// reference a failed version.
func (s *Store) restoreTarget(ctx context.Context, tx *sql.Tx, cur ActiveSet) (ActiveSet, error) {
	gen := cur.RestoresTo
	for gen != 0 {
		target, err := loadGeneration(ctx, tx, cur.Tag, gen)
		if err != nil {
			return ActiveSet{}, err
		}
		usable := true
		for _, m := range target.Members {
			v, err := getVersion(ctx, tx, cur.Tag, m.VersionID)
			if err != nil {
				return ActiveSet{}, err
			}
			if v.Status == StatusFailed && !cur.Contains(m.VersionID) {
				usable = false
				break
			}
		}
		if usable {
			return target, nil
		}
		gen = target.RestoresTo
	}
	return ActiveSet{}, fmt.Errorf("rollback %s: %w", cur.Tag, ErrNoPriorVersion)
}

// #endregion rollback

// #region mark-failed
// MarkFailed retires a candidate permanently; it can no longer be promoted or used as a parent.
func (s *Store) MarkFailed(ctx context.Context, name string, versionID int64) error {
	mu := s.lockFor(name)
	mu.Lock()
	defer mu.Unlock()

	if _, ok := s.LookupTag(name); !ok {
		return fmt.Errorf("mark failed %s: %w", name, ErrUnknownTag)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	v, err := getVersion(ctx, tx, name, versionID)
	if err != nil {
		return err
	}
	if v.Status != StatusCandidate {
		return fmt.Errorf("mark failed %s v%d is %s: %w", name, versionID, v.Status, ErrNotCandidate)
	}
	if err := setStatus(ctx, tx, name, []int64{versionID}, StatusFailed, s.now()); err != nil {
		return err
	}
	return tx.Commit()
}

// #endregion mark-failed

// #region apply
// Apply executes a policy decision against the generation it was computed
// for. A decision computed against an older generation fails with
// ErrStaleGeneration and leaves the store untouched.
func (s *Store) Apply(ctx context.Context, d policy.Decision) (ActiveSet, error) {
	switch d.Action {
	case policy.ActionHold:
		return s.GetActive(d.Tag)
	case policy.ActionPromote, policy.ActionConcludeExperiment:
		return s.promote(ctx, d.Tag, d.TargetVersionID, d.Generation)
	case policy.ActionRollback:
		return s.rollback(ctx, d.Tag, d.Generation)
	case policy.ActionStartExperiment:
		return s.startExperiment(ctx, d.Tag, 0, d.TargetVersionID, d.Weight, d.Generation)
	default:
		return ActiveSet{}, fmt.Errorf("apply %q: %w", d.Action, ErrUnsupportedAction)
	}
}

// #endregion apply

// #region queries
// GetVersion retrieves a single version of a tag.
func (s *Store) GetVersion(ctx context.Context, name string, versionID int64) (ProgramVersion, error) {
	return getVersion(ctx, s.db, name, versionID)
}

// ListVersions returns every version of a tag in lineage order.
func (s *Store) ListVersions(ctx context.Context, name string) ([]ProgramVersion, error) {
	return s.queryVersions(ctx,
		`SELECT tag, version_id, parent_id, payload, status, created_at
		 FROM program_versions WHERE tag = ? ORDER BY version_id`, name)
}

// Candidates returns the versions of a tag still awaiting a decision.
func (s *Store) Candidates(ctx context.Context, name string) ([]ProgramVersion, error) {
	return s.queryVersions(ctx,
		`SELECT tag, version_id, parent_id, payload, status, created_at
		 FROM program_versions WHERE tag = ? AND status = 'candidate' ORDER BY version_id`, name)
}

// History returns the most recent ActiveSet generations of a tag, newest first.
func (s *Store) History(ctx context.Context, name string, limit int) ([]ActiveSet, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT tag, generation, restores_to, members_json, experiment_started_at, created_at
		 FROM active_set_history WHERE tag = ? ORDER BY generation DESC LIMIT ?`, name, limit)
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	defer rows.Close()

	var sets []ActiveSet
	for rows.Next() {
		set, err := scanGeneration(rows)
		if err != nil {
			return nil, err
		}
		sets = append(sets, set)
	}
	return sets, rows.Err()
}

func (s *Store) queryVersions(ctx context.Context, query string, args ...any) ([]ProgramVersion, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	var out []ProgramVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// #endregion queries

// #region mutate
// mutate runs fn under the tag's writer lock inside one transaction and
// publishes the resulting set only after commit. expect, when non-zero, pins
// the generation the caller computed against.
func (s *Store) mutate(ctx context.Context, name string, expect int64, fn func(tx *sql.Tx, cur ActiveSet) (ActiveSet, error)) (ActiveSet, error) {
	mu := s.lockFor(name)
	mu.Lock()
	defer mu.Unlock()

	v, ok := s.active.Load(name)
	if !ok {
		return ActiveSet{}, fmt.Errorf("%s: %w", name, ErrUnknownTag)
	}
	ptr := v.(*atomic.Pointer[ActiveSet])
	cur := *ptr.Load()
	if expect != 0 && cur.Generation != expect {
		return cur.clone(), fmt.Errorf("%s expected generation %d, have %d: %w", name, expect, cur.Generation, ErrStaleGeneration)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return cur.clone(), fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	next, err := fn(tx, cur)
	if err != nil {
		return cur.clone(), err
	}
	if err := writeGeneration(ctx, tx, next); err != nil {
		return cur.clone(), err
	}
	if err := tx.Commit(); err != nil {
		return cur.clone(), fmt.Errorf("commit: %w", err)
	}
	ptr.Store(&next)
	return next.clone(), nil
}

func (s *Store) lockFor(name string) *sync.Mutex {
	v, _ := s.locks.LoadOrStore(name, &sync.Mutex{})
	return v.(*sync.Mutex)
}

func (s *Store) publish(set ActiveSet) {
	v, _ := s.active.LoadOrStore(set.Tag, &atomic.Pointer[ActiveSet]{})
	v.(*atomic.Pointer[ActiveSet]).Store(&set)
}

// #endregion mutate

// #region sql-helpers
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

func insertVersion(ctx context.Context, tx *sql.Tx, v ProgramVersion) error {
	var parent any
	if v.ParentID != 0 {
		parent = v.ParentID
	}
	ts := v.CreatedAt.Format(time.RFC3339Nano)
	_, err := tx.ExecContext(ctx,
		`INSERT INTO program_versions (tag, version_id, parent_id, payload, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		v.Tag, v.VersionID, parent, v.PayloadHandle, string(v.Status), ts, ts,
	)
	if err != nil {
		return fmt.Errorf("insert version: %w", err)
	}
	return nil
}

func getVersion(ctx context.Context, q queryer, name string, versionID int64) (ProgramVersion, error) {
	row := q.QueryRowContext(ctx,
		`SELECT tag, version_id, parent_id, payload, status, created_at
		 FROM program_versions WHERE tag = ? AND version_id = ?`, name, versionID)
	v, err := scanVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ProgramVersion{}, fmt.Errorf("%s v%d: %w", name, versionID, ErrUnknownVersion)
	}
	return v, err
}

func scanVersion(r rowScanner) (ProgramVersion, error) {
	var v ProgramVersion
	var parent sql.NullInt64
	var status, created string
	if err := r.Scan(&v.Tag, &v.VersionID, &parent, &v.PayloadHandle, &status, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ProgramVersion{}, err
		}
		return ProgramVersion{}, fmt.Errorf("scan version: %w", err)
	}
	if parent.Valid {
		v.ParentID = parent.Int64
	}
	v.Status = Status(status)
	v.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	return v, nil
}

func setStatus(ctx context.Context, tx *sql.Tx, name string, ids []int64, status Status, now time.Time) error {
	for _, id := range ids {
		_, err := tx.ExecContext(ctx,
			`UPDATE program_versions SET status = ?, updated_at = ? WHERE tag = ? AND version_id = ?`,
			string(status), now.Format(time.RFC3339Nano), name, id,
		)
		if err != nil {
			return fmt.Errorf("set status v%d: %w", id, err)
		}
	}
	return nil
}

func writeGeneration(ctx context.Context, tx *sql.Tx, set ActiveSet) error {
	membersJSON, err := json.Marshal(set.Members)
	if err != nil {
		return fmt.Errorf("marshal members: %w", err)
	}
	var started any
	if !set.ExperimentStartedAt.IsZero() {
		started = set.ExperimentStartedAt.Format(time.RFC3339Nano)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO active_set_history (tag, generation, restores_to, members_json, experiment_started_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		set.Tag, set.Generation, set.RestoresTo, string(membersJSON), started, set.CreatedAt.Format(time.RFC3339Nano),
	); err != nil {
		return fmt.Errorf("insert generation: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO active_sets (tag, generation) VALUES (?, ?)
		 ON CONFLICT(tag) DO UPDATE SET generation = excluded.generation`,
		set.Tag, set.Generation,
	); err != nil {
		return fmt.Errorf("set active: %w", err)
	}
	return nil
}

func loadGeneration(ctx context.Context, q queryer, name string, gen int64) (ActiveSet, error) {
	row := q.QueryRowContext(ctx,
		`SELECT tag, generation, restores_to, members_json, experiment_started_at, created_at
		 FROM active_set_history WHERE tag = ? AND generation = ?`, name, gen)
	set, err := scanGeneration(row)
	if err != nil {
		return ActiveSet{}, fmt.Errorf("load generation %s/%d: %w", name, gen, err)
	}
	return set, nil
}

func scanGeneration(r rowScanner) (ActiveSet, error) {
	var set ActiveSet
	var membersJSON, created string
	var started sql.NullString
	if err := r.Scan(&set.Tag, &set.Generation, &set.RestoresTo, &membersJSON, &started, &created); err != nil {
		return ActiveSet{}, err
	}
	if err := json.Unmarshal([]byte(membersJSON), &set.Members); err != nil {
		return ActiveSet{}, fmt.Errorf("unmarshal members: %w", err)
	}
	if started.Valid {
		set.ExperimentStartedAt, _ = time.Parse(time.RFC3339Nano, started.String)
	}
	set.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	return set, nil
}

// leaving lists the members of cur that are absent from next.
func leaving(cur, next ActiveSet) []int64 {
	var out []int64
	for _, m := range cur.Members {
		if !next.Contains(m.VersionID) {
			out = append(out, m.VersionID)
		}
	}
	return out
}

func memberIDs(set ActiveSet) []int64 {
	ids := make([]int64, len(set.Members))
	for i, m := range set.Members {
		ids[i] = m.VersionID
	}
	return ids
}

// #endregion sql-helpers
