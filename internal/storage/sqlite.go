package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/terramentis-ai/terraqore-studio-sub002/internal/model"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS projects (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	owner_id TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	metadata_json TEXT NOT NULL DEFAULT '{}'
);
CREATE TABLE IF NOT EXISTS artifacts (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL REFERENCES projects(id),
	artifact_type TEXT NOT NULL,
	version INTEGER NOT NULL,
	data_json TEXT NOT NULL DEFAULT '{}',
	created_by TEXT NOT NULL,
	created_at TEXT NOT NULL,
	depends_on_json TEXT NOT NULL DEFAULT '[]',
	metadata_json TEXT NOT NULL DEFAULT '{}',
	provenance_json TEXT NOT NULL DEFAULT '[]'
);
CREATE INDEX IF NOT EXISTS idx_artifacts_project ON artifacts(project_id);
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL REFERENCES projects(id),
	title TEXT NOT NULL,
	status TEXT NOT NULL,
	assigned_to TEXT NOT NULL DEFAULT '',
	depends_on_json TEXT NOT NULL DEFAULT '[]',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	completed_at TEXT,
	metadata_json TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_tasks_project ON tasks(project_id);
CREATE TABLE IF NOT EXISTS conflicts (
	id TEXT PRIMARY KEY,
	artifact_id TEXT NOT NULL,
	project_id TEXT NOT NULL,
	description TEXT NOT NULL,
	severity TEXT NOT NULL,
	conflict_type TEXT NOT NULL,
	resolution_strategy TEXT NOT NULL DEFAULT '',
	resolved INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	resolved_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_conflicts_artifact ON conflicts(artifact_id);
CREATE INDEX IF NOT EXISTS idx_conflicts_project ON conflicts(project_id);
CREATE TABLE IF NOT EXISTS checkpoints (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	label TEXT NOT NULL,
	snapshot_json TEXT NOT NULL,
	seq INTEGER,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_checkpoints_project ON checkpoints(project_id);
`

// SQLite is the reference Backend, an embedded database file with foreign
// keys enabled.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path and applies
// the schema. The parent directory is created with 0755.
func OpenSQLite(path string) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?cache=shared&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// modernc sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent callers.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

func fmtTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func marshalJSON(v any) string {
	raw, err := json.Marshal(v)
	if err != nil || v == nil {
		return "null"
	}
	return string(raw)
}

func (s *SQLite) CreateProject(ctx context.Context, p *model.Project) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO projects(id, name, description, owner_id, status, created_at, updated_at, metadata_json)
VALUES (?,?,?,?,?,?,?,?)`,
		p.ID, p.Name, p.Description, p.OwnerID, string(p.Status), fmtTime(p.CreatedAt), fmtTime(p.UpdatedAt), marshalJSON(p.Metadata))
	return err
}

func (s *SQLite) scanProject(row *sql.Row) (*model.Project, error) {
	var p model.Project
	var status, createdAt, updatedAt, metaJSON string
	err := row.Scan(&p.ID, &p.Name, &p.Description, &p.OwnerID, &status, &createdAt, &updatedAt, &metaJSON)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	p.Status = model.ProjectStatus(status)
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	_ = json.Unmarshal([]byte(metaJSON), &p.Metadata)
	return &p, nil
}

func (s *SQLite) GetProject(ctx context.Context, id string) (*model.Project, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, name, description, owner_id, status, created_at, updated_at, metadata_json FROM projects WHERE id=?`, id)
	return s.scanProject(row)
}

func (s *SQLite) UpdateProject(ctx context.Context, p *model.Project) error {
	res, err := s.db.ExecContext(ctx, `UPDATE projects SET name=?, description=?, owner_id=?, status=?, updated_at=?, metadata_json=? WHERE id=?`,
		p.Name, p.Description, p.OwnerID, string(p.Status), fmtTime(p.UpdatedAt), marshalJSON(p.Metadata), p.ID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLite) ListProjects(ctx context.Context) ([]*model.Project, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, description, owner_id, status, created_at, updated_at, metadata_json FROM projects ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.Project
	for rows.Next() {
		var p model.Project
		var status, createdAt, updatedAt, metaJSON string
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.OwnerID, &status, &createdAt, &updatedAt, &metaJSON); err != nil {
			return nil, err
		}
		p.Status = model.ProjectStatus(status)
		p.CreatedAt = parseTime(createdAt)
		p.UpdatedAt = parseTime(updatedAt)
		_ = json.Unmarshal([]byte(metaJSON), &p.Metadata)
		out = append(out, &p)
	}
	return out, rows.Err()
}

func (s *SQLite) SaveArtifact(ctx context.Context, a *model.Artifact) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO artifacts(id, project_id, artifact_type, version, data_json, created_by, created_at, depends_on_json, metadata_json, provenance_json)
VALUES (?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET
	artifact_type=excluded.artifact_type,
	version=excluded.version,
	data_json=excluded.data_json,
	created_by=excluded.created_by,
	depends_on_json=excluded.depends_on_json,
	metadata_json=excluded.metadata_json,
	provenance_json=excluded.provenance_json`,
		a.ID, a.ProjectID, a.ArtifactType, a.Version, marshalJSON(a.Data), a.CreatedBy,
		fmtTime(a.CreatedAt), marshalJSON(a.DependsOn), marshalJSON(a.Metadata), marshalJSON(a.Provenance))
	return err
}

func scanArtifactRow(scan func(dest ...any) error) (*model.Artifact, error) {
	var a model.Artifact
	var dataJSON, createdAt, dependsJSON, metaJSON, provJSON string
	err := scan(&a.ID, &a.ProjectID, &a.ArtifactType, &a.Version, &dataJSON, &a.CreatedBy, &createdAt, &dependsJSON, &metaJSON, &provJSON)
	if err != nil {
		return nil, err
	}
	a.CreatedAt = parseTime(createdAt)
	_ = json.Unmarshal([]byte(dataJSON), &a.Data)
	_ = json.Unmarshal([]byte(dependsJSON), &a.DependsOn)
	_ = json.Unmarshal([]byte(metaJSON), &a.Metadata)
	_ = json.Unmarshal([]byte(provJSON), &a.Provenance)
	return &a, nil
}

const artifactCols = `id, project_id, artifact_type, version, data_json, created_by, created_at, depends_on_json, metadata_json, provenance_json`

func (s *SQLite) GetArtifact(ctx context.Context, id string) (*model.Artifact, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+artifactCols+` FROM artifacts WHERE id=?`, id)
	a, err := scanArtifactRow(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := s.attachConflicts(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

func (s *SQLite) ListArtifacts(ctx context.Context, projectID string) ([]*model.Artifact, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+artifactCols+` FROM artifacts WHERE project_id=? ORDER BY created_at ASC, id ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.Artifact
	for rows.Next() {
		a, err := scanArtifactRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, a := range out {
		if err := s.attachConflicts(ctx, a); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *SQLite) attachConflicts(ctx context.Context, a *model.Artifact) error {
	rows, err := s.db.QueryContext(ctx, `SELECT `+conflictCols+` FROM conflicts WHERE artifact_id=? ORDER BY id ASC`, a.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	var list []*model.Conflict
	for rows.Next() {
		c, err := scanConflictRow(rows.Scan)
		if err != nil {
			return err
		}
		list = append(list, c)
	}
	if list != nil {
		a.Conflicts = list
	}
	return rows.Err()
}

func (s *SQLite) DeleteArtifact(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM artifacts WHERE id=?`, id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLite) SaveTask(ctx context.Context, t *model.Task) error {
	var completed any
	if t.CompletedAt != nil {
		completed = fmtTime(*t.CompletedAt)
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO tasks(id, project_id, title, status, assigned_to, depends_on_json, created_at, updated_at, completed_at, metadata_json)
VALUES (?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET
	title=excluded.title,
	status=excluded.status,
	assigned_to=excluded.assigned_to,
	depends_on_json=excluded.depends_on_json,
	updated_at=excluded.updated_at,
	completed_at=excluded.completed_at,
	metadata_json=excluded.metadata_json`,
		t.ID, t.ProjectID, t.Title, string(t.Status), t.AssignedTo, marshalJSON(t.DependsOn),
		fmtTime(t.CreatedAt), fmtTime(t.UpdatedAt), completed, marshalJSON(t.Metadata))
	return err
}

func scanTaskRow(scan func(dest ...any) error) (*model.Task, error) {
	var t model.Task
	var status, dependsJSON, createdAt, updatedAt, metaJSON string
	var completedAt sql.NullString
	err := scan(&t.ID, &t.ProjectID, &t.Title, &status, &t.AssignedTo, &dependsJSON, &createdAt, &updatedAt, &completedAt, &metaJSON)
	if err != nil {
		return nil, err
	}
	t.Status = model.TaskStatus(status)
	t.CreatedAt = parseTime(createdAt)
	t.UpdatedAt = parseTime(updatedAt)
	if completedAt.Valid {
		done := parseTime(completedAt.String)
		t.CompletedAt = &done
	}
	_ = json.Unmarshal([]byte(dependsJSON), &t.DependsOn)
	_ = json.Unmarshal([]byte(metaJSON), &t.Metadata)
	return &t, nil
}

const taskCols = `id, project_id, title, status, assigned_to, depends_on_json, created_at, updated_at, completed_at, metadata_json`

func (s *SQLite) GetTask(ctx context.Context, id string) (*model.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskCols+` FROM tasks WHERE id=?`, id)
	t, err := scanTaskRow(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return t, err
}

func (s *SQLite) ListTasks(ctx context.Context, projectID string) ([]*model.Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskCols+` FROM tasks WHERE project_id=? ORDER BY created_at ASC, id ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.Task
	for rows.Next() {
		t, err := scanTaskRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLite) DeleteTask(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id=?`, id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLite) SaveConflict(ctx context.Context, c *model.Conflict) error {
	var resolvedAt any
	if c.ResolvedAt != nil {
		resolvedAt = fmtTime(*c.ResolvedAt)
	}
	resolved := 0
	if c.Resolved {
		resolved = 1
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO conflicts(id, artifact_id, project_id, description, severity, conflict_type, resolution_strategy, resolved, created_at, resolved_at)
VALUES (?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET
	description=excluded.description,
	severity=excluded.severity,
	resolution_strategy=excluded.resolution_strategy,
	resolved=excluded.resolved,
	resolved_at=excluded.resolved_at`,
		c.ID, c.ArtifactID, c.ProjectID, c.Description, string(c.Severity), string(c.Type),
		string(c.ResolutionStrategy), resolved, fmtTime(c.CreatedAt), resolvedAt)
	return err
}

const conflictCols = `id, artifact_id, project_id, description, severity, conflict_type, resolution_strategy, resolved, created_at, resolved_at`

func scanConflictRow(scan func(dest ...any) error) (*model.Conflict, error) {
	var c model.Conflict
	var severity, ctype, strategy, createdAt string
	var resolved int
	var resolvedAt sql.NullString
	err := scan(&c.ID, &c.ArtifactID, &c.ProjectID, &c.Description, &severity, &ctype, &strategy, &resolved, &createdAt, &resolvedAt)
	if err != nil {
		return nil, err
	}
	c.Severity = model.ConflictSeverity(severity)
	c.Type = model.ConflictType(ctype)
	c.ResolutionStrategy = model.ResolutionStrategy(strategy)
	c.Resolved = resolved != 0
	c.CreatedAt = parseTime(createdAt)
	if resolvedAt.Valid {
		done := parseTime(resolvedAt.String)
		c.ResolvedAt = &done
	}
	return &c, nil
}

func (s *SQLite) GetConflict(ctx context.Context, id string) (*model.Conflict, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+conflictCols+` FROM conflicts WHERE id=?`, id)
	c, err := scanConflictRow(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return c, err
}

func (s *SQLite) ListConflicts(ctx context.Context, projectID string) ([]*model.Conflict, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+conflictCols+` FROM conflicts WHERE project_id=? ORDER BY id ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.Conflict
	for rows.Next() {
		c, err := scanConflictRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLite) SaveCheckpoint(ctx context.Context, cp *model.Checkpoint) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO checkpoints(id, project_id, label, snapshot_json, seq, created_at)
VALUES (?,?,?,?,(SELECT COALESCE(MAX(seq),0)+1 FROM checkpoints),?)`,
		cp.ID, cp.ProjectID, cp.Label, marshalJSON(cp.Snapshot), fmtTime(cp.CreatedAt))
	return err
}

func (s *SQLite) GetCheckpoint(ctx context.Context, id string) (*model.Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, project_id, label, snapshot_json, created_at FROM checkpoints WHERE id=?`, id)
	var cp model.Checkpoint
	var snapJSON, createdAt string
	err := row.Scan(&cp.ID, &cp.ProjectID, &cp.Label, &snapJSON, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	cp.CreatedAt = parseTime(createdAt)
	_ = json.Unmarshal([]byte(snapJSON), &cp.Snapshot)
	return &cp, nil
}

func (s *SQLite) ListCheckpoints(ctx context.Context, projectID string) ([]*model.Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, project_id, label, snapshot_json, created_at FROM checkpoints WHERE project_id=? ORDER BY seq ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.Checkpoint
	for rows.Next() {
		var cp model.Checkpoint
		var snapJSON, createdAt string
		if err := rows.Scan(&cp.ID, &cp.ProjectID, &cp.Label, &snapJSON, &createdAt); err != nil {
			return nil, err
		}
		cp.CreatedAt = parseTime(createdAt)
		_ = json.Unmarshal([]byte(snapJSON), &cp.Snapshot)
		out = append(out, &cp)
	}
	return out, rows.Err()
}

func (s *SQLite) DeleteCheckpoint(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE id=?`, id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

var _ Backend = (*SQLite)(nil)
