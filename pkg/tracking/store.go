package tracking

import (
	"context"
	"database/sql"
	"embed"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

const (
	DataFileName = "tracking.db"

	dirMode  = 0700
	fileMode = 0600
)

var (
	//go:embed sql/*
	f embed.FS

	errDBNotInitialized = errors.New("database not initialized")
)

const (
	selectExperiment = `SELECT id FROM experiment WHERE name = ?`
	insertExperiment = `INSERT INTO experiment (id, name, created_at) VALUES (?, ?, ?)`

	insertRun = `INSERT INTO run (id, experiment_id, name, status, artifact_uri, start_time)
		VALUES (?, ?, ?, ?, ?, ?)`
	updateRun = `UPDATE run SET status = ?, end_time = ? WHERE id = ?`
	selectRun = `SELECT r.id, e.name, r.name, r.status, r.artifact_uri, r.start_time, r.end_time
		FROM run r JOIN experiment e ON r.experiment_id = e.id WHERE r.id = ?`
	selectRuns = `SELECT r.id, e.name, r.name, r.status, r.artifact_uri, r.start_time, r.end_time
		FROM run r JOIN experiment e ON r.experiment_id = e.id
		WHERE (? = '' OR e.name = ?)
		ORDER BY r.start_time DESC LIMIT ?`

	insertParam = `INSERT INTO param (run_id, key, value) VALUES (?, ?, ?)
		ON CONFLICT(run_id, key) DO UPDATE SET value = excluded.value`
	insertMetric = `INSERT INTO metric (run_id, key, step, value, logged_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(run_id, key, step) DO UPDATE SET value = excluded.value, logged_at = excluded.logged_at`
	selectMetric = `SELECT value FROM metric WHERE run_id = ? AND key = ?
		ORDER BY step DESC LIMIT 1`
	selectRunMetrics = `SELECT m.key, m.value FROM metric m
		WHERE m.run_id = ? AND m.step = (
			SELECT MAX(step) FROM metric WHERE run_id = m.run_id AND key = m.key)`
	insertArtifact = `INSERT INTO artifact (run_id, path, size) VALUES (?, ?, ?)
		ON CONFLICT(run_id, path) DO UPDATE SET size = excluded.size`

	insertModel       = `INSERT OR IGNORE INTO registered_model (name, created_at) VALUES (?, ?)`
	selectNextVersion = `SELECT COALESCE(MAX(version), 0) + 1 FROM model_version WHERE name = ?`
	insertVersion     = `INSERT INTO model_version (name, version, stage, source, run_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`
	archiveStage = `UPDATE model_version SET stage = ?, updated_at = ?
		WHERE name = ? AND stage = ? AND version != ?`
	updateStage   = `UPDATE model_version SET stage = ?, updated_at = ? WHERE name = ? AND version = ?`
	selectLatest  = `SELECT name, version, stage, source, run_id, created_at FROM model_version
		WHERE name = ? AND stage = ? ORDER BY version DESC LIMIT 1`
	selectVersions = `SELECT name, version, stage, source, run_id, created_at FROM model_version
		WHERE (? = '' OR name = ?) ORDER BY name, version DESC`
)

// Store is a Tracker backed by a local SQLite database and an artifact directory.
type Store struct {
	db   *sql.DB
	root string
}

// Init creates the database schema at dbFilePath when needed.
func Init(dbFilePath string) error {
	if dbFilePath == "" {
		return errors.New("dbFilePath not specified")
	}
	if err := os.MkdirAll(filepath.Dir(dbFilePath), dirMode); err != nil {
		return errors.Wrapf(err, "failed to create dir for: %s", dbFilePath)
	}

	db, err := GetDB(dbFilePath)
	if err != nil {
		return errors.Wrapf(err, "error opening database: %s", dbFilePath)
	}
	defer db.Close()

	b, err := f.ReadFile("sql/ddl.sql")
	if err != nil {
		return errors.Wrap(err, "failed to read the schema creation file")
	}
	if _, err := db.Exec(string(b)); err != nil {
		return errors.Wrapf(err, "failed to create database schema in: %s", dbFilePath)
	}
	return nil
}

// GetDB opens the SQLite database at path.
func GetDB(path string) (*sql.DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database: %s", path)
	}
	conn.SetMaxOpenConns(1)
	return conn, nil
}

// Open initializes and opens the store. Artifacts are kept under artifactRoot.
func Open(dbFilePath, artifactRoot string) (*Store, error) {
	if artifactRoot == "" {
		return nil, errors.New("artifact root not specified")
	}
	if err := Init(dbFilePath); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(artifactRoot, dirMode); err != nil {
		return nil, errors.Wrapf(err, "failed to create artifact root: %s", artifactRoot)
	}
	db, err := GetDB(dbFilePath)
	if err != nil {
		return nil, err
	}
	return &Store{db: db, root: artifactRoot}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// StartRun creates a new running run.
func (s *Store) StartRun(ctx context.Context, experiment, name string) (*Run, error) {
	if s == nil || s.db == nil {
		return nil, errDBNotInitialized
	}
	if experiment == "" || name == "" {
		return nil, errors.Errorf("experiment: %s, name: %s are both required", experiment, name)
	}

	expID, err := s.experimentID(ctx, experiment)
	if err != nil {
		return nil, err
	}

	r := &Run{
		ID:         strings.ReplaceAll(uuid.NewString(), "-", ""),
		Experiment: experiment,
		Name:       name,
		Status:     RunRunning,
		StartTime:  time.Now().UTC(),
	}
	r.ArtifactURI = filepath.Join(s.root, r.ID, "artifacts")

	if _, err := s.db.ExecContext(ctx, insertRun, r.ID, expID, r.Name, string(r.Status),
		r.ArtifactURI, formatTime(r.StartTime)); err != nil {
		return nil, errors.Wrap(err, "failed to insert run")
	}
	slog.Debug("run started", "id", r.ID, "experiment", experiment)
	return r, nil
}

func (s *Store) experimentID(ctx context.Context, name string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, selectExperiment, name).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", errors.Wrap(err, "failed to select experiment")
	}

	id = uuid.NewString()
	if _, err := s.db.ExecContext(ctx, insertExperiment, id, name, formatTime(time.Now().UTC())); err != nil {
		return "", errors.Wrapf(err, "failed to create experiment: %s", name)
	}
	return id, nil
}

// LogParams stores the run parameters as strings.
func (s *Store) LogParams(ctx context.Context, runID string, params map[string]any) error {
	if s == nil || s.db == nil {
		return errDBNotInitialized
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	stmt, err := tx.PrepareContext(ctx, insertParam)
	if err != nil {
		rollback(tx)
		return errors.Wrap(err, "failed to prepare param insert statement")
	}
	defer stmt.Close()

	for k, v := range params {
		if _, err := stmt.ExecContext(ctx, runID, k, ParamString(v)); err != nil {
			rollback(tx)
			return errors.Wrapf(err, "failed to insert param: %s", k)
		}
	}
	return errors.Wrap(tx.Commit(), "failed to commit params")
}

// LogMetric stores one metric value at step.
func (s *Store) LogMetric(ctx context.Context, runID, key string, value float64, step int) error {
	if s == nil || s.db == nil {
		return errDBNotInitialized
	}
	if _, err := s.db.ExecContext(ctx, insertMetric, runID, key, step, value, formatTime(time.Now().UTC())); err != nil {
		return errors.Wrapf(err, "failed to insert metric: %s", key)
	}
	return nil
}

// Metric returns the value at the highest step of a run metric.
func (s *Store) Metric(ctx context.Context, runID, key string) (float64, error) {
	if s == nil || s.db == nil {
		return 0, errDBNotInitialized
	}
	var v float64
	if err := s.db.QueryRowContext(ctx, selectMetric, runID, key).Scan(&v); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, errors.Wrapf(ErrNotFound, "metric %s of run %s", key, runID)
		}
		return 0, errors.Wrap(err, "failed to scan metric")
	}
	return v, nil
}

// LogModel copies the bundle directory into the run artifacts.
func (s *Store) LogModel(ctx context.Context, runID, dir string) (string, error) {
	if s == nil || s.db == nil {
		return "", errDBNotInitialized
	}
	r, err := s.GetRun(ctx, runID)
	if err != nil {
		return "", err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", errors.Wrapf(err, "failed to read model dir: %s", dir)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		rel := filepath.Join(ModelArtifactPath, e.Name())
		if err := s.storeArtifact(ctx, r, filepath.Join(dir, e.Name()), rel); err != nil {
			return "", err
		}
	}
	return ModelURI(runID), nil
}

// LogArtifact copies a single file into the run artifacts.
func (s *Store) LogArtifact(ctx context.Context, runID, path string) error {
	if s == nil || s.db == nil {
		return errDBNotInitialized
	}
	r, err := s.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	return s.storeArtifact(ctx, r, path, filepath.Base(path))
}

func (s *Store) storeArtifact(ctx context.Context, r *Run, src, rel string) error {
	dst := filepath.Join(r.ArtifactURI, rel)
	if err := os.MkdirAll(filepath.Dir(dst), dirMode); err != nil {
		return errors.Wrapf(err, "failed to create artifact dir for: %s", rel)
	}
	n, err := copyFile(src, dst)
	if err != nil {
		return errors.Wrapf(err, "failed to copy artifact: %s", src)
	}
	if _, err := s.db.ExecContext(ctx, insertArtifact, r.ID, filepath.ToSlash(rel), n); err != nil {
		return errors.Wrapf(err, "failed to insert artifact: %s", rel)
	}
	return nil
}

// Artifacts lists the artifact paths of a run relative to its artifact root.
func (s *Store) Artifacts(ctx context.Context, runID string) ([]string, error) {
	r, err := s.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	list := make([]string, 0)
	err = filepath.WalkDir(r.ArtifactURI, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			rel, _ := filepath.Rel(r.ArtifactURI, path)
			list = append(list, filepath.ToSlash(rel))
		}
		return nil
	})
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, errors.Wrap(err, "failed to list artifacts")
	}
	return list, nil
}

// EndRun sets the terminal status of a run.
func (s *Store) EndRun(ctx context.Context, runID string, status RunStatus) error {
	if s == nil || s.db == nil {
		return errDBNotInitialized
	}
	res, err := s.db.ExecContext(ctx, updateRun, string(status), formatTime(time.Now().UTC()), runID)
	if err != nil {
		return errors.Wrap(err, "failed to update run")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(ErrNotFound, "run %s", runID)
	}
	return nil
}

// GetRun returns a run with its latest metric values.
func (s *Store) GetRun(ctx context.Context, runID string) (*Run, error) {
	if s == nil || s.db == nil {
		return nil, errDBNotInitialized
	}
	r, err := scanRun(s.db.QueryRowContext(ctx, selectRun, runID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.Wrapf(ErrNotFound, "run %s", runID)
		}
		return nil, err
	}
	if r.Metrics, err = s.runMetrics(ctx, runID); err != nil {
		return nil, err
	}
	return r, nil
}

// ListRuns returns the most recent runs, optionally limited to one experiment.
func (s *Store) ListRuns(ctx context.Context, experiment string, limit int) ([]*Run, error) {
	if s == nil || s.db == nil {
		return nil, errDBNotInitialized
	}
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, selectRuns, experiment, experiment, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to execute select runs statement")
	}
	defer rows.Close()

	list := make([]*Run, 0)
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate runs")
	}

	for _, r := range list {
		if r.Metrics, err = s.runMetrics(ctx, r.ID); err != nil {
			return nil, err
		}
	}
	return list, nil
}

func (s *Store) runMetrics(ctx context.Context, runID string) (map[string]float64, error) {
	rows, err := s.db.QueryContext(ctx, selectRunMetrics, runID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to select run metrics")
	}
	defer rows.Close()

	m := make(map[string]float64)
	for rows.Next() {
		var k string
		var v float64
		if err := rows.Scan(&k, &v); err != nil {
			return nil, errors.Wrap(err, "failed to scan metric")
		}
		m[k] = v
	}
	return m, errors.Wrap(rows.Err(), "failed to iterate metrics")
}

// RegisterModel adds the next version of name pointing at modelURI.
func (s *Store) RegisterModel(ctx context.Context, modelURI, name string) (*ModelVersion, error) {
	if s == nil || s.db == nil {
		return nil, errDBNotInitialized
	}
	runID, err := ParseModelURI(modelURI)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin transaction")
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, insertModel, name, formatTime(now)); err != nil {
		rollback(tx)
		return nil, errors.Wrapf(err, "failed to create registered model: %s", name)
	}

	mv := &ModelVersion{
		Name:      name,
		Stage:     StageNone,
		Source:    modelURI,
		RunID:     runID,
		CreatedAt: now,
	}
	if err := tx.QueryRowContext(ctx, selectNextVersion, name).Scan(&mv.Version); err != nil {
		rollback(tx)
		return nil, errors.Wrap(err, "failed to select next version")
	}
	if _, err := tx.ExecContext(ctx, insertVersion, mv.Name, mv.Version, string(mv.Stage), mv.Source,
		mv.RunID, formatTime(now), formatTime(now)); err != nil {
		rollback(tx)
		return nil, errors.Wrap(err, "failed to insert model version")
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "failed to commit model version")
	}
	return mv, nil
}

// TransitionStage moves a version to stage.
func (s *Store) TransitionStage(ctx context.Context, name string, version int, stage Stage, archiveExisting bool) error {
	if s == nil || s.db == nil {
		return errDBNotInitialized
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}

	now := formatTime(time.Now().UTC())
	res, err := tx.ExecContext(ctx, updateStage, string(stage), now, name, version)
	if err != nil {
		rollback(tx)
		return errors.Wrap(err, "failed to update stage")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		rollback(tx)
		return errors.Wrapf(ErrNotFound, "model %s version %d", name, version)
	}

	if archiveExisting && stage != StageArchived && stage != StageNone {
		if _, err := tx.ExecContext(ctx, archiveStage, string(StageArchived), now, name, string(stage), version); err != nil {
			rollback(tx)
			return errors.Wrap(err, "failed to archive existing versions")
		}
	}
	return errors.Wrap(tx.Commit(), "failed to commit stage transition")
}

// LatestVersion returns the newest version of name in stage.
func (s *Store) LatestVersion(ctx context.Context, name string, stage Stage) (*ModelVersion, error) {
	if s == nil || s.db == nil {
		return nil, errDBNotInitialized
	}
	mv, err := scanVersion(s.db.QueryRowContext(ctx, selectLatest, name, string(stage)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.Wrapf(ErrNotFound, "model %s in stage %s", name, stage)
		}
		return nil, err
	}
	return mv, nil
}

// ListVersions returns all versions, optionally of a single model, newest first.
func (s *Store) ListVersions(ctx context.Context, name string) ([]*ModelVersion, error) {
	if s == nil || s.db == nil {
		return nil, errDBNotInitialized
	}
	rows, err := s.db.QueryContext(ctx, selectVersions, name, name)
	if err != nil {
		return nil, errors.Wrap(err, "failed to execute select versions statement")
	}
	defer rows.Close()

	list := make([]*ModelVersion, 0)
	for rows.Next() {
		mv, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, mv)
	}
	return list, errors.Wrap(rows.Err(), "failed to iterate versions")
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	r := &Run{}
	var start string
	var end sql.NullString
	if err := row.Scan(&r.ID, &r.Experiment, &r.Name, &r.Status, &r.ArtifactURI, &start, &end); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, errors.Wrap(err, "failed to scan run")
	}
	r.StartTime = parseTime(start)
	if end.Valid {
		t := parseTime(end.String)
		r.EndTime = &t
	}
	return r, nil
}

func scanVersion(row scanner) (*ModelVersion, error) {
	mv := &ModelVersion{}
	var created string
	if err := row.Scan(&mv.Name, &mv.Version, &mv.Stage, &mv.Source, &mv.RunID, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, errors.Wrap(err, "failed to scan model version")
	}
	mv.CreatedAt = parseTime(created)
	return mv, nil
}

func rollback(tx *sql.Tx) {
	if err := tx.Rollback(); err != nil {
		slog.Error("failed to rollback transaction", "error", err)
	}
}

func formatTime(t time.Time) string {
	return t.Format(time.RFC3339Nano)
}

func parseTime(v string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return t
}

func copyFile(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, fileMode)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(out, in)
	if err != nil {
		out.Close()
		return 0, err
	}
	return n, out.Close()
}

var _ Tracker = (*Store)(nil)
