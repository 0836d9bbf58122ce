package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// Store provides SQLite-backed persistence
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// New creates a new Store, opening the SQLite database and running migrations
func New(dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps ":memory:" databases coherent and serialises writers.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{
		db:     db,
		logger: logger,
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logger.Debug("Store initialized", "path", dbPath)
	return s, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

// ============================================================================
// Job History Operations
// ============================================================================

// SaveJob inserts or replaces a JobRecord
func (s *Store) SaveJob(rec *JobRecord) error {
	const query = `
		INSERT OR REPLACE INTO job_history (
			id, kind, project, environment, target, filter, destination, fingerprint,
			state, phase, message, remote_id, error, outcome, succeeded, failed,
			skipped, total_bytes, artifact, created_at, started_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.Exec(
		query,
		rec.ID, rec.Kind, rec.Project, rec.Environment, rec.Target, rec.Filter,
		rec.Destination, rec.Fingerprint, rec.State, rec.Phase, rec.Message,
		rec.RemoteID, rec.Error, rec.Outcome, rec.Succeeded, rec.Failed,
		rec.Skipped, rec.TotalBytes, rec.Artifact, rec.CreatedAt,
		nullTime(rec.StartedAt), nullTime(rec.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save job %s: %w", rec.ID, err)
	}
	return nil
}

const jobColumns = `
	id, kind, project, environment, target, filter, destination, fingerprint,
	state, phase, message, remote_id, error, outcome, succeeded, failed,
	skipped, total_bytes, artifact, created_at, started_at, completed_at
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*JobRecord, error) {
	rec := &JobRecord{}
	var (
		env, target, filter, dest, phase, msg sql.NullString
		remoteID, errMsg, outcome, artifact   sql.NullString
		started, completed                    sql.NullTime
	)
	err := row.Scan(
		&rec.ID, &rec.Kind, &rec.Project, &env, &target, &filter, &dest,
		&rec.Fingerprint, &rec.State, &phase, &msg, &remoteID, &errMsg, &outcome,
		&rec.Succeeded, &rec.Failed, &rec.Skipped, &rec.TotalBytes, &artifact,
		&rec.CreatedAt, &started, &completed,
	)
	if err != nil {
		return nil, err
	}
	rec.Environment = env.String
	rec.Target = target.String
	rec.Filter = filter.String
	rec.Destination = dest.String
	rec.Phase = phase.String
	rec.Message = msg.String
	rec.RemoteID = remoteID.String
	rec.Error = errMsg.String
	rec.Outcome = outcome.String
	rec.Artifact = artifact.String
	if started.Valid {
		rec.StartedAt = started.Time
	}
	if completed.Valid {
		rec.CompletedAt = completed.Time
	}
	return rec, nil
}

// GetJob retrieves a JobRecord by ID
func (s *Store) GetJob(id string) (*JobRecord, error) {
	query := "SELECT " + jobColumns + " FROM job_history WHERE id = ?"

	rec, err := scanJob(s.db.QueryRow(query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to query job: %w", err)
	}
	return rec, nil
}

// ListJobs retrieves JobRecords newest first
func (s *Store) ListJobs(f JobFilter) ([]JobRecord, error) {
	query := "SELECT " + jobColumns + " FROM job_history"
	var (
		where []string
		args  []any
	)
	if f.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, f.Kind)
	}
	if f.State != "" {
		where = append(where, "state = ?")
		args = append(args, f.State)
	}
	if f.Project != "" {
		where = append(where, "project = ?")
		args = append(args, f.Project)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	var recs []JobRecord
	for rows.Next() {
		rec, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		recs = append(recs, *rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating jobs: %w", err)
	}

	return recs, nil
}

// PruneJobs deletes all but the newest keep records and returns how many were removed
func (s *Store) PruneJobs(keep int) (int64, error) {
	const query = `
		DELETE FROM job_history WHERE id NOT IN (
			SELECT id FROM job_history ORDER BY created_at DESC, id LIMIT ?
		)
	`
	result, err := s.db.Exec(query, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune jobs: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

// ============================================================================
// Failed Object Operations (Dead Letter Queue)
// ============================================================================

// AddFailedObject records a failed object, bumping the retry count of an
// existing unresolved entry for the same container and object.
func (s *Store) AddFailedObject(rec *FailedObject) error {
	if rec.LastFailure.IsZero() {
		rec.LastFailure = time.Now()
	}
	if rec.FirstFailure.IsZero() {
		rec.FirstFailure = rec.LastFailure
	}

	const upsertQuery = `
		UPDATE failed_objects
		SET error = ?, retry_count = retry_count + 1, last_failure = ?,
		    job_id = COALESCE(NULLIF(?, ''), job_id),
		    dest_path = COALESCE(NULLIF(?, ''), dest_path),
		    size = CASE WHEN ? > 0 THEN ? ELSE size END
		WHERE container = ? AND object_name = ? AND resolved = 0
	`

	result, err := s.db.Exec(
		upsertQuery,
		rec.Error, rec.LastFailure, rec.JobID, rec.DestPath,
		rec.Size, rec.Size, rec.Container, rec.ObjectName,
	)
	if err != nil {
		return fmt.Errorf("failed to update failed object: %w", err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected > 0 {
		return nil
	}

	const insertQuery = `
		INSERT INTO failed_objects (
			container, object_name, dest_path, size, error, job_id,
			retry_count, first_failure, last_failure, resolved
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
	`

	result, err = s.db.Exec(
		insertQuery,
		rec.Container, rec.ObjectName, rec.DestPath, rec.Size, rec.Error,
		rec.JobID, rec.RetryCount, rec.FirstFailure, rec.LastFailure,
	)
	if err != nil {
		return fmt.Errorf("failed to add failed object: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	rec.ID = id
	return nil
}

// ListFailedObjects retrieves unresolved failures, optionally for one container
func (s *Store) ListFailedObjects(container string) ([]FailedObject, error) {
	query := `
		SELECT id, container, object_name, dest_path, size, error, job_id,
		       retry_count, first_failure, last_failure, resolved
		FROM failed_objects WHERE resolved = 0
	`
	var args []any
	if container != "" {
		query += " AND container = ?"
		args = append(args, container)
	}
	query += " ORDER BY last_failure DESC"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query failed objects: %w", err)
	}
	defer rows.Close()

	var records []FailedObject
	for rows.Next() {
		rec := FailedObject{}
		var dest, msg, jobID sql.NullString
		err := rows.Scan(
			&rec.ID, &rec.Container, &rec.ObjectName, &dest, &rec.Size, &msg,
			&jobID, &rec.RetryCount, &rec.FirstFailure, &rec.LastFailure, &rec.Resolved,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan failed object: %w", err)
		}
		rec.DestPath = dest.String
		rec.Error = msg.String
		rec.JobID = jobID.String
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating failed objects: %w", err)
	}

	return records, nil
}

// ResolveFailedObjects marks unresolved entries for an object as resolved.
// It returns the number of entries changed.
func (s *Store) ResolveFailedObjects(container, objectName string) (int64, error) {
	const query = `
		UPDATE failed_objects SET resolved = 1
		WHERE container = ? AND object_name = ? AND resolved = 0
	`

	result, err := s.db.Exec(query, container, objectName)
	if err != nil {
		return 0, fmt.Errorf("failed to resolve failed object: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected, nil
}

// ResolveFailedObject marks a single entry as resolved by ID
func (s *Store) ResolveFailedObject(id int64) error {
	const query = "UPDATE failed_objects SET resolved = 1 WHERE id = ?"

	result, err := s.db.Exec(query, id)
	if err != nil {
		return fmt.Errorf("failed to resolve failed object: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return fmt.Errorf("failed object %d: %w", id, ErrNotFound)
	}

	return nil
}
