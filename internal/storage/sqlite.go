package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/hyperjump/medvision/internal/models"
)

// SQLiteStorage implements Storage using SQLite.
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage opens or creates a SQLite database at dbPath and initializes the schema.
// Parent directories are created if they do not exist.
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteStorage{db: db}, nil
}

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		patient_name TEXT,
		patient_age TEXT,
		patient_gender TEXT,
		exam_type TEXT,
		language TEXT,
		prompt_template TEXT,
		clinical_context TEXT,
		image_paths TEXT,
		vision_context TEXT,
		results TEXT,
		report TEXT,
		status TEXT NOT NULL,
		error TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_created_at ON sessions(created_at);
	CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
	`
	_, err := db.Exec(schema)
	return err
}

const sessionColumns = `id, patient_name, patient_age, patient_gender, exam_type, language,
	prompt_template, clinical_context, image_paths, vision_context, results, report,
	status, error, created_at, updated_at`

// CreateSession inserts a session. CreatedAt is kept when already set.
func (s *SQLiteStorage) CreateSession(ctx context.Context, sess *models.Session) error {
	pathsJSON, resultsJSON, err := marshalSessionLists(sess)
	if err != nil {
		return err
	}

	now := time.Now()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	sess.UpdatedAt = now

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (`+sessionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.Patient.Name, sess.Patient.Age, sess.Patient.Gender, sess.ExamType, sess.Language,
		sess.PromptTemplate, sess.ClinicalContext, pathsJSON, sess.VisionContext, resultsJSON, sess.Report,
		sess.Status, sess.Error, sess.CreatedAt, sess.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

// GetSession returns a session by ID.
func (s *SQLiteStorage) GetSession(ctx context.Context, id string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// UpdateSession rewrites every mutable field of an existing session.
func (s *SQLiteStorage) UpdateSession(ctx context.Context, sess *models.Session) error {
	pathsJSON, resultsJSON, err := marshalSessionLists(sess)
	if err != nil {
		return err
	}

	sess.UpdatedAt = time.Now()

	result, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET patient_name = ?, patient_age = ?, patient_gender = ?, exam_type = ?,
		 language = ?, prompt_template = ?, clinical_context = ?, image_paths = ?, vision_context = ?,
		 results = ?, report = ?, status = ?, error = ?, updated_at = ?
		 WHERE id = ?`,
		sess.Patient.Name, sess.Patient.Age, sess.Patient.Gender, sess.ExamType,
		sess.Language, sess.PromptTemplate, sess.ClinicalContext, pathsJSON, sess.VisionContext,
		resultsJSON, sess.Report, sess.Status, sess.Error, sess.UpdatedAt,
		sess.ID,
	)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sess.ID)
	}
	return nil
}

// DeleteSession removes a session by ID.
func (s *SQLiteStorage) DeleteSession(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return nil
}

// ListSessions returns session summaries with offset and limit, newest first.
func (s *SQLiteStorage) ListSessions(ctx context.Context, offset, limit int) ([]*models.SessionSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, patient_name, patient_age, patient_gender, exam_type, status, image_paths, created_at
		 FROM sessions ORDER BY created_at DESC, id LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.SessionSummary
	for rows.Next() {
		var sum models.SessionSummary
		var name, age, gender, exam, pathsJSON sql.NullString
		if err := rows.Scan(&sum.ID, &name, &age, &gender, &exam, &sum.Status, &pathsJSON, &sum.CreatedAt); err != nil {
			return nil, err
		}
		sum.Patient = models.PatientInfo{Name: name.String, Age: age.String, Gender: gender.String}
		sum.ExamType = exam.String
		var paths []string
		if pathsJSON.String != "" {
			_ = json.Unmarshal([]byte(pathsJSON.String), &paths)
		}
		sum.ImageCount = len(paths)
		out = append(out, &sum)
	}
	return out, rows.Err()
}

// AllSessions returns every session, newest first.
func (s *SQLiteStorage) AllSessions(ctx context.Context) ([]*models.Session, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sessionColumns+` FROM sessions ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// CountSessions returns the total number of sessions.
func (s *SQLiteStorage) CountSessions(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions`).Scan(&count)
	return count, err
}

// Close closes the database.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row scanner) (*models.Session, error) {
	var sess models.Session
	var name, age, gender, exam, lang, tmpl, clinical, pathsJSON, visionCtx, resultsJSON, report, errText sql.NullString
	if err := row.Scan(&sess.ID, &name, &age, &gender, &exam, &lang,
		&tmpl, &clinical, &pathsJSON, &visionCtx, &resultsJSON, &report,
		&sess.Status, &errText, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
		return nil, err
	}
	sess.Patient = models.PatientInfo{Name: name.String, Age: age.String, Gender: gender.String}
	sess.ExamType = exam.String
	sess.Language = lang.String
	sess.PromptTemplate = tmpl.String
	sess.ClinicalContext = clinical.String
	sess.VisionContext = visionCtx.String
	sess.Report = report.String
	sess.Error = errText.String
	if pathsJSON.String != "" {
		if err := json.Unmarshal([]byte(pathsJSON.String), &sess.ImagePaths); err != nil {
			return nil, fmt.Errorf("failed to unmarshal image paths: %w", err)
		}
	}
	if resultsJSON.String != "" {
		if err := json.Unmarshal([]byte(resultsJSON.String), &sess.Results); err != nil {
			return nil, fmt.Errorf("failed to unmarshal results: %w", err)
		}
	}
	return &sess, nil
}

func marshalSessionLists(sess *models.Session) (string, string, error) {
	pathsJSON, err := json.Marshal(sess.ImagePaths)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal image paths: %w", err)
	}
	resultsJSON, err := json.Marshal(sess.Results)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal results: %w", err)
	}
	return string(pathsJSON), string(resultsJSON), nil
}
