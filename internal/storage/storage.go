// Package storage provides SQLite-backed persistence for assurance level
// transitions and per-cycle check diagnostics.
package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/armour-sheila/PNT-Integrity/internal/models"
)

// Storage wraps a SQLite database for all persistence operations.
type Storage struct {
	db         *sql.DB
	maxRecords int
}

// DiagnosticsRecord is one stored diagnostics publication.
type DiagnosticsRecord struct {
	ID         string
	Check      string
	CheckTime  float64
	Payload    json.RawMessage
	RecordedAt time.Time
}

// New opens or creates the SQLite database at dbPath. Each table keeps at
// most maxRecords rows once rotated. An empty dbPath defaults to
// $TMPDIR/pnt-integrity/history.db.
func New(maxRecords int, dbPath string) (*Storage, error) {
	if dbPath == "" {
		dbPath = filepath.Join(os.TempDir(), "pnt-integrity", "history.db")
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer; WAL allows concurrent readers
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}
	s := &Storage{db: db, maxRecords: maxRecords}
	if err := s.createTables(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) createTables() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS level_transitions (
			id          TEXT PRIMARY KEY,
			check_name  TEXT NOT NULL,
			previous    TEXT NOT NULL,
			level       TEXT NOT NULL,
			check_time  REAL NOT NULL,
			recorded_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS diagnostics (
			id          TEXT PRIMARY KEY,
			check_name  TEXT NOT NULL,
			check_time  REAL NOT NULL,
			payload     TEXT NOT NULL,
			recorded_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transitions_check ON level_transitions(check_name, recorded_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_diagnostics_check ON diagnostics(check_name, recorded_at DESC)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// AddTransition stores a level transition, assigning an ID and recording
// time when they are unset.
func (s *Storage) AddTransition(t *models.LevelTransition) error {
	if t.Check == "" {
		return fmt.Errorf("invalid transition: check name must not be empty")
	}
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.RecordedAt.IsZero() {
		t.RecordedAt = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO level_transitions (id, check_name, previous, level, check_time, recorded_at)
		VALUES (?,?,?,?,?,?)`,
		t.ID, t.Check, t.Previous.String(), t.Level.String(), t.CheckTime, t.RecordedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert transition: %w", err)
	}
	return nil
}

// GetTransitions returns the newest transitions of a check, newest first.
func (s *Storage) GetTransitions(check string, limit int) ([]models.LevelTransition, error) {
	rows, err := s.db.Query(`
		SELECT id, check_name, previous, level, check_time, recorded_at
		FROM level_transitions WHERE check_name = ?
		ORDER BY recorded_at DESC LIMIT ?`, check, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query transitions: %w", err)
	}
	defer rows.Close()

	var out []models.LevelTransition
	for rows.Next() {
		t, err := scanTransition(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transition: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// LatestLevels returns the most recent transition of every check.
func (s *Storage) LatestLevels() (map[string]models.LevelTransition, error) {
	rows, err := s.db.Query(`
		SELECT id, check_name, previous, level, check_time, recorded_at
		FROM level_transitions t
		WHERE recorded_at = (
			SELECT MAX(recorded_at) FROM level_transitions WHERE check_name = t.check_name
		)`)
	if err != nil {
		return nil, fmt.Errorf("failed to query latest levels: %w", err)
	}
	defer rows.Close()

	out := make(map[string]models.LevelTransition)
	for rows.Next() {
		t, err := scanTransition(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transition: %w", err)
		}
		out[t.Check] = *t
	}
	return out, rows.Err()
}

// AddDiagnostics stores a diagnostics record, encoded as JSON.
func (s *Storage) AddDiagnostics(check string, checkTime float64, diagnostics any) error {
	payload, err := json.Marshal(diagnostics)
	if err != nil {
		return fmt.Errorf("failed to marshal diagnostics: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO diagnostics (id, check_name, check_time, payload, recorded_at)
		VALUES (?,?,?,?,?)`,
		uuid.New().String(), check, checkTime, string(payload), time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert diagnostics: %w", err)
	}
	return nil
}

// GetDiagnostics returns the newest diagnostics of a check, newest first.
func (s *Storage) GetDiagnostics(check string, limit int) ([]DiagnosticsRecord, error) {
	rows, err := s.db.Query(`
		SELECT id, check_name, check_time, payload, recorded_at
		FROM diagnostics WHERE check_name = ?
		ORDER BY recorded_at DESC LIMIT ?`, check, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query diagnostics: %w", err)
	}
	defer rows.Close()

	var out []DiagnosticsRecord
	for rows.Next() {
		var r DiagnosticsRecord
		var payload string
		var recordedAtNano int64
		if err := rows.Scan(&r.ID, &r.Check, &r.CheckTime, &payload, &recordedAtNano); err != nil {
			return nil, fmt.Errorf("failed to scan diagnostics: %w", err)
		}
		r.Payload = json.RawMessage(payload)
		r.RecordedAt = time.Unix(0, recordedAtNano)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Rotate keeps at most maxRecords newest rows in each table.
func (s *Storage) Rotate() error {
	for _, table := range []string{"level_transitions", "diagnostics"} {
		_, err := s.db.Exec(`
			DELETE FROM `+table+` WHERE id NOT IN (
				SELECT id FROM `+table+` ORDER BY recorded_at DESC LIMIT ?
			)`, s.maxRecords)
		if err != nil {
			return fmt.Errorf("failed to rotate %s: %w", table, err)
		}
	}
	return nil
}

func scanTransition(scan func(...any) error) (*models.LevelTransition, error) {
	var t models.LevelTransition
	var previous, level string
	var recordedAtNano int64
	if err := scan(&t.ID, &t.Check, &previous, &level, &t.CheckTime, &recordedAtNano); err != nil {
		return nil, err
	}
	var err error
	if t.Previous, err = models.ParseAssuranceLevel(previous); err != nil {
		return nil, err
	}
	if t.Level, err = models.ParseAssuranceLevel(level); err != nil {
		return nil, err
	}
	t.RecordedAt = time.Unix(0, recordedAtNano)
	return &t, nil
}
