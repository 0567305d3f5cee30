package store

import (
	"database/sql"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

// Store wraps the school roster database: stages, sections, students,
// subjects, attendance, robots and quizzes. Live call state never
// touches it.
type Store struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
}

// Open opens or creates the SQLite database at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Enable foreign keys and WAL mode for better concurrency
	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	s := &Store{db: db, path: path}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.seedDefaults(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) createSchema() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS sections (
			stage   TEXT NOT NULL,
			section TEXT NOT NULL,
			PRIMARY KEY (stage, section)
		);

		CREATE TABLE IF NOT EXISTS subjects (
			stage   TEXT NOT NULL,
			section TEXT NOT NULL,
			subject TEXT NOT NULL,
			pos     INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (stage, section, subject)
		);

		CREATE TABLE IF NOT EXISTS students (
			stage   TEXT NOT NULL,
			section TEXT NOT NULL,
			name    TEXT NOT NULL,
			PRIMARY KEY (stage, section, name)
		);

		CREATE TABLE IF NOT EXISTS subject_students (
			stage   TEXT NOT NULL,
			section TEXT NOT NULL,
			subject TEXT NOT NULL,
			name    TEXT NOT NULL,
			PRIMARY KEY (stage, section, subject, name)
		);

		CREATE TABLE IF NOT EXISTS attendance (
			day     TEXT NOT NULL,
			stage   TEXT NOT NULL,
			section TEXT NOT NULL,
			subject TEXT NOT NULL DEFAULT '',
			student TEXT NOT NULL,
			present INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (day, stage, section, subject, student)
		);

		CREATE TABLE IF NOT EXISTS robots (
			serial     TEXT PRIMARY KEY,
			name       TEXT NOT NULL DEFAULT '',
			stage      TEXT NOT NULL DEFAULT '',
			section    TEXT NOT NULL DEFAULT '',
			connected  INTEGER NOT NULL DEFAULT 0,
			last_seen  DATETIME,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS quizzes (
			id         TEXT PRIMARY KEY,
			title      TEXT NOT NULL,
			stage      TEXT NOT NULL DEFAULT '',
			section    TEXT NOT NULL DEFAULT '',
			subject    TEXT NOT NULL DEFAULT '',
			active     INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS quiz_questions (
			quiz_id  TEXT NOT NULL,
			qid      TEXT NOT NULL,
			question TEXT NOT NULL,
			answer   TEXT NOT NULL,
			pos      INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (quiz_id, qid),
			FOREIGN KEY (quiz_id) REFERENCES quizzes(id) ON DELETE CASCADE
		);

		CREATE TABLE IF NOT EXISTS quiz_stats (
			quiz_id  TEXT NOT NULL,
			qid      TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			correct  INTEGER NOT NULL DEFAULT 0,
			wrong    INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (quiz_id, qid)
		);

		CREATE TABLE IF NOT EXISTS quiz_wrong_answers (
			quiz_id TEXT NOT NULL,
			qid     TEXT NOT NULL,
			answer  TEXT NOT NULL,
			count   INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (quiz_id, qid, answer)
		);

		CREATE TABLE IF NOT EXISTS progress (
			student     TEXT NOT NULL,
			quiz_id     TEXT NOT NULL,
			score       INTEGER NOT NULL DEFAULT 0,
			total       INTEGER NOT NULL DEFAULT 0,
			finished_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (student, quiz_id)
		);
	`); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// DefaultSubjects is the subject list seeded into every new section.
var DefaultSubjects = []string{
	"Arabic",
	"English",
	"Mathematics",
	"Science",
	"History",
	"Geography",
	"Computer",
	"Religion",
}

var defaultStages = []string{"Stage 1", "Stage 2", "Stage 3"}
var defaultSections = []string{"A", "B"}

// seedDefaults fills an empty database with Stage 1..3, sections A/B
// and the default subjects. An already populated database is left
// untouched.
func (s *Store) seedDefaults() error {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM sections`).Scan(&n); err != nil {
		return fmt.Errorf("count sections: %w", err)
	}
	if n > 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("seed defaults: %w", err)
	}
	defer tx.Rollback()

	for _, stage := range defaultStages {
		for _, sec := range defaultSections {
			if _, err := tx.Exec(`INSERT OR IGNORE INTO sections(stage, section) VALUES(?, ?)`, stage, sec); err != nil {
				return fmt.Errorf("seed section: %w", err)
			}
			for i, subj := range DefaultSubjects {
				if _, err := tx.Exec(
					`INSERT OR IGNORE INTO subjects(stage, section, subject, pos) VALUES(?, ?, ?, ?)`,
					stage, sec, subj, i,
				); err != nil {
					return fmt.Errorf("seed subject: %w", err)
				}
			}
		}
	}
	return tx.Commit()
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Path() string {
	return s.path
}

const idAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// NewID returns prefix_xxxxxx with six random lowercase alphanumerics,
// the id shape used for quizzes and questions.
func NewID(prefix string) string {
	b := make([]byte, 6)
	for i := range b {
		b[i] = idAlphabet[rand.Intn(len(idAlphabet))]
	}
	return prefix + "_" + string(b)
}
