package store

import (
	"database/sql"
	"fmt"
	"time"
)

// SectionKey identifies one class section within a stage.
type SectionKey struct {
	Stage   string `json:"stage"`
	Section string `json:"section"`
}

type Robot struct {
	Serial    string    `json:"serial"`
	Name      string    `json:"name"`
	Stage     string    `json:"stage"`
	Section   string    `json:"section"`
	Connected bool      `json:"connected"`
	LastSeen  time.Time `json:"last_seen"`
}

// Sections lists all sections grouped stage-first.
func (s *Store) Sections() ([]SectionKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT stage, section FROM sections ORDER BY stage, section`)
	if err != nil {
		return nil, fmt.Errorf("list sections: %w", err)
	}
	defer rows.Close()

	var out []SectionKey
	for rows.Next() {
		var k SectionKey
		if err := rows.Scan(&k.Stage, &k.Section); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// HasSection reports whether the stage/section pair exists.
func (s *Store) HasSection(stage, section string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM sections WHERE stage = ? AND section = ?`, stage, section).Scan(&n)
	return n > 0, err
}

// Subjects lists the subjects of a section in their configured order.
func (s *Store) Subjects(stage, section string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT subject FROM subjects WHERE stage = ? AND section = ? ORDER BY pos, subject`,
		stage, section,
	)
	if err != nil {
		return nil, fmt.Errorf("list subjects: %w", err)
	}
	defer rows.Close()
	return scanStrings(rows)
}

// SetSubjects replaces a section's subject list. Subject enrollments
// for removed subjects are pruned.
func (s *Store) SetSubjects(stage, section string, subjects []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM subjects WHERE stage = ? AND section = ?`, stage, section); err != nil {
		return fmt.Errorf("clear subjects: %w", err)
	}
	for i, subj := range subjects {
		if _, err := tx.Exec(
			`INSERT OR IGNORE INTO subjects(stage, section, subject, pos) VALUES(?, ?, ?, ?)`,
			stage, section, subj, i,
		); err != nil {
			return fmt.Errorf("insert subject: %w", err)
		}
	}
	if _, err := tx.Exec(`
		DELETE FROM subject_students
		WHERE stage = ? AND section = ?
		  AND subject NOT IN (SELECT subject FROM subjects WHERE stage = ? AND section = ?)
	`, stage, section, stage, section); err != nil {
		return fmt.Errorf("prune enrollments: %w", err)
	}
	return tx.Commit()
}

// Students lists a section's roster alphabetically.
func (s *Store) Students(stage, section string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT name FROM students WHERE stage = ? AND section = ? ORDER BY name`,
		stage, section,
	)
	if err != nil {
		return nil, fmt.Errorf("list students: %w", err)
	}
	defer rows.Close()
	return scanStrings(rows)
}

func (s *Store) AddStudent(stage, section, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO students(stage, section, name) VALUES(?, ?, ?)`,
		stage, section, name,
	)
	return err
}

// RemoveStudent drops a student from the roster and from all subject
// enrollments. Past attendance rows are kept.
func (s *Store) RemoveStudent(stage, section, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM students WHERE stage = ? AND section = ? AND name = ?`, stage, section, name); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM subject_students WHERE stage = ? AND section = ? AND name = ?`, stage, section, name); err != nil {
		return err
	}
	return tx.Commit()
}

// SubjectStudents lists the students enrolled in one subject.
func (s *Store) SubjectStudents(stage, section, subject string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT name FROM subject_students WHERE stage = ? AND section = ? AND subject = ? ORDER BY name`,
		stage, section, subject,
	)
	if err != nil {
		return nil, fmt.Errorf("list subject students: %w", err)
	}
	defer rows.Close()
	return scanStrings(rows)
}

// EnrollSubjectStudent adds a student to a subject, adding them to the
// section roster as well if needed.
func (s *Store) EnrollSubjectStudent(stage, section, subject, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`INSERT OR IGNORE INTO students(stage, section, name) VALUES(?, ?, ?)`, stage, section, name); err != nil {
		return err
	}
	if _, err := tx.Exec(
		`INSERT OR IGNORE INTO subject_students(stage, section, subject, name) VALUES(?, ?, ?, ?)`,
		stage, section, subject, name,
	); err != nil {
		return err
	}
	return tx.Commit()
}

// MarkAttendance upserts presence marks for one day. subject may be
// empty for whole-section attendance.
func (s *Store) MarkAttendance(day, stage, section, subject string, marks map[string]bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for student, present := range marks {
		p := 0
		if present {
			p = 1
		}
		if _, err := tx.Exec(`
			INSERT INTO attendance(day, stage, section, subject, student, present)
			VALUES(?, ?, ?, ?, ?, ?)
			ON CONFLICT(day, stage, section, subject, student) DO UPDATE SET present = excluded.present
		`, day, stage, section, subject, student, p); err != nil {
			return fmt.Errorf("mark attendance: %w", err)
		}
	}
	return tx.Commit()
}

// Attendance returns the presence marks recorded for one day.
func (s *Store) Attendance(day, stage, section, subject string) (map[string]bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT student, present FROM attendance WHERE day = ? AND stage = ? AND section = ? AND subject = ?`,
		day, stage, section, subject,
	)
	if err != nil {
		return nil, fmt.Errorf("read attendance: %w", err)
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var student string
		var present int
		if err := rows.Scan(&student, &present); err != nil {
			return nil, err
		}
		out[student] = present == 1
	}
	return out, rows.Err()
}

// AttendanceDays lists the days a section has attendance records for,
// newest first.
func (s *Store) AttendanceDays(stage, section string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT DISTINCT day FROM attendance WHERE stage = ? AND section = ? ORDER BY day DESC`,
		stage, section,
	)
	if err != nil {
		return nil, fmt.Errorf("list attendance days: %w", err)
	}
	defer rows.Close()
	return scanStrings(rows)
}

// UpsertRobot registers a robot by serial, keeping an existing link to
// its section.
func (s *Store) UpsertRobot(serial, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO robots(serial, name, connected, last_seen) VALUES(?, ?, 1, CURRENT_TIMESTAMP)
		ON CONFLICT(serial) DO UPDATE SET
			name = CASE WHEN excluded.name != '' THEN excluded.name ELSE robots.name END,
			connected = 1,
			last_seen = CURRENT_TIMESTAMP
	`, serial, name)
	return err
}

// HeartbeatRobot refreshes a robot's liveness stamp.
func (s *Store) HeartbeatRobot(serial string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		`UPDATE robots SET connected = 1, last_seen = CURRENT_TIMESTAMP WHERE serial = ?`,
		serial,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		_, err = s.db.Exec(
			`INSERT INTO robots(serial, connected, last_seen) VALUES(?, 1, CURRENT_TIMESTAMP)`,
			serial,
		)
	}
	return err
}

func (s *Store) DisconnectRobot(serial string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`UPDATE robots SET connected = 0 WHERE serial = ?`, serial)
	return err
}

// LinkRobot assigns a robot to a stage/section.
func (s *Store) LinkRobot(serial, stage, section string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`UPDATE robots SET stage = ?, section = ? WHERE serial = ?`, stage, section, serial)
	return err
}

// RobotSection resolves the section a robot is linked to.
func (s *Store) RobotSection(serial string) (SectionKey, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var k SectionKey
	err := s.db.QueryRow(`SELECT stage, section FROM robots WHERE serial = ?`, serial).Scan(&k.Stage, &k.Section)
	if err == sql.ErrNoRows {
		return SectionKey{}, false, nil
	}
	if err != nil {
		return SectionKey{}, false, err
	}
	if k.Stage == "" || k.Section == "" {
		return SectionKey{}, false, nil
	}
	return k, true, nil
}

func (s *Store) Robots() ([]Robot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT serial, name, stage, section, connected, last_seen
		FROM robots ORDER BY serial
	`)
	if err != nil {
		return nil, fmt.Errorf("list robots: %w", err)
	}
	defer rows.Close()

	var out []Robot
	for rows.Next() {
		var r Robot
		var connected int
		var seen sql.NullTime
		if err := rows.Scan(&r.Serial, &r.Name, &r.Stage, &r.Section, &connected, &seen); err != nil {
			return nil, err
		}
		r.Connected = connected == 1
		if seen.Valid {
			r.LastSeen = seen.Time
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanStrings(rows *sql.Rows) ([]string, error) {
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
