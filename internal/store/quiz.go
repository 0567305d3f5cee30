package store

import (
	"database/sql"
	"fmt"
	"math/rand"
	"strings"
	"time"
	"unicode"
)

type Question struct {
	ID     string `json:"id"`
	Text   string `json:"q"`
	Answer string `json:"a"`
}

type Quiz struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Stage     string     `json:"stage"`
	Section   string     `json:"section"`
	Subject   string     `json:"subject"`
	Active    bool       `json:"active"`
	CreatedAt time.Time  `json:"created_at"`
	Questions []Question `json:"questions,omitempty"`
}

type QuestionStats struct {
	Attempts     int            `json:"attempts"`
	Correct      int            `json:"correct"`
	Wrong        int            `json:"wrong"`
	WrongAnswers map[string]int `json:"wrongs,omitempty"`
}

type QuizStats struct {
	TotalAttempts int                      `json:"total_attempts"`
	TotalCorrect  int                      `json:"total_correct"`
	TotalWrong    int                      `json:"total_wrong"`
	Questions     map[string]QuestionStats `json:"questions"`
}

type ProgressRow struct {
	Student    string    `json:"student"`
	QuizID     string    `json:"quiz_id"`
	Score      int       `json:"score"`
	Total      int       `json:"total"`
	FinishedAt time.Time `json:"finished_at"`
}

// CreateQuiz stores a quiz with its questions. Missing ids are filled
// in.
func (s *Store) CreateQuiz(q *Quiz) error {
	if q.ID == "" {
		q.ID = NewID("quiz")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`INSERT INTO quizzes(id, title, stage, section, subject) VALUES(?, ?, ?, ?, ?)`,
		q.ID, q.Title, q.Stage, q.Section, q.Subject,
	); err != nil {
		return fmt.Errorf("insert quiz: %w", err)
	}
	for i := range q.Questions {
		if q.Questions[i].ID == "" {
			q.Questions[i].ID = NewID("q")
		}
		if _, err := tx.Exec(
			`INSERT INTO quiz_questions(quiz_id, qid, question, answer, pos) VALUES(?, ?, ?, ?, ?)`,
			q.ID, q.Questions[i].ID, q.Questions[i].Text, q.Questions[i].Answer, i,
		); err != nil {
			return fmt.Errorf("insert question: %w", err)
		}
	}
	return tx.Commit()
}

func (s *Store) DeleteQuiz(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`DELETE FROM quiz_questions WHERE quiz_id = ?`,
		`DELETE FROM quiz_stats WHERE quiz_id = ?`,
		`DELETE FROM quiz_wrong_answers WHERE quiz_id = ?`,
		`DELETE FROM progress WHERE quiz_id = ?`,
		`DELETE FROM quizzes WHERE id = ?`,
	} {
		if _, err := tx.Exec(stmt, id); err != nil {
			return fmt.Errorf("delete quiz: %w", err)
		}
	}
	return tx.Commit()
}

// Quizzes lists the quizzes of one section/subject, newest first,
// without their question bodies.
func (s *Store) Quizzes(stage, section, subject string) ([]Quiz, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, title, stage, section, subject, active, created_at
		FROM quizzes
		WHERE stage = ? AND section = ? AND subject = ?
		ORDER BY created_at DESC
	`, stage, section, subject)
	if err != nil {
		return nil, fmt.Errorf("list quizzes: %w", err)
	}
	defer rows.Close()

	var out []Quiz
	for rows.Next() {
		q, err := scanQuiz(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

// Quiz loads one quiz with its questions in order.
func (s *Store) Quiz(id string) (Quiz, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.quizLocked(id)
}

func (s *Store) quizLocked(id string) (Quiz, bool, error) {
	var q Quiz
	var active int
	err := s.db.QueryRow(`
		SELECT id, title, stage, section, subject, active, created_at
		FROM quizzes WHERE id = ?
	`, id).Scan(&q.ID, &q.Title, &q.Stage, &q.Section, &q.Subject, &active, &q.CreatedAt)
	if err == sql.ErrNoRows {
		return Quiz{}, false, nil
	}
	if err != nil {
		return Quiz{}, false, err
	}
	q.Active = active == 1

	rows, err := s.db.Query(
		`SELECT qid, question, answer FROM quiz_questions WHERE quiz_id = ? ORDER BY pos`,
		id,
	)
	if err != nil {
		return Quiz{}, false, err
	}
	defer rows.Close()
	for rows.Next() {
		var qu Question
		if err := rows.Scan(&qu.ID, &qu.Text, &qu.Answer); err != nil {
			return Quiz{}, false, err
		}
		q.Questions = append(q.Questions, qu)
	}
	return q, true, rows.Err()
}

// SetActive marks a quiz as the live one for its section and subject,
// clearing the flag from its siblings.
func (s *Store) SetActive(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		UPDATE quizzes SET active = 0
		WHERE (stage, section, subject) = (SELECT stage, section, subject FROM quizzes WHERE id = ?)
	`, id); err != nil {
		return fmt.Errorf("clear active: %w", err)
	}
	if _, err := tx.Exec(`UPDATE quizzes SET active = 1 WHERE id = ?`, id); err != nil {
		return fmt.Errorf("set active: %w", err)
	}
	return tx.Commit()
}

// ActiveQuiz returns the live quiz of a section/subject, if any.
func (s *Store) ActiveQuiz(stage, section, subject string) (Quiz, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var id string
	err := s.db.QueryRow(`
		SELECT id FROM quizzes WHERE stage = ? AND section = ? AND subject = ? AND active = 1
	`, stage, section, subject).Scan(&id)
	if err == sql.ErrNoRows {
		return Quiz{}, false, nil
	}
	if err != nil {
		return Quiz{}, false, err
	}
	return s.quizLocked(id)
}

// RecordAttempt bumps the per-question counters. Wrong answers are
// tallied by their normalized text.
func (s *Store) RecordAttempt(quizID, qid string, correct bool, wrongAnswer string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	c, w := 0, 0
	if correct {
		c = 1
	} else {
		w = 1
	}
	if _, err := tx.Exec(`
		INSERT INTO quiz_stats(quiz_id, qid, attempts, correct, wrong) VALUES(?, ?, 1, ?, ?)
		ON CONFLICT(quiz_id, qid) DO UPDATE SET
			attempts = attempts + 1,
			correct  = correct + excluded.correct,
			wrong    = wrong + excluded.wrong
	`, quizID, qid, c, w); err != nil {
		return fmt.Errorf("record attempt: %w", err)
	}
	if !correct && wrongAnswer != "" {
		if _, err := tx.Exec(`
			INSERT INTO quiz_wrong_answers(quiz_id, qid, answer, count) VALUES(?, ?, ?, 1)
			ON CONFLICT(quiz_id, qid, answer) DO UPDATE SET count = count + 1
		`, quizID, qid, wrongAnswer); err != nil {
			return fmt.Errorf("record wrong answer: %w", err)
		}
	}
	return tx.Commit()
}

// Stats aggregates the attempt counters of one quiz.
func (s *Store) Stats(quizID string) (QuizStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := QuizStats{Questions: make(map[string]QuestionStats)}

	rows, err := s.db.Query(
		`SELECT qid, attempts, correct, wrong FROM quiz_stats WHERE quiz_id = ?`,
		quizID,
	)
	if err != nil {
		return out, fmt.Errorf("read stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var qid string
		var qs QuestionStats
		if err := rows.Scan(&qid, &qs.Attempts, &qs.Correct, &qs.Wrong); err != nil {
			return out, err
		}
		out.Questions[qid] = qs
		out.TotalAttempts += qs.Attempts
		out.TotalCorrect += qs.Correct
		out.TotalWrong += qs.Wrong
	}
	if err := rows.Err(); err != nil {
		return out, err
	}

	wrows, err := s.db.Query(
		`SELECT qid, answer, count FROM quiz_wrong_answers WHERE quiz_id = ?`,
		quizID,
	)
	if err != nil {
		return out, fmt.Errorf("read wrong answers: %w", err)
	}
	defer wrows.Close()
	for wrows.Next() {
		var qid, answer string
		var count int
		if err := wrows.Scan(&qid, &answer, &count); err != nil {
			return out, err
		}
		qs := out.Questions[qid]
		if qs.WrongAnswers == nil {
			qs.WrongAnswers = make(map[string]int)
		}
		qs.WrongAnswers[answer] = count
		out.Questions[qid] = qs
	}
	return out, wrows.Err()
}

// RecordProgress stores a student's final score for a quiz, replacing
// any earlier run.
func (s *Store) RecordProgress(student, quizID string, score, total int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO progress(student, quiz_id, score, total, finished_at)
		VALUES(?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(student, quiz_id) DO UPDATE SET
			score = excluded.score,
			total = excluded.total,
			finished_at = CURRENT_TIMESTAMP
	`, student, quizID, score, total)
	return err
}

// Scores lists all recorded runs of a quiz, best first.
func (s *Store) Scores(quizID string) ([]ProgressRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT student, quiz_id, score, total, finished_at
		FROM progress WHERE quiz_id = ? ORDER BY score DESC, student
	`, quizID)
	if err != nil {
		return nil, fmt.Errorf("list scores: %w", err)
	}
	defer rows.Close()

	var out []ProgressRow
	for rows.Next() {
		var p ProgressRow
		if err := rows.Scan(&p.Student, &p.QuizID, &p.Score, &p.Total, &p.FinishedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanQuiz(rows *sql.Rows) (Quiz, error) {
	var q Quiz
	var active int
	err := rows.Scan(&q.ID, &q.Title, &q.Stage, &q.Section, &q.Subject, &active, &q.CreatedAt)
	q.Active = active == 1
	return q, err
}

var arabicDigits = strings.NewReplacer(
	"٠", "0", "١", "1", "٢", "2", "٣", "3", "٤", "4",
	"٥", "5", "٦", "6", "٧", "7", "٨", "8", "٩", "9",
)

// NormalizeAnswer canonicalizes a student answer for comparison:
// lowercase, Arabic-Indic digits mapped to ASCII, punctuation stripped
// and whitespace collapsed. Arabic letters and diacritics survive.
func NormalizeAnswer(s string) string {
	t := strings.ToLower(strings.TrimSpace(s))
	t = arabicDigits.Replace(t)

	var b strings.Builder
	for _, r := range t {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r), unicode.IsMark(r):
			b.WriteRune(r)
		case r == '_' || r == '-' || r == '+' || r == '=' || r == 'x' || r == '/':
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// AnswerMatches reports whether a student answer matches the expected
// one after normalization. A normalized-empty expected answer never
// matches.
func AnswerMatches(expected, got string) bool {
	e := NormalizeAnswer(expected)
	return e != "" && e == NormalizeAnswer(got)
}

type qa struct {
	q string
	a string
}

func subjectPool(subject string) []qa {
	switch strings.ToLower(strings.TrimSpace(subject)) {
	case "arabic":
		return []qa{
			{"إعراب 'الولدُ' في الجملة: 'الولدُ يقرأُ كتابًا'.", "الولدُ: مبتدأ"},
			{"إعراب 'يقرأُ' في الجملة: 'الولدُ يقرأُ كتابًا'.", "يقرأُ: فعل"},
			{"إعراب 'كتابًا' في الجملة: 'الولدُ يقرأُ كتابًا'.", "كتابًا: مفعول به"},
			{"إعراب 'السماءُ' في: 'السماءُ صافيةٌ'.", "السماءُ: مبتدأ"},
			{"إعراب 'صافيةٌ' في: 'السماءُ صافيةٌ'.", "صافيةٌ: خبر"},
		}
	case "english":
		return []qa{
			{"Identify the part of speech of 'run' in: 'I run every morning.'", "verb"},
			{"Identify the part of speech of 'beautiful' in: 'She is beautiful.'", "adjective"},
			{"Identify the part of speech of 'happiness' in: 'Happiness is important.'", "noun"},
		}
	case "science":
		return []qa{
			{"What is H2O?", "Water"},
			{"What planet is known as the Red Planet?", "Mars"},
			{"What gas do plants absorb from the atmosphere?", "Carbon dioxide"},
		}
	case "history":
		return []qa{
			{"Who discovered America (1492)?", "Christopher Columbus"},
			{"Which year did World War II end?", "1945"},
			{"Who was the first President of the United States?", "George Washington"},
		}
	case "geography":
		return []qa{
			{"Capital of France?", "Paris"},
			{"Capital of Japan?", "Tokyo"},
			{"Capital of Egypt?", "Cairo"},
		}
	case "computer":
		return []qa{
			{"What does CPU stand for?", "Central Processing Unit"},
			{"What does RAM stand for?", "Random Access Memory"},
			{"What is the primary language of web pages?", "HTML"},
		}
	case "religion":
		return []qa{
			{"What is the holy book of Islam called?", "Quran"},
			{"How many daily prayers are there in Islam?", "Five"},
			{"What is the pilgrimage to Mecca called?", "Hajj"},
		}
	default:
		return []qa{
			{"What is 2+2?", "4"},
			{"What color is the sky on a clear day?", "Blue"},
		}
	}
}

// GenerateQuestions builds a practice question set for a subject.
// Mathematics gets multiplication tables up to 12x12; other subjects
// cycle through a fixed pool.
func GenerateQuestions(subject string, count int, shuffle bool) []Question {
	if count < 1 {
		count = 1
	}

	key := strings.ToLower(strings.TrimSpace(subject))
	if key == "mathematics" || key == "math" {
		type mul struct{ a, b int }
		cands := make([]mul, 0, 144)
		for a := 1; a <= 12; a++ {
			for b := 1; b <= 12; b++ {
				cands = append(cands, mul{a, b})
			}
		}
		rand.Shuffle(len(cands), func(i, j int) { cands[i], cands[j] = cands[j], cands[i] })
		if count > len(cands) {
			count = len(cands)
		}
		out := make([]Question, 0, count)
		for _, m := range cands[:count] {
			out = append(out, Question{
				ID:     NewID("q"),
				Text:   fmt.Sprintf("%d × %d = ?", m.a, m.b),
				Answer: fmt.Sprintf("%d", m.a*m.b),
			})
		}
		return out
	}

	pool := subjectPool(subject)
	items := make([]qa, len(pool))
	copy(items, pool)
	if shuffle {
		rand.Shuffle(len(items), func(i, j int) { items[i], items[j] = items[j], items[i] })
	}

	out := make([]Question, 0, count)
	for i := 0; len(out) < count; i++ {
		item := items[i%len(items)]
		out = append(out, Question{ID: NewID("q"), Text: item.q, Answer: item.a})
	}
	return out
}

// ParseQuestions reads bulk "question :: answer" lines, one per line.
// Lines without the separator are skipped.
func ParseQuestions(text string) []Question {
	var out []Question
	for _, line := range strings.Split(text, "\n") {
		q, a, ok := strings.Cut(line, "::")
		if !ok {
			continue
		}
		q, a = strings.TrimSpace(q), strings.TrimSpace(a)
		if q == "" || a == "" {
			continue
		}
		out = append(out, Question{ID: NewID("q"), Text: q, Answer: a})
	}
	return out
}
