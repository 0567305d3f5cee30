package httpapi

import (
	"net/http"
	"strings"
	"sync"

	"github.com/aljazari-lab/kebbicall/internal/store"
)

// quizRun is one student's live pass through a quiz. Runs are held in
// memory only; the final score is what gets persisted.
type quizRun struct {
	student string
	quiz    store.Quiz
	idx     int
	score   int
}

type runTable struct {
	mu   sync.Mutex
	runs map[string]*quizRun
}

func newRunTable() runTable {
	return runTable{runs: make(map[string]*quizRun)}
}

func (t *runTable) add(run *quizRun) string {
	sid := store.NewID("run")
	t.mu.Lock()
	t.runs[sid] = run
	t.mu.Unlock()
	return sid
}

func (t *runTable) remove(sid string) (*quizRun, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	run, ok := t.runs[sid]
	delete(t.runs, sid)
	return run, ok
}

type answerResult struct {
	found    bool
	finished bool // run was already past its last question
	quizID   string
	question store.Question
	correct  bool
	wrong    string
	score    int
	done     bool
}

// answer grades the run's current question and advances it. Grading
// and the index bump happen under one lock so concurrent answers for
// the same sid each consume a distinct question.
func (t *runTable) answer(sid, given string, alwaysCorrect bool) answerResult {
	t.mu.Lock()
	defer t.mu.Unlock()
	run, ok := t.runs[sid]
	if !ok {
		return answerResult{}
	}
	if run.idx >= len(run.quiz.Questions) {
		return answerResult{found: true, finished: true}
	}

	q := run.quiz.Questions[run.idx]
	correct := store.AnswerMatches(q.Answer, given)
	if alwaysCorrect {
		correct = true
	}
	wrong := ""
	if correct {
		run.score++
	} else {
		wrong = store.NormalizeAnswer(given)
	}
	run.idx++

	return answerResult{
		found:    true,
		quizID:   run.quiz.ID,
		question: q,
		correct:  correct,
		wrong:    wrong,
		score:    run.score,
		done:     run.idx >= len(run.quiz.Questions),
	}
}

// current reads the run's position without advancing it.
func (t *runTable) current(sid string) (q store.Question, idx, total, score int, done, found bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	run, ok := t.runs[sid]
	if !ok {
		return store.Question{}, 0, 0, 0, false, false
	}
	total = len(run.quiz.Questions)
	if run.idx >= total {
		return store.Question{}, run.idx, total, run.score, true, true
	}
	return run.quiz.Questions[run.idx], run.idx, total, run.score, false, true
}

func (s *Server) handleQuizList(w http.ResponseWriter, r *http.Request) {
	if !requireGet(w, r) {
		return
	}
	stage, section, ok := sectionParams(w, r)
	if !ok {
		return
	}
	quizzes, err := s.db.Quizzes(stage, section, r.URL.Query().Get("subject"))
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"quizzes": quizzes})
}

// handleQuizCreate accepts explicit questions, bulk "question :: answer"
// text, or a generate request for the subject's built-in pool.
func (s *Server) handleQuizCreate(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req struct {
		Title     string `json:"title"`
		Stage     string `json:"stage"`
		Section   string `json:"section"`
		Subject   string `json:"subject"`
		Questions []struct {
			Q string `json:"q"`
			A string `json:"a"`
		} `json:"questions"`
		Bulk     string `json:"bulk"`
		Generate int    `json:"generate"`
	}
	if !readBody(w, r, &req) {
		return
	}
	if req.Stage == "" || req.Section == "" || req.Subject == "" {
		writeErr(w, http.StatusBadRequest, "stage, section and subject are required")
		return
	}
	if strings.TrimSpace(req.Title) == "" {
		req.Title = req.Subject + " quiz"
	}

	quiz := store.Quiz{
		Title:   strings.TrimSpace(req.Title),
		Stage:   req.Stage,
		Section: req.Section,
		Subject: req.Subject,
	}
	for _, q := range req.Questions {
		if strings.TrimSpace(q.Q) == "" || strings.TrimSpace(q.A) == "" {
			continue
		}
		quiz.Questions = append(quiz.Questions, store.Question{
			Text:   strings.TrimSpace(q.Q),
			Answer: strings.TrimSpace(q.A),
		})
	}
	if req.Bulk != "" {
		quiz.Questions = append(quiz.Questions, store.ParseQuestions(req.Bulk)...)
	}
	if req.Generate > 0 {
		quiz.Questions = append(quiz.Questions, store.GenerateQuestions(req.Subject, req.Generate, true)...)
	}
	if len(quiz.Questions) == 0 {
		writeErr(w, http.StatusBadRequest, "quiz has no questions")
		return
	}

	if err := s.db.CreateQuiz(&quiz); err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "id": quiz.ID, "questions": len(quiz.Questions)})
}

func (s *Server) handleQuizDelete(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req struct {
		ID string `json:"id"`
	}
	if !readBody(w, r, &req) {
		return
	}
	if req.ID == "" {
		writeErr(w, http.StatusBadRequest, "id is required")
		return
	}
	if err := s.db.DeleteQuiz(req.ID); err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleQuizActivate(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req struct {
		ID string `json:"id"`
	}
	if !readBody(w, r, &req) {
		return
	}
	if req.ID == "" {
		writeErr(w, http.StatusBadRequest, "id is required")
		return
	}
	if _, found, err := s.db.Quiz(req.ID); err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	} else if !found {
		writeErr(w, http.StatusNotFound, "unknown quiz")
		return
	}
	if err := s.db.SetActive(req.ID); err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleQuizActive(w http.ResponseWriter, r *http.Request) {
	if !requireGet(w, r) {
		return
	}
	stage, section, ok := sectionParams(w, r)
	if !ok {
		return
	}
	quiz, found, err := s.db.ActiveQuiz(stage, section, r.URL.Query().Get("subject"))
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !found {
		writeErr(w, http.StatusNotFound, "no active quiz")
		return
	}
	// Answers stay server-side.
	for i := range quiz.Questions {
		quiz.Questions[i].Answer = ""
	}
	writeJSON(w, http.StatusOK, quiz)
}

// handleQuizStart opens a run for a student, either on an explicit
// quiz id or on the section's active quiz.
func (s *Server) handleQuizStart(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req struct {
		Student string `json:"student"`
		QuizID  string `json:"quiz_id"`
		Stage   string `json:"stage"`
		Section string `json:"section"`
		Subject string `json:"subject"`
	}
	if !readBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Student) == "" {
		writeErr(w, http.StatusBadRequest, "student is required")
		return
	}

	var (
		quiz  store.Quiz
		found bool
		err   error
	)
	if req.QuizID != "" {
		quiz, found, err = s.db.Quiz(req.QuizID)
	} else {
		quiz, found, err = s.db.ActiveQuiz(req.Stage, req.Section, req.Subject)
	}
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !found || len(quiz.Questions) == 0 {
		writeErr(w, http.StatusNotFound, "no quiz to run")
		return
	}

	sid := s.runs.add(&quizRun{student: strings.TrimSpace(req.Student), quiz: quiz})
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":    true,
		"sid":   sid,
		"quiz":  quiz.ID,
		"title": quiz.Title,
		"total": len(quiz.Questions),
	})
}

func (s *Server) handleQuizNext(w http.ResponseWriter, r *http.Request) {
	if !requireGet(w, r) {
		return
	}
	q, idx, total, score, done, found := s.runs.current(r.URL.Query().Get("sid"))
	if !found {
		writeErr(w, http.StatusNotFound, "unknown session")
		return
	}
	if done {
		writeJSON(w, http.StatusOK, map[string]any{"done": true, "score": score, "total": total})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"done":  false,
		"index": idx,
		"total": total,
		"id":    q.ID,
		"q":     q.Text,
	})
}

func (s *Server) handleQuizAnswer(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req struct {
		SID    string `json:"sid"`
		Answer string `json:"answer"`
	}
	if !readBody(w, r, &req) {
		return
	}
	res := s.runs.answer(req.SID, req.Answer, s.settings.Get().AlwaysCorrect)
	if !res.found {
		writeErr(w, http.StatusNotFound, "unknown session")
		return
	}
	if res.finished {
		writeErr(w, http.StatusBadRequest, "quiz already finished")
		return
	}

	if err := s.db.RecordAttempt(res.quizID, res.question.ID, res.correct, res.wrong); err != nil {
		s.log.WithError(err).Warn("record attempt failed")
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"correct":  res.correct,
		"expected": res.question.Answer,
		"score":    res.score,
		"done":     res.done,
	})
}

func (s *Server) handleQuizFinish(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req struct {
		SID string `json:"sid"`
	}
	if !readBody(w, r, &req) {
		return
	}
	run, ok := s.runs.remove(req.SID)
	if !ok {
		writeErr(w, http.StatusNotFound, "unknown session")
		return
	}

	total := len(run.quiz.Questions)
	if err := s.db.RecordProgress(run.student, run.quiz.ID, run.score, total); err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":      true,
		"student": run.student,
		"score":   run.score,
		"total":   total,
	})
}

func (s *Server) handleQuizStatsAPI(w http.ResponseWriter, r *http.Request) {
	if !requireGet(w, r) {
		return
	}
	id := r.URL.Query().Get("id")
	if id == "" {
		writeErr(w, http.StatusBadRequest, "id is required")
		return
	}
	stats, err := s.db.Stats(id)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleQuizScores(w http.ResponseWriter, r *http.Request) {
	if !requireGet(w, r) {
		return
	}
	id := r.URL.Query().Get("id")
	if id == "" {
		writeErr(w, http.StatusBadRequest, "id is required")
		return
	}
	scores, err := s.db.Scores(id)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"scores": scores})
}
