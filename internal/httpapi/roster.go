package httpapi

import (
	"net/http"
	"strings"
	"time"
)

func (s *Server) handleRobotHeartbeat(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req struct {
		Serial string `json:"serial"`
		Name   string `json:"name"`
	}
	if !readBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Serial) == "" {
		writeErr(w, http.StatusBadRequest, "serial is required")
		return
	}

	var err error
	if req.Name != "" {
		err = s.db.UpsertRobot(req.Serial, req.Name)
	} else {
		err = s.db.HeartbeatRobot(req.Serial)
	}
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleRobotDisconnect(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req struct {
		Serial string `json:"serial"`
	}
	if !readBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Serial) == "" {
		writeErr(w, http.StatusBadRequest, "serial is required")
		return
	}
	if err := s.db.DisconnectRobot(req.Serial); err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleRobotLink(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req struct {
		Serial  string `json:"serial"`
		Stage   string `json:"stage"`
		Section string `json:"section"`
	}
	if !readBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Serial) == "" {
		writeErr(w, http.StatusBadRequest, "serial is required")
		return
	}
	ok, err := s.db.HasSection(req.Stage, req.Section)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		writeErr(w, http.StatusNotFound, "unknown stage/section")
		return
	}
	if err := s.db.LinkRobot(req.Serial, req.Stage, req.Section); err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleRobots(w http.ResponseWriter, r *http.Request) {
	if !requireGet(w, r) {
		return
	}
	robots, err := s.db.Robots()
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"robots": robots})
}

func (s *Server) handleStages(w http.ResponseWriter, r *http.Request) {
	if !requireGet(w, r) {
		return
	}
	sections, err := s.db.Sections()
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sections": sections})
}

// sectionParams pulls stage/section from the query string, writing a
// 400 when either is missing.
func sectionParams(w http.ResponseWriter, r *http.Request) (stage, section string, ok bool) {
	q := r.URL.Query()
	stage, section = q.Get("stage"), q.Get("section")
	if stage == "" || section == "" {
		writeErr(w, http.StatusBadRequest, "stage and section are required")
		return "", "", false
	}
	return stage, section, true
}

func (s *Server) handleSubjects(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		stage, section, ok := sectionParams(w, r)
		if !ok {
			return
		}
		subjects, err := s.db.Subjects(stage, section)
		if err != nil {
			writeErr(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"subjects": subjects})

	case http.MethodPost:
		var req struct {
			Stage    string   `json:"stage"`
			Section  string   `json:"section"`
			Subjects []string `json:"subjects"`
		}
		if !readBody(w, r, &req) {
			return
		}
		if req.Stage == "" || req.Section == "" {
			writeErr(w, http.StatusBadRequest, "stage and section are required")
			return
		}
		if err := s.db.SetSubjects(req.Stage, req.Section, req.Subjects); err != nil {
			writeErr(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleStudents(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		stage, section, ok := sectionParams(w, r)
		if !ok {
			return
		}
		students, err := s.db.Students(stage, section)
		if err != nil {
			writeErr(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"students": students})

	case http.MethodPost:
		var req struct {
			Stage   string `json:"stage"`
			Section string `json:"section"`
			Name    string `json:"name"`
			Remove  bool   `json:"remove,omitempty"`
		}
		if !readBody(w, r, &req) {
			return
		}
		if req.Stage == "" || req.Section == "" || strings.TrimSpace(req.Name) == "" {
			writeErr(w, http.StatusBadRequest, "stage, section and name are required")
			return
		}
		var err error
		if req.Remove {
			err = s.db.RemoveStudent(req.Stage, req.Section, req.Name)
		} else {
			err = s.db.AddStudent(req.Stage, req.Section, strings.TrimSpace(req.Name))
		}
		if err != nil {
			writeErr(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleSubjectStudents(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		stage, section, ok := sectionParams(w, r)
		if !ok {
			return
		}
		subject := r.URL.Query().Get("subject")
		if subject == "" {
			writeErr(w, http.StatusBadRequest, "subject is required")
			return
		}
		students, err := s.db.SubjectStudents(stage, section, subject)
		if err != nil {
			writeErr(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"students": students})

	case http.MethodPost:
		var req struct {
			Stage   string `json:"stage"`
			Section string `json:"section"`
			Subject string `json:"subject"`
			Name    string `json:"name"`
		}
		if !readBody(w, r, &req) {
			return
		}
		if req.Stage == "" || req.Section == "" || req.Subject == "" || strings.TrimSpace(req.Name) == "" {
			writeErr(w, http.StatusBadRequest, "stage, section, subject and name are required")
			return
		}
		if err := s.db.EnrollSubjectStudent(req.Stage, req.Section, req.Subject, strings.TrimSpace(req.Name)); err != nil {
			writeErr(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func today() string {
	return time.Now().Format("2006-01-02")
}

func (s *Server) handleAttendanceMark(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req struct {
		Day     string          `json:"day"`
		Stage   string          `json:"stage"`
		Section string          `json:"section"`
		Subject string          `json:"subject"`
		Marks   map[string]bool `json:"marks"`
	}
	if !readBody(w, r, &req) {
		return
	}
	if req.Stage == "" || req.Section == "" || len(req.Marks) == 0 {
		writeErr(w, http.StatusBadRequest, "stage, section and marks are required")
		return
	}
	if req.Day == "" {
		req.Day = today()
	}
	if err := s.db.MarkAttendance(req.Day, req.Stage, req.Section, req.Subject, req.Marks); err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "day": req.Day})
}

func (s *Server) handleAttendance(w http.ResponseWriter, r *http.Request) {
	if !requireGet(w, r) {
		return
	}
	stage, section, ok := sectionParams(w, r)
	if !ok {
		return
	}
	day := r.URL.Query().Get("day")
	if day == "" {
		day = today()
	}
	marks, err := s.db.Attendance(day, stage, section, r.URL.Query().Get("subject"))
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"day": day, "marks": marks})
}

func (s *Server) handleAttendanceDays(w http.ResponseWriter, r *http.Request) {
	if !requireGet(w, r) {
		return
	}
	stage, section, ok := sectionParams(w, r)
	if !ok {
		return
	}
	days, err := s.db.AttendanceDays(stage, section)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"days": days})
}

// handleRegistrationMark lets a robot check a student in: the robot's
// serial resolves the section, the student is added to the roster if
// new and marked present for today.
func (s *Server) handleRegistrationMark(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req struct {
		Serial  string `json:"serial"`
		Student string `json:"student"`
		Subject string `json:"subject"`
	}
	if !readBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Serial) == "" || strings.TrimSpace(req.Student) == "" {
		writeErr(w, http.StatusBadRequest, "serial and student are required")
		return
	}

	key, found, err := s.db.RobotSection(req.Serial)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !found {
		writeErr(w, http.StatusNotFound, "robot is not linked to a section")
		return
	}

	student := strings.TrimSpace(req.Student)
	if err := s.db.AddStudent(key.Stage, key.Section, student); err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	if req.Subject != "" {
		if err := s.db.EnrollSubjectStudent(key.Stage, key.Section, req.Subject, student); err != nil {
			writeErr(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	if err := s.db.MarkAttendance(today(), key.Stage, key.Section, req.Subject, map[string]bool{student: true}); err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":      true,
		"stage":   key.Stage,
		"section": key.Section,
		"student": student,
	})
}
