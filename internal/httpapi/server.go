package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"html/template"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/aljazari-lab/kebbicall/internal/ai"
	"github.com/aljazari-lab/kebbicall/internal/call"
	"github.com/aljazari-lab/kebbicall/internal/config"
	"github.com/aljazari-lab/kebbicall/internal/proto"
	"github.com/aljazari-lab/kebbicall/internal/rag"
	"github.com/aljazari-lab/kebbicall/internal/signal"
	"github.com/aljazari-lab/kebbicall/internal/store"
)

// Server is the HTTP face of the relay: the websocket endpoint, the
// one-shot call trigger, the school roster APIs and the admin page.
type Server struct {
	cfg      config.Config
	hub      *signal.Hub
	calls    *call.Manager
	ws       *signal.Server
	db       *store.Store
	ai       *ai.Client
	settings *ai.SettingsFile
	book     rag.BookAnswerer
	log      *logrus.Entry

	runs runTable

	httpSrv *http.Server
}

func New(cfg config.Config, hub *signal.Hub, calls *call.Manager, ws *signal.Server,
	db *store.Store, aic *ai.Client, settings *ai.SettingsFile, book rag.BookAnswerer) *Server {
	return &Server{
		cfg:      cfg,
		hub:      hub,
		calls:    calls,
		ws:       ws,
		db:       db,
		ai:       aic,
		settings: settings,
		book:     book,
		log:      logrus.WithField("component", "http"),
		runs:     newRunTable(),
	}
}

// Handler builds the full route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Signaling
	mux.HandleFunc("/ws", s.ws.HandleWS)
	mux.HandleFunc("/call_robot", s.handleCallRobot)
	mux.HandleFunc("/call_robot_dry", s.handleCallRobotDry)

	// Robots
	mux.HandleFunc("/api/robot/heartbeat", s.handleRobotHeartbeat)
	mux.HandleFunc("/api/robot/disconnect", s.handleRobotDisconnect)
	mux.HandleFunc("/api/robot/link", s.handleRobotLink)
	mux.HandleFunc("/api/robots", s.handleRobots)

	// Roster
	mux.HandleFunc("/api/stages", s.handleStages)
	mux.HandleFunc("/api/subjects", s.handleSubjects)
	mux.HandleFunc("/api/students", s.handleStudents)
	mux.HandleFunc("/api/subject_students", s.handleSubjectStudents)
	mux.HandleFunc("/api/attendance/mark", s.handleAttendanceMark)
	mux.HandleFunc("/api/attendance/days", s.handleAttendanceDays)
	mux.HandleFunc("/api/attendance", s.handleAttendance)
	mux.HandleFunc("/registration/mark", s.handleRegistrationMark)

	// Quizzes
	mux.HandleFunc("/quizzes/api/list", s.handleQuizList)
	mux.HandleFunc("/quizzes/api/create", s.handleQuizCreate)
	mux.HandleFunc("/quizzes/api/delete", s.handleQuizDelete)
	mux.HandleFunc("/quizzes/api/activate", s.handleQuizActivate)
	mux.HandleFunc("/quizzes/api/active", s.handleQuizActive)
	mux.HandleFunc("/quizzes/api/start", s.handleQuizStart)
	mux.HandleFunc("/quizzes/api/next", s.handleQuizNext)
	mux.HandleFunc("/quizzes/api/answer", s.handleQuizAnswer)
	mux.HandleFunc("/quizzes/api/finish", s.handleQuizFinish)
	mux.HandleFunc("/quizzes/api/stats", s.handleQuizStatsAPI)
	mux.HandleFunc("/quizzes/api/scores", s.handleQuizScores)

	// Assistant
	mux.HandleFunc("/chat", s.handleChat)
	mux.HandleFunc("/api/book/query", s.handleBookQuery)
	mux.HandleFunc("/tts", s.handleTTS)

	// Admin
	mux.HandleFunc("/admin", s.handleAdmin)
	mux.HandleFunc("/devices.json", s.handleDevicesJSON)
	mux.HandleFunc("/calls.json", s.handleCallsJSON)
	mux.HandleFunc("/api/settings", s.handleSettings)

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("content-type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})

	return mux
}

// Start serves until ctx is cancelled, then drains with a short
// shutdown grace.
func (s *Server) Start(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:              s.cfg.Addr(),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("addr", s.cfg.Addr()).Info("listening")
		errCh <- s.httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"ok": false, "error": msg})
}

func readBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(v); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func requirePost(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func requireGet(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

// callRobotReq accepts both field spellings the one-shot entry has
// seen in the wild: from/to like the websocket call_request, and
// caller/target.
type callRobotReq struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Caller string `json:"caller"`
	Target string `json:"target"`
}

func (r *callRobotReq) callRequest() proto.CallRequest {
	req := proto.CallRequest{From: r.From, To: r.To}
	if req.From == "" {
		req.From = r.Caller
	}
	if req.To == "" {
		req.To = r.Target
	}
	return req
}

// handleCallRobot is the one-shot trigger: same side effects as a
// call_request frame on the websocket, but the caller gets the call id
// in the HTTP response instead of a call_created event.
func (s *Server) handleCallRobot(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var body callRobotReq
	if !readBody(w, r, &body) {
		return
	}
	req := body.callRequest()
	if err := req.Validate(); err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}

	id := s.calls.Create(req.From, req.To)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "status": "calling", "call_id": id, "to": req.To})
}

// handleCallRobotDry validates a call without opening a session, so
// dashboards can probe whether a robot is reachable.
func (s *Server) handleCallRobotDry(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var body callRobotReq
	if !readBody(w, r, &body) {
		return
	}
	req := body.callRequest()
	if err := req.Validate(); err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "to": req.To, "online": s.hub.IsOnline(req.To)})
}

func (s *Server) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	if s.cfg.Admin.Password == "" {
		http.Error(w, "admin panel disabled", http.StatusForbidden)
		return false
	}
	user, pass, ok := r.BasicAuth()
	if !ok || user != "admin" || pass != s.cfg.Admin.Password {
		w.Header().Set("WWW-Authenticate", `Basic realm="KebbiCall Admin"`)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return false
	}
	return true
}

func (s *Server) handleDevicesJSON(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": s.hub.Online()})
}

func (s *Server) handleCallsJSON(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"calls": s.calls.Sessions()})
}

// handleSettings reads or replaces the AI settings file. The watcher
// makes file edits live too; this endpoint is for the dashboard.
func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	switch r.Method {
	case http.MethodGet:
		cur := s.settings.Get()
		cur.APIKey = "" // never echo the key
		writeJSON(w, http.StatusOK, cur)
	case http.MethodPost:
		var next ai.Settings
		if !readBody(w, r, &next) {
			return
		}
		if strings.TrimSpace(next.APIKey) == "" {
			next.APIKey = s.settings.Get().APIKey
		}
		if err := s.settings.Update(next); err != nil {
			writeErr(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

var adminTmpl = template.Must(template.New("admin").Parse(`<!doctype html>
<html>
<head>
<meta charset="utf-8">
<title>KebbiCall Admin</title>
<style>
body { font-family: system-ui, sans-serif; margin: 2rem; background: #11151a; color: #dde3ea; }
h1 { font-size: 1.3rem; }
table { border-collapse: collapse; margin-bottom: 2rem; }
th, td { border: 1px solid #2a3440; padding: .4rem .8rem; text-align: left; }
th { background: #1a222c; }
.empty { color: #77818c; }
</style>
</head>
<body>
<h1>KebbiCall Admin</h1>

<h2>Online devices ({{len .Devices}})</h2>
{{if .Devices}}
<table>
<tr><th>Device</th><th>Type</th><th>Name</th></tr>
{{range .Devices}}<tr><td>{{.DeviceID}}</td><td>{{.DeviceType}}</td><td>{{.DisplayName}}</td></tr>
{{end}}
</table>
{{else}}<p class="empty">none</p>{{end}}

<h2>Live calls ({{len .Calls}})</h2>
{{if .Calls}}
<table>
<tr><th>Call</th><th>Caller</th><th>Callee</th><th>Status</th><th>Started</th></tr>
{{range .Calls}}<tr><td>{{.ID}}</td><td>{{.Caller}}</td><td>{{.Callee}}</td><td>{{.Status}}</td><td>{{.StartedAt.Format "15:04:05"}}</td></tr>
{{end}}
</table>
{{else}}<p class="empty">none</p>{{end}}
</body>
</html>
`))

func (s *Server) handleAdmin(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	data := struct {
		Devices []proto.DeviceInfo
		Calls   []call.Info
	}{
		Devices: s.hub.Online(),
		Calls:   s.calls.Sessions(),
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := adminTmpl.Execute(w, data); err != nil {
		s.log.WithError(err).Warn("admin page render failed")
	}
}
