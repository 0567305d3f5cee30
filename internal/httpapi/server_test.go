package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aljazari-lab/kebbicall/internal/ai"
	"github.com/aljazari-lab/kebbicall/internal/call"
	"github.com/aljazari-lab/kebbicall/internal/config"
	"github.com/aljazari-lab/kebbicall/internal/proto"
	"github.com/aljazari-lab/kebbicall/internal/rag"
	"github.com/aljazari-lab/kebbicall/internal/signal"
	"github.com/aljazari-lab/kebbicall/internal/store"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	cfg := config.Default()
	cfg.Data.Dir = t.TempDir()
	cfg.Admin.Password = "secret"

	db, err := store.Open(cfg.DBPath())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	settings, err := ai.OpenSettings(cfg.SettingsPath())
	require.NoError(t, err)
	t.Cleanup(func() { _ = settings.Close() })

	hub := signal.NewHub()
	calls := call.NewManager(hub, 30*time.Second)
	t.Cleanup(calls.Close)

	ws := signal.NewServer(hub, calls, time.Second, 4*time.Second)
	srv := New(cfg, hub, calls, ws, db, ai.NewClient(cfg.AI.BaseURL, "", settings), settings, rag.None{})

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func dialWS(t *testing.T, ts *httptest.Server) *wsClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &wsClient{t: t, conn: conn}
}

func (c *wsClient) register(deviceID string) {
	c.send(proto.EventRegister, proto.Register{DeviceID: deviceID, DeviceType: "robot"})
	c.expect(proto.EventRegistered)
}

func (c *wsClient) send(event string, data any) {
	c.t.Helper()
	b, err := proto.Encode(event, data)
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, b))
}

// expect reads frames until event arrives, skipping interleaved
// online_list broadcasts and anything else.
func (c *wsClient) expect(event string) json.RawMessage {
	c.t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		_ = c.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		_, msg, err := c.conn.ReadMessage()
		require.NoError(c.t, err, "waiting for %s", event)

		var env proto.Envelope
		require.NoError(c.t, json.Unmarshal(msg, &env))
		if env.Event == event {
			return env.Data
		}
	}
	c.t.Fatalf("no %s frame before deadline", event)
	return nil
}

func postJSON(t *testing.T, ts *httptest.Server, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(ts.URL+path, "application/json", bytes.NewReader(b))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func getJSON(t *testing.T, ts *httptest.Server, path string) map[string]any {
	t.Helper()
	resp, err := http.Get(ts.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode, path)

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRegisterAndOnlineList(t *testing.T) {
	ts := newTestServer(t)

	c := dialWS(t, ts)
	c.send(proto.EventRegister, proto.Register{DeviceID: "robot-1", DeviceType: "robot"})

	data := c.expect(proto.EventRegistered)
	var reg proto.Registered
	require.NoError(t, json.Unmarshal(data, &reg))
	assert.True(t, reg.OK)
	assert.Equal(t, "robot-1", reg.DeviceID)

	data = c.expect(proto.EventOnlineList)
	var list proto.OnlineList
	require.NoError(t, json.Unmarshal(data, &list))
	require.Len(t, list.Devices, 1)
	assert.Equal(t, "robot-1", list.Devices[0].DeviceID)
}

func TestCallFlowOverWebsocket(t *testing.T) {
	ts := newTestServer(t)

	phone := dialWS(t, ts)
	phone.register("phone-1")
	robot := dialWS(t, ts)
	robot.register("robot-1")

	phone.send(proto.EventCallRequest, proto.CallRequest{From: "phone-1", To: "robot-1"})

	var created proto.CallCreated
	require.NoError(t, json.Unmarshal(phone.expect(proto.EventCallCreated), &created))
	require.NotEmpty(t, created.CallID)

	var incoming proto.IncomingCall
	require.NoError(t, json.Unmarshal(robot.expect(proto.EventIncomingCall), &incoming))
	assert.Equal(t, created.CallID, incoming.CallID)
	assert.Equal(t, "phone-1", incoming.From)

	robot.send(proto.EventCallAccepted, proto.CallSignal{CallID: created.CallID, By: "robot-1"})

	phone.expect(proto.EventStopRinging)
	var accepted proto.CallAccepted
	require.NoError(t, json.Unmarshal(phone.expect(proto.EventCallAccepted), &accepted))
	assert.Equal(t, "robot-1", accepted.By)
	robot.expect(proto.EventCallAccepted)

	phone.send(proto.EventHangup, proto.CallSignal{CallID: created.CallID, By: "phone-1"})
	var ended proto.CallEnded
	require.NoError(t, json.Unmarshal(robot.expect(proto.EventCallEnded), &ended))
	assert.Equal(t, "phone-1", ended.By)
	phone.expect(proto.EventCallEnded)
}

func TestWebRTCRelayRoles(t *testing.T) {
	ts := newTestServer(t)

	phone := dialWS(t, ts)
	phone.register("phone-1")
	robot := dialWS(t, ts)
	robot.register("robot-1")

	phone.send(proto.EventCallRequest, proto.CallRequest{From: "phone-1", To: "robot-1"})
	var created proto.CallCreated
	require.NoError(t, json.Unmarshal(phone.expect(proto.EventCallCreated), &created))
	robot.expect(proto.EventIncomingCall)

	phone.send(proto.EventWebRTCOffer, proto.SDP{CallID: created.CallID, From: "phone-1", SDP: []byte(`"v=0 offer"`)})
	var offer proto.SDP
	require.NoError(t, json.Unmarshal(robot.expect(proto.EventWebRTCOffer), &offer))
	assert.Equal(t, created.CallID, offer.CallID)

	robot.send(proto.EventWebRTCAnswer, proto.SDP{CallID: created.CallID, From: "robot-1", SDP: []byte(`"v=0 answer"`)})
	phone.expect(proto.EventWebRTCAnswer)

	robot.send(proto.EventWebRTCICE, proto.ICE{CallID: created.CallID, From: "robot-1", Candidate: []byte(`{"candidate":"candidate:1"}`)})
	phone.expect(proto.EventWebRTCICE)
}

func TestOfflineCalleeGetsReplayOnRegister(t *testing.T) {
	ts := newTestServer(t)

	phone := dialWS(t, ts)
	phone.register("phone-1")

	phone.send(proto.EventCallRequest, proto.CallRequest{From: "phone-1", To: "robot-late"})
	var created proto.CallCreated
	require.NoError(t, json.Unmarshal(phone.expect(proto.EventCallCreated), &created))

	// The callee connects after the call started ringing.
	robot := dialWS(t, ts)
	robot.register("robot-late")

	var incoming proto.IncomingCall
	require.NoError(t, json.Unmarshal(robot.expect(proto.EventIncomingCall), &incoming))
	assert.Equal(t, created.CallID, incoming.CallID)
}

func TestRemoteControlRelayAndAck(t *testing.T) {
	ts := newTestServer(t)

	phone := dialWS(t, ts)
	phone.register("phone-1")
	robot := dialWS(t, ts)
	robot.register("robot-1")

	phone.send(proto.EventRemoteControl, proto.RemoteControl{
		From: "phone-1", To: "robot-1", CtrlType: "forward", Value: 0.5, DurationMS: 800,
	})

	var ack proto.RemoteAck
	require.NoError(t, json.Unmarshal(phone.expect(proto.EventRemoteAck), &ack))
	assert.True(t, ack.OK)
	assert.Equal(t, "robot-1", ack.Target)

	var cmd proto.RemoteControl
	require.NoError(t, json.Unmarshal(robot.expect(proto.EventRemoteControl), &cmd))
	assert.Equal(t, "forward", cmd.CtrlType)
	assert.Equal(t, 800, cmd.DurationMS)
}

func TestCallRobotOneShot(t *testing.T) {
	ts := newTestServer(t)

	robot := dialWS(t, ts)
	robot.register("robot-1")

	resp, out := postJSON(t, ts, "/call_robot", map[string]string{"from": "web-1", "to": "robot-1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, out["ok"])
	callID, _ := out["call_id"].(string)
	require.NotEmpty(t, callID)

	var incoming proto.IncomingCall
	require.NoError(t, json.Unmarshal(robot.expect(proto.EventIncomingCall), &incoming))
	assert.Equal(t, callID, incoming.CallID)
	assert.Equal(t, "web-1", incoming.From)
}

func TestCallRobotCallerTargetFields(t *testing.T) {
	ts := newTestServer(t)

	robot := dialWS(t, ts)
	robot.register("robot-1")

	resp, out := postJSON(t, ts, "/call_robot", map[string]string{"caller": "phone-1", "target": "robot-1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, out["ok"])
	assert.Equal(t, "calling", out["status"])
	require.NotEmpty(t, out["call_id"])

	var incoming proto.IncomingCall
	require.NoError(t, json.Unmarshal(robot.expect(proto.EventIncomingCall), &incoming))
	assert.Equal(t, "phone-1", incoming.From)
}

func TestCallRobotValidation(t *testing.T) {
	ts := newTestServer(t)
	resp, out := postJSON(t, ts, "/call_robot", map[string]string{"from": "web-1"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, false, out["ok"])
}

func TestCallRobotDry(t *testing.T) {
	ts := newTestServer(t)
	robot := dialWS(t, ts)
	robot.register("robot-1")

	_, out := postJSON(t, ts, "/call_robot_dry", map[string]string{"from": "web-1", "to": "robot-1"})
	assert.Equal(t, true, out["online"])

	_, out = postJSON(t, ts, "/call_robot_dry", map[string]string{"from": "web-1", "to": "ghost"})
	assert.Equal(t, false, out["online"])
}

func TestAdminRequiresAuth(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/admin")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/admin", nil)
	req.SetBasicAuth("admin", "secret")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRosterEndpoints(t *testing.T) {
	ts := newTestServer(t)

	out := getJSON(t, ts, "/api/stages")
	sections, ok := out["sections"].([]any)
	require.True(t, ok)
	assert.Len(t, sections, 6)

	resp, _ := postJSON(t, ts, "/api/students", map[string]any{
		"stage": "Stage 1", "section": "A", "name": "Lina",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	out = getJSON(t, ts, "/api/students?stage=Stage+1&section=A")
	assert.Equal(t, []any{"Lina"}, out["students"])
}

func TestRegistrationMarkViaRobot(t *testing.T) {
	ts := newTestServer(t)

	resp, _ := postJSON(t, ts, "/api/robot/heartbeat", map[string]string{"serial": "kebbi-007", "name": "Kebbi"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = postJSON(t, ts, "/api/robot/link", map[string]string{"serial": "kebbi-007", "stage": "Stage 1", "section": "A"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, out := postJSON(t, ts, "/registration/mark", map[string]string{"serial": "kebbi-007", "student": "Omar"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Stage 1", out["stage"])
	assert.Equal(t, "A", out["section"])

	day := time.Now().Format("2006-01-02")
	got := getJSON(t, ts, "/api/attendance?stage=Stage+1&section=A&day="+day)
	marks, ok := got["marks"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, marks["Omar"])
}

func TestRegistrationMarkUnlinkedRobot(t *testing.T) {
	ts := newTestServer(t)
	postJSON(t, ts, "/api/robot/heartbeat", map[string]string{"serial": "kebbi-x"})
	resp, _ := postJSON(t, ts, "/registration/mark", map[string]string{"serial": "kebbi-x", "student": "Omar"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestQuizRun(t *testing.T) {
	ts := newTestServer(t)

	resp, out := postJSON(t, ts, "/quizzes/api/create", map[string]any{
		"title": "Science check", "stage": "Stage 1", "section": "A", "subject": "Science",
		"questions": []map[string]string{
			{"q": "What is H2O?", "a": "Water"},
			{"q": "What planet is known as the Red Planet?", "a": "Mars"},
		},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	quizID, _ := out["id"].(string)
	require.NotEmpty(t, quizID)

	resp, _ = postJSON(t, ts, "/quizzes/api/activate", map[string]string{"id": quizID})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// The active quiz is served without answers.
	active := getJSON(t, ts, "/quizzes/api/active?stage=Stage+1&section=A&subject=Science")
	qs, ok := active["questions"].([]any)
	require.True(t, ok)
	first, ok := qs[0].(map[string]any)
	require.True(t, ok)
	assert.Empty(t, first["a"])

	resp, out = postJSON(t, ts, "/quizzes/api/start", map[string]string{
		"student": "Lina", "stage": "Stage 1", "section": "A", "subject": "Science",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sid, _ := out["sid"].(string)
	require.NotEmpty(t, sid)
	assert.Equal(t, float64(2), out["total"])

	next := getJSON(t, ts, "/quizzes/api/next?sid="+sid)
	assert.Equal(t, false, next["done"])
	assert.Equal(t, "What is H2O?", next["q"])

	_, out = postJSON(t, ts, "/quizzes/api/answer", map[string]string{"sid": sid, "answer": " WATER "})
	assert.Equal(t, true, out["correct"], "normalization tolerates case and spacing")

	_, out = postJSON(t, ts, "/quizzes/api/answer", map[string]string{"sid": sid, "answer": "Venus"})
	assert.Equal(t, false, out["correct"])
	assert.Equal(t, true, out["done"])

	resp, out = postJSON(t, ts, "/quizzes/api/finish", map[string]string{"sid": sid})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), out["score"])
	assert.Equal(t, float64(2), out["total"])

	stats := getJSON(t, ts, fmt.Sprintf("/quizzes/api/stats?id=%s", quizID))
	assert.Equal(t, float64(2), stats["total_attempts"])
	assert.Equal(t, float64(1), stats["total_wrong"])

	scores := getJSON(t, ts, fmt.Sprintf("/quizzes/api/scores?id=%s", quizID))
	rows, ok := scores["scores"].([]any)
	require.True(t, ok)
	require.Len(t, rows, 1)
}

func TestQuizAnswerConcurrent(t *testing.T) {
	ts := newTestServer(t)

	questions := make([]map[string]string, 12)
	for i := range questions {
		questions[i] = map[string]string{
			"q": fmt.Sprintf("question %d", i),
			"a": fmt.Sprintf("answer %d", i),
		}
	}
	resp, out := postJSON(t, ts, "/quizzes/api/create", map[string]any{
		"title": "Race check", "stage": "Stage 1", "section": "A", "subject": "Science",
		"questions": questions,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	quizID, _ := out["id"].(string)

	resp, out = postJSON(t, ts, "/quizzes/api/start", map[string]string{"student": "Lina", "quiz_id": quizID})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sid, _ := out["sid"].(string)
	require.NotEmpty(t, sid)

	// Parallel wrong answers must each consume a distinct question.
	const workers = 8
	var (
		mu     sync.Mutex
		graded = make(map[string]int)
		wg     sync.WaitGroup
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b, _ := json.Marshal(map[string]string{"sid": sid, "answer": "nope"})
			resp, err := http.Post(ts.URL+"/quizzes/api/answer", "application/json", bytes.NewReader(b))
			if err != nil {
				t.Error(err)
				return
			}
			defer resp.Body.Close()
			var got map[string]any
			if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
				t.Error(err)
				return
			}
			expected, _ := got["expected"].(string)
			mu.Lock()
			graded[expected]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, graded, workers, "every request should grade a different question")
	for expected, n := range graded {
		assert.Equal(t, 1, n, expected)
	}

	next := getJSON(t, ts, "/quizzes/api/next?sid="+sid)
	assert.Equal(t, float64(workers), next["index"])
}

func TestChatWithoutAPIKey(t *testing.T) {
	ts := newTestServer(t)
	resp, out := postJSON(t, ts, "/chat", map[string]string{"text": "مرحبا"})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, false, out["ok"])
}

func TestBookQueryUnconfigured(t *testing.T) {
	ts := newTestServer(t)
	resp, _ := postJSON(t, ts, "/api/book/query", map[string]string{"question": "what is osmosis"})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
