package signal

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/aljazari-lab/kebbicall/internal/call"
	"github.com/aljazari-lab/kebbicall/internal/proto"
	"github.com/aljazari-lab/kebbicall/internal/util"
)

// Server owns the websocket endpoint: it upgrades connections, reads
// event envelopes and hands them to the hub and the call manager.
type Server struct {
	hub   *Hub
	calls *call.Manager

	upgrader     websocket.Upgrader
	pingInterval time.Duration
	pongWait     time.Duration
	log          *logrus.Entry
}

func NewServer(hub *Hub, calls *call.Manager, pingInterval, pongWait time.Duration) *Server {
	return &Server{
		hub:   hub,
		calls: calls,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 65536,
			// Controllers connect from app webviews with arbitrary
			// origins; the relay does not gate on Origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		pingInterval: pingInterval,
		pongWait:     pongWait,
		log:          logrus.WithField("component", "ws"),
	}
}

// HandleWS is the GET /ws endpoint.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("upgrade failed")
		return
	}

	conn := newWSConn(ws, util.DefaultWriteTimeout)
	go s.pingLoop(conn, ws)

	_ = ws.SetReadDeadline(time.Now().Add(s.pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(s.pongWait))
	})

	deviceID := ""
	defer func() {
		if deviceID != "" {
			s.hub.Unregister(deviceID, conn)
		}
		_ = conn.Close()
	}()

	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.WithField("device_id", deviceID).WithError(err).Debug("read error")
			}
			return
		}

		var env proto.Envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			s.log.WithField("device_id", deviceID).Debug("malformed frame dropped")
			continue
		}
		s.dispatch(conn, &deviceID, env)
	}
}

func (s *Server) pingLoop(conn *wsConn, ws *websocket.Conn) {
	t := time.NewTicker(s.pingInterval)
	defer t.Stop()
	for range t.C {
		if err := conn.ping(); err != nil {
			_ = ws.Close()
			return
		}
	}
}

// dispatch routes one inbound envelope. Malformed payloads are dropped
// with a log line; the sender gets no error frame.
func (s *Server) dispatch(conn Conn, deviceID *string, env proto.Envelope) {
	switch env.Event {
	case proto.EventRegister:
		var p proto.Register
		if !s.decode(env, &p) {
			return
		}
		id, err := util.ValidateDeviceID(p.DeviceID)
		if err != nil {
			s.log.WithField("device_id", p.DeviceID).Debug("register dropped")
			return
		}
		p.DeviceID = id
		*deviceID = id
		s.hub.Register(deviceInfo(p), conn)

	case proto.EventWhoIsOnline:
		s.hub.BroadcastOnline()

	case proto.EventCallRequest:
		var p proto.CallRequest
		if !s.decode(env, &p) {
			return
		}
		id := s.calls.Create(p.From, p.To)
		_ = conn.Send(proto.EventCallCreated, proto.CallCreated{CallID: id, To: p.To})

	case proto.EventCallAccepted:
		var p proto.CallSignal
		if !s.decode(env, &p) {
			return
		}
		s.calls.Accept(p.CallID, p.By)

	case proto.EventCallRejected:
		var p proto.CallSignal
		if !s.decode(env, &p) {
			return
		}
		s.calls.Reject(p.CallID, p.By)

	case proto.EventHangup:
		var p proto.CallSignal
		if !s.decode(env, &p) {
			return
		}
		s.calls.Hangup(p.CallID, p.By)

	case proto.EventWebRTCOffer:
		var p proto.SDP
		if !s.decode(env, &p) {
			return
		}
		s.calls.RelayOffer(p)

	case proto.EventWebRTCAnswer:
		var p proto.SDP
		if !s.decode(env, &p) {
			return
		}
		s.calls.RelayAnswer(p)

	case proto.EventWebRTCICE:
		var p proto.ICE
		if !s.decode(env, &p) {
			return
		}
		s.calls.RelayICE(p)

	case proto.EventRemoteControl:
		var p proto.RemoteControl
		if !s.decode(env, &p) {
			return
		}
		s.hub.Deliver(p.To, proto.EventRemoteControl, p)
		_ = conn.Send(proto.EventRemoteAck, proto.RemoteAck{OK: true, Target: p.To})

	default:
		s.log.WithField("event", env.Event).Debug("unknown event dropped")
	}
}

type validator interface {
	Validate() error
}

func (s *Server) decode(env proto.Envelope, v validator) bool {
	if err := json.Unmarshal(env.Data, v); err != nil {
		s.log.WithField("event", env.Event).Debug("malformed payload dropped")
		return false
	}
	if err := v.Validate(); err != nil {
		s.log.WithFields(logrus.Fields{"event": env.Event}).WithError(err).Debug("invalid payload dropped")
		return false
	}
	return true
}

func deviceInfo(p proto.Register) proto.DeviceInfo {
	info := proto.DeviceInfo{
		DeviceID:    p.DeviceID,
		DeviceType:  p.DeviceType,
		DisplayName: p.DisplayName,
	}
	if info.DeviceType == "" {
		info.DeviceType = "unknown"
	}
	if info.DisplayName == "" {
		info.DisplayName = info.DeviceID
	}
	return info
}
