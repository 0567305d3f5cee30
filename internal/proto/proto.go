package proto

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// Inbound event names (client -> server).
const (
	EventRegister      = "register"
	EventWhoIsOnline   = "who_is_online"
	EventCallRequest   = "call_request"
	EventCallAccepted  = "call_accepted"
	EventCallRejected  = "call_rejected"
	EventHangup        = "hangup"
	EventWebRTCOffer   = "webrtc_offer"
	EventWebRTCAnswer  = "webrtc_answer"
	EventWebRTCICE     = "webrtc_ice"
	EventRemoteControl = "remote_control"
)

// Outbound event names (server -> client).
const (
	EventRegistered   = "registered"
	EventOnlineList   = "online_list"
	EventCallCreated  = "call_created"
	EventIncomingCall = "incoming_call"
	EventStopRinging  = "stop_ringing"
	EventCallEnded    = "call_ended"
	EventMissedCall   = "missed_call"
	EventRemoteAck    = "remote_ack"
)

// Envelope is the single frame format used on the websocket: one JSON
// object per text message.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Encode wraps a payload in an Envelope and marshals it.
func Encode(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Data: raw})
}

func NowMillis() int64 { return time.Now().UnixMilli() }

// Register announces a device identity on a fresh connection.
type Register struct {
	DeviceID    string `json:"device_id"`
	DeviceType  string `json:"device_type,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
}

func (p *Register) Validate() error {
	if strings.TrimSpace(p.DeviceID) == "" {
		return errors.New("device_id is required")
	}
	return nil
}

// Registered acknowledges a successful register on the same connection.
type Registered struct {
	OK       bool   `json:"ok"`
	DeviceID string `json:"device_id"`
}

type DeviceInfo struct {
	DeviceID    string `json:"device_id"`
	DeviceType  string `json:"device_type,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
}

type OnlineList struct {
	Devices []DeviceInfo `json:"devices"`
}

// CallRequest asks the server to open a ringing session toward To.
type CallRequest struct {
	From string `json:"from"`
	To   string `json:"to"`
}

func (p *CallRequest) Validate() error {
	if strings.TrimSpace(p.From) == "" {
		return errors.New("from is required")
	}
	if strings.TrimSpace(p.To) == "" {
		return errors.New("to is required")
	}
	return nil
}

type CallCreated struct {
	CallID string `json:"call_id"`
	To     string `json:"to"`
}

type IncomingCall struct {
	CallID string `json:"call_id"`
	From   string `json:"from"`
}

// CallSignal covers accept, reject and hangup: a call id plus the
// device acting on it.
type CallSignal struct {
	CallID string `json:"call_id"`
	By     string `json:"by,omitempty"`
}

func (p *CallSignal) Validate() error {
	if strings.TrimSpace(p.CallID) == "" {
		return errors.New("call_id is required")
	}
	return nil
}

type StopRinging struct {
	CallID string `json:"call_id"`
}

type CallAccepted struct {
	CallID string `json:"call_id"`
	By     string `json:"by,omitempty"`
}

type CallRejected struct {
	CallID string `json:"call_id"`
	By     string `json:"by,omitempty"`
}

type CallEnded struct {
	CallID string `json:"call_id"`
	By     string `json:"by,omitempty"`
}

type MissedCall struct {
	CallID string `json:"call_id"`
	Peer   string `json:"peer"`
}

// SDP carries a WebRTC offer or answer between the two call parties.
type SDP struct {
	CallID string          `json:"call_id"`
	From   string          `json:"from"`
	SDP    json.RawMessage `json:"sdp"`
}

func (p *SDP) Validate() error {
	if strings.TrimSpace(p.CallID) == "" {
		return errors.New("call_id is required")
	}
	if strings.TrimSpace(p.From) == "" {
		return errors.New("from is required")
	}
	if len(p.SDP) == 0 {
		return errors.New("sdp is required")
	}
	return nil
}

// ICE carries a trickle candidate. The candidate body is opaque to the
// server and forwarded verbatim.
type ICE struct {
	CallID    string          `json:"call_id"`
	From      string          `json:"from"`
	Candidate json.RawMessage `json:"candidate"`
}

func (p *ICE) Validate() error {
	if strings.TrimSpace(p.CallID) == "" {
		return errors.New("call_id is required")
	}
	if strings.TrimSpace(p.From) == "" {
		return errors.New("from is required")
	}
	if len(p.Candidate) == 0 {
		return errors.New("candidate is required")
	}
	return nil
}

// RemoteControl is an addressed command outside any call session.
type RemoteControl struct {
	From       string  `json:"from"`
	To         string  `json:"to"`
	CtrlType   string  `json:"ctrl_type"`
	Value      float64 `json:"value,omitempty"`
	DurationMS int     `json:"duration_ms,omitempty"`
}

func (p *RemoteControl) Validate() error {
	if strings.TrimSpace(p.To) == "" {
		return errors.New("to is required")
	}
	if strings.TrimSpace(p.CtrlType) == "" {
		return errors.New("ctrl_type is required")
	}
	return nil
}

type RemoteAck struct {
	OK     bool   `json:"ok"`
	Target string `json:"target"`
}
