package proto

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeRoundTrip(t *testing.T) {
	b, err := Encode(EventIncomingCall, IncomingCall{CallID: "c1", From: "phone-1"})
	require.NoError(t, err)

	var env Envelope
	require.NoError(t, json.Unmarshal(b, &env))
	assert.Equal(t, EventIncomingCall, env.Event)

	var p IncomingCall
	require.NoError(t, json.Unmarshal(env.Data, &p))
	assert.Equal(t, "c1", p.CallID)
	assert.Equal(t, "phone-1", p.From)
}

func TestRegisterValidate(t *testing.T) {
	assert.NoError(t, (&Register{DeviceID: "robot-1"}).Validate())
	assert.Error(t, (&Register{}).Validate())
	assert.Error(t, (&Register{DeviceID: "   "}).Validate())
}

func TestCallRequestValidate(t *testing.T) {
	assert.NoError(t, (&CallRequest{From: "phone-1", To: "robot-1"}).Validate())
	assert.Error(t, (&CallRequest{To: "robot-1"}).Validate())
	assert.Error(t, (&CallRequest{From: "phone-1"}).Validate())
}

func TestCallSignalValidate(t *testing.T) {
	assert.NoError(t, (&CallSignal{CallID: "c1"}).Validate())
	assert.NoError(t, (&CallSignal{CallID: "c1", By: "robot-1"}).Validate())
	assert.Error(t, (&CallSignal{By: "robot-1"}).Validate())
}

func TestSDPValidate(t *testing.T) {
	sdp := json.RawMessage(`"v=0"`)
	assert.NoError(t, (&SDP{CallID: "c1", From: "phone-1", SDP: sdp}).Validate())
	assert.Error(t, (&SDP{From: "phone-1", SDP: sdp}).Validate())
	assert.Error(t, (&SDP{CallID: "c1", SDP: sdp}).Validate())
	assert.Error(t, (&SDP{CallID: "c1", From: "phone-1"}).Validate())
}

func TestICEValidate(t *testing.T) {
	cand := json.RawMessage(`{"candidate":"candidate:1"}`)
	assert.NoError(t, (&ICE{CallID: "c1", From: "phone-1", Candidate: cand}).Validate())
	assert.Error(t, (&ICE{From: "phone-1", Candidate: cand}).Validate())
	assert.Error(t, (&ICE{CallID: "c1", From: "phone-1"}).Validate())
}

func TestRemoteControlValidate(t *testing.T) {
	assert.NoError(t, (&RemoteControl{To: "robot-1", CtrlType: "forward"}).Validate())
	assert.Error(t, (&RemoteControl{CtrlType: "forward"}).Validate())
	assert.Error(t, (&RemoteControl{To: "robot-1"}).Validate())
}
