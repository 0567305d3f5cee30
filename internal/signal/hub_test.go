package signal

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aljazari-lab/kebbicall/internal/proto"
)

type sentFrame struct {
	event string
	data  any
}

type fakeConn struct {
	mu     sync.Mutex
	frames []sentFrame
	fail   bool
	closed bool
}

func (c *fakeConn) Send(event string, data any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("connection gone")
	}
	c.frames = append(c.frames, sentFrame{event: event, data: data})
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) sent() []sentFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]sentFrame, len(c.frames))
	copy(out, c.frames)
	return out
}

func (c *fakeConn) events() []string {
	var out []string
	for _, f := range c.sent() {
		out = append(out, f.event)
	}
	return out
}

func (c *fakeConn) setFail(fail bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fail = fail
}

func dev(id string) proto.DeviceInfo {
	return proto.DeviceInfo{DeviceID: id, DeviceType: "robot", DisplayName: id}
}

func TestDeliverToOfflineDeviceQueues(t *testing.T) {
	h := NewHub()

	h.Deliver("robot-1", proto.EventIncomingCall, proto.IncomingCall{CallID: "c1", From: "phone-1"})
	h.Deliver("robot-1", proto.EventStopRinging, proto.StopRinging{CallID: "c1"})

	assert.Equal(t, 2, h.Backlog("robot-1"))
}

func TestRegisterAcksThenAnnouncesThenReplays(t *testing.T) {
	h := NewHub()

	h.Deliver("robot-1", proto.EventIncomingCall, proto.IncomingCall{CallID: "c1", From: "phone-1"})
	h.Deliver("robot-1", proto.EventRemoteControl, proto.RemoteControl{To: "robot-1", CtrlType: "forward"})

	c := &fakeConn{}
	h.Register(dev("robot-1"), c)

	require.Equal(t, []string{
		proto.EventRegistered,
		proto.EventOnlineList,
		proto.EventIncomingCall,
		proto.EventRemoteControl,
	}, c.events())
	assert.Zero(t, h.Backlog("robot-1"), "flush must clear the queue")

	frames := c.sent()
	reg, ok := frames[0].data.(proto.Registered)
	require.True(t, ok)
	assert.True(t, reg.OK)
	assert.Equal(t, "robot-1", reg.DeviceID)
}

func TestDeliverAfterRegisterGoesDirect(t *testing.T) {
	h := NewHub()
	c := &fakeConn{}
	h.Register(dev("robot-1"), c)

	h.Deliver("robot-1", proto.EventStopRinging, proto.StopRinging{CallID: "c1"})
	assert.Contains(t, c.events(), proto.EventStopRinging)
	assert.Zero(t, h.Backlog("robot-1"))
}

func TestFailedSendFallsBackToQueue(t *testing.T) {
	h := NewHub()
	c := &fakeConn{}
	h.Register(dev("robot-1"), c)
	c.setFail(true)

	h.Deliver("robot-1", proto.EventStopRinging, proto.StopRinging{CallID: "c1"})
	assert.Equal(t, 1, h.Backlog("robot-1"))
}

func TestReRegisterSupersedesOldConnection(t *testing.T) {
	h := NewHub()
	old := &fakeConn{}
	h.Register(dev("robot-1"), old)

	fresh := &fakeConn{}
	h.Register(dev("robot-1"), fresh)

	old.mu.Lock()
	closed := old.closed
	old.mu.Unlock()
	assert.True(t, closed, "superseded connection must be closed")

	h.Deliver("robot-1", proto.EventStopRinging, proto.StopRinging{CallID: "c1"})
	assert.Contains(t, fresh.events(), proto.EventStopRinging)
}

func TestStaleUnregisterKeepsReplacement(t *testing.T) {
	h := NewHub()
	old := &fakeConn{}
	h.Register(dev("robot-1"), old)
	fresh := &fakeConn{}
	h.Register(dev("robot-1"), fresh)

	// The old socket's read loop winds down after being superseded.
	h.Unregister("robot-1", old)

	require.Len(t, h.Online(), 1)
	h.Deliver("robot-1", proto.EventStopRinging, proto.StopRinging{CallID: "c1"})
	assert.Zero(t, h.Backlog("robot-1"), "replacement must still be online")
}

func TestUnregisterAnnouncesShrunkList(t *testing.T) {
	h := NewHub()
	a := &fakeConn{}
	b := &fakeConn{}
	h.Register(dev("robot-1"), a)
	h.Register(dev("phone-1"), b)

	h.Unregister("robot-1", a)

	frames := b.sent()
	last := frames[len(frames)-1]
	require.Equal(t, proto.EventOnlineList, last.event)
	list, ok := last.data.(proto.OnlineList)
	require.True(t, ok)
	require.Len(t, list.Devices, 1)
	assert.Equal(t, "phone-1", list.Devices[0].DeviceID)
}

func TestReplayInterruptedRequeuesRemainder(t *testing.T) {
	h := NewHub()
	for i := 0; i < 3; i++ {
		h.Deliver("robot-1", proto.EventStopRinging, proto.StopRinging{CallID: "c1"})
	}

	c := &fakeConn{fail: true}
	h.Register(dev("robot-1"), c)

	assert.Equal(t, 3, h.Backlog("robot-1"), "failed replay must keep the backlog")
}
