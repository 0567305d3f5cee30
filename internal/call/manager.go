package call

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/aljazari-lab/kebbicall/internal/proto"
)

// Manager owns the call session table. All transitions are
// check-and-update under one mutex, so a timeout racing an accept can
// never fire on a session that already left the ringing state.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session

	out         Deliverer
	ringTimeout time.Duration
	log         *logrus.Entry
}

func NewManager(out Deliverer, ringTimeout time.Duration) *Manager {
	return &Manager{
		sessions:    make(map[string]*Session),
		out:         out,
		ringTimeout: ringTimeout,
		log:         logrus.WithField("component", "call"),
	}
}

// Create opens a ringing session from caller toward callee and sends
// incoming_call to the callee. Returns the new call id.
func (m *Manager) Create(caller, callee string) string {
	s := &Session{
		ID:        uuid.NewString(),
		Caller:    caller,
		Callee:    callee,
		Status:    StatusRinging,
		StartedAt: time.Now(),
	}

	m.mu.Lock()
	id := s.ID
	s.timer = time.AfterFunc(m.ringTimeout, func() { m.expire(id) })
	m.sessions[id] = s
	m.mu.Unlock()

	m.out.Deliver(callee, proto.EventIncomingCall, proto.IncomingCall{CallID: id, From: caller})

	m.log.WithFields(logrus.Fields{
		"call_id": id,
		"caller":  caller,
		"callee":  callee,
	}).Info("call ringing")
	return id
}

// expire runs from the ring timer. A session that was accepted or
// otherwise terminated in the meantime is left alone; the stale timer
// fire is a no-op.
func (m *Manager) expire(id string) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok || s.Status != StatusRinging {
		m.mu.Unlock()
		return
	}
	delete(m.sessions, id)
	m.mu.Unlock()

	m.out.Deliver(s.Caller, proto.EventMissedCall, proto.MissedCall{CallID: id, Peer: s.Callee})
	m.out.Deliver(s.Callee, proto.EventMissedCall, proto.MissedCall{CallID: id, Peer: s.Caller})

	m.log.WithField("call_id", id).Info("call timed out")
}

// Accept moves a ringing session to accepted and cancels the ring
// timer. Accepting a call that is not ringing (or unknown) is ignored.
func (m *Manager) Accept(id, by string) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok || s.Status != StatusRinging {
		m.mu.Unlock()
		return
	}
	s.Status = StatusAccepted
	s.timer.Stop()
	caller, callee := s.Caller, s.Callee
	m.mu.Unlock()

	for _, dev := range []string{caller, callee} {
		m.out.Deliver(dev, proto.EventStopRinging, proto.StopRinging{CallID: id})
		m.out.Deliver(dev, proto.EventCallAccepted, proto.CallAccepted{CallID: id, By: by})
	}

	m.log.WithFields(logrus.Fields{"call_id": id, "by": by}).Info("call accepted")
}

// Reject terminates a session in any state and notifies both parties.
func (m *Manager) Reject(id, by string) {
	s, ok := m.take(id)
	if !ok {
		return
	}

	for _, dev := range []string{s.Caller, s.Callee} {
		m.out.Deliver(dev, proto.EventCallRejected, proto.CallRejected{CallID: id, By: by})
	}

	m.log.WithFields(logrus.Fields{"call_id": id, "by": by}).Info("call rejected")
}

// Hangup terminates a session in any state. The counterpart of the
// acting device is notified first, then the actor.
func (m *Manager) Hangup(id, by string) {
	s, ok := m.take(id)
	if !ok {
		return
	}

	other := s.other(by)
	m.out.Deliver(other, proto.EventCallEnded, proto.CallEnded{CallID: id, By: by})
	if by != "" && by != other {
		m.out.Deliver(by, proto.EventCallEnded, proto.CallEnded{CallID: id, By: by})
	}

	m.log.WithFields(logrus.Fields{"call_id": id, "by": by}).Info("call ended")
}

// take removes a session from the table and stops its timer. Removing
// twice is harmless: the second caller gets ok=false.
func (m *Manager) take(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, false
	}
	delete(m.sessions, id)
	s.timer.Stop()
	return s, true
}

// RelayOffer forwards a WebRTC offer to the callee. Only the session's
// caller may send an offer; anything else is dropped.
func (m *Manager) RelayOffer(p proto.SDP) {
	m.mu.Lock()
	s, ok := m.sessions[p.CallID]
	var to string
	if ok && s.Caller == p.From {
		to = s.Callee
	}
	m.mu.Unlock()

	if to == "" {
		m.log.WithFields(logrus.Fields{"call_id": p.CallID, "from": p.From}).Warn("offer dropped")
		return
	}
	m.out.Deliver(to, proto.EventWebRTCOffer, p)
}

// RelayAnswer forwards a WebRTC answer to the caller. Only the
// session's callee may answer.
func (m *Manager) RelayAnswer(p proto.SDP) {
	m.mu.Lock()
	s, ok := m.sessions[p.CallID]
	var to string
	if ok && s.Callee == p.From {
		to = s.Caller
	}
	m.mu.Unlock()

	if to == "" {
		m.log.WithFields(logrus.Fields{"call_id": p.CallID, "from": p.From}).Warn("answer dropped")
		return
	}
	m.out.Deliver(to, proto.EventWebRTCAnswer, p)
}

// RelayICE forwards a trickle candidate to the other party of the
// session. Candidates from devices outside the session are dropped.
func (m *Manager) RelayICE(p proto.ICE) {
	m.mu.Lock()
	s, ok := m.sessions[p.CallID]
	var to string
	if ok {
		switch p.From {
		case s.Caller:
			to = s.Callee
		case s.Callee:
			to = s.Caller
		}
	}
	m.mu.Unlock()

	if to == "" {
		m.log.WithFields(logrus.Fields{"call_id": p.CallID, "from": p.From}).Debug("ice dropped")
		return
	}
	m.out.Deliver(to, proto.EventWebRTCICE, p)
}

// Sessions returns a snapshot of all live sessions, oldest first.
func (m *Manager) Sessions() []Info {
	m.mu.Lock()
	out := make([]Info, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.info())
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Close stops all ring timers. Live sessions are not persisted; a
// restart forgets them.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, s := range m.sessions {
		s.timer.Stop()
		delete(m.sessions, id)
	}
}
