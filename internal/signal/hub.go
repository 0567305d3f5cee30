package signal

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/aljazari-lab/kebbicall/internal/proto"
)

// Hub ties the registry and the pending queue together behind one
// mutex. Holding mu across a register-and-flush keeps the replayed
// backlog ordered ahead of events delivered concurrently to the same
// device; websocket writes are deadline-bounded so the critical
// sections stay short.
type Hub struct {
	mu    sync.Mutex
	reg   *Registry
	queue *PendingQueue
	log   *logrus.Entry
}

func NewHub() *Hub {
	return &Hub{
		reg:   NewRegistry(),
		queue: NewPendingQueue(),
		log:   logrus.WithField("component", "signal"),
	}
}

// Deliver is the single write path for addressed events. An offline
// target, or a failed write, queues the event for replay on reconnect.
func (h *Hub) Deliver(to, event string, data any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.deliverLocked(to, event, data)
}

func (h *Hub) deliverLocked(to, event string, data any) {
	conn, ok := h.reg.Get(to)
	if !ok {
		h.queue.Enqueue(to, event, data)
		h.log.WithFields(logrus.Fields{"device_id": to, "event": event}).Debug("queued for offline device")
		return
	}
	if err := conn.Send(event, data); err != nil {
		h.queue.Enqueue(to, event, data)
		h.log.WithFields(logrus.Fields{"device_id": to, "event": event}).WithError(err).Warn("send failed, queued")
	}
}

// Register binds the device to conn, acks on the same connection,
// announces the new online list and replays the device's backlog, in
// that order.
func (h *Hub) Register(info proto.DeviceInfo, conn Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if old := h.reg.Set(info.DeviceID, conn, info); old != nil {
		_ = old.Close()
		h.log.WithField("device_id", info.DeviceID).Info("connection superseded")
	}

	if err := conn.Send(proto.EventRegistered, proto.Registered{OK: true, DeviceID: info.DeviceID}); err != nil {
		h.log.WithField("device_id", info.DeviceID).WithError(err).Warn("register ack failed")
	}

	h.broadcastLocked(proto.EventOnlineList, proto.OnlineList{Devices: h.reg.Snapshot()})

	evs := h.queue.Flush(info.DeviceID)
	for i, ev := range evs {
		if err := conn.Send(ev.Event, ev.Data); err != nil {
			h.queue.Requeue(info.DeviceID, evs[i:])
			h.log.WithField("device_id", info.DeviceID).WithError(err).Warn("replay interrupted")
			return
		}
	}
	if len(evs) > 0 {
		h.log.WithFields(logrus.Fields{"device_id": info.DeviceID, "events": len(evs)}).Info("backlog replayed")
	}
}

// Unregister unbinds the device if conn still owns the binding, then
// announces the shrunk online list.
func (h *Hub) Unregister(id string, conn Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.reg.Remove(id, conn) {
		return
	}
	h.log.WithField("device_id", id).Info("device offline")
	h.broadcastLocked(proto.EventOnlineList, proto.OnlineList{Devices: h.reg.Snapshot()})
}

// BroadcastOnline pushes the current online list to every connection.
func (h *Hub) BroadcastOnline() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.broadcastLocked(proto.EventOnlineList, proto.OnlineList{Devices: h.reg.Snapshot()})
}

func (h *Hub) broadcastLocked(event string, data any) {
	for _, c := range h.reg.Conns() {
		_ = c.Send(event, data)
	}
}

// Online reports the devices currently registered.
func (h *Hub) Online() []proto.DeviceInfo {
	return h.reg.Snapshot()
}

// IsOnline reports whether a device currently has a connection.
func (h *Hub) IsOnline(id string) bool {
	return h.reg.IsOnline(id)
}

// Backlog reports how many events are queued for a device.
func (h *Hub) Backlog(id string) int {
	return h.queue.Len(id)
}
