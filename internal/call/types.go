package call

// Deliverer sends an addressed event toward a single device. The
// transport decides what offline means; events for offline devices are
// held and replayed when the device comes back.
type Deliverer interface {
	Deliver(to, event string, data any)
}

// Status is the lifecycle state of a call session. Terminal states are
// not represented: a finished call is removed from the table.
type Status int

const (
	StatusRinging Status = iota
	StatusAccepted
)

func (s Status) String() string {
	switch s {
	case StatusRinging:
		return "ringing"
	case StatusAccepted:
		return "accepted"
	default:
		return "unknown"
	}
}
