package call

import "time"

// Session is one live call between a caller and a callee. It only
// exists while the call is ringing or connected; any terminal
// transition deletes it from the manager's table.
type Session struct {
	ID        string
	Caller    string
	Callee    string
	Status    Status
	StartedAt time.Time

	timer *time.Timer // ring timeout, armed while Status == StatusRinging
}

// other returns the counterpart of dev in this session. When dev is
// neither party the callee is returned, matching the relay's lenient
// hangup handling.
func (s *Session) other(dev string) string {
	if dev == s.Callee {
		return s.Caller
	}
	return s.Callee
}

// Info is a read-only snapshot of a session for status pages.
type Info struct {
	ID        string    `json:"call_id"`
	Caller    string    `json:"caller"`
	Callee    string    `json:"callee"`
	Status    string    `json:"status"`
	StartedAt time.Time `json:"started_at"`
}

func (s *Session) info() Info {
	return Info{
		ID:        s.ID,
		Caller:    s.Caller,
		Callee:    s.Callee,
		Status:    s.Status.String(),
		StartedAt: s.StartedAt,
	}
}
