package state

import "fmt"

// Extended is the connection state of a media peer connection, layered over
// the raw ICE connection state to add escalation ("disconnected-long") and
// terminal ("failed-no-restart") distinctions that the raw state machine does
// not express.
type Extended string

const (
	New              Extended = "new"
	Checking         Extended = "checking"
	Connected        Extended = "connected"
	Completed        Extended = "completed"
	Disconnected     Extended = "disconnected"
	DisconnectedLong Extended = "disconnected-long"
	Failed           Extended = "failed"
	FailedNoRestart  Extended = "failed-no-restart"
	Closed           Extended = "closed"
)

// parse validates an extended state string.
func parse(s string) (Extended, error) {
	switch Extended(s) {
	case New, Checking, Connected, Completed, Disconnected, DisconnectedLong, Failed, FailedNoRestart, Closed:
		return Extended(s), nil
	}
	return "", fmt.Errorf("unknown extended connection state %q", s)
}

func (e Extended) String() string { return string(e) }

// Established reports whether media is flowing (or could flow) on the
// connection.
func (e Extended) Established() bool {
	return e == Connected || e == Completed
}

// Terminal reports whether no further transitions are expected. A terminal
// monitor stops its escalation timer and ignores subsequent raw signals.
func (e Extended) Terminal() bool {
	return e == Closed || e == FailedNoRestart
}
