package session

// Status represents the lifecycle state of a session
type Status int

const (
	StatusIdle     Status = iota // Constructed, never started
	StatusStarting               // Session-creation call in flight
	StatusActive                 // Remote session established
	StatusStopping               // Teardown call in flight
	StatusStopped                // Torn down; may be started again
	StatusError                  // Failed start, teardown, or reconnect; may be started again
)

// String returns the string representation of Status
func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusStarting:
		return "starting"
	case StatusActive:
		return "active"
	case StatusStopping:
		return "stopping"
	case StatusStopped:
		return "stopped"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// canStart reports whether Start is a legal transition from s
func (s Status) canStart() bool {
	switch s {
	case StatusIdle, StatusStopped, StatusError:
		return true
	default:
		return false
	}
}

// canStop reports whether Stop is a legal transition from s
func (s Status) canStop() bool {
	switch s {
	case StatusStarting, StatusActive, StatusError:
		return true
	default:
		return false
	}
}

// inTransition reports whether the session is mid start or stop;
// Reconnect is disallowed in either.
func (s Status) inTransition() bool {
	return s == StatusStarting || s == StatusStopping
}
