package enclave

// State is a session lifecycle state. Transitions are strictly forward,
// except that any state may transition to Closed.
type State int32

const (
	Unconnected State = iota
	Dialing
	Authenticating
	Bootstrapped
	Closed
)

func (s State) String() string {
	switch s {
	case Unconnected:
		return "unconnected"
	case Dialing:
		return "dialing"
	case Authenticating:
		return "authenticating"
	case Bootstrapped:
		return "bootstrapped"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// canAdvanceTo reports whether next is a legal transition from s.
func (s State) canAdvanceTo(next State) bool {
	if next == Closed {
		return true
	}
	return next == s+1 && s != Closed
}
