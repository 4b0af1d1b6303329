package distributed

// State is the lifecycle phase of a distributed Bus.
type State int32

const (
	// StateCreated accepts registrations but consumes nothing.
	StateCreated State = iota
	// StateListening has consumer groups in place and read loops running.
	StateListening
	// StateDraining lets dispatched work finish but starts no new reads.
	StateDraining
	// StateStopped has released the response subscription and consumer registrations.
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateListening:
		return "listening"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}
