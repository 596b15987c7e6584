package guard

// State is the lifecycle position of a Guard.
type State int

const (
	// StateUnstarted is the state of a freshly constructed guard.
	StateUnstarted State = iota
	// StateActive means this instance holds the lock and refreshes it.
	StateActive
	// StateBlocked means a rival instance holds the lock. The state is
	// terminal: a blocked guard never re-arms, only Stop applies.
	StateBlocked
	// StateStopped means Stop ran and every trigger is disarmed.
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateUnstarted:
		return "unstarted"
	case StateActive:
		return "active"
	case StateBlocked:
		return "blocked"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}
