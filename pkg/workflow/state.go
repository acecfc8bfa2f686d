package workflow

// State is a stage lifecycle state.
type State int32

const (
	// StatePending is the initial state. Replicas and MaxItems may still change.
	StatePending State = iota
	// StateStarting means execution contexts are being provisioned.
	StateStarting
	// StateRunning means every replica has been launched.
	StateRunning
	// StateStopping means Stop was called and replicas are finishing their current item.
	StateStopping
	// StateStopped means every replica has been reaped, or the stage was killed.
	StateStopped
	// StateFailed means Start hit an unrecoverable setup error.
	StateFailed
	// StateCompleted means every replica exited on its own because the stage was done.
	StateCompleted
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	case StateCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the stage holds no execution resources.
func (s State) Terminal() bool {
	return s == StateStopped || s == StateFailed || s == StateCompleted
}
