package unit

// State is the lifecycle state of a unit
type State string

const (
	StateStopped  State = "stopped"  // No child running
	StateRunning  State = "running"  // Child spawned, exit not yet handled
	StateTerminal State = "terminal" // Sinks closed, unit inert
)

// canStartFromState validates if spawning is allowed from the current state
func canStartFromState(currentState State) bool {
	switch currentState {
	case StateStopped:
		return true
	case StateRunning:
		return false // one child per unit
	case StateTerminal:
		return false // sinks are gone
	default:
		return false
	}
}
