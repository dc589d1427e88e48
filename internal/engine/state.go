package engine

// State is the engine lifecycle state.
type State int32

const (
	Uninitialized State = iota
	InitializedHooksOff
	Running
	ShuttingDown
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "UNINITIALIZED"
	case InitializedHooksOff:
		return "INITIALIZED_HOOKS_OFF"
	case Running:
		return "RUNNING"
	case ShuttingDown:
		return "SHUTTING_DOWN"
	}
	return "UNKNOWN"
}
