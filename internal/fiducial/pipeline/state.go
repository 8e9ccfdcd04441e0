package pipeline

import "fmt"

// State is the loop's lifecycle state.
//
//	Idle -> Capturing <-> Processing -> Stopped
//	                 \-> Failed
type State int32

const (
	StateIdle State = iota
	StateCapturing
	StateProcessing
	StateStopped
	StateFailed
)

var stateNames = [...]string{
	StateIdle:       "idle",
	StateCapturing:  "capturing",
	StateProcessing: "processing",
	StateStopped:    "stopped",
	StateFailed:     "failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int32(s))
	}
	return stateNames[s]
}

// Running reports whether the loop owns a worker in this state.
func (s State) Running() bool {
	return s == StateCapturing || s == StateProcessing
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
