package job

import "fmt"

// State is a job's lifecycle phase. Transitions only move forward:
// Initializing -> Running -> Finalizing -> Completed, or Initializing -> Failed.
type State int

const (
	Initializing State = iota
	Running
	Finalizing
	Completed
	Failed
)

var stateNames = [...]string{"initializing", "running", "finalizing", "completed", "failed"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

func (s State) Terminal() bool { return s == Completed || s == Failed }

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	for i, name := range stateNames {
		if name == string(b) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("unknown job state %q", b)
}

func canTransition(from, to State) bool {
	switch from {
	case Initializing:
		return to == Running || to == Failed
	case Running:
		return to == Finalizing
	case Finalizing:
		return to == Completed
	}
	return false
}
