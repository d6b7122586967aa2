package gateway

// State is the per-venue validation state. A pre-hook moves the venue from
// Idle to Validating; the verdict lands it in Admitted or Rejected and stays
// observable until the next event folds it back to Idle.
type State int32

const (
	StateIdle State = iota
	StateValidating
	StateAdmitted
	StateRejected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateValidating:
		return "Validating"
	case StateAdmitted:
		return "Admitted"
	case StateRejected:
		return "Rejected"
	default:
		return "Unknown"
	}
}

var transitions = map[State][]State{
	StateIdle:       {StateValidating},
	StateValidating: {StateAdmitted, StateRejected},
	StateAdmitted:   {StateIdle},
	StateRejected:   {StateIdle},
}

// CanTransitionTo reports whether next is a legal successor state.
func (s State) CanTransitionTo(next State) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}
