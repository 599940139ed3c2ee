package txn

// State is a coordinator transaction state.
//
//	Idle -> BothOpen -> Committing -> Committed
//	BothOpen -> RollingBack -> RolledBack
//	Committing -> RolledBack              (graph commit failed, nothing landed)
//	Committing -> PartiallyCommitted      (graph committed, metadata failed)
type State int

const (
	StateIdle State = iota
	StateBothOpen
	StateCommitting
	StateCommitted
	StateRollingBack
	StateRolledBack
	StatePartiallyCommitted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBothOpen:
		return "both_open"
	case StateCommitting:
		return "committing"
	case StateCommitted:
		return "committed"
	case StateRollingBack:
		return "rolling_back"
	case StateRolledBack:
		return "rolled_back"
	case StatePartiallyCommitted:
		return "partially_committed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateCommitted || s == StateRolledBack || s == StatePartiallyCommitted
}

var transitions = map[State][]State{
	StateIdle:        {StateBothOpen, StateRolledBack},
	StateBothOpen:    {StateCommitting, StateRollingBack},
	StateCommitting:  {StateCommitted, StateRolledBack, StatePartiallyCommitted},
	StateRollingBack: {StateRolledBack},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
