package lifecycle

// State represents an invoice's position in the payable lifecycle
type State string

const (
	StateIngested         State = "INGESTED"
	StateExtracting       State = "EXTRACTING"
	StateValidating       State = "VALIDATING"
	StateAwaitingInfo     State = "AWAITING_INFO"
	StateStaged           State = "STAGED"
	StateAwaitingApproval State = "AWAITING_APPROVAL"
	StateApproved         State = "APPROVED"
	StateRejected         State = "REJECTED"
	StateAwaitingPayment  State = "AWAITING_PAYMENT"
	StateCompleted        State = "COMPLETED"
	StateFailed           State = "FAILED"
)

var validStates = map[State]bool{
	StateIngested:         true,
	StateExtracting:       true,
	StateValidating:       true,
	StateAwaitingInfo:     true,
	StateStaged:           true,
	StateAwaitingApproval: true,
	StateApproved:         true,
	StateRejected:         true,
	StateAwaitingPayment:  true,
	StateCompleted:        true,
	StateFailed:           true,
}

var terminalStates = map[State]bool{
	StateRejected:  true,
	StateCompleted: true,
	StateFailed:    true,
}

// transitions is the directed graph of legal forward moves. FAILED is
// reachable from every non-terminal state and handled in CanTransition.
var transitions = map[State][]State{
	StateIngested:         {StateExtracting},
	StateExtracting:       {StateValidating},
	StateValidating:       {StateStaged, StateAwaitingInfo},
	StateAwaitingInfo:     {StateValidating, StateAwaitingInfo},
	StateStaged:           {StateAwaitingApproval},
	StateAwaitingApproval: {StateApproved, StateRejected, StateAwaitingApproval},
	StateApproved:         {StateAwaitingPayment},
	StateAwaitingPayment:  {StateCompleted},
}

// IsTerminal returns true if no further transitions are allowed from s
func (s State) IsTerminal() bool {
	return terminalStates[s]
}

// IsValid returns true if s is a defined lifecycle state
func (s State) IsValid() bool {
	return validStates[s]
}

// String returns the string representation of the state
func (s State) String() string {
	return string(s)
}

// CanTransition reports whether moving from s to target is legal.
// Self-transitions on waiting states model reminders and re-prompts.
func (s State) CanTransition(target State) bool {
	if !s.IsValid() || !target.IsValid() {
		return false
	}
	if s.IsTerminal() {
		return false
	}
	if target == StateFailed {
		return true
	}
	for _, t := range transitions[s] {
		if t == target {
			return true
		}
	}
	return false
}
