package domain

// State is the lifecycle state of a job
type State string

// Job states
const (
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCanceled  State = "canceled"
)

// Payload constraints
const (
	DefaultIntensity = 50
	MinIntensity     = 0
	MaxIntensity     = 100
)

// DefaultFilters is the filter set understood by the bundled processor
var DefaultFilters = []string{
	"grayscale",
	"blur",
	"edge",
	"sharpen",
	"emboss",
	"sepia",
	"negative",
	"brighten",
}

// AllStates lists every state in lifecycle order
var AllStates = []State{
	StateWaiting,
	StateActive,
	StateCompleted,
	StateFailed,
	StateCanceled,
}

func (s State) String() string {
	return string(s)
}

// IsTerminal reports whether no further transitions can happen from s
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCanceled
}

// ParseState converts a string into a known State
func ParseState(s string) (State, error) {
	for _, st := range AllStates {
		if string(st) == s {
			return st, nil
		}
	}
	return "", NewValidationError(ErrUnknownState)
}

// Transition is an allowed state change
type Transition struct {
	From State
	To   State
}

// ValidTransitions lists every allowed state change. active -> active is a
// re-claim after the previous lease expired.
var ValidTransitions = []Transition{
	{From: StateWaiting, To: StateActive},
	{From: StateActive, To: StateActive},
	{From: StateActive, To: StateCompleted},
	{From: StateActive, To: StateFailed},
	{From: StateWaiting, To: StateCanceled},
}

// IsValidTransition reports whether from -> to is allowed
func IsValidTransition(from, to State) bool {
	for _, t := range ValidTransitions {
		if t.From == from && t.To == to {
			return true
		}
	}
	return false
}
