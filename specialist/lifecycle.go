// Package specialist tracks delegated sub-agents through their lifecycle.
//
// Records move only along the transition table below. A request for an
// illegal transition is ignored and the record keeps its state. Entering
// some states triggers a Reaction the caller acts on, such as retrying a
// specialist that produced nothing or escalating one that keeps failing.
package specialist

// State is a specialist lifecycle state.
type State string

const (
	Dispatched         State = "dispatched"
	Working            State = "working"
	ProducedChanges    State = "produced_changes"
	CompletedNoChanges State = "completed_no_changes"
	Failed             State = "failed"
	Reviewed           State = "reviewed"
	Merged             State = "merged"
	Escalated          State = "escalated"
)

var allowedTransitions = map[State]map[State]struct{}{
	Dispatched: {
		Working:   {},
		Failed:    {},
		Escalated: {},
	},
	Working: {
		ProducedChanges:    {},
		CompletedNoChanges: {},
		Failed:             {},
		Escalated:          {},
	},
	ProducedChanges: {
		Reviewed:  {},
		Merged:    {},
		Escalated: {},
	},
	CompletedNoChanges: {
		Working:   {},
		Failed:    {},
		Escalated: {},
	},
	Failed: {
		Working:   {},
		Escalated: {},
	},
	Reviewed: {
		Merged:    {},
		Escalated: {},
		Working:   {},
	},
	Merged:    {},
	Escalated: {},
}

// CanTransition reports whether from -> to is a legal transition.
func CanTransition(from, to State) bool {
	allowed, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = allowed[to]
	return ok
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	allowed, ok := allowedTransitions[s]
	return ok && len(allowed) == 0
}

// Done reports whether the specialist finished its work, with or without
// changes.
func (s State) Done() bool {
	switch s {
	case ProducedChanges, CompletedNoChanges, Reviewed, Merged:
		return true
	default:
		return false
	}
}
