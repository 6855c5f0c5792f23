package fsm

import "fmt"

type State string

type Event string

const (
	StateElevated State = "elevated"
	StateDropping State = "dropping"
	StateDropped  State = "dropped"
	StateFailed   State = "failed"
)

const (
	EventBeginDrop Event = "begin_drop"
	EventDropped   Event = "dropped"
	EventSkip      Event = "skip"
	EventFail      Event = "fail"
)

// Transition is one-way: nothing leaves dropped or failed.
func Transition(current State, event Event) (State, error) {
	switch current {
	case StateElevated:
		switch event {
		case EventBeginDrop:
			return StateDropping, nil
		case EventSkip:
			return StateDropped, nil
		case EventFail:
			return StateFailed, nil
		default:
			return current, invalidTransition(current, event)
		}
	case StateDropping:
		switch event {
		case EventDropped:
			return StateDropped, nil
		case EventFail:
			return StateFailed, nil
		default:
			return current, invalidTransition(current, event)
		}
	case StateDropped, StateFailed:
		return current, invalidTransition(current, event)
	default:
		return current, fmt.Errorf("unknown state %q", current)
	}
}

func invalidTransition(state State, event Event) error {
	return fmt.Errorf("invalid transition: %s --(%s)--> ?", state, event)
}
