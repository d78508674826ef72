package runstate

var allowedTransitions = map[Status]map[Status]struct{}{
	StatusInitializing: {
		StatusRunning:     {},
		StatusInterrupted: {},
	},
	StatusRunning: {
		StatusFinished:    {},
		StatusInterrupted: {},
	},
	// Terminal statuses may re-enter running when the same trainer is
	// reused for another entry point (fit then test, or a retry after
	// an interrupt).
	StatusFinished: {
		StatusRunning: {},
	},
	StatusInterrupted: {
		StatusRunning: {},
	},
}

// CanTransition reports whether a status transition is valid.
func CanTransition(from, to Status) bool {
	allowed, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = allowed[to]
	return ok
}
