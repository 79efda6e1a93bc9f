package billing

// transitions is the closed table of legal status changes. Self-transitions
// are additionally legal everywhere: providers redeliver the current state
// with refreshed period fields and those must be absorbable without drama.
var transitions = map[Status][]Status{
	StatusTrialing:   {StatusActive, StatusCanceled, StatusPastDue},
	StatusActive:     {StatusPastDue, StatusCanceled},
	StatusPastDue:    {StatusActive, StatusCanceled, StatusUnpaid},
	StatusUnpaid:     {StatusActive, StatusCanceled},
	StatusIncomplete: {StatusActive, StatusCanceled},
	StatusCanceled:   {}, // terminal
}

// CanTransition reports whether the status change from -> to is legal.
func CanTransition(from, to Status) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	if from == to {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// InitialStatus returns the status a new subscription starts in: trialing
// when created from signup, incomplete when created from a checkout that is
// awaiting its first payment confirmation.
func InitialStatus(fromSignup bool) Status {
	if fromSignup {
		return StatusTrialing
	}
	return StatusIncomplete
}
