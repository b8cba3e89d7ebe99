package core

// InstanceState is the lifecycle state of a CertInstance.
type InstanceState string

const (
	StateRequested    = InstanceState("requested")
	StateValidating   = InstanceState("validating")
	StateIssued       = InstanceState("issued")
	StatePrepublished = InstanceState("prepublished")
	StateActive       = InstanceState("active")
	StateExpiring     = InstanceState("expiring")
	StateSuperseded   = InstanceState("superseded")
	StateRevoked      = InstanceState("revoked")
)

var transitions = map[InstanceState][]InstanceState{
	StateRequested:    {StateValidating},
	StateValidating:   {StateIssued},
	StateIssued:       {StatePrepublished},
	StatePrepublished: {StateActive, StateSuperseded},
	StateActive:       {StateExpiring, StateSuperseded},
	StateExpiring:     {StateSuperseded},
}

// IsTerminal reports whether no transition leaves s.
func (s InstanceState) IsTerminal() bool {
	return s == StateSuperseded || s == StateRevoked
}

// IsLive reports whether an instance in state s is, or is about to become,
// the one deployed for its certificate.
func (s InstanceState) IsLive() bool {
	return s == StatePrepublished || s == StateActive || s == StateExpiring
}

// HasMaterial reports whether an instance in state s carries signed
// certificate bytes.
func (s InstanceState) HasMaterial() bool {
	switch s {
	case StateIssued, StatePrepublished, StateActive, StateExpiring, StateSuperseded:
		return true
	}
	return false
}

// ValidTransition reports whether an instance may move from one state to
// another. Revocation is allowed from every non-terminal state.
func ValidTransition(from, to InstanceState) bool {
	if from.IsTerminal() {
		return false
	}
	if to == StateRevoked {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
