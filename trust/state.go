package trust

// State is a lifecycle state of a Context.
type State int

const (
	StateUninitialized State = iota
	StatePolicyKeyLoaded
	StateColdInitialized
	StateWarmRestarted
	StateCertified
	StateActive
	StateScrubbed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StatePolicyKeyLoaded:
		return "policy-key-loaded"
	case StateColdInitialized:
		return "cold-initialized"
	case StateWarmRestarted:
		return "warm-restarted"
	case StateCertified:
		return "certified"
	case StateActive:
		return "active"
	case StateScrubbed:
		return "scrubbed"
	default:
		return "unknown"
	}
}

// initialized reports whether s may request certification.
func (s State) initialized() bool {
	return s == StateColdInitialized || s == StateWarmRestarted
}
