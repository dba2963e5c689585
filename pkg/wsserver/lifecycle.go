package wsserver

// Phase is the server lifecycle state:
//
//	Created -> Starting -> Running -> Stopped
//	                               \-> Failed
//
// Stopped and Failed are terminal for an instance.
type Phase int32

const (
	PhaseCreated Phase = iota
	PhaseStarting
	PhaseRunning
	PhaseStopped
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseCreated:
		return "created"
	case PhaseStarting:
		return "starting"
	case PhaseRunning:
		return "running"
	case PhaseStopped:
		return "stopped"
	case PhaseFailed:
		return "failed"
	}
	return "unknown"
}

// MarshalText encodes the phase name
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// Live reports whether the phase accepts connections and delivers events
func (p Phase) Live() bool {
	return p == PhaseStarting || p == PhaseRunning
}

// Terminal reports whether the instance can no longer change phase
func (p Phase) Terminal() bool {
	return p == PhaseStopped || p == PhaseFailed
}
