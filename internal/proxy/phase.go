package proxy

import "fmt"

// Phase is the tagged-variant discriminator called for by the REDESIGN
// FLAG in spec §9: it replaces the source's lifecycle bitset with an
// explicit "which forward-progress phase is active" enum, plus the two
// independent openness booleans carried on session itself.
type Phase int

const (
	PhaseAwaitingRequest Phase = iota
	PhaseConnecting
	PhaseForwardingRequest
	PhaseAwaitingResponse
	PhaseForwardingResponse
	PhaseDone
)

func (p Phase) String() string {
	switch p {
	case PhaseAwaitingRequest:
		return "awaiting-request"
	case PhaseConnecting:
		return "connecting"
	case PhaseForwardingRequest:
		return "forwarding-request"
	case PhaseAwaitingResponse:
		return "awaiting-response"
	case PhaseForwardingResponse:
		return "forwarding-response"
	case PhaseDone:
		return "done"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

type event int

const (
	eventRequestComplete event = iota
	eventParseFailed
	eventConnected
	eventConnectFailed
	eventRequestSent
	eventResponseComplete
	eventResponseSent
)

// transition is the total function spec §9 asks for: Phase, Event →
// Phase ∪ Error. At most one forward-progress phase is ever active.
func transition(p Phase, e event) (Phase, error) {
	switch {
	case p == PhaseAwaitingRequest && e == eventRequestComplete:
		return PhaseConnecting, nil
	case p == PhaseAwaitingRequest && e == eventParseFailed:
		return PhaseForwardingResponse, nil
	case p == PhaseConnecting && e == eventConnected:
		return PhaseForwardingRequest, nil
	case p == PhaseConnecting && e == eventConnectFailed:
		return PhaseDone, nil
	case p == PhaseForwardingRequest && e == eventRequestSent:
		return PhaseAwaitingResponse, nil
	case p == PhaseAwaitingResponse && e == eventResponseComplete:
		return PhaseForwardingResponse, nil
	case p == PhaseForwardingResponse && e == eventResponseSent:
		return PhaseDone, nil
	default:
		return p, fmt.Errorf("proxy: illegal transition %s + event %d", p, e)
	}
}
