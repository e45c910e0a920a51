// Package domain contains entities without logic, just meta-data
package domain

import "fmt"

type (
	RoomID string
	PeerID string
)

// Role decides which side of a pair originates the offer.
type Role int

const (
	RoleUnassigned Role = iota
	RoleInitiator
	RoleResponder
)

// Wire values used by the relay.
const (
	WireInitiator = "p1"
	WireResponder = "p2"
)

func (r Role) String() string {
	switch r {
	case RoleInitiator:
		return "initiator"
	case RoleResponder:
		return "responder"
	default:
		return "unassigned"
	}
}

// Wire returns the relay representation of r.
func (r Role) Wire() string {
	switch r {
	case RoleInitiator:
		return WireInitiator
	case RoleResponder:
		return WireResponder
	default:
		return ""
	}
}

// ParseRole maps a relay role string onto a Role.
func ParseRole(s string) (Role, error) {
	switch s {
	case WireInitiator:
		return RoleInitiator, nil
	case WireResponder:
		return RoleResponder, nil
	default:
		return RoleUnassigned, fmt.Errorf("unknown role %q", s)
	}
}

// Phase is the connection phase of one negotiation.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseRoleAssigned
	PhasePaired
	PhaseOfferSent
	PhaseAnswerSent
	PhaseStable
	PhaseClosed
)

var phaseNames = [...]string{
	PhaseIdle:         "idle",
	PhaseRoleAssigned: "role_assigned",
	PhasePaired:       "paired",
	PhaseOfferSent:    "offer_sent",
	PhaseAnswerSent:   "answer_sent",
	PhaseStable:       "stable",
	PhaseClosed:       "closed",
}

func (p Phase) String() string {
	if int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return fmt.Sprintf("phase(%d)", int(p))
}
