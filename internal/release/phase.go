package release

import (
	"encoding/json"
	"fmt"
	"strings"

	"stevedore/internal/check"
	"stevedore/internal/stage"
)

type Phase uint8

const (
	PhasePending Phase = iota + 1
	PhaseBuilding
	PhasePublishing
	PhaseProvisioning
	PhaseReleasing
	PhaseSucceeded
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhasePending:
		return "pending"
	case PhaseBuilding:
		return "building"
	case PhasePublishing:
		return "publishing"
	case PhaseProvisioning:
		return "provisioning"
	case PhaseReleasing:
		return "releasing"
	case PhaseSucceeded:
		return "succeeded"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (p Phase) IsValid() bool {
	switch p {
	case PhasePending, PhaseBuilding, PhasePublishing, PhaseProvisioning, PhaseReleasing, PhaseSucceeded, PhaseFailed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no further transition is allowed.
func (p Phase) IsTerminal() bool {
	return p == PhaseSucceeded || p == PhaseFailed
}

// Transition moves strictly forward. Any non-terminal phase may fail, and
// a skipped stage lets a phase jump ahead, but no phase is re-entered.
func (p Phase) Transition(to Phase) Phase {
	ok := false
	switch p {
	case PhasePending, PhaseBuilding, PhasePublishing, PhaseProvisioning:
		ok = to > p && to.IsValid()
	case PhaseReleasing:
		ok = to == PhaseSucceeded || to == PhaseFailed
	case PhaseSucceeded, PhaseFailed:
		ok = false
	}
	check.Assertf(ok, "release phase transition: %s -> %s", p, to)
	if !ok {
		return p
	}
	return to
}

// PhaseOf returns the phase in which a stage runs.
func PhaseOf(s stage.Stage) Phase {
	switch s {
	case stage.Build:
		return PhaseBuilding
	case stage.Publish:
		return PhasePublishing
	case stage.Provision:
		return PhaseProvisioning
	case stage.Release:
		return PhaseReleasing
	default:
		return 0
	}
}

func (p Phase) MarshalJSON() ([]byte, error) {
	if !p.IsValid() {
		return nil, fmt.Errorf("invalid release phase: %d", p)
	}
	return json.Marshal(p.String())
}

func (p *Phase) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	next, ok := ParsePhase(raw)
	if !ok {
		return fmt.Errorf("invalid release phase: %q", raw)
	}
	*p = next
	return nil
}

func ParsePhase(raw string) (Phase, bool) {
	switch strings.TrimSpace(raw) {
	case "pending":
		return PhasePending, true
	case "building":
		return PhaseBuilding, true
	case "publishing":
		return PhasePublishing, true
	case "provisioning":
		return PhaseProvisioning, true
	case "releasing":
		return PhaseReleasing, true
	case "succeeded":
		return PhaseSucceeded, true
	case "failed":
		return PhaseFailed, true
	default:
		return 0, false
	}
}
