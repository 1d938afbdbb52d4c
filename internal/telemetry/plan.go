package telemetry

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

const (
	PlanVersion    = "1"
	PlanVersionKey = "stevedore.plan.version"
	PlanJSONKey    = "stevedore.plan.json"
)

// PlannedStep is one line of a release plan. Sub-steps name their parent.
type PlannedStep struct {
	ID       string `json:"id"`
	ParentID string `json:"parent_id,omitempty"`
	Title    string `json:"title"`
}

// Plan is the ordered step list a release announces before running.
type Plan struct {
	Steps []PlannedStep `json:"steps"`
}

// Add appends a step and returns the plan for chaining.
func (p *Plan) Add(id, parentID, title string) *Plan {
	p.Steps = append(p.Steps, PlannedStep{ID: id, ParentID: parentID, Title: title})
	return p
}

// Children returns the steps directly under parentID; "" selects the
// top-level steps.
func (p Plan) Children(parentID string) []PlannedStep {
	var out []PlannedStep
	for _, s := range p.Steps {
		if s.ParentID == parentID {
			out = append(out, s)
		}
	}
	return out
}

// Title falls back to the id for unknown or untitled steps.
func (p Plan) Title(id string) string {
	for _, s := range p.Steps {
		if s.ID == id && s.Title != "" {
			return s.Title
		}
	}
	return id
}

// Validate reports every blank or repeated id and every parent that is not
// declared before its child.
func (p Plan) Validate() error {
	var errs []error
	declared := make(map[string]bool, len(p.Steps))
	for i, s := range p.Steps {
		id := strings.TrimSpace(s.ID)
		switch {
		case id == "":
			errs = append(errs, fmt.Errorf("step %d has empty id", i))
			continue
		case declared[id]:
			errs = append(errs, fmt.Errorf("duplicate step id %q", id))
		}
		if parent := strings.TrimSpace(s.ParentID); parent != "" && !declared[parent] {
			errs = append(errs, fmt.Errorf("step %q: parent %q is not declared before it", id, parent))
		}
		declared[id] = true
	}
	return errors.Join(errs...)
}

func (p Plan) attributes() ([]attribute.KeyValue, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal plan: %w", err)
	}
	return []attribute.KeyValue{
		attribute.String(PlanVersionKey, PlanVersion),
		attribute.String(PlanJSONKey, string(raw)),
	}, nil
}

// DecodePlan reads a plan back from root span attributes. Plans written by
// another version are ignored. attrs is not modified.
func DecodePlan(attrs []attribute.KeyValue) (Plan, bool) {
	// NewSet sorts its argument in place.
	set := attribute.NewSet(slices.Clone(attrs)...)
	version, _ := set.Value(PlanVersionKey)
	raw, _ := set.Value(PlanJSONKey)
	if version.AsString() != PlanVersion || raw.AsString() == "" {
		return Plan{}, false
	}
	var plan Plan
	if err := json.Unmarshal([]byte(raw.AsString()), &plan); err != nil {
		return Plan{}, false
	}
	return plan, true
}
