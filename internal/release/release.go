// Package release runs one end-to-end release of the stack: build, publish,
// provision and release, strictly in that order.
package release

import (
	"strings"
	"time"

	"stevedore/internal/image"
	"stevedore/internal/stage"
)

// Release is the record of one pipeline run. It never carries secrets.
type Release struct {
	ID        string           `json:"id"`
	Trigger   Trigger          `json:"trigger"`
	Artifacts []image.Artifact `json:"artifacts"`
	Host      string           `json:"host"`
	Phase     Phase            `json:"phase"`
	// FailedStage names the error kind that stopped the release, e.g.
	// "migration".
	FailedStage string    `json:"failed_stage,omitempty"`
	Error       string    `json:"error,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at,omitzero"`
}

func (r Release) Succeeded() bool { return r.Phase == PhaseSucceeded }

// Duration is zero until the release finishes.
func (r Release) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Rejected is the final record of a release that failed before its first
// stage. Unclassified errors are reported as stage.ErrConfig.
func Rejected(id string, trigger Trigger, host string, started, finished time.Time, err error) Release {
	kind, ok := stage.KindOf(err)
	if !ok {
		kind = stage.ErrConfig
	}
	return Release{
		ID:          id,
		Trigger:     trigger,
		Host:        host,
		Phase:       PhaseFailed,
		FailedStage: kind.Name(),
		Error:       strings.TrimSpace(err.Error()),
		StartedAt:   started.UTC(),
		FinishedAt:  finished.UTC(),
	}
}
