package release

import (
	"fmt"
	"strings"
)

const (
	EventManual   = "manual"
	EventPush     = "push"
	EventDispatch = "workflow_dispatch"
)

// Trigger is the CI event that started a release.
type Trigger struct {
	Event      string `json:"event"`
	Ref        string `json:"ref,omitempty"`
	Commit     string `json:"commit,omitempty"`
	RunID      string `json:"run_id,omitempty"`
	Actor      string `json:"actor,omitempty"`
	Repository string `json:"repository,omitempty"`
}

// TriggerFromEnv reads the GitHub Actions run context. Outside CI the event
// is "manual".
func TriggerFromEnv(getenv func(string) string) Trigger {
	t := Trigger{
		Event:      strings.TrimSpace(getenv("GITHUB_EVENT_NAME")),
		Ref:        strings.TrimSpace(getenv("GITHUB_REF")),
		Commit:     strings.TrimSpace(getenv("GITHUB_SHA")),
		RunID:      strings.TrimSpace(getenv("GITHUB_RUN_ID")),
		Actor:      strings.TrimSpace(getenv("GITHUB_ACTOR")),
		Repository: strings.TrimSpace(getenv("GITHUB_REPOSITORY")),
	}
	if t.Event == "" {
		t.Event = EventManual
	}
	return t
}

// Branch returns the branch name for branch refs.
func (t Trigger) Branch() string {
	b, ok := strings.CutPrefix(t.Ref, "refs/heads/")
	if !ok {
		return ""
	}
	return b
}

// Deploys reports whether the event should produce a release: a push to the
// deploy branch, a manual dispatch, or a local run.
func (t Trigger) Deploys(branch string) bool {
	switch t.Event {
	case EventManual, EventDispatch:
		return true
	case EventPush:
		return branch == "" || t.Branch() == branch
	default:
		return false
	}
}

// ShortCommit returns the first 7 characters of the commit.
func (t Trigger) ShortCommit() string {
	if len(t.Commit) > 7 {
		return t.Commit[:7]
	}
	return t.Commit
}

func (t Trigger) String() string {
	var b strings.Builder
	b.WriteString(t.Event)
	if br := t.Branch(); br != "" {
		fmt.Fprintf(&b, " to %s", br)
	} else if t.Ref != "" {
		fmt.Fprintf(&b, " of %s", t.Ref)
	}
	if c := t.ShortCommit(); c != "" {
		fmt.Fprintf(&b, " at %s", c)
	}
	if t.Actor != "" {
		fmt.Fprintf(&b, " by %s", t.Actor)
	}
	return b.String()
}
