// Package notify announces finished releases.
package notify

import (
	"fmt"
	"strings"
	"time"

	"stevedore/internal/release"
)

// Message renders the plain-text announcement of a finished release.
func Message(r release.Release) string {
	var b strings.Builder
	if r.Succeeded() {
		fmt.Fprintf(&b, "Release %s succeeded", shortID(r.ID))
	} else {
		fmt.Fprintf(&b, "Release %s failed", shortID(r.ID))
		if r.FailedStage != "" {
			fmt.Fprintf(&b, " at stage %s", r.FailedStage)
		}
	}
	if d := r.Duration(); d > 0 {
		fmt.Fprintf(&b, " after %s", d.Round(time.Second))
	}
	b.WriteString(".\n")

	if r.Trigger.Repository != "" {
		fmt.Fprintf(&b, "Repository: %s\n", r.Trigger.Repository)
	}
	fmt.Fprintf(&b, "Trigger: %s\n", r.Trigger)
	if len(r.Artifacts) > 0 {
		refs := make([]string, len(r.Artifacts))
		for i, a := range r.Artifacts {
			refs[i] = a.Reference()
		}
		fmt.Fprintf(&b, "Images: %s\n", strings.Join(refs, ", "))
	}
	if r.Host != "" {
		fmt.Fprintf(&b, "Host: %s\n", r.Host)
	}
	if !r.Succeeded() && r.Error != "" {
		fmt.Fprintf(&b, "Error: %s\n", truncate(r.Error, 1000))
	}
	return strings.TrimRight(b.String(), "\n")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
