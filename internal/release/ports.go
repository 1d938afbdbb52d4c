package release

import (
	"context"
	"time"

	"stevedore/internal/bundle"
	"stevedore/internal/controller"
	"stevedore/internal/provision"
)

// Provisioner opens a locked target host for one release.
type Provisioner interface {
	Connect(ctx context.Context, releaseID string) (*provision.Target, error)
}

// Controller lists the host-side release tasks for a transferred bundle.
type Controller interface {
	Tasks(dir string, b bundle.Bundle) []controller.Task
}

// Notifier reports a finished release.
type Notifier interface {
	Notify(ctx context.Context, r Release) error
}

// Store keeps release history.
type Store interface {
	SaveRelease(ctx context.Context, r Release) error
}

type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }
