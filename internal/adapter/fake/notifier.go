package fake

import (
	"context"
	"sync"

	"stevedore/internal/adapter/fake/fault"
	"stevedore/internal/release"
)

var _ release.Notifier = (*Notifier)(nil)

// Notifier records every release it is told about.
type Notifier struct {
	CallRecorder
	mu   sync.Mutex
	sent []release.Release

	Faults    *fault.Injector
	NotifyErr func(ctx context.Context, r release.Release) error
}

func (n *Notifier) Notify(ctx context.Context, r release.Release) error {
	n.record("Notify", r.ID)
	if err := n.Faults.Eval(fault.Notify, r.ID); err != nil {
		return err
	}
	if n.NotifyErr != nil {
		if err := n.NotifyErr(ctx, r); err != nil {
			return err
		}
	}
	n.mu.Lock()
	n.sent = append(n.sent, r)
	n.mu.Unlock()
	return nil
}

// Sent returns the delivered notifications in order.
func (n *Notifier) Sent() []release.Release {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]release.Release(nil), n.sent...)
}
