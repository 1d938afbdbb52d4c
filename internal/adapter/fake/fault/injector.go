// Package fault scripts failures into the fake adapters: one-shot errors,
// persistent errors and argument-aware hooks, keyed by injection point.
package fault

import (
	"fmt"
	"strings"
	"sync"

	"stevedore/internal/check"
)

// Point names a place where a fake consults the injector.
type Point string

const (
	BuildImage  Point = "images.build"
	PushImage   Point = "images.push"
	HostExec    Point = "host.exec"
	HostWrite   Point = "host.write_file"
	Notify      Point = "notifier.notify"
	SaveRelease Point = "store.save_release"
)

// Hook decides per call; args are the arguments the fake passes to Eval.
type Hook func(args ...any) error

type rule struct {
	once   []error
	always error
	hook   Hook
	hits   int
}

// Injector holds the faults for a set of fakes. A nil Injector injects
// nothing, so fakes work without one.
type Injector struct {
	mu    sync.Mutex
	rules map[Point]*rule
}

func New() *Injector {
	return &Injector{rules: make(map[Point]*rule)}
}

// FailOnce queues err for the next evaluation of p. Queued errors are
// consumed in order.
func (i *Injector) FailOnce(p Point, err error) {
	check.Assert(i != nil, "fault.Injector.FailOnce: receiver must not be nil")
	check.Assert(err != nil, "fault.Injector.FailOnce: err must not be nil")
	i.update(p, func(r *rule) { r.once = append(r.once, err) })
}

// FailAlways makes every evaluation of p fail with err.
func (i *Injector) FailAlways(p Point, err error) {
	check.Assert(i != nil, "fault.Injector.FailAlways: receiver must not be nil")
	check.Assert(err != nil, "fault.Injector.FailAlways: err must not be nil")
	i.update(p, func(r *rule) { r.always = err })
}

func (i *Injector) SetHook(p Point, hook Hook) {
	check.Assert(i != nil, "fault.Injector.SetHook: receiver must not be nil")
	check.Assert(hook != nil, "fault.Injector.SetHook: hook must not be nil")
	i.update(p, func(r *rule) { r.hook = hook })
}

// Clear removes every fault at p.
func (i *Injector) Clear(p Point) {
	check.Assert(i != nil, "fault.Injector.Clear: receiver must not be nil")
	i.mu.Lock()
	delete(i.rules, p)
	i.mu.Unlock()
}

func (i *Injector) Reset() {
	check.Assert(i != nil, "fault.Injector.Reset: receiver must not be nil")
	i.mu.Lock()
	i.rules = make(map[Point]*rule)
	i.mu.Unlock()
}

// Hits counts the injected failures at p.
func (i *Injector) Hits(p Point) int {
	if i == nil {
		return 0
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if r := i.rules[p]; r != nil {
		return r.hits
	}
	return 0
}

// Eval reports whether this call at p fails. The hook is consulted first,
// then queued one-shot errors, then the persistent error. Injected errors
// wrap the configured one, so errors.Is still matches it.
func (i *Injector) Eval(p Point, args ...any) error {
	if i == nil {
		return nil
	}
	check.Assert(strings.TrimSpace(string(p)) != "", "fault.Injector.Eval: point must not be empty")

	i.mu.Lock()
	r := i.rules[p]
	if r == nil {
		i.mu.Unlock()
		return nil
	}
	hook := r.hook
	var once error
	if len(r.once) > 0 {
		once, r.once = r.once[0], r.once[1:]
	}
	always := r.always
	i.mu.Unlock()

	var hookErr error
	if hook != nil {
		hookErr = hook(args...)
	}

	var err error
	switch {
	case hookErr != nil:
		err = fmt.Errorf("fault %s (hook): %w", p, hookErr)
	case once != nil:
		err = fmt.Errorf("fault %s (once): %w", p, once)
	case always != nil:
		err = fmt.Errorf("fault %s (always): %w", p, always)
	default:
		return nil
	}

	i.mu.Lock()
	if r := i.rules[p]; r != nil {
		r.hits++
	}
	i.mu.Unlock()
	return err
}

func (i *Injector) update(p Point, fn func(*rule)) {
	check.Assert(strings.TrimSpace(string(p)) != "", "fault.Injector: point must not be empty")
	i.mu.Lock()
	defer i.mu.Unlock()
	r, ok := i.rules[p]
	if !ok {
		r = &rule{}
		i.rules[p] = r
	}
	fn(r)
}
