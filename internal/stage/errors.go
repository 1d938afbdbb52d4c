package stage

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a release failure. Kinds are sentinels: compare them with
// errors.Is.
type Kind struct {
	name  string
	stage Stage
}

func (k *Kind) Error() string { return k.name + " error" }

// Name is the short label used in notifications and release history.
func (k *Kind) Name() string { return k.name }

// Stage is the pipeline stage that reports this kind. It is zero for kinds
// reported before any stage runs.
func (k *Kind) Stage() Stage { return k.stage }

var (
	// ErrConfig rejects a release before its first stage: unreadable
	// configuration, missing secrets or an unusable local engine.
	ErrConfig = &Kind{name: "config"}

	ErrBuild = &Kind{name: "build", stage: Build}

	ErrAuth = &Kind{name: "auth", stage: Publish}
	ErrPush = &Kind{name: "push", stage: Publish}

	ErrConnection = &Kind{name: "connection", stage: Provision}
	ErrLocked     = &Kind{name: "locked", stage: Provision}
	ErrTooling    = &Kind{name: "tooling", stage: Provision}
	ErrBundle     = &Kind{name: "bundle", stage: Provision}
	ErrTransfer   = &Kind{name: "transfer", stage: Provision}

	ErrCompose     = &Kind{name: "compose", stage: Release}
	ErrMigration   = &Kind{name: "migration", stage: Release}
	ErrAsset       = &Kind{name: "asset", stage: Release}
	ErrProxyConfig = &Kind{name: "proxy-config", stage: Release}
	ErrProxyReload = &Kind{name: "proxy-reload", stage: Release}
)

var kinds = []*Kind{
	ErrConfig,
	ErrBuild,
	ErrAuth, ErrPush,
	ErrConnection, ErrLocked, ErrTooling, ErrBundle, ErrTransfer,
	ErrCompose, ErrMigration, ErrAsset, ErrProxyConfig, ErrProxyReload,
}

// ParseKind returns the kind with the given name.
func ParseKind(name string) (*Kind, bool) {
	name = strings.TrimSpace(name)
	for _, k := range kinds {
		if k.name == name {
			return k, true
		}
	}
	return nil, false
}

// Error is a classified failure. It unwraps to both its Kind and the cause.
type Error struct {
	Kind *Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	if e.Err == nil {
		b.WriteString(e.Kind.Error())
		return b.String()
	}
	b.WriteString(e.Err.Error())
	return b.String()
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// New classifies err as kind. A nil err yields a bare kind error.
func New(kind *Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf classifies a formatted error as kind.
func Errorf(kind *Kind, format string, args ...any) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the outermost kind attached to err.
func KindOf(err error) (*Kind, bool) {
	if err == nil {
		return nil, false
	}
	var se *Error
	if errors.As(err, &se) && se.Kind != nil {
		return se.Kind, true
	}
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k, true
		}
	}
	return nil, false
}
