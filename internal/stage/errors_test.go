package stage

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestErrorMatchesKindAndCause(t *testing.T) {
	cause := errors.New("exit status 1")
	err := fmt.Errorf("release step: %w", New(ErrMigration, "migrate", cause))

	if !errors.Is(err, ErrMigration) {
		t.Fatal("errors.Is(err, ErrMigration) = false")
	}
	if !errors.Is(err, cause) {
		t.Fatal("errors.Is(err, cause) = false")
	}
	if errors.Is(err, ErrAsset) {
		t.Fatal("errors.Is(err, ErrAsset) = true")
	}
	if got, want := err.Error(), "release step: migrate: exit status 1"; got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want *Kind
	}{
		{name: "direct", err: New(ErrPush, "push", errors.New("eof")), want: ErrPush},
		{name: "wrapped", err: fmt.Errorf("outer: %w", Errorf(ErrProxyConfig, "nginx -t failed")), want: ErrProxyConfig},
		{name: "bare sentinel", err: fmt.Errorf("x: %w", ErrLocked), want: ErrLocked},
		{name: "unclassified", err: context.Canceled, want: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := KindOf(tt.err)
			if tt.want == nil {
				if ok {
					t.Fatalf("KindOf() = %v, want none", got)
				}
				return
			}
			if !ok || got != tt.want {
				t.Fatalf("KindOf() = %v, %v; want %v", got, ok, tt.want)
			}
		})
	}
}

func TestKindStageMapping(t *testing.T) {
	tests := []struct {
		kind *Kind
		want Stage
	}{
		{ErrConfig, 0},
		{ErrBuild, Build},
		{ErrAuth, Publish},
		{ErrPush, Publish},
		{ErrConnection, Provision},
		{ErrTransfer, Provision},
		{ErrMigration, Release},
		{ErrAsset, Release},
		{ErrProxyConfig, Release},
	}
	for _, tt := range tests {
		if got := tt.kind.Stage(); got != tt.want {
			t.Fatalf("%s.Stage() = %s, want %s", tt.kind.Name(), got, tt.want)
		}
	}
}

func TestParseKindRoundTrip(t *testing.T) {
	for _, k := range kinds {
		got, ok := ParseKind(k.Name())
		if !ok || got != k {
			t.Fatalf("ParseKind(%q) = %v, %v", k.Name(), got, ok)
		}
	}
	if _, ok := ParseKind("nope"); ok {
		t.Fatal("ParseKind(nope) ok = true")
	}
}
