package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"stevedore/internal/image"
	"stevedore/internal/release"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "state", "releases.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func testRelease(id string, started time.Time) release.Release {
	return release.Release{
		ID:      id,
		Trigger: release.Trigger{Event: release.EventPush, Ref: "refs/heads/main", Commit: "0123456789abcdef", RunID: "42"},
		Artifacts: []image.Artifact{
			{Role: image.RoleFrontend, Namespace: "chef", Name: "foodgram_frontend", Tag: "v1"},
			{Role: image.RoleBackend, Namespace: "chef", Name: "foodgram_backend", Tag: "v1"},
		},
		Host:      "203.0.113.7:22",
		Phase:     release.PhasePending,
		StartedAt: started,
	}
}

func TestReleaseStore_SaveAndGet(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	r := testRelease("7f0c2d7e-0000-4000-8000-000000000001", started)
	if err := store.SaveRelease(ctx, r); err != nil {
		t.Fatalf("SaveRelease: %v", err)
	}

	r.Phase = release.PhaseFailed
	r.FailedStage = "migration"
	r.Error = "migrate: exit status 1"
	r.FinishedAt = started.Add(90 * time.Second)
	if err := store.SaveRelease(ctx, r); err != nil {
		t.Fatalf("SaveRelease (update): %v", err)
	}

	got, found, err := store.GetRelease(ctx, r.ID)
	if err != nil {
		t.Fatalf("GetRelease: %v", err)
	}
	if !found {
		t.Fatal("GetRelease returned found=false for saved release")
	}
	if got.Phase != release.PhaseFailed {
		t.Errorf("Phase: got %s, want failed", got.Phase)
	}
	if got.FailedStage != "migration" || got.Error != r.Error {
		t.Errorf("failure: got %q %q", got.FailedStage, got.Error)
	}
	if got.Trigger != r.Trigger {
		t.Errorf("Trigger: got %+v, want %+v", got.Trigger, r.Trigger)
	}
	if len(got.Artifacts) != 2 || got.Artifacts[1] != r.Artifacts[1] {
		t.Errorf("Artifacts: got %+v", got.Artifacts)
	}
	if !got.StartedAt.Equal(started) || got.Duration() != 90*time.Second {
		t.Errorf("times: started %v, duration %v", got.StartedAt, got.Duration())
	}
}

func TestReleaseStore_GetByPrefix(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for _, id := range []string{"abc123", "abd456", "abc999"} {
		if err := store.SaveRelease(ctx, testRelease(id, now)); err != nil {
			t.Fatal(err)
		}
	}

	got, found, err := store.GetRelease(ctx, "abd")
	if err != nil || !found || got.ID != "abd456" {
		t.Fatalf("GetRelease(abd) = %q, %v, %v", got.ID, found, err)
	}
	if _, _, err := store.GetRelease(ctx, "abc"); !errors.Is(err, ErrAmbiguous) {
		t.Fatalf("GetRelease(abc) error = %v, want ErrAmbiguous", err)
	}
	got, found, err = store.GetRelease(ctx, "abc123")
	if err != nil || !found || got.ID != "abc123" {
		t.Fatalf("GetRelease(abc123) = %q, %v, %v", got.ID, found, err)
	}
	if _, found, err := store.GetRelease(ctx, "zzz"); err != nil || found {
		t.Fatalf("GetRelease(zzz) = %v, %v", found, err)
	}
	if _, found, err := store.GetRelease(ctx, "%"); err != nil || found {
		t.Fatalf("GetRelease(%%) = %v, %v; wildcard must be literal", found, err)
	}
}

func TestReleaseStore_ListNewestFirst(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	ids := []string{"first", "second", "third"}
	for i, id := range ids {
		started := base.Add(time.Duration(i) * 500 * time.Millisecond)
		if err := store.SaveRelease(ctx, testRelease(id, started)); err != nil {
			t.Fatal(err)
		}
	}

	all, err := store.ListReleases(ctx, 0)
	if err != nil {
		t.Fatalf("ListReleases: %v", err)
	}
	if len(all) != 3 || all[0].ID != "third" || all[2].ID != "first" {
		t.Fatalf("ListReleases order = %v", releaseIDs(all))
	}

	limited, err := store.ListReleases(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 2 || limited[0].ID != "third" {
		t.Fatalf("ListReleases(2) = %v", releaseIDs(limited))
	}
}

func TestReleaseStore_EmptyList(t *testing.T) {
	store := openTestStore(t)
	got, err := store.ListReleases(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || len(got) != 0 {
		t.Fatalf("ListReleases on empty store = %#v", got)
	}
}

func releaseIDs(rs []release.Release) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.ID
	}
	return out
}
