package release_test

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"stevedore/internal/adapter/fake"
	"stevedore/internal/adapter/fake/fault"
	"stevedore/internal/bundle"
	"stevedore/internal/controller"
	"stevedore/internal/image"
	"stevedore/internal/provision"
	"stevedore/internal/release"
	"stevedore/internal/remote"
	"stevedore/internal/stage"
)

const (
	hostDir     = "/opt/foodgram"
	composeBase = "docker compose -f /opt/foodgram/docker-compose.yml --project-directory /opt/foodgram -p foodgram"
	migrateCmd  = composeBase + " exec -T backend python manage.py migrate"
	collectCmd  = composeBase + " exec -T backend python manage.py collectstatic"
	exportCmd   = composeBase + " exec -T backend cp"
)

const testCompose = `services:
  backend:
    image: chef/foodgram_backend:latest
  frontend:
    image: chef/foodgram_frontend:latest
`

type harness struct {
	images   *fake.Images
	host     *fake.Host
	notifier *fake.Notifier
	store    *fake.ReleaseStore
	spans    *tracetest.SpanRecorder
	dials    int
	pipeline *release.Pipeline
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		images:   fake.NewImages(),
		host:     fake.NewHost("203.0.113.7:22"),
		notifier: &fake.Notifier{},
		store:    fake.NewReleaseStore(),
		spans:    tracetest.NewSpanRecorder(),
	}
	prov := provision.New(remote.Config{Address: "203.0.113.7", User: "deploy"},
		provision.WithDir(hostDir),
		provision.WithDial(func(context.Context, remote.Config) (remote.Host, error) {
			h.dials++
			return h.host, nil
		}))
	clock := fake.NewClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	clock.Step = time.Second

	ids := 0
	h.pipeline = release.New(h.images, h.images, prov, controller.New(controller.Config{Wait: true}),
		release.WithNotifier(h.notifier),
		release.WithStore(h.store),
		release.WithClock(clock),
		release.WithTracer(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(h.spans)).Tracer("test")),
		release.WithIDs(func() string {
			ids++
			return "rel-" + string(rune('0'+ids))
		}),
	)
	return h
}

func request() release.Request {
	return release.Request{
		Trigger: release.Trigger{Event: release.EventPush, Ref: "refs/heads/main", Commit: "0123456789abcdef"},
		Host:    "203.0.113.7",
		Builds: []image.BuildRequest{
			{Artifact: image.Artifact{Role: image.RoleFrontend, Namespace: "chef", Name: "foodgram_frontend", Tag: "v1"}, ContextDir: "frontend"},
			{Artifact: image.Artifact{Role: image.RoleBackend, Namespace: "chef", Name: "foodgram_backend", Tag: "v1"}, ContextDir: "backend"},
		},
		Bundle: bundle.Bundle{
			Project:        "foodgram",
			BackendService: "backend",
			Compose:        bundle.File{Name: "docker-compose.yml", Data: []byte(testCompose), Mode: 0o644},
			Env:            bundle.File{Name: bundle.EnvFileName, Data: []byte("SECRET_KEY=x\n"), Mode: 0o600},
			Proxy:          bundle.File{Name: "foodgram.conf", Data: []byte("server { listen 80; }\n"), Mode: 0o644},
		},
		Credentials: image.Credentials{Username: "chef", Password: "token"},
	}
}

func indexOf(cmds []string, prefix string) int {
	for i, c := range cmds {
		if strings.HasPrefix(c, prefix) {
			return i
		}
	}
	return -1
}

func TestRunSuccess(t *testing.T) {
	h := newHarness(t)

	rel, err := h.pipeline.Run(context.Background(), request())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if rel.Phase != release.PhaseSucceeded || !rel.Succeeded() {
		t.Fatalf("phase = %s, want succeeded", rel.Phase)
	}
	if rel.FailedStage != "" || rel.Error != "" {
		t.Errorf("failure fields set on success: %q %q", rel.FailedStage, rel.Error)
	}
	if rel.Host != "203.0.113.7:22" {
		t.Errorf("host = %q", rel.Host)
	}
	if rel.Duration() <= 0 {
		t.Errorf("duration = %v", rel.Duration())
	}

	if got, want := h.images.Methods(), []string{"Build", "Build", "Push", "Push"}; !slices.Equal(got, want) {
		t.Errorf("image calls = %v, want every build before any push", got)
	}
	for _, c := range h.images.Calls("Build") {
		req := c.Args[0].(image.BuildRequest)
		if req.Labels[release.LabelReleaseID] != rel.ID {
			t.Errorf("%s labels = %v, want release id", req.Artifact.Reference(), req.Labels)
		}
	}
	if h.host.Count("Close") != 1 {
		t.Errorf("host closed %d times", h.host.Count("Close"))
	}

	registry := h.images.Registry()
	for _, ref := range []string{"chef/foodgram_frontend:v1", "chef/foodgram_backend:v1"} {
		if _, ok := registry[ref]; !ok {
			t.Errorf("%s not pushed", ref)
		}
	}

	cmds := h.host.Commands()
	order := []string{
		composeBase + " pull",
		composeBase + " up -d --wait --remove-orphans",
		migrateCmd,
		collectCmd,
		exportCmd,
		"nginx -t",
		"systemctl reload nginx",
	}
	last := -1
	for _, prefix := range order {
		i := indexOf(cmds, prefix)
		if i <= last {
			t.Fatalf("%q out of order in %v", prefix, cmds)
		}
		last = i
	}

	compose, _ := h.host.File(hostDir + "/docker-compose.yml")
	if !strings.Contains(string(compose), "chef/foodgram_backend:v1") || strings.Contains(string(compose), ":latest") {
		t.Errorf("compose on host not pinned to release tags:\n%s", compose)
	}
	if h.host.HasDir(hostDir + "/.stevedore.lock") {
		t.Error("host lock not released")
	}

	want := []release.Phase{
		release.PhasePending, release.PhaseBuilding, release.PhasePublishing,
		release.PhaseProvisioning, release.PhaseReleasing, release.PhaseSucceeded,
	}
	if got := h.store.Phases(rel.ID); !equalPhases(got, want) {
		t.Errorf("recorded phases = %v, want %v", got, want)
	}

	sent := h.notifier.Sent()
	if len(sent) != 1 || sent[0].Phase != release.PhaseSucceeded {
		t.Fatalf("notifications = %+v", sent)
	}

	names := map[string]bool{}
	for _, s := range h.spans.Ended() {
		names[s.Name()] = true
	}
	for _, id := range []string{"release", "build", "build-backend", "push-frontend", "connect", "tooling", "transfer", controller.TaskMigrate, controller.TaskProxyReload} {
		if !names[id] {
			t.Errorf("missing span %q", id)
		}
	}
}

func TestRunMigrationFailure(t *testing.T) {
	h := newHarness(t)
	h.host.Fail(migrateCmd, 1, "django.db.utils.OperationalError: could not connect to server")

	rel, err := h.pipeline.Run(context.Background(), request())
	if !errors.Is(err, stage.ErrMigration) {
		t.Fatalf("Run() error = %v, want ErrMigration", err)
	}
	if rel.Phase != release.PhaseFailed || rel.FailedStage != "migration" {
		t.Fatalf("release = %s/%q, want failed/migration", rel.Phase, rel.FailedStage)
	}
	for _, prefix := range []string{collectCmd, exportCmd, "nginx -t", "systemctl reload"} {
		if h.host.Ran(prefix) {
			t.Errorf("%q ran after the migration failed", prefix)
		}
	}

	sent := h.notifier.Sent()
	if len(sent) != 1 {
		t.Fatalf("notifications = %d, want 1", len(sent))
	}
	if sent[0].FailedStage != "migration" || !strings.Contains(sent[0].Error, "OperationalError") {
		t.Errorf("notification = %+v", sent[0])
	}
	if stored, _ := h.store.Get(rel.ID); stored.Phase != release.PhaseFailed {
		t.Errorf("stored phase = %s", stored.Phase)
	}
	if h.host.HasDir(hostDir + "/.stevedore.lock") {
		t.Error("host lock not released after failure")
	}
}

func TestRunShortCircuits(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(h *harness)
		want   *stage.Kind
		pushed bool
		dialed bool
		ran    []string
		notRan []string
	}{
		{
			name: "build",
			setup: func(h *harness) {
				h.images.BuildErr = func(context.Context, image.BuildRequest) error {
					return stage.Errorf(stage.ErrBuild, "missing build context")
				}
			},
			want: stage.ErrBuild,
		},
		{
			name:  "auth",
			setup: func(h *harness) { h.images.Username = "someone-else" },
			want:  stage.ErrAuth,
		},
		{
			name: "push",
			setup: func(h *harness) {
				h.images.PushErr = func(context.Context, image.Artifact) error { return errors.New("i/o timeout") }
			},
			want: stage.ErrPush,
		},
		{
			name: "tooling",
			setup: func(h *harness) {
				h.host.Fail("docker compose version", 1, "not a docker command")
			},
			want:   stage.ErrTooling,
			pushed: true,
			dialed: true,
			notRan: []string{composeBase},
		},
		{
			name: "compose",
			setup: func(h *harness) {
				h.host.Fail(composeBase+" up", 1, "container foodgram-backend-1 is unhealthy")
			},
			want:   stage.ErrCompose,
			pushed: true,
			dialed: true,
			notRan: []string{migrateCmd, "nginx -t"},
		},
		{
			name: "proxy config",
			setup: func(h *harness) {
				h.host.Fail("nginx -t", 1, "nginx: [emerg] unknown directive")
			},
			want:   stage.ErrProxyConfig,
			pushed: true,
			dialed: true,
			ran:    []string{exportCmd},
			notRan: []string{"systemctl reload"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			tt.setup(h)

			rel, err := h.pipeline.Run(context.Background(), request())
			if !errors.Is(err, tt.want) {
				t.Fatalf("Run() error = %v, want %v", err, tt.want)
			}
			if rel.Phase != release.PhaseFailed || rel.FailedStage != tt.want.Name() {
				t.Errorf("release = %s/%q, want failed/%q", rel.Phase, rel.FailedStage, tt.want.Name())
			}
			if got := len(h.images.Registry()) > 0; got != tt.pushed {
				t.Errorf("pushed = %v, want %v", got, tt.pushed)
			}
			if got := h.dials > 0; got != tt.dialed {
				t.Errorf("dialed = %v, want %v", got, tt.dialed)
			}
			for _, prefix := range tt.ran {
				if !h.host.Ran(prefix) {
					t.Errorf("%q did not run", prefix)
				}
			}
			for _, prefix := range tt.notRan {
				if h.host.Ran(prefix) {
					t.Errorf("%q ran after the failure", prefix)
				}
			}
			if len(h.notifier.Sent()) != 1 {
				t.Errorf("notifications = %d, want 1", len(h.notifier.Sent()))
			}
		})
	}
}

func TestRunFailsFastWhenHostLocked(t *testing.T) {
	h := newHarness(t)
	h.host.SetFile(hostDir+"/.stevedore.lock/owner.json", []byte(`{"release_id":"rel-other"}`))

	rel, err := h.pipeline.Run(context.Background(), request())
	if !errors.Is(err, stage.ErrLocked) {
		t.Fatalf("Run() error = %v, want ErrLocked", err)
	}
	if rel.FailedStage != "locked" || !strings.Contains(rel.Error, "rel-other") {
		t.Errorf("release = %q %q", rel.FailedStage, rel.Error)
	}
	if len(h.host.Commands()) != 0 {
		t.Errorf("commands ran on a locked host: %v", h.host.Commands())
	}
	if _, ok := h.host.File(hostDir + "/.stevedore.lock/owner.json"); !ok {
		t.Error("another release's lock was removed")
	}
}

func TestRepeatedReleasesLeaveRegistryUnchanged(t *testing.T) {
	h := newHarness(t)

	if _, err := h.pipeline.Run(context.Background(), request()); err != nil {
		t.Fatalf("first Run() error = %v", err)
	}
	once := h.images.Registry()

	for range 3 {
		if _, err := h.pipeline.Run(context.Background(), request()); err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	}
	again := h.images.Registry()
	if len(again) != len(once) {
		t.Fatalf("registry size = %d, want %d", len(again), len(once))
	}
	for ref, id := range once {
		if again[ref] != id {
			t.Errorf("%s = %s, want %s", ref, again[ref], id)
		}
	}
}

func TestNotificationFailureDoesNotChangeOutcome(t *testing.T) {
	h := newHarness(t)
	h.notifier.NotifyErr = func(context.Context, release.Release) error { return errors.New("telegram unreachable") }
	h.store.SaveReleaseErr = func(context.Context, release.Release) error { return errors.New("disk full") }

	rel, err := h.pipeline.Run(context.Background(), request())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if rel.Phase != release.PhaseSucceeded {
		t.Fatalf("phase = %s", rel.Phase)
	}
}

func TestTransientPushFailureRecoversOnRerun(t *testing.T) {
	h := newHarness(t)
	faults := fault.New()
	h.images.Faults = faults
	h.host.Faults = faults
	faults.FailOnce(fault.PushImage, errors.New("registry returned 503"))

	rel, err := h.pipeline.Run(context.Background(), request())
	if !errors.Is(err, stage.ErrPush) {
		t.Fatalf("first Run() error = %v, want ErrPush", err)
	}
	if rel.Phase != release.PhaseFailed || rel.FailedStage != stage.ErrPush.Name() {
		t.Fatalf("release = %s %q", rel.Phase, rel.FailedStage)
	}
	if h.dials != 0 {
		t.Fatal("host was contacted after a failed push")
	}

	rel, err = h.pipeline.Run(context.Background(), request())
	if err != nil {
		t.Fatalf("second Run() error = %v", err)
	}
	if rel.Phase != release.PhaseSucceeded {
		t.Fatalf("phase = %s", rel.Phase)
	}
	if faults.Hits(fault.PushImage) != 1 {
		t.Errorf("push faults = %d, want 1", faults.Hits(fault.PushImage))
	}
}

func TestHostWriteFailureReleasesLock(t *testing.T) {
	h := newHarness(t)
	faults := fault.New()
	h.host.Faults = faults
	faults.SetHook(fault.HostWrite, func(args ...any) error {
		if p, _ := args[0].(string); strings.HasSuffix(p, "/foodgram.conf") {
			return errors.New("no space left on device")
		}
		return nil
	})

	rel, err := h.pipeline.Run(context.Background(), request())
	if !errors.Is(err, stage.ErrTransfer) || rel.Phase != release.PhaseFailed {
		t.Fatalf("Run() = %s, %v; want transfer failure", rel.Phase, err)
	}
	if _, ok := h.host.File(hostDir + "/foodgram.conf"); ok {
		t.Error("proxy config committed despite the failed upload")
	}
	if _, ok := h.host.File(hostDir + "/.stevedore.lock/owner.json"); ok {
		t.Error("lock left behind after a failed transfer")
	}
	for _, cmd := range h.host.Commands() {
		if strings.HasPrefix(cmd, migrateCmd) {
			t.Fatalf("migrations ran after a failed transfer: %v", h.host.Commands())
		}
	}
}

func TestRunSkipBuildAndPush(t *testing.T) {
	h := newHarness(t)
	req := request()
	req.SkipBuild = true
	req.SkipPush = true

	rel, err := h.pipeline.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(h.images.Calls("")) != 0 {
		t.Errorf("image calls = %v", h.images.Calls(""))
	}
	want := []release.Phase{release.PhasePending, release.PhaseProvisioning, release.PhaseReleasing, release.PhaseSucceeded}
	if got := h.store.Phases(rel.ID); !equalPhases(got, want) {
		t.Errorf("recorded phases = %v, want %v", got, want)
	}
}

func TestRunRejectsInvalidRequest(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*release.Request)
		kind   *stage.Kind
	}{
		{name: "missing tag", mutate: func(r *release.Request) { r.Builds[1].Artifact.Tag = "" }, kind: stage.ErrConfig},
		{name: "no images", mutate: func(r *release.Request) { r.Builds = nil }, kind: stage.ErrConfig},
		{name: "empty compose", mutate: func(r *release.Request) { r.Bundle.Compose.Data = nil }, kind: stage.ErrBundle},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			req := request()
			tt.mutate(&req)

			rel, err := h.pipeline.Run(context.Background(), req)
			if !errors.Is(err, tt.kind) {
				t.Fatalf("Run() error = %v, want %s", err, tt.kind.Name())
			}
			if len(h.images.Calls("")) != 0 || h.dials != 0 {
				t.Error("invalid request reached a stage")
			}
			if rel.Phase != release.PhaseFailed || rel.FailedStage != tt.kind.Name() {
				t.Fatalf("release = %s at %q, want failed at %q", rel.Phase, rel.FailedStage, tt.kind.Name())
			}
			sent := h.notifier.Sent()
			if len(sent) != 1 || sent[0].FailedStage != tt.kind.Name() {
				t.Fatalf("notifications = %+v, want one naming %s", sent, tt.kind.Name())
			}
			stored, ok := h.store.Get(rel.ID)
			if !ok || stored.Phase != release.PhaseFailed {
				t.Fatalf("stored release = %+v, %v", stored, ok)
			}
			if got := h.store.Phases(rel.ID); !slices.Equal(got, []release.Phase{release.PhasePending, release.PhaseFailed}) {
				t.Errorf("phases = %v", got)
			}
		})
	}
}

func TestRejected(t *testing.T) {
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	trigger := release.Trigger{Event: release.EventPush, Ref: "refs/heads/main"}

	rel := release.Rejected("rel-x", trigger, "203.0.113.7", started, started.Add(time.Second), errors.New("HOST is not set"))
	if rel.Phase != release.PhaseFailed || rel.FailedStage != "config" || rel.Error != "HOST is not set" {
		t.Fatalf("Rejected() = %+v", rel)
	}
	if rel.Duration() != time.Second {
		t.Errorf("duration = %v", rel.Duration())
	}

	rel = release.Rejected("rel-y", trigger, "", started, started, stage.New(stage.ErrBundle, "load bundle", errors.New("no such file")))
	if rel.FailedStage != "bundle" {
		t.Errorf("FailedStage = %q, want bundle", rel.FailedStage)
	}
}

func TestRunCancelled(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	h.images.BuildErr = func(context.Context, image.BuildRequest) error {
		cancel()
		return nil
	}

	rel, err := h.pipeline.Run(ctx, request())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
	if rel.Phase != release.PhaseFailed {
		t.Fatalf("phase = %s", rel.Phase)
	}
	if len(h.notifier.Sent()) != 1 {
		t.Error("cancelled release was not announced")
	}
}

func TestSteps(t *testing.T) {
	h := newHarness(t)
	plan := h.pipeline.Steps(request())

	var top []string
	for _, s := range plan.Children("") {
		top = append(top, s.ID)
	}
	if strings.Join(top, ",") != "build,publish,provision,release" {
		t.Fatalf("top-level steps = %v", top)
	}
	if len(plan.Children("release")) != 6 {
		t.Errorf("release steps = %d, want 6", len(plan.Children("release")))
	}
	if err := plan.Validate(); err != nil {
		t.Fatal(err)
	}

	req := request()
	req.SkipBuild = true
	if strings.HasPrefix(h.pipeline.Steps(req).Steps[0].ID, "build") {
		t.Error("skipped build still planned")
	}
}

func equalPhases(a, b []release.Phase) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
