package release

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"stevedore/internal/check"
	"stevedore/internal/image"
	"stevedore/internal/provision"
	"stevedore/internal/stage"
	"stevedore/internal/telemetry"
)

// Top-level step ids are the stage names; provisioning sub-steps use these.
const (
	StepConnect  = "connect"
	StepTooling  = "tooling"
	StepTransfer = "transfer"
)

// LabelReleaseID is stamped on every image the pipeline builds.
const LabelReleaseID = "io.stevedore.release"

// Pipeline runs releases. Concurrent releases against one host are
// serialised by the host lock, not here.
type Pipeline struct {
	builder     image.Builder
	publisher   image.Publisher
	provisioner Provisioner
	controller  Controller
	notifier    Notifier
	store       Store
	clock       Clock
	tracer      trace.Tracer
	newID       func() string
	pin         bool
	log         *slog.Logger
}

type Option func(*Pipeline)

func WithNotifier(n Notifier) Option {
	return func(p *Pipeline) {
		check.Assert(n != nil, "WithNotifier: notifier must not be nil")
		p.notifier = n
	}
}

func WithStore(s Store) Option {
	return func(p *Pipeline) {
		check.Assert(s != nil, "WithStore: store must not be nil")
		p.store = s
	}
}

func WithClock(c Clock) Option {
	return func(p *Pipeline) {
		check.Assert(c != nil, "WithClock: clock must not be nil")
		p.clock = c
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(p *Pipeline) {
		check.Assert(t != nil, "WithTracer: tracer must not be nil")
		p.tracer = t
	}
}

// WithIDs replaces the release id generator.
func WithIDs(newID func() string) Option {
	return func(p *Pipeline) {
		check.Assert(newID != nil, "WithIDs: generator must not be nil")
		p.newID = newID
	}
}

// WithImagePinning controls whether compose images are rewritten to the
// release tags before transfer. It is on by default.
func WithImagePinning(on bool) Option {
	return func(p *Pipeline) { p.pin = on }
}

func New(builder image.Builder, publisher image.Publisher, provisioner Provisioner, ctrl Controller, opts ...Option) *Pipeline {
	check.NotNil(builder, "builder")
	check.NotNil(publisher, "publisher")
	check.NotNil(provisioner, "provisioner")
	check.NotNil(ctrl, "controller")

	p := &Pipeline{
		builder:     builder,
		publisher:   publisher,
		provisioner: provisioner,
		controller:  ctrl,
		clock:       systemClock{},
		tracer:      otel.Tracer("stevedore/release"),
		newID:       uuid.NewString,
		pin:         true,
		log:         slog.With("component", "release"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Steps returns the planned steps for req. The provisioned bundle directory
// is not known before connecting, so release tasks are listed with an empty
// directory; only their ids and titles matter here.
func (p *Pipeline) Steps(req Request) telemetry.Plan {
	var plan telemetry.Plan
	if !req.SkipBuild {
		plan.Add(stage.Build.String(), "", "build images")
		for _, b := range req.Builds {
			plan.Add(buildStep(b.Artifact), stage.Build.String(), "build "+b.Artifact.Reference())
		}
	}
	if !req.SkipPush {
		plan.Add(stage.Publish.String(), "", "publish images")
		for _, b := range req.Builds {
			plan.Add(pushStep(b.Artifact), stage.Publish.String(), "push "+b.Artifact.Reference())
		}
	}
	plan.Add(stage.Provision.String(), "", "provision host")
	plan.Add(StepConnect, stage.Provision.String(), "connect and lock host")
	plan.Add(StepTooling, stage.Provision.String(), "ensure runtime tooling")
	plan.Add(StepTransfer, stage.Provision.String(), "transfer deployment bundle")

	plan.Add(stage.Release.String(), "", "release")
	for _, task := range p.controller.Tasks("", req.Bundle) {
		plan.Add(task.ID, stage.Release.String(), task.Title)
	}
	return plan
}

// Run executes one release. The returned Release is final: Succeeded only
// when every stage succeeded. It is persisted and announced whatever the
// outcome, including a request rejected before the first stage; failing to
// do either is logged and never changes the outcome.
func (p *Pipeline) Run(ctx context.Context, req Request) (Release, error) {
	rel := Release{
		ID:        p.newID(),
		Trigger:   req.Trigger,
		Artifacts: req.Artifacts(),
		Host:      req.Host,
		Phase:     PhasePending,
		StartedAt: p.clock.Now().UTC(),
	}
	log := p.log.With("release", rel.ID)
	p.save(ctx, rel)

	runErr := req.Validate()
	if runErr == nil {
		runErr = p.execute(ctx, &rel, req, log)
	}

	rel.FinishedAt = p.clock.Now().UTC()
	if runErr != nil {
		rel.Phase = rel.Phase.Transition(PhaseFailed)
		if kind, ok := stage.KindOf(runErr); ok {
			rel.FailedStage = kind.Name()
		}
		rel.Error = strings.TrimSpace(runErr.Error())
		log.Error("Release failed.", "stage", rel.FailedStage, "err", runErr)
	} else {
		rel.Phase = rel.Phase.Transition(PhaseSucceeded)
		log.Info("Release succeeded.", "duration", rel.Duration())
	}

	// The record and the announcement must go out even if ctx was cancelled.
	final := context.WithoutCancel(ctx)
	p.save(final, rel)
	if p.notifier != nil {
		if err := p.notifier.Notify(final, rel); err != nil {
			log.Warn("Failed to send release notification.", "err", err)
		}
	}
	return rel, runErr
}

// execute traces the stages of a validated request.
func (p *Pipeline) execute(ctx context.Context, rel *Release, req Request, log *slog.Logger) error {
	op, err := telemetry.EmitPlan(ctx, p.tracer, "release", p.Steps(req),
		attribute.String(telemetry.ReleaseIDKey, rel.ID))
	if err != nil {
		return stage.New(stage.ErrConfig, "start telemetry", err)
	}
	log.Info("Release started.", "trigger", rel.Trigger.String(), "host", rel.Host)

	err = p.run(op, rel, req)
	op.End(err)
	return err
}

func (p *Pipeline) run(op *telemetry.Operation, rel *Release, req Request) error {
	ctx := op.Context()
	artifacts := req.Artifacts()

	if !req.SkipBuild {
		if err := p.enter(ctx, rel, stage.Build); err != nil {
			return err
		}
		err := op.RunStep(ctx, stage.Build.String(), func(ctx context.Context) error {
			for _, b := range req.Builds {
				b.Labels = withLabel(b.Labels, LabelReleaseID, rel.ID)
				if err := op.RunStep(ctx, buildStep(b.Artifact), func(ctx context.Context) error {
					return p.builder.Build(ctx, b)
				}); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return classify(stage.Build, err)
		}
	}

	if !req.SkipPush {
		if err := p.enter(ctx, rel, stage.Publish); err != nil {
			return err
		}
		err := op.RunStep(ctx, stage.Publish.String(), func(ctx context.Context) error {
			for _, a := range artifacts {
				if err := op.RunStep(ctx, pushStep(a), func(ctx context.Context) error {
					return p.publisher.Push(ctx, a, req.Credentials)
				}); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return classify(stage.Publish, err)
		}
	}

	if err := p.enter(ctx, rel, stage.Provision); err != nil {
		return err
	}
	var target *provision.Target
	defer func() {
		if target == nil {
			return
		}
		if closeErr := target.Close(context.WithoutCancel(ctx)); closeErr != nil {
			p.log.Warn("Failed to release host.", "release", rel.ID, "err", closeErr)
		}
	}()

	b := req.Bundle
	err := op.RunStep(ctx, stage.Provision.String(), func(ctx context.Context) error {
		if err := op.RunStep(ctx, StepConnect, func(ctx context.Context) error {
			t, err := p.provisioner.Connect(ctx, rel.ID)
			if err != nil {
				return err
			}
			target = t
			rel.Host = t.Host().Address()
			return nil
		}); err != nil {
			return err
		}
		if err := op.RunStep(ctx, StepTooling, target.EnsureTooling); err != nil {
			return err
		}
		return op.RunStep(ctx, StepTransfer, func(ctx context.Context) error {
			if p.pin {
				pinned, services, err := b.Pin(artifacts)
				if err != nil {
					return stage.New(stage.ErrBundle, "pin images", err)
				}
				if len(services) < len(artifacts) {
					p.log.Warn("Not every release image matched a compose service.",
						"pinned", strings.Join(services, ","), "images", len(artifacts))
				}
				b = pinned
			}
			return target.Transfer(ctx, b)
		})
	})
	if err != nil {
		return classify(stage.Provision, err)
	}

	if err := p.enter(ctx, rel, stage.Release); err != nil {
		return err
	}
	err = op.RunStep(ctx, stage.Release.String(), func(ctx context.Context) error {
		for _, task := range p.controller.Tasks(target.Dir(), b) {
			if err := op.RunStep(ctx, task.ID, func(ctx context.Context) error {
				return task.Run(ctx, target.Host())
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return classify(stage.Release, err)
	}
	return nil
}

// enter moves the release into the phase of s and records it.
func (p *Pipeline) enter(ctx context.Context, rel *Release, s stage.Stage) error {
	if err := ctx.Err(); err != nil {
		return classify(s, err)
	}
	rel.Phase = rel.Phase.Transition(PhaseOf(s))
	p.save(ctx, *rel)
	p.log.Debug("Stage started.", "release", rel.ID, "stage", s)
	return nil
}

func (p *Pipeline) save(ctx context.Context, rel Release) {
	if p.store == nil {
		return
	}
	if err := p.store.SaveRelease(ctx, rel); err != nil {
		p.log.Warn("Failed to record release.", "release", rel.ID, "err", err)
	}
}

// classify gives unclassified errors the default kind of the stage that
// raised them.
func classify(s stage.Stage, err error) error {
	if _, ok := stage.KindOf(err); ok {
		return err
	}
	var kind *stage.Kind
	switch s {
	case stage.Build:
		kind = stage.ErrBuild
	case stage.Publish:
		kind = stage.ErrPush
	case stage.Provision:
		kind = stage.ErrConnection
	default:
		kind = stage.ErrCompose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return stage.New(kind, s.String()+" interrupted", err)
	}
	return stage.New(kind, s.String(), err)
}

// withLabel copies labels and sets key, leaving the caller's map untouched.
func withLabel(labels map[string]string, key, value string) map[string]string {
	out := make(map[string]string, len(labels)+1)
	maps.Copy(out, labels)
	out[key] = value
	return out
}

func buildStep(a image.Artifact) string { return "build-" + string(a.Role) }

func pushStep(a image.Artifact) string { return "push-" + string(a.Role) }
