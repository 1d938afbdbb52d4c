package ui

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"stevedore/internal/telemetry"
)

// TelemetryOutput turns release spans into progress output: a live
// checklist on a terminal, one line per state change otherwise.
type TelemetryOutput struct {
	provider *sdktrace.TracerProvider
	closeFn  func()
}

func NewTelemetryOutput(out io.Writer) *TelemetryOutput {
	var (
		report  func(stepSnapshot)
		closeFn = func() {}
	)
	if IsInteractive() {
		live := newLiveChecklist(out)
		report, closeFn = live.OnSnapshot, live.Close
	} else {
		report = newLineTelemetry(out).OnSnapshot
	}
	observer := newStepObserver(report, time.Now)
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(&stepSpanProcessor{observer: observer}))
	return &TelemetryOutput{provider: provider, closeFn: closeFn}
}

func (o *TelemetryOutput) Tracer(name string) trace.Tracer {
	return o.provider.Tracer(name)
}

func (o *TelemetryOutput) Close() {
	if o == nil {
		return
	}
	_ = o.provider.Shutdown(context.Background())
	o.closeFn()
}

// RenderPlan prints the planned steps as an indented, numbered list.
func RenderPlan(plan telemetry.Plan) string {
	var sb strings.Builder
	for i, parent := range plan.Children("") {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, Bold(parent.Title))
		for _, child := range plan.Children(parent.ID) {
			fmt.Fprintf(&sb, "   - %s %s\n", child.Title, Muted("("+child.ID+")"))
		}
	}
	return sb.String()
}

// lineTelemetry prints a step whenever its rendered line changes, so CI
// logs read top to bottom without cursor movement.
type lineTelemetry struct {
	out     io.Writer
	mu      sync.Mutex
	printed map[string]string
}

func newLineTelemetry(out io.Writer) *lineTelemetry {
	return &lineTelemetry{out: out, printed: make(map[string]string)}
}

func (l *lineTelemetry) OnSnapshot(snapshot stepSnapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, step := range snapshot.Steps {
		if step.Status == stepPending {
			continue
		}
		line := formatStepLine(step)
		if l.printed[step.ID] == line {
			continue
		}
		l.printed[step.ID] = line
		fmt.Fprintln(l.out, line)
	}
}

var statusMarks = map[stepStatus]string{
	stepPending: "[..]",
	stepRunning: "[->]",
	stepDone:    "[ok]",
	stepFailed:  "[x]",
}

func formatStepLine(step stepState) string {
	line := step.indent() + statusMarks[step.Status] + " " + step.Title
	if took := step.took(); took != "" {
		line += " in " + took
	}
	if step.Message != "" {
		line += " (" + step.Message + ")"
	}
	return line
}

type stepObserver struct {
	mu       sync.Mutex
	now      func() time.Time
	steps    map[string]stepState
	order    []string
	reporter func(stepSnapshot)
}

func newStepObserver(reporter func(stepSnapshot), now func() time.Time) *stepObserver {
	return &stepObserver{
		now:      now,
		steps:    make(map[string]stepState),
		reporter: reporter,
	}
}

func (o *stepObserver) onPlan(plan telemetry.Plan) {
	o.mu.Lock()
	defer o.mu.Unlock()

	for _, planned := range plan.Steps {
		step, exists := o.steps[planned.ID]
		if !exists {
			o.order = append(o.order, planned.ID)
			step = stepState{ID: planned.ID, Status: stepPending}
		}
		step.ParentID = planned.ParentID
		step.Title = plan.Title(planned.ID)
		o.steps[planned.ID] = step
	}
	o.emitLocked()
}

func (o *stepObserver) onStepStart(stepID string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	step := o.ensureStepLocked(stepID)
	step.Status = stepRunning
	step.Message = ""
	step.Started, step.Elapsed = o.now(), 0
	o.steps[step.ID] = step
	o.emitLocked()
}

func (o *stepObserver) onStepEnd(stepID string, failed bool, message string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	step := o.ensureStepLocked(stepID)
	if !step.Started.IsZero() {
		step.Elapsed = o.now().Sub(step.Started)
	}
	if failed {
		step.Status = stepFailed
		step.Message = firstLine(message)
	} else {
		step.Status = stepDone
		step.Message = ""
	}
	o.steps[step.ID] = step
	o.emitLocked()
}

// ensureStepLocked returns the step, appending unplanned ones at the end.
func (o *stepObserver) ensureStepLocked(stepID string) stepState {
	if step, exists := o.steps[stepID]; exists {
		return step
	}
	o.order = append(o.order, stepID)
	return stepState{ID: stepID, Title: stepID, Status: stepPending}
}

func (o *stepObserver) emitLocked() {
	if o.reporter == nil {
		return
	}

	children := make(map[string][]stepState, len(o.steps))
	for _, step := range o.steps {
		if step.ParentID != "" {
			children[step.ParentID] = append(children[step.ParentID], step)
		}
	}

	steps := make([]stepState, 0, len(o.order))
	for _, id := range o.order {
		step := o.steps[id]
		if summary := summarizeFanout(children[id]); summary != "" {
			switch {
			case step.Message == "":
				step.Message = summary
			case step.Status == stepFailed && !strings.Contains(step.Message, summary):
				step.Message = summary + "; " + step.Message
			}
		}
		steps = append(steps, step)
	}
	o.reporter(stepSnapshot{Steps: steps})
}

// summarizeFanout reports progress over several children; a parent with a
// single child gets no summary.
func summarizeFanout(children []stepState) string {
	total := len(children)
	if total < 2 {
		return ""
	}
	done, failed := 0, 0
	for _, child := range children {
		switch child.Status {
		case stepDone:
			done++
		case stepFailed:
			failed++
		}
	}
	if failed > 0 {
		return fmt.Sprintf("%d/%d done, %d failed", done, total, failed)
	}
	if done == 0 {
		return ""
	}
	return fmt.Sprintf("%d/%d done", done, total)
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i]) + " ..."
	}
	return s
}

// stepSpanProcessor feeds the observer: the root span carries the plan,
// every child span is one step.
type stepSpanProcessor struct {
	observer *stepObserver
}

func (p *stepSpanProcessor) OnStart(_ context.Context, span sdktrace.ReadWriteSpan) {
	if span.Parent().IsValid() {
		p.observer.onStepStart(span.Name())
		return
	}
	if plan, ok := telemetry.DecodePlan(span.Attributes()); ok {
		p.observer.onPlan(plan)
	}
}

func (p *stepSpanProcessor) OnEnd(span sdktrace.ReadOnlySpan) {
	if !span.Parent().IsValid() {
		return
	}
	status := span.Status()
	p.observer.onStepEnd(span.Name(), status.Code == codes.Error, status.Description)
}

func (p *stepSpanProcessor) Shutdown(context.Context) error   { return nil }
func (p *stepSpanProcessor) ForceFlush(context.Context) error { return nil }
