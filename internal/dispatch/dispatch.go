// Package dispatch is the outward-facing tool call contract. A Dispatcher
// looks a tool up in the published registry, validates the arguments,
// bounds concurrency and time, runs the handler and translates every failure
// into the local error taxonomy before it reaches the caller.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/semaphore"

	"github.com/54b3r/ragkit-go/internal/analysis"
	"github.com/54b3r/ragkit-go/internal/config"
	"github.com/54b3r/ragkit-go/internal/logging"
	"github.com/54b3r/ragkit-go/internal/rag"
	"github.com/54b3r/ragkit-go/internal/store"
	"github.com/54b3r/ragkit-go/internal/toolerr"
	"github.com/54b3r/ragkit-go/internal/tools"
)

// State is a step in the life of one call.
type State string

const (
	StateReceived   State = "received"
	StateValidated  State = "validated"
	StateCacheCheck State = "cache_check"
	StateExecuting  State = "executing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

// Result status values.
const (
	StatusOK        = tools.StatusOK
	StatusNoContext = tools.StatusNoContext
	StatusError     = "error"
)

// maxJournalArgs bounds the argument JSON kept per journal entry.
const maxJournalArgs = 2048

// Result is the outcome of a call that reached a terminal state without a
// failure: either a completed output or a no-context result.
type Result struct {
	Tool   string `json:"tool"`
	Status string `json:"status"`

	// Kind is set to NoContext for a no-context result.
	Kind    toolerr.Kind `json:"kind,omitempty"`
	Message string       `json:"message,omitempty"`

	// Output conforms to the tool's output schema when Status is ok.
	Output any `json:"output,omitempty"`

	// States lists the states the call passed through, in order.
	States []State `json:"-"`

	SnapshotVersion uint64        `json:"snapshot_version"`
	Duration        time.Duration `json:"-"`
}

// SnapshotSource supplies the active configuration snapshot.
type SnapshotSource interface {
	Current() config.Snapshot
}

// Recorder journals completed calls.
type Recorder interface {
	Record(ctx context.Context, e store.Entry) error
}

// Dispatcher routes tool calls. It is safe for concurrent use; unrelated
// calls never contend on a shared lock.
type Dispatcher struct {
	registry  atomic.Pointer[tools.Registry]
	snapshots SnapshotSource
	slots     *semaphore.Weighted
	metrics   *metrics
	journal   Recorder
	now       func() time.Time
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithRegisterer registers the dispatcher metrics against reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(d *Dispatcher) { d.metrics = newMetrics(reg) }
}

// WithJournal records every call to r.
func WithJournal(r Recorder) Option {
	return func(d *Dispatcher) { d.journal = r }
}

// New returns a Dispatcher serving reg. The concurrency bound is read from
// the snapshot current at construction.
func New(reg *tools.Registry, snapshots SnapshotSource, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		snapshots: snapshots,
		slots:     semaphore.NewWeighted(int64(max(snapshots.Current().Dispatch.MaxConcurrent, 1))),
		now:       time.Now,
	}
	d.registry.Store(reg)
	for _, opt := range opts {
		opt(d)
	}
	if d.metrics == nil {
		d.metrics = newMetrics(prometheus.NewRegistry())
	}
	return d
}

// Registry returns the published registry.
func (d *Dispatcher) Registry() *tools.Registry { return d.registry.Load() }

// SetRegistry publishes reg. Calls already running keep the registry they
// started with.
func (d *Dispatcher) SetRegistry(reg *tools.Registry) { d.registry.Store(reg) }

// Call runs tool name with args. A non-nil error is always a *toolerr.Error.
// A retrieval that produced no usable context is not an error: it returns a
// Result with Status no_context.
func (d *Dispatcher) Call(ctx context.Context, name string, args map[string]any) (*Result, error) {
	start := d.now()
	snap := d.snapshots.Current()
	res := &Result{Tool: name, States: []State{StateReceived}, SnapshotVersion: snap.Version}

	ctx, cancel := context.WithTimeout(ctx, snap.Dispatch.CallTimeout)
	defer cancel()

	out, err := d.run(ctx, name, args, snap, res)
	res.Duration = d.now().Sub(start)

	te := classify(ctx, err, snap.Dispatch.CallTimeout)
	switch {
	case te == nil:
		res.Status = StatusOK
		res.Output = out
		res.States = append(res.States, StateCompleted)
	case te.Kind == toolerr.KindNoContext:
		res.Status = StatusNoContext
		res.Kind = te.Kind
		res.Message = te.Message
		res.States = append(res.States, StateCompleted)
	default:
		res.Status = StatusError
		res.Kind = te.Kind
		res.Message = te.Message
		res.States = append(res.States, StateFailed)
	}

	d.observe(ctx, res, args, out, te)
	if res.Status == StatusError {
		return nil, te
	}
	return res, nil
}

// run takes the call from Received to just before its terminal state.
func (d *Dispatcher) run(ctx context.Context, name string, args map[string]any, snap config.Snapshot, res *Result) (any, error) {
	spec, ok := d.registry.Load().Lookup(name)
	if !ok {
		return nil, toolerr.UnknownTool(name)
	}
	if args == nil {
		args = map[string]any{}
	}
	if err := spec.Input.Validate(args); err != nil {
		return nil, err
	}
	res.States = append(res.States, StateValidated)

	if err := d.slots.Acquire(ctx, 1); err != nil {
		return nil, toolerr.Timeout("timed out waiting for a free dispatch slot", err)
	}
	defer d.slots.Release(1)
	d.metrics.inFlight.Inc()
	defer d.metrics.inFlight.Dec()

	if spec.Class == tools.ClassRetrieval {
		res.States = append(res.States, StateCacheCheck)
	}
	res.States = append(res.States, StateExecuting)
	return execute(ctx, spec.Handler, tools.Call{Args: args, Snapshot: snap})
}

type handlerResult struct {
	out any
	err error
}

// execute runs h on its own goroutine so a handler that overruns the call
// budget is abandoned rather than waited for.
func execute(ctx context.Context, h tools.Handler, call tools.Call) (any, error) {
	done := make(chan handlerResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- handlerResult{err: toolerr.New(toolerr.KindInternal, "tool handler failed", fmt.Errorf("panic: %v", r))}
			}
		}()
		out, err := h.Handle(ctx, call)
		done <- handlerResult{out: out, err: err}
	}()

	select {
	case r := <-done:
		return r.out, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// classify translates err into the local taxonomy. The returned message is
// always a local description; the original error is kept as the cause.
func classify(ctx context.Context, err error, budget time.Duration) *toolerr.Error {
	if err == nil {
		return nil
	}
	if te, ok := toolerr.As(err); ok {
		return te
	}
	// Only the call's own context makes a failure a Timeout. A deadline
	// inside err belongs to a backend attempt.
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return toolerr.Timeout(fmt.Sprintf("call exceeded its %s budget", budget), err)
	case ctx.Err() != nil:
		return toolerr.Timeout("call cancelled by the caller", err)
	case errors.Is(err, rag.ErrBackendUnavailable), errors.Is(err, context.DeadlineExceeded):
		return toolerr.New(toolerr.KindBackendUnavailable, "backend temporarily unavailable, retry later", err)
	case errors.Is(err, rag.ErrBackendError), errors.Is(err, analysis.ErrUnknownAnalysis):
		return toolerr.New(toolerr.KindBackendError, "backend rejected the request", err)
	default:
		return toolerr.New(toolerr.KindInternal, "internal error", err)
	}
}

// observe logs, counts and journals one finished call.
func (d *Dispatcher) observe(ctx context.Context, res *Result, args map[string]any, out any, te *toolerr.Error) {
	d.metrics.calls.WithLabelValues(res.Tool, res.Status, string(res.Kind)).Inc()
	d.metrics.duration.WithLabelValues(res.Tool).Observe(res.Duration.Seconds())

	log := logging.FromContext(ctx)
	attrs := []any{
		slog.String("tool", res.Tool),
		slog.String("state", string(res.States[len(res.States)-1])),
		slog.String("status", res.Status),
		slog.Int64("duration_ms", res.Duration.Milliseconds()),
		slog.Uint64("snapshot_version", res.SnapshotVersion),
	}
	if te != nil {
		attrs = append(attrs, slog.String("kind", string(te.Kind)))
	}
	switch {
	case res.Status != StatusError:
		log.Info("dispatch: call completed", attrs...)
	case te.Kind == toolerr.KindInternal || te.Kind == toolerr.KindBackendUnavailable || te.Kind == toolerr.KindBackendError:
		log.Error("dispatch: call failed", append(attrs, slog.Any("error", te.Err))...)
	default:
		log.Warn("dispatch: call failed", append(attrs, slog.String("message", te.Message))...)
	}

	if d.journal == nil {
		return
	}
	entry := store.Entry{
		Tool:            res.Tool,
		Status:          res.Status,
		Kind:            string(res.Kind),
		Message:         res.Message,
		Args:            journalArgs(args),
		Duration:        res.Duration,
		SnapshotVersion: res.SnapshotVersion,
		CreatedAt:       d.now(),
	}
	if co, ok := out.(*tools.ContextOutput); ok && co != nil {
		entry.Fingerprint = co.Fingerprint
	}
	if err := d.journal.Record(context.WithoutCancel(ctx), entry); err != nil {
		log.Warn("dispatch: journal write failed", slog.Any("error", err))
	}
}

func journalArgs(args map[string]any) string {
	if len(args) == 0 {
		return "{}"
	}
	b, err := json.Marshal(args)
	if err != nil {
		return "{}"
	}
	if len(b) > maxJournalArgs {
		return string(b[:maxJournalArgs])
	}
	return string(b)
}
