package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/54b3r/ragkit-go/internal/analysis"
	"github.com/54b3r/ragkit-go/internal/cache"
	"github.com/54b3r/ragkit-go/internal/config"
	"github.com/54b3r/ragkit-go/internal/rag"
	"github.com/54b3r/ragkit-go/internal/retrieval"
	"github.com/54b3r/ragkit-go/internal/store"
	"github.com/54b3r/ragkit-go/internal/toolerr"
	"github.com/54b3r/ragkit-go/internal/tools"
	"github.com/54b3r/ragkit-go/internal/validate"
)

type staticSnapshot struct{ snap config.Snapshot }

func (s staticSnapshot) Current() config.Snapshot { return s.snap }

func testSnapshot(timeout time.Duration, maxConcurrent int) staticSnapshot {
	s := config.Defaults()
	s.Version = 7
	s.Dispatch.CallTimeout = timeout
	s.Dispatch.MaxConcurrent = maxConcurrent
	return staticSnapshot{snap: s}
}

func echoSpec(name string, h tools.HandlerFunc) tools.Spec {
	return tools.Spec{
		Name:        name,
		Description: "test tool",
		Class:       tools.ClassConfig,
		Input: validate.Schema{Params: []validate.Param{
			{Name: "text", Type: validate.String, Required: true, MinLen: 1},
		}},
		Handler: h,
	}
}

func newTestDispatcher(t *testing.T, snaps SnapshotSource, specs ...tools.Spec) (*Dispatcher, *prometheus.Registry) {
	t.Helper()
	reg, err := tools.NewRegistry(specs...)
	if err != nil {
		t.Fatal(err)
	}
	promReg := prometheus.NewRegistry()
	return New(reg, snaps, WithRegisterer(promReg)), promReg
}

func echo(_ context.Context, c tools.Call) (any, error) {
	return map[string]any{"text": c.Args["text"]}, nil
}

func TestCall_Completes(t *testing.T) {
	t.Parallel()
	d, _ := newTestDispatcher(t, testSnapshot(time.Second, 4), echoSpec("echo", echo))

	res, err := d.Call(context.Background(), "echo", map[string]any{"text": "hi"})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if res.Status != StatusOK || res.SnapshotVersion != 7 {
		t.Errorf("res = %+v", res)
	}
	if out := res.Output.(map[string]any); out["text"] != "hi" {
		t.Errorf("output = %v", out)
	}
	want := []State{StateReceived, StateValidated, StateExecuting, StateCompleted}
	if !slices.Equal(res.States, want) {
		t.Errorf("states = %v, want %v", res.States, want)
	}
}

func TestCall_RetrievalClassPassesCacheCheck(t *testing.T) {
	t.Parallel()
	spec := echoSpec("lookup", echo)
	spec.Class = tools.ClassRetrieval
	d, _ := newTestDispatcher(t, testSnapshot(time.Second, 4), spec)

	res, err := d.Call(context.Background(), "lookup", map[string]any{"text": "x"})
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Contains(res.States, StateCacheCheck) {
		t.Errorf("states = %v, want cache_check", res.States)
	}
}

func TestCall_UnknownTool(t *testing.T) {
	t.Parallel()
	d, _ := newTestDispatcher(t, testSnapshot(time.Second, 4), echoSpec("echo", echo))

	_, err := d.Call(context.Background(), "horoscope", nil)
	if toolerr.KindOf(err) != toolerr.KindUnknownTool {
		t.Errorf("err = %v, want UnknownTool", err)
	}
}

func TestCall_ValidationSkipsHandler(t *testing.T) {
	t.Parallel()
	var calls atomic.Int64
	d, _ := newTestDispatcher(t, testSnapshot(time.Second, 4), echoSpec("echo", func(context.Context, tools.Call) (any, error) {
		calls.Add(1)
		return nil, nil
	}))

	_, err := d.Call(context.Background(), "echo", map[string]any{"text": ""})
	te, ok := toolerr.As(err)
	if !ok || te.Kind != toolerr.KindValidation || te.Field != "text" {
		t.Fatalf("err = %v, want validation error on text", err)
	}
	if calls.Load() != 0 {
		t.Error("handler ran despite invalid arguments")
	}
}

func TestCall_TimeoutAbandonsSlowHandler(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	d, _ := newTestDispatcher(t, testSnapshot(20*time.Millisecond, 4), echoSpec("slow", func(context.Context, tools.Call) (any, error) {
		<-release
		return "late", nil
	}))

	start := time.Now()
	_, err := d.Call(context.Background(), "slow", map[string]any{"text": "x"})
	if toolerr.KindOf(err) != toolerr.KindTimeout {
		t.Fatalf("err = %v, want Timeout", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("call took %s, should return at the budget", elapsed)
	}
}

func TestCall_CallerCancellationIsTimeout(t *testing.T) {
	t.Parallel()
	d, _ := newTestDispatcher(t, testSnapshot(time.Second, 4), echoSpec("wait", func(ctx context.Context, _ tools.Call) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := d.Call(ctx, "wait", map[string]any{"text": "x"})
	if toolerr.KindOf(err) != toolerr.KindTimeout {
		t.Errorf("err = %v, want Timeout", err)
	}
}

func TestCall_ConcurrencyBound(t *testing.T) {
	t.Parallel()
	var running, peak atomic.Int64
	d, _ := newTestDispatcher(t, testSnapshot(5*time.Second, 2), echoSpec("busy", func(context.Context, tools.Call) (any, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		running.Add(-1)
		return "done", nil
	}))

	var wg sync.WaitGroup
	for range 8 {
		wg.Go(func() {
			if _, err := d.Call(context.Background(), "busy", map[string]any{"text": "x"}); err != nil {
				t.Errorf("Call: %v", err)
			}
		})
	}
	wg.Wait()
	if got := peak.Load(); got > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", got)
	}
}

func TestCall_PanicIsInternal(t *testing.T) {
	t.Parallel()
	d, _ := newTestDispatcher(t, testSnapshot(time.Second, 4), echoSpec("boom", func(context.Context, tools.Call) (any, error) {
		panic("nil map write")
	}))

	_, err := d.Call(context.Background(), "boom", map[string]any{"text": "x"})
	te, ok := toolerr.As(err)
	if !ok || te.Kind != toolerr.KindInternal {
		t.Fatalf("err = %v, want Internal", err)
	}
	if strings.Contains(te.Message, "nil map") {
		t.Errorf("message %q leaks the panic value", te.Message)
	}
}

func TestCall_NoContextIsResult(t *testing.T) {
	t.Parallel()
	d, _ := newTestDispatcher(t, testSnapshot(time.Second, 4), echoSpec("empty", func(context.Context, tools.Call) (any, error) {
		return nil, toolerr.New(toolerr.KindNoContext, "no relevant context found", nil)
	}))

	res, err := d.Call(context.Background(), "empty", map[string]any{"text": "x"})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if res.Status != StatusNoContext || res.Kind != toolerr.KindNoContext || res.Output != nil {
		t.Errorf("res = %+v", res)
	}
	if res.States[len(res.States)-1] != StateCompleted {
		t.Errorf("terminal state = %s", res.States[len(res.States)-1])
	}
}

func TestCall_ErrorMapping(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		want toolerr.Kind
	}{
		{"unavailable", fmt.Errorf("retrieval: search failed after 4 attempts: %w", rag.ErrBackendUnavailable), toolerr.KindBackendUnavailable},
		{"backend error", fmt.Errorf("qdrant: %w", rag.ErrBackendError), toolerr.KindBackendError},
		{"unknown analysis", fmt.Errorf("wrap: %w", analysis.ErrUnknownAnalysis), toolerr.KindBackendError},
		{"backend deadline", fmt.Errorf("chat model: %w", context.DeadlineExceeded), toolerr.KindBackendUnavailable},
		{"typed", toolerr.Validation("max_tokens", "too small"), toolerr.KindValidation},
		{"foreign", errors.New("dial tcp 10.0.0.1:6334: secret-host"), toolerr.KindInternal},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			d, _ := newTestDispatcher(t, testSnapshot(time.Second, 4), echoSpec("fail", func(context.Context, tools.Call) (any, error) {
				return nil, tc.err
			}))
			_, err := d.Call(context.Background(), "fail", map[string]any{"text": "x"})
			te, ok := toolerr.As(err)
			if !ok || te.Kind != tc.want {
				t.Fatalf("err = %v, want %s", err, tc.want)
			}
			if te.Kind != toolerr.KindValidation && strings.Contains(te.Message, "secret-host") {
				t.Errorf("message %q leaks the cause", te.Message)
			}
			if !errors.Is(err, tc.err) {
				t.Error("cause should stay reachable through Unwrap")
			}
		})
	}
}

// hangingBackend blocks every search until its context ends.
type hangingBackend struct{ calls atomic.Int64 }

func (b *hangingBackend) Search(ctx context.Context, _ rag.SearchRequest) ([]rag.Hit, error) {
	b.calls.Add(1)
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestCall_ExhaustedSearchTimeoutsAreUnavailable(t *testing.T) {
	t.Parallel()
	backend := &hangingBackend{}
	c, err := cache.New(16, cache.WithRegisterer(prometheus.NewRegistry()))
	if err != nil {
		t.Fatal(err)
	}
	orch := retrieval.New(backend, retrieval.WithRegisterer(prometheus.NewRegistry()))
	search := tools.SearchContext(tools.NewRetriever(c, orch), &tools.Estimators{})

	snaps := testSnapshot(5*time.Second, 4)
	snaps.snap.Retrieval.SearchTimeout = 20 * time.Millisecond
	snaps.snap.Retrieval.MaxAttempts = 3
	snaps.snap.Retrieval.BackoffBase = time.Millisecond
	snaps.snap.Retrieval.BackoffMax = 2 * time.Millisecond
	snaps.snap.Retrieval.Jitter = 0
	d, _ := newTestDispatcher(t, snaps, search)

	_, err = d.Call(context.Background(), "search_context", map[string]any{"query": "refund policy"})
	te, ok := toolerr.As(err)
	if !ok || te.Kind != toolerr.KindBackendUnavailable {
		t.Fatalf("err = %v, want BackendUnavailable", err)
	}
	if got := backend.calls.Load(); got != 3 {
		t.Errorf("backend searched %d times, want 3", got)
	}
	if strings.Contains(te.Message, "budget") {
		t.Errorf("message %q blames the call budget", te.Message)
	}
}

func TestCall_MetricsAndJournal(t *testing.T) {
	t.Parallel()
	journal, err := store.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = journal.Close() })

	reg, _ := tools.NewRegistry(
		echoSpec("echo", echo),
		echoSpec("fail", func(context.Context, tools.Call) (any, error) { return nil, rag.ErrBackendError }),
	)
	promReg := prometheus.NewRegistry()
	d := New(reg, testSnapshot(time.Second, 4), WithRegisterer(promReg), WithJournal(journal))

	ctx := context.Background()
	if _, err := d.Call(ctx, "echo", map[string]any{"text": "hi"}); err != nil {
		t.Fatal(err)
	}
	_, _ = d.Call(ctx, "fail", map[string]any{"text": "hi"})

	if got := testutil.ToFloat64(d.metrics.calls.WithLabelValues("echo", StatusOK, "")); got != 1 {
		t.Errorf("ok calls = %v", got)
	}
	if got := testutil.ToFloat64(d.metrics.calls.WithLabelValues("fail", StatusError, string(toolerr.KindBackendError))); got != 1 {
		t.Errorf("failed calls = %v", got)
	}
	if got := testutil.ToFloat64(d.metrics.inFlight); got != 0 {
		t.Errorf("in flight = %v", got)
	}

	entries, err := journal.Recent(ctx, store.Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("journal entries = %d, want 2", len(entries))
	}
	byTool := map[string]store.Entry{}
	for _, e := range entries {
		byTool[e.Tool] = e
	}
	if e := byTool["echo"]; e.Status != StatusOK || e.Args != `{"text":"hi"}` || e.SnapshotVersion != 7 {
		t.Errorf("echo entry = %+v", e)
	}
	if e := byTool["fail"]; e.Status != StatusError || e.Kind != string(toolerr.KindBackendError) {
		t.Errorf("fail entry = %+v", e)
	}
}

func TestSetRegistry_PublishesNewTools(t *testing.T) {
	t.Parallel()
	d, _ := newTestDispatcher(t, testSnapshot(time.Second, 4), echoSpec("echo", echo))

	next, err := d.Registry().With(echoSpec("shout", func(_ context.Context, c tools.Call) (any, error) {
		return strings.ToUpper(c.Args["text"].(string)), nil
	}))
	if err != nil {
		t.Fatal(err)
	}
	d.SetRegistry(next)

	res, err := d.Call(context.Background(), "shout", map[string]any{"text": "hi"})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if res.Output != "HI" {
		t.Errorf("output = %v", res.Output)
	}
}

func TestJournalArgs_Truncates(t *testing.T) {
	t.Parallel()
	got := journalArgs(map[string]any{"text": strings.Repeat("a", 3*maxJournalArgs)})
	if len(got) != maxJournalArgs {
		t.Errorf("len = %d, want %d", len(got), maxJournalArgs)
	}
	if journalArgs(nil) != "{}" {
		t.Error("empty args should journal as {}")
	}
}

// ── Eino adapter ─────────────────────────────────────────────────────────────

func TestEinoTool_RoundTrip(t *testing.T) {
	t.Parallel()
	d, _ := newTestDispatcher(t, testSnapshot(time.Second, 4), echoSpec("echo", echo))

	ts := EinoTools(d)
	if len(ts) != 1 {
		t.Fatalf("tools = %d", len(ts))
	}
	et := ts[0].(*EinoTool)
	info, err := et.Info(context.Background())
	if err != nil || info.Name != "echo" {
		t.Fatalf("Info = %+v, %v", info, err)
	}

	out, err := et.InvokableRun(context.Background(), `{"text":"hello"}`)
	if err != nil {
		t.Fatal(err)
	}
	if out != `{"text":"hello"}` {
		t.Errorf("out = %s", out)
	}
}

func TestEinoTool_FailuresAreReadable(t *testing.T) {
	t.Parallel()
	d, _ := newTestDispatcher(t, testSnapshot(time.Second, 4), echoSpec("echo", echo))
	et := EinoTools(d)[0].(*EinoTool)

	for _, in := range []string{`not json`, `{"text":""}`} {
		out, err := et.InvokableRun(context.Background(), in)
		if err != nil {
			t.Fatalf("InvokableRun(%s): %v", in, err)
		}
		var f failure
		if err := json.Unmarshal([]byte(out), &f); err != nil {
			t.Fatal(err)
		}
		if f.Status != StatusError || f.Kind != toolerr.KindValidation {
			t.Errorf("InvokableRun(%s) = %s", in, out)
		}
	}
}
