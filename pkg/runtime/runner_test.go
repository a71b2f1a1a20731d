package runtime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/wilhg/ckpt/examples/trainer"
	"github.com/wilhg/ckpt/pkg/artifacts"
	"github.com/wilhg/ckpt/pkg/checkpoint"
	"github.com/wilhg/ckpt/pkg/ledger"
	"github.com/wilhg/ckpt/pkg/policy"
	"github.com/wilhg/ckpt/pkg/resume"
	"github.com/wilhg/ckpt/pkg/store"
	"github.com/wilhg/ckpt/pkg/store/entstore"
)

type harness struct {
	svc *checkpoint.Service
	led *ledger.Ledger
}

// newHarness wires the runner's collaborators over one SQLite database.
func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	st, err := entstore.Open(ctx, fmt.Sprintf("sqlite:file:%s?mode=memory&cache=shared&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)&_fk=1", name))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })
	if err := st.Migrate(ctx); err != nil {
		t.Fatal(err)
	}
	dir, err := artifacts.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	svc := checkpoint.New(st, dir)
	return &harness{svc: svc, led: ledger.New(st, st, svc)}
}

func mustPolicy(t *testing.T, interval time.Duration, force int, opts ...policy.Option) policy.Policy {
	t.Helper()
	p, err := policy.New(policy.KindTraining, interval, force, opts...)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func boundaryOf(t *testing.T, h *harness, id string) int64 {
	t.Helper()
	cp, ok, err := h.svc.Load(context.Background(), id)
	if err != nil || !ok {
		t.Fatalf("load %s: ok=%v err=%v", id, ok, err)
	}
	b, _ := checkpoint.Boundary(cp.State)
	return b
}

func status(t *testing.T, h *harness, id string) string {
	t.Helper()
	op, err := h.led.Get(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return op.Status
}

func TestRunner_ForcedCheckpointsAndDeleteOnCompletion(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	r := NewRunner(h.svc, h.led)

	out, err := r.Run(ctx, Job{
		OperationID:     "train-1",
		Policy:          mustPolicy(t, time.Hour, 3, policy.DeleteOnCompletion()),
		Worker:          trainer.New(),
		TotalBoundaries: 10,
	})
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != store.StatusCompleted || out.LastBoundary != 10 || out.Saves != 3 {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if ok, _ := h.svc.Exists(ctx, "train-1"); ok {
		t.Fatal("checkpoint should be deleted on completion")
	}
	if s := status(t, h, "train-1"); s != store.StatusCompleted {
		t.Fatalf("status=%s", s)
	}
}

func TestRunner_CheckpointOnFailureKeepsLatestState(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	w := trainer.New()
	w.FailAt = 6

	out, err := NewRunner(h.svc, h.led).Run(ctx, Job{
		OperationID:     "train-f",
		Policy:          mustPolicy(t, time.Hour, 4, policy.CheckpointOnFailure()),
		Worker:          w,
		TotalBoundaries: 10,
	})
	if !errors.Is(err, trainer.ErrInjected) {
		t.Fatalf("err=%v want injected failure", err)
	}
	if out.Status != store.StatusFailed || out.LastBoundary != 5 {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if b := boundaryOf(t, h, "train-f"); b != 5 {
		t.Fatalf("final checkpoint at boundary %d want 5", b)
	}
	cp, _, _ := h.svc.Load(ctx, "train-f")
	if cp.Type != checkpoint.TypeFinal || cp.Metadata[resume.MetadataKind] != "training" {
		t.Fatalf("unexpected final checkpoint: type=%s meta=%v", cp.Type, cp.Metadata)
	}
	if s := status(t, h, "train-f"); s != store.StatusFailed {
		t.Fatalf("status=%s", s)
	}
}

func TestRunner_FailureWithoutFinalSaveKeepsPeriodicCheckpoint(t *testing.T) {
	h := newHarness(t)
	w := trainer.New()
	w.FailAt = 6
	_, err := NewRunner(h.svc, h.led).Run(context.Background(), Job{
		OperationID:     "train-g",
		Policy:          mustPolicy(t, time.Hour, 4),
		Worker:          w,
		TotalBoundaries: 10,
	})
	if err == nil {
		t.Fatal("expected failure")
	}
	if b := boundaryOf(t, h, "train-g"); b != 4 {
		t.Fatalf("checkpoint at boundary %d want 4", b)
	}
}

func TestRunner_CancellationSavesWithDetachedContext(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w := trainer.New()
	w.OnStep = func(_ context.Context, b int) {
		if b == 4 {
			cancel()
		}
	}

	out, err := NewRunner(h.svc, h.led).Run(ctx, Job{
		OperationID:     "bt-1",
		Policy:          mustPolicy(t, time.Hour, 100, policy.CheckpointOnCancellation()),
		Worker:          w,
		TotalBoundaries: 10,
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v want context.Canceled", err)
	}
	if out.Status != store.StatusCancelled || out.LastBoundary != 3 {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if b := boundaryOf(t, h, "bt-1"); b != 3 {
		t.Fatalf("checkpoint at boundary %d want 3", b)
	}
	if s := status(t, h, "bt-1"); s != store.StatusCancelled {
		t.Fatalf("status=%s", s)
	}
}

func TestRunner_ResumeContinuity(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	p := mustPolicy(t, time.Hour, 2, policy.CheckpointOnFailure(), policy.DeleteOnCompletion())

	// Reference: the same job without interruption.
	reference := trainer.New()
	if _, err := NewRunner(h.svc, nil).Run(ctx, Job{OperationID: "ref", Policy: p, Worker: reference, TotalBoundaries: 9}); err != nil {
		t.Fatal(err)
	}

	first := trainer.New()
	first.FailAt = 6
	if _, err := NewRunner(h.svc, h.led).Run(ctx, Job{OperationID: "run-a", Policy: p, Worker: first, TotalBoundaries: 9}); err == nil {
		t.Fatal("expected failure")
	}
	originalHistory := first.History()

	second := trainer.New()
	res, err := resume.New(h.svc, second, h.led).Resume(ctx, "run-a", "run-b")
	if err != nil {
		t.Fatal(err)
	}
	if res.StartingBoundary != 6 {
		t.Fatalf("starting boundary=%d want 6", res.StartingBoundary)
	}
	out, err := NewRunner(h.svc, h.led).Run(ctx, Job{
		OperationID:     "run-b",
		Policy:          p,
		Worker:          second,
		StartBoundary:   int(res.StartingBoundary),
		TotalBoundaries: 9,
		ResumedFrom:     res.ResumedFrom,
	})
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != store.StatusCompleted {
		t.Fatalf("status=%s", out.Status)
	}

	hist := second.History()
	if len(hist) != len(originalHistory)+4 {
		t.Fatalf("history len=%d want %d", len(hist), len(originalHistory)+4)
	}
	for i := range originalHistory {
		if fmt.Sprint(hist[i]) != fmt.Sprint(originalHistory[i]) {
			t.Fatalf("history[%d]=%v want %v", i, hist[i], originalHistory[i])
		}
	}
	if string(second.Weights()) != string(reference.Weights()) {
		t.Fatal("resumed run diverged from the uninterrupted reference")
	}
	op, _ := h.led.Get(ctx, "run-b")
	if op.ResumedFrom != "run-a" {
		t.Fatalf("lineage=%q", op.ResumedFrom)
	}
}

func TestRunner_DeferredCleanupDeletesOriginalAfterFirstSave(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	p := mustPolicy(t, time.Hour, 2, policy.CheckpointOnFailure())

	first := trainer.New()
	first.FailAt = 4
	_, _ = NewRunner(h.svc, h.led).Run(ctx, Job{OperationID: "orig", Policy: p, Worker: first, TotalBoundaries: 8})

	second := trainer.New()
	res, err := resume.New(h.svc, second, h.led, resume.WithDeferredCleanup()).Resume(ctx, "orig", "next")
	if err != nil {
		t.Fatal(err)
	}
	if ok, _ := h.svc.Exists(ctx, "orig"); !ok {
		t.Fatal("original must survive until the first save")
	}

	var sawOriginalAtStep bool
	second.OnStep = func(_ context.Context, b int) {
		if b == int(res.StartingBoundary) {
			sawOriginalAtStep, _ = h.svc.Exists(ctx, "orig")
		}
	}
	if _, err := NewRunner(h.svc, h.led).Run(ctx, Job{
		OperationID: "next", Policy: p, Worker: second,
		StartBoundary: int(res.StartingBoundary), TotalBoundaries: 8, ResumedFrom: "orig",
	}); err != nil {
		t.Fatal(err)
	}
	if !sawOriginalAtStep {
		t.Fatal("original deleted before the new operation saved")
	}
	if ok, _ := h.svc.Exists(ctx, "orig"); ok {
		t.Fatal("original should be gone after the new operation saved")
	}
}

// flakyStore fails every Save.
type flakyStore struct {
	checkpoint.Store
}

func (flakyStore) Save(context.Context, string, checkpoint.Payload) error {
	return errors.New("disk full")
}

func TestRunner_SaveFailureIsNonFatalByDefault(t *testing.T) {
	h := newHarness(t)
	out, err := NewRunner(flakyStore{h.svc}, h.led).Run(context.Background(), Job{
		OperationID: "op", Policy: mustPolicy(t, time.Hour, 2), Worker: trainer.New(), TotalBoundaries: 6,
	})
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != store.StatusCompleted || out.FailedSaves != 3 || out.Saves != 0 {
		t.Fatalf("unexpected outcome: %+v", out)
	}
}

func TestRunner_FailOnCheckpointError(t *testing.T) {
	h := newHarness(t)
	out, err := NewRunner(flakyStore{h.svc}, h.led).Run(context.Background(), Job{
		OperationID: "op", Policy: mustPolicy(t, time.Hour, 2, policy.FailOnCheckpointError(), policy.CheckpointOnFailure()),
		Worker: trainer.New(), TotalBoundaries: 6,
	})
	if !errors.Is(err, errFatalSave) {
		t.Fatalf("err=%v want fatal save", err)
	}
	if out.Status != store.StatusFailed || out.LastBoundary != 2 || out.FailedSaves != 1 {
		t.Fatalf("unexpected outcome: %+v", out)
	}
}

func TestRunner_TimeThresholdCheckpoints(t *testing.T) {
	h := newHarness(t)
	var (
		mu  sync.Mutex
		now = time.Unix(0, 0)
	)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Minute)
		return now
	}
	out, err := NewRunner(h.svc, nil, WithClock(clock)).Run(context.Background(), Job{
		OperationID: "op", Policy: mustPolicy(t, 3*time.Minute, 1000), Worker: trainer.New(), TotalBoundaries: 12,
	})
	if err != nil {
		t.Fatal(err)
	}
	if out.Saves == 0 || out.Saves >= 11 {
		t.Fatalf("saves=%d want some but not every boundary", out.Saves)
	}
	if b := boundaryOf(t, h, "op"); b < 2 {
		t.Fatalf("last checkpoint boundary=%d", b)
	}
}

// slowStore blocks every Save until release is closed.
type slowStore struct {
	checkpoint.Store
	release chan struct{}
	mu      sync.Mutex
	saved   []int
}

func (s *slowStore) Save(ctx context.Context, id string, p checkpoint.Payload) error {
	<-s.release
	s.mu.Lock()
	s.saved = append(s.saved, int(p.State["boundary"].(int64)))
	s.mu.Unlock()
	return s.Store.Save(ctx, id, p)
}

func TestRunner_BackgroundSavesSkipWhileBusy(t *testing.T) {
	h := newHarness(t)
	slow := &slowStore{Store: h.svc, release: make(chan struct{})}
	w := trainer.New()
	w.OnStep = func(_ context.Context, b int) {
		if b == 8 {
			close(slow.release)
		}
	}
	out, err := NewRunner(slow, h.led, WithBackgroundSaves()).Run(context.Background(), Job{
		OperationID: "bg", Policy: mustPolicy(t, time.Hour, 2), Worker: w, TotalBoundaries: 10,
	})
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != store.StatusCompleted {
		t.Fatalf("status=%s", out.Status)
	}
	// Boundary 2 holds the only slot until boundary 8 releases it; 4 and 6 are skipped.
	if out.SkippedSaves < 2 {
		t.Fatalf("skipped=%d want at least 2", out.SkippedSaves)
	}
	if out.Saves+out.SkippedSaves != 5 {
		t.Fatalf("saves=%d skipped=%d want 5 decisions in total", out.Saves, out.SkippedSaves)
	}
	if slow.saved[0] != 2 {
		t.Fatalf("first save at boundary %d want 2", slow.saved[0])
	}
}

func TestRunner_RejectsInvalidJob(t *testing.T) {
	h := newHarness(t)
	if _, err := NewRunner(h.svc, h.led).Run(context.Background(), Job{Policy: mustPolicy(t, time.Second, 1)}); err == nil {
		t.Fatal("expected error for empty job")
	}
	if _, err := NewRunner(h.svc, h.led).Run(context.Background(), Job{OperationID: "x", Worker: trainer.New()}); err == nil {
		t.Fatal("expected error for zero policy")
	}
}

func TestRunner_DeferredCleanupOnCompletionWithoutSaves(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	p := mustPolicy(t, time.Hour, 100, policy.CheckpointOnFailure())

	first := trainer.New()
	first.FailAt = 4
	if _, err := NewRunner(h.svc, h.led).Run(ctx, Job{OperationID: "orig", Policy: p, Worker: first, TotalBoundaries: 5}); err == nil {
		t.Fatal("expected failure")
	}
	if b := boundaryOf(t, h, "orig"); b != 3 {
		t.Fatalf("final checkpoint at boundary %d want 3", b)
	}

	second := trainer.New()
	res, err := resume.New(h.svc, second, h.led, resume.WithDeferredCleanup()).Resume(ctx, "orig", "next")
	if err != nil {
		t.Fatal(err)
	}
	out, err := NewRunner(h.svc, h.led).Run(ctx, Job{
		OperationID: "next", Policy: p, Worker: second,
		StartBoundary: int(res.StartingBoundary), TotalBoundaries: 5, ResumedFrom: "orig",
	})
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != store.StatusCompleted || out.Saves != 0 {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if ok, _ := h.svc.Exists(ctx, "orig"); ok {
		t.Fatal("original checkpoint must not outlive a completed resumed run")
	}
}

func TestRunner_DeferredCleanupKeepsOriginalWhenResumedRunFailsEarly(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	p := mustPolicy(t, time.Hour, 100, policy.CheckpointOnFailure())

	first := trainer.New()
	first.FailAt = 4
	_, _ = NewRunner(h.svc, h.led).Run(ctx, Job{OperationID: "orig", Policy: p, Worker: first, TotalBoundaries: 8})

	second := trainer.New()
	res, err := resume.New(h.svc, second, h.led, resume.WithDeferredCleanup()).Resume(ctx, "orig", "next")
	if err != nil {
		t.Fatal(err)
	}
	second.FailAt = int(res.StartingBoundary)
	if _, err := NewRunner(h.svc, h.led).Run(ctx, Job{
		OperationID: "next", Policy: mustPolicy(t, time.Hour, 100), Worker: second,
		StartBoundary: int(res.StartingBoundary), TotalBoundaries: 8, ResumedFrom: "orig",
	}); err == nil {
		t.Fatal("expected failure")
	}
	if ok, _ := h.svc.Exists(ctx, "orig"); !ok {
		t.Fatal("original checkpoint is the only resumable state and must be kept")
	}
}
