package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/vnykmshr/stageflow/internal/testutil"
	gferrors "github.com/vnykmshr/stageflow/pkg/common/errors"
	"github.com/vnykmshr/stageflow/pkg/config"
	"github.com/vnykmshr/stageflow/pkg/execution"
	"github.com/vnykmshr/stageflow/pkg/metrics"
)

func TestNewDefaults(t *testing.T) {
	w := New("crawl")

	testutil.AssertEqual(t, w.Name(), "crawl")
	testutil.AssertNotEqual(t, w.ID(), "")
	testutil.AssertEqual(t, w.cfg.QueuePollInterval, 200*time.Millisecond)
	testutil.AssertEqual(t, w.cfg.ReplicaPollInterval, DefaultReplicaPollInterval)
	testutil.AssertEqual(t, w.cfg.ErrorRingSize, DefaultErrorRingSize)
	if w.cfg.Provisioner == nil || w.cfg.Trust == nil {
		t.Fatal("expected default provisioner and trust policy")
	}
	testutil.AssertEqual(t, w.IsDone(), false)
}

func TestConfigFromEngine(t *testing.T) {
	engine := config.Default().Engine
	engine.QueueCapacity = 7
	engine.ErrorRingSize = 3

	w := NewWithConfig(ConfigFromEngine("wf", engine))
	testutil.AssertEqual(t, w.Queue("q").Capacity(), 7)
	testutil.AssertEqual(t, w.cfg.ErrorRingSize, 3)
}

func TestSingleConsumerPerQueue(t *testing.T) {
	w := newTestWorkflow(t)

	_, err := w.AddStage("first", "shared", "", identity(), 1)
	testutil.AssertNoError(t, err)

	_, err = w.AddStage("second", "SHARED", "", identity(), 1)
	testutil.AssertError(t, err)
	if !errors.Is(err, gferrors.ErrQueueClaimed) {
		t.Errorf("expected ErrQueueClaimed, got %v", err)
	}
	if !gferrors.IsValidationError(err) {
		t.Errorf("expected validation error, got %T", err)
	}

	_, ok := w.Stage("second")
	testutil.AssertEqual(t, ok, false)
	testutil.AssertEqual(t, len(w.Stages()), 1)
}

func TestDuplicateStageName(t *testing.T) {
	w := newTestWorkflow(t)

	_, err := w.AddStage("parse", "a", "", identity(), 1)
	testutil.AssertNoError(t, err)

	_, err = w.AddStage("Parse", "b", "", identity(), 1)
	testutil.AssertError(t, err)
	testutil.AssertEqual(t, gferrors.IsValidationError(err), true)
}

func TestRegisterTwice(t *testing.T) {
	w1 := newTestWorkflow(t)
	w2 := newTestWorkflow(t)

	s, err := NewStage(StageConfig{Name: "s", InQueue: "in", Transform: identity(), Replicas: 1})
	testutil.AssertNoError(t, err)

	testutil.AssertNoError(t, w1.Register(s))
	testutil.AssertError(t, w2.Register(s))
	testutil.AssertError(t, w1.Register(nil))
}

func TestStartEmptyWorkflow(t *testing.T) {
	w := newTestWorkflow(t)
	err := w.Start(context.Background())
	testutil.AssertError(t, err)
	testutil.AssertEqual(t, gferrors.IsValidationError(err), true)
}

func TestSecurityFailureIsolated(t *testing.T) {
	w := newTestWorkflow(t, WithTrustPolicy(execution.NativeOnly))

	js, err := w.AddStage("js", "a", "a-out", execution.NewScript("js", "x => x"), 1, WithCloseOutQueue())
	testutil.AssertNoError(t, err)
	native, err := w.AddStage("native", "b", "", identity(), 1)
	testutil.AssertNoError(t, err)

	testutil.AssertNoError(t, w.Start(context.Background()))

	testutil.AssertEqual(t, js.State(), StateFailed)
	testutil.AssertEqual(t, native.State(), StateRunning)

	var secErr *gferrors.SecurityError
	if !errors.As(js.StartErr(), &secErr) {
		t.Fatalf("expected SecurityError, got %v", js.StartErr())
	}
	testutil.AssertEqual(t, secErr.Stage, "js")

	// A failed stage never produces, so its out-queue is closed.
	testutil.AssertEqual(t, w.Queue("a-out").IsClosed(), true)

	testutil.AssertNoError(t, w.Stop())
	testutil.AssertEqual(t, js.State(), StateFailed)
	testutil.AssertEqual(t, native.State(), StateStopped)
}

func TestSecurityHelperRejected(t *testing.T) {
	w := newTestWorkflow(t, WithTrustPolicy(execution.NativeOnly))
	w.SetFunction("helper", execution.NewScript("helper", "x => x"))

	_, err := w.AddStage("native", "in", "", identity(), 1)
	testutil.AssertNoError(t, err)

	err = w.Start(context.Background())
	testutil.AssertError(t, err)

	var startErr *gferrors.StartError
	if !errors.As(err, &startErr) {
		t.Fatalf("expected StartError, got %T", err)
	}
	testutil.AssertEqual(t, len(startErr.Failures), 1)
	testutil.AssertEqual(t, gferrors.IsSecurityError(err), true)
}

func TestDigestAllowlist(t *testing.T) {
	trusted := execution.NewScript("trusted", "x => [x]")
	w := newTestWorkflow(t, WithTrustPolicy(execution.DigestAllowlist(trusted.Digest())))

	ok, err := w.AddStage("ok", "a", "", trusted, 1)
	testutil.AssertNoError(t, err)
	bad, err := w.AddStage("bad", "b", "", execution.NewScript("bad", "x => [x, x]"), 1)
	testutil.AssertNoError(t, err)

	testutil.AssertNoError(t, w.Start(context.Background()))
	testutil.AssertEqual(t, ok.State(), StateRunning)
	testutil.AssertEqual(t, bad.State(), StateFailed)

	testutil.AssertNoError(t, w.Stop())
}

func TestStartWithAlreadyRunningStage(t *testing.T) {
	w := newTestWorkflow(t)
	a, err := w.AddStage("a", "in-a", "", identity(), 1)
	testutil.AssertNoError(t, err)
	_, err = w.AddStage("b", "in-b", "", identity(), 1)
	testutil.AssertNoError(t, err)

	testutil.AssertNoError(t, a.Start(context.Background()))

	// One stage refuses, the other starts: no aggregate error.
	testutil.AssertNoError(t, w.Start(context.Background()))

	// Now every stage refuses.
	err = w.Start(context.Background())
	var startErr *gferrors.StartError
	if !errors.As(err, &startErr) {
		t.Fatalf("expected StartError, got %v", err)
	}
	testutil.AssertEqual(t, len(startErr.Failures), 2)
	if !errors.Is(err, gferrors.ErrInvalidState) {
		t.Error("expected aggregate to expose ErrInvalidState")
	}

	testutil.AssertNoError(t, w.Stop())
}

func TestProvisionFailure(t *testing.T) {
	failing := execution.ProvisionerFunc(func(context.Context, execution.Spec) (execution.Context, error) {
		return nil, errors.New("no runtime available")
	})
	w := newTestWorkflow(t, WithProvisioner(failing))
	s, err := w.AddStage("s", "in", "", identity(), 2)
	testutil.AssertNoError(t, err)

	err = w.Start(context.Background())
	testutil.AssertError(t, err)
	testutil.AssertEqual(t, s.State(), StateFailed)
	testutil.AssertError(t, s.StartErr())

	testutil.AssertNoError(t, w.Stop())
	testutil.AssertNoError(t, s.Wait(context.Background()))
}

func TestBackpressureBetweenStages(t *testing.T) {
	w := newTestWorkflow(t, WithQueueCapacity(2))

	var mu sync.Mutex
	maxDepth := 0
	observe := execution.Map("observe", func(_ context.Context, item interface{}) (interface{}, error) {
		mu.Lock()
		if d := w.Queue("mid").Len(); d > maxDepth {
			maxDepth = d
		}
		mu.Unlock()
		time.Sleep(time.Millisecond)
		return item, nil
	})

	_, err := w.AddStage("produce", "in", "mid", identity(), 2, WithCloseOutQueue())
	testutil.AssertNoError(t, err)
	consume, err := w.AddStage("consume", "mid", "", observe, 1)
	testutil.AssertNoError(t, err)

	testutil.AssertNoError(t, w.Start(context.Background()))

	go func() {
		for i := 0; i < 30; i++ {
			w.Enqueue("in", i)
		}
		w.CloseQueue("in")
	}()

	waitFor(t, w)

	testutil.AssertEqual(t, consume.CountInputCompleted(), int64(30))
	mu.Lock()
	defer mu.Unlock()
	if maxDepth > 2 {
		t.Errorf("queue depth reached %d with capacity 2", maxDepth)
	}
}

func TestSharedData(t *testing.T) {
	w := newTestWorkflow(t)

	w.Set("visited", 10)
	w.Set("base", "https://example.com")

	v, ok := w.Get("visited")
	testutil.AssertEqual(t, ok, true)
	testutil.AssertEqual(t, v.(int), 10)

	keys := w.Keys()
	testutil.AssertEqual(t, len(keys), 2)
	testutil.AssertEqual(t, keys[0], "base")

	w.Delete("visited")
	_, ok = w.Get("visited")
	testutil.AssertEqual(t, ok, false)
}

func TestSnapshot(t *testing.T) {
	w := newTestWorkflow(t)
	_, err := w.AddStage("a", "in", "mid", identity(), 1, WithCloseOutQueue())
	testutil.AssertNoError(t, err)
	_, err = w.AddStage("b", "mid", "out", identity(), 1, WithCloseOutQueue())
	testutil.AssertNoError(t, err)

	w.Enqueue("in", 1, 2, 3)
	w.CloseQueue("in")
	testutil.AssertNoError(t, w.Start(context.Background()))
	waitFor(t, w)

	snap := w.Snapshot()
	testutil.AssertEqual(t, snap.Name, w.Name())
	testutil.AssertEqual(t, snap.Done, true)
	testutil.AssertEqual(t, len(snap.Stages), 2)
	testutil.AssertEqual(t, snap.Stages[0].Name, "a")
	testutil.AssertEqual(t, len(snap.Queues), 3)

	for _, q := range snap.Queues {
		testutil.AssertEqual(t, q.Closed, true)
		testutil.AssertEqual(t, q.TotalEnqueued, int64(3))
	}
}

func TestMetricsRecorded(t *testing.T) {
	reg := metrics.NewRegistry(prometheus.NewRegistry())
	w := newTestWorkflow(t, WithMetrics(reg))

	_, err := w.AddStage("s", "in", "out", execution.Map("s", func(_ context.Context, item interface{}) (interface{}, error) {
		if item.(int) == 0 {
			return nil, errors.New("zero")
		}
		return item, nil
	}), 1)
	testutil.AssertNoError(t, err)

	w.Enqueue("in", 0, 1, 2)
	w.CloseQueue("in")
	testutil.AssertNoError(t, w.Start(context.Background()))
	waitFor(t, w)

	name := w.Name()
	testutil.AssertEqual(t, promtest.ToFloat64(reg.StageItemsIn.WithLabelValues(name, "s")), 3.0)
	testutil.AssertEqual(t, promtest.ToFloat64(reg.StageItemsCompleted.WithLabelValues(name, "s")), 3.0)
	testutil.AssertEqual(t, promtest.ToFloat64(reg.StageItemsOut.WithLabelValues(name, "s")), 2.0)
	testutil.AssertEqual(t, promtest.ToFloat64(reg.StageErrors.WithLabelValues(name, "s")), 1.0)
	testutil.AssertEqual(t, promtest.ToFloat64(reg.StageReplicasActive.WithLabelValues(name, "s")), 0.0)
	testutil.AssertEqual(t, promtest.ToFloat64(reg.QueueEnqueued.WithLabelValues(name, "in")), 3.0)
}

func TestKillWorkflow(t *testing.T) {
	w := newTestWorkflow(t)
	blocking := execution.NewFunc("blocking", func(ctx context.Context, _ *execution.Scope, _ interface{}) ([]interface{}, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	s, err := w.AddStage("s", "in", "", blocking, 1)
	testutil.AssertNoError(t, err)

	w.Enqueue("in", 1)
	testutil.AssertNoError(t, w.Start(context.Background()))
	testutil.AssertEventually(t, func() bool { return s.CountInput() == 1 })

	w.Kill()
	testutil.AssertEqual(t, s.State(), StateStopped)
	waitFor(t, w)
}

func TestRemovePendingStageFreesQueue(t *testing.T) {
	w := newTestWorkflow(t)

	old, err := w.AddStage("old", "in", "out", identity(), 1)
	testutil.AssertNoError(t, err)

	testutil.AssertNoError(t, w.RemoveStage("OLD"))
	testutil.AssertEqual(t, w.Queue("in").Consumer(), "")
	testutil.AssertEqual(t, len(w.Stages()), 0)
	_, ok := w.Stage("old")
	testutil.AssertEqual(t, ok, false)

	// The detached stage can neither start nor join another workflow.
	testutil.AssertEqual(t, old.State(), StateStopped)
	testutil.AssertError(t, old.Start(context.Background()))
	testutil.AssertError(t, newTestWorkflow(t).Register(old))

	replacement, err := w.AddStage("new", "in", "out", identity(), 1)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, w.Queue("in").Consumer(), "new")

	w.Enqueue("in", 1, 2)
	w.CloseQueue("in")
	testutil.AssertNoError(t, w.Start(context.Background()))
	waitFor(t, w)
	testutil.AssertEqual(t, replacement.CountOutput(), int64(2))
	testutil.AssertEqual(t, old.CountInput(), int64(0))
}

func TestRemoveRunningStageRefused(t *testing.T) {
	w := newTestWorkflow(t)
	blocking := execution.NewFunc("blocking", func(ctx context.Context, _ *execution.Scope, _ interface{}) ([]interface{}, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	s, err := w.AddStage("s", "in", "", blocking, 1)
	testutil.AssertNoError(t, err)

	w.Enqueue("in", 1)
	testutil.AssertNoError(t, w.Start(context.Background()))
	testutil.AssertEventually(t, func() bool { return s.CountInput() == 1 })

	err = w.RemoveStage("s")
	testutil.AssertError(t, err)
	if !errors.Is(err, gferrors.ErrInvalidState) {
		t.Errorf("expected ErrInvalidState, got %v", err)
	}
	testutil.AssertEqual(t, w.Queue("in").Consumer(), "s")

	s.Kill()
	waitFor(t, w)
	testutil.AssertNoError(t, w.RemoveStage("s"))
	testutil.AssertEqual(t, w.Queue("in").Consumer(), "")
}

func TestRemoveCompletedStage(t *testing.T) {
	w := newTestWorkflow(t)
	s, err := w.AddStage("s", "in", "out", identity(), 2)
	testutil.AssertNoError(t, err)

	w.Enqueue("in", "a")
	w.CloseQueue("in")
	testutil.AssertNoError(t, w.Start(context.Background()))
	waitFor(t, w)
	testutil.AssertEqual(t, s.State(), StateCompleted)

	testutil.AssertNoError(t, w.RemoveStage("s"))
	testutil.AssertEqual(t, w.Queue("in").Consumer(), "")
	testutil.AssertEqual(t, s.State(), StateCompleted)
	testutil.AssertEqual(t, w.Queue("out").Len(), 1)
}

func TestRemoveUnknownStage(t *testing.T) {
	w := newTestWorkflow(t)
	err := w.RemoveStage("missing")
	testutil.AssertError(t, err)
	testutil.AssertEqual(t, gferrors.IsValidationError(err), true)
}
