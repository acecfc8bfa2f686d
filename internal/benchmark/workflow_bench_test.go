package benchmark

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/vnykmshr/stageflow/pkg/execution"
	"github.com/vnykmshr/stageflow/pkg/queue"
	"github.com/vnykmshr/stageflow/pkg/workflow"
)

var identity = execution.Map("identity", func(ctx context.Context, item interface{}) (interface{}, error) {
	return item, nil
})

// runToCompletion feeds n items through w's input queue and waits for it.
func runToCompletion(b *testing.B, w *workflow.Workflow, in string, n int) {
	b.Helper()
	for i := 0; i < n; i++ {
		w.Enqueue(in, i)
	}
	w.CloseQueue(in)

	if err := w.Start(context.Background()); err != nil {
		b.Fatalf("failed to start workflow: %v", err)
	}
	if err := w.Wait(context.Background()); err != nil {
		b.Fatalf("wait failed: %v", err)
	}
}

func newWorkflow(name string) *workflow.Workflow {
	return workflow.New(name,
		workflow.WithReplicaPollInterval(100*time.Microsecond),
		workflow.WithQueuePollInterval(100*time.Microsecond))
}

// BenchmarkStageThroughput measures items per second through one stage.
func BenchmarkStageThroughput(b *testing.B) {
	replicaCounts := []int{1, 2, 4, 8}

	for _, replicas := range replicaCounts {
		b.Run(replicaLabel(replicas), func(b *testing.B) {
			w := newWorkflow("bench")
			if _, err := w.AddStage("s", "in", "out", identity, replicas); err != nil {
				b.Fatalf("failed to add stage: %v", err)
			}

			b.ReportAllocs()
			b.ResetTimer()
			runToCompletion(b, w, "in", b.N)
		})
	}
}

// BenchmarkPipelineDepth measures the cost of chaining stages.
func BenchmarkPipelineDepth(b *testing.B) {
	depths := []int{1, 3, 6}

	for _, depth := range depths {
		b.Run(strconv.Itoa(depth)+"stages", func(b *testing.B) {
			w := newWorkflow("bench")
			for i := 0; i < depth; i++ {
				in, out := "q"+strconv.Itoa(i), "q"+strconv.Itoa(i+1)
				if _, err := w.AddStage("s"+strconv.Itoa(i), in, out, identity, 2, workflow.WithCloseOutQueue()); err != nil {
					b.Fatalf("failed to add stage: %v", err)
				}
			}

			b.ReportAllocs()
			b.ResetTimer()
			runToCompletion(b, w, "q0", b.N)
		})
	}
}

// BenchmarkScriptStage measures a stage whose transform runs in the script runtime.
func BenchmarkScriptStage(b *testing.B) {
	w := newWorkflow("bench")
	script := execution.NewScript("double", "n => n * 2")
	if _, err := w.AddStage("double", "in", "out", script, 4); err != nil {
		b.Fatalf("failed to add stage: %v", err)
	}

	b.ReportAllocs()
	b.ResetTimer()
	runToCompletion(b, w, "in", b.N)
}

// BenchmarkRegistryGet measures concurrent case-insensitive lookups.
func BenchmarkRegistryGet(b *testing.B) {
	reg := queue.NewRegistry()
	names := []string{"Orders", "payments", "SHIPMENTS", "returns"}
	for _, name := range names {
		reg.Get(name)
	}

	b.ReportAllocs()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			_ = reg.Get(names[i%len(names)])
			i++
		}
	})
}

// replicaLabel returns a label for a replica count.
func replicaLabel(replicas int) string {
	return strconv.Itoa(replicas) + "replicas"
}
