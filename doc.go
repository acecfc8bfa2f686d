/*
Package stageflow provides a Go library for running multi-stage processing
workflows built from named queues and replicated stages.

Queues (pkg/queue):
  - queue: Named, closable FIFO with poll-based backpressure
  - registry: Case-insensitive, lazily created queues

Stages and Workflows (pkg/workflow):
  - stage: N replicas pulling from an input queue, transforming, and
    pushing to an output queue, with cascading close and an error ring
  - workflow: Owns queues and stages and drives their lifecycle

Execution (pkg/execution):
  - Go function and JavaScript transforms, per-replica isolated contexts,
    injected variables, helpers and modules, trust policies

Throttling (pkg/throttle):
  - throttle: Sliding-window slot limiter
  - distributed: The same window shared through Redis

Supporting packages:
  - definition: YAML workflow definitions
  - feed: Cron-scheduled producers
  - metrics, logging, config: Prometheus, zap and environment settings

Example usage:

	import (
		"github.com/vnykmshr/stageflow/pkg/execution"
		"github.com/vnykmshr/stageflow/pkg/workflow"
	)

	w := workflow.New("greetings")
	w.AddStage("upper", "in", "out", execution.NewScript("upper", "s => s.toUpperCase()"), 2,
		workflow.WithCloseOutQueue())
	w.Start(ctx)

	w.Enqueue("in", "hello", "world")
	w.CloseQueue("in")
	w.Wait(ctx)
*/
package stageflow
