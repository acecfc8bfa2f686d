/*
Package workflow runs multi-stage pipelines of parallel workers connected by
named queues.

A Workflow owns a queue registry and a set of stages. Each Stage reads one
input queue, runs a transform on each item in N replicas, and writes the
outputs to an output queue that is usually the next stage's input:

	w := workflow.New("crawl", workflow.WithLogger(logger))

	w.AddStage("fetch", "urls", "pages", fetch, 8, workflow.WithCloseOutQueue())
	w.AddStage("parse", "pages", "docs", parse, 4, workflow.WithCloseOutQueue())
	w.AddStage("index", "docs", "", index, 1)

	if err := w.Start(ctx); err != nil {
		return err
	}

	w.Enqueue("urls", seeds...)
	w.CloseQueue("urls") // no more input

	return w.Wait(ctx)

# Completion

A stage is done when its input queue is closed and it has completed as many
items as were ever enqueued on that queue. When its last replica exits the
stage closes its out-queue (WithCloseOutQueue) and any queues named with
WithCloseQueues, so closing the first queue drains the whole pipeline.
Because completion compares one stage's count against one queue's count,
each queue may feed only one stage; Register enforces this.

Per-item errors and panics never stop a replica. They are counted, kept in a
bounded ring (Stage.Errors) and the item still counts as completed.

# Lifecycle

Stages move through pending, starting, running, and then completed (they
finished on their own), stopped, or failed. Stop lets every replica finish
its current item and end hook. Kill, or Stop on a stage configured
WithKill, cancels replicas without waiting: in-flight items are lost and
their outputs dropped. Replica count and MaxItems can only change while a
stage is pending.

Start verifies every callable against the workflow's TrustPolicy and fails
the stage with a SecurityError if one is refused. Workflow.Start reports an
error only when no stage started; individual failures are visible through
Stage.State and Stage.StartErr.

# Waiting

Replicas poll an empty input queue every ReplicaPollInterval, and producers
poll a full bounded queue every QueuePollInterval. A pipeline whose first
queue is never closed never finishes; Snapshot shows queue depths and last
update times to diagnose a stall.
*/
package workflow
