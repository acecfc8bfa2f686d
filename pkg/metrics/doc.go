// Package metrics provides Prometheus instrumentation for stageflow components.
//
// Queues, stages and throttles accept an optional *Registry. A nil registry
// disables recording, so instrumentation costs nothing unless asked for.
//
// # Quick Start
//
//	reg := prometheus.NewRegistry()
//	m := metrics.NewRegistry(reg)
//
//	wf := workflow.New("crawl", workflow.WithMetrics(m))
//
//	http.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
//
// # Available Metrics
//
// Queue metrics (labels: workflow, queue):
//
//   - stageflow_queue_depth
//   - stageflow_queue_enqueued_total
//   - stageflow_queue_dequeued_total
//   - stageflow_queue_closed
//   - stageflow_queue_backpressure_events_total
//
// Stage metrics (labels: workflow, stage):
//
//   - stageflow_stage_items_in_total
//   - stageflow_stage_items_completed_total
//   - stageflow_stage_items_out_total
//   - stageflow_stage_errors_total
//   - stageflow_stage_replicas_active
//   - stageflow_stage_item_duration_seconds
//
// Throttle metrics (label: throttle):
//
//   - stageflow_throttle_granted_total
//   - stageflow_throttle_timeouts_total
//   - stageflow_throttle_wait_duration_seconds
//   - stageflow_throttle_slots_in_use
//
// Use Config.Namespace to replace the "stageflow" prefix and Config.Labels to
// attach constant labels such as a deployment name.
package metrics
