package workflow

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	gferrors "github.com/vnykmshr/stageflow/pkg/common/errors"
	"github.com/vnykmshr/stageflow/pkg/execution"
	"github.com/vnykmshr/stageflow/pkg/logging"
	"github.com/vnykmshr/stageflow/pkg/queue"
)

// Snapshot is a point-in-time view of a workflow.
type Snapshot struct {
	Name   string
	ID     string
	Done   bool
	Queues []queue.Stats
	Stages []StageStats
}

// Workflow owns a set of queues and the stages that connect them, and
// drives their shared lifecycle. Queue names are global within a workflow
// and resolved case-insensitively.
type Workflow struct {
	name   string
	id     string
	cfg    Config
	logger *logging.Logger
	queues *queue.Registry

	mu     sync.RWMutex
	stages map[string]*Stage
	order  []*Stage

	envMu sync.RWMutex
	env   execution.Environment

	dataMu sync.RWMutex
	data   map[string]interface{}
}

// New creates a workflow with default settings adjusted by opts.
func New(name string, opts ...Option) *Workflow {
	cfg := DefaultConfig(name)
	for _, opt := range opts {
		opt(&cfg)
	}
	return NewWithConfig(cfg)
}

// NewWithConfig creates a workflow from cfg, filling in unset fields.
func NewWithConfig(cfg Config) *Workflow {
	defaults := DefaultConfig(cfg.Name)
	if cfg.QueuePollInterval <= 0 {
		cfg.QueuePollInterval = defaults.QueuePollInterval
	}
	if cfg.ReplicaPollInterval <= 0 {
		cfg.ReplicaPollInterval = defaults.ReplicaPollInterval
	}
	if cfg.ErrorRingSize <= 0 {
		cfg.ErrorRingSize = defaults.ErrorRingSize
	}
	if cfg.Trust == nil {
		cfg.Trust = execution.AlwaysTrusted
	}

	id := uuid.NewString()
	logger := logging.OrNop(cfg.Logger).Named("workflow").With(
		zap.String("workflow", cfg.Name),
		zap.String("workflow_id", id),
	)
	if cfg.Provisioner == nil {
		cfg.Provisioner = execution.NewProvisioner(logger)
	}

	queueOpts := []queue.Option{
		queue.WithCapacity(cfg.QueueCapacity),
		queue.WithPollInterval(cfg.QueuePollInterval),
	}
	if cfg.Metrics != nil {
		queueOpts = append(queueOpts, queue.WithMetrics(cfg.Metrics, cfg.Name))
	}

	return &Workflow{
		name:   cfg.Name,
		id:     id,
		cfg:    cfg,
		logger: logger,
		queues: queue.NewRegistry(queueOpts...),
		stages: make(map[string]*Stage),
		env:    execution.NewEnvironment(),
		data:   make(map[string]interface{}),
	}
}

// Name returns the workflow name.
func (w *Workflow) Name() string { return w.name }

// ID returns a unique identifier for this workflow instance.
func (w *Workflow) ID() string { return w.id }

// AddStage builds a stage and registers it. The stage is not started.
func (w *Workflow) AddStage(name, inQueue, outQueue string, transform execution.Callable, replicas int, opts ...StageOption) (*Stage, error) {
	cfg := StageConfig{
		Name:      name,
		InQueue:   inQueue,
		OutQueue:  outQueue,
		Transform: transform,
		Replicas:  replicas,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	stage, err := NewStage(cfg)
	if err != nil {
		return nil, err
	}
	if err := w.Register(stage); err != nil {
		return nil, err
	}
	return stage, nil
}

// Register attaches a stage built with NewStage. Stage names must be unique
// and each queue may feed only one stage.
func (w *Workflow) Register(stage *Stage) error {
	if stage == nil {
		return gferrors.NewValidationError("workflow", "stage", nil, "must not be nil")
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	key := strings.ToLower(stage.Name())
	if _, exists := w.stages[key]; exists {
		return gferrors.NewValidationError("workflow", "stage", stage.Name(), "a stage with this name is already registered")
	}
	if stage.workflow != nil {
		return gferrors.NewValidationError("workflow", "stage", stage.Name(), "stage belongs to another workflow")
	}

	in := w.queues.Get(stage.InQueue())
	if err := in.Claim(stage.Name()); err != nil {
		return gferrors.NewValidationError("workflow", "in_queue", stage.InQueue(), "queue already feeds stage "+in.Consumer()).
			WithHint("give each stage its own input queue").
			WithCause(err)
	}

	stage.attach(w)
	w.stages[key] = stage
	w.order = append(w.order, stage)
	w.logger.Debug("stage registered",
		zap.String("stage", stage.Name()),
		zap.String("in", stage.InQueue()),
		zap.String("out", stage.OutQueue()))
	return nil
}

// RemoveStage detaches the named stage and releases its input queue so
// another stage may consume it. Only a pending stage, or one whose replicas
// have all exited, can be removed. The removed stage cannot be started or
// registered again.
func (w *Workflow) RemoveStage(name string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	key := strings.ToLower(name)
	stage, ok := w.stages[key]
	if !ok {
		return gferrors.NewValidationError("workflow", "stage", name, "no stage with this name is registered")
	}
	if err := stage.retire(); err != nil {
		return err
	}

	delete(w.stages, key)
	for i, s := range w.order {
		if s == stage {
			w.order = append(w.order[:i], w.order[i+1:]...)
			break
		}
	}
	w.queues.Get(stage.InQueue()).Release(stage.Name())
	w.logger.Debug("stage removed",
		zap.String("stage", stage.Name()),
		zap.String("in", stage.InQueue()))
	return nil
}

// Stage returns the named stage.
func (w *Workflow) Stage(name string) (*Stage, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	s, ok := w.stages[strings.ToLower(name)]
	return s, ok
}

// Stages returns stages in registration order.
func (w *Workflow) Stages() []*Stage {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]*Stage, len(w.order))
	copy(out, w.order)
	return out
}

// Queue returns the named queue, creating it on first reference.
func (w *Workflow) Queue(name string) *queue.Queue {
	return w.queues.Get(name)
}

// Queues returns the queue registry.
func (w *Workflow) Queues() *queue.Registry {
	return w.queues
}

// CloseQueue marks the named queue closed: no more input will arrive.
func (w *Workflow) CloseQueue(name string) {
	w.queues.Close(name)
	w.logger.Debug("queue closed", zap.String("queue", name))
}

// Enqueue adds items to the named queue and returns how many were accepted.
func (w *Workflow) Enqueue(name string, items ...interface{}) int {
	return w.queues.Get(name).EnqueueBulk(items)
}

// Start starts every stage. A stage that fails to start is left in its
// failed or current state and the others continue. Start returns a
// *errors.StartError only if no stage started.
func (w *Workflow) Start(ctx context.Context) error {
	stages := w.Stages()
	if len(stages) == 0 {
		return gferrors.NewValidationError("workflow", "stages", 0, "nothing to start").
			WithHint("add stages with AddStage before Start")
	}

	failures := make(map[string]error)
	for _, s := range stages {
		if err := s.Start(ctx); err != nil {
			failures[s.Name()] = err
			w.logger.Warn("stage did not start", zap.String("stage", s.Name()), zap.Error(err))
		}
	}

	if len(failures) == len(stages) {
		return &gferrors.StartError{Workflow: w.name, Failures: failures}
	}
	w.logger.Info("workflow started",
		zap.Int("stages", len(stages)),
		zap.Int("failed", len(failures)))
	return nil
}

// Stop stops every stage concurrently and waits for them.
func (w *Workflow) Stop() error {
	return w.StopContext(context.Background())
}

// StopContext is Stop with a bound on the wait. Stages still running when
// ctx ends are killed.
func (w *Workflow) StopContext(ctx context.Context) error {
	var g errgroup.Group
	for _, s := range w.Stages() {
		s := s
		g.Go(func() error {
			return s.StopContext(ctx)
		})
	}
	err := g.Wait()
	w.logger.Info("workflow stopped", zap.Error(err))
	return err
}

// Kill kills every stage without waiting.
func (w *Workflow) Kill() {
	for _, s := range w.Stages() {
		s.Kill()
	}
	w.logger.Warn("workflow killed")
}

// Wait blocks until every launched replica of every stage has exited.
func (w *Workflow) Wait(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, s := range w.Stages() {
		s := s
		g.Go(func() error {
			return s.Wait(ctx)
		})
	}
	return g.Wait()
}

// IsDone reports whether every stage is done.
func (w *Workflow) IsDone() bool {
	stages := w.Stages()
	if len(stages) == 0 {
		return false
	}
	for _, s := range stages {
		if !s.IsDone() {
			return false
		}
	}
	return true
}

// Snapshot returns the state of every queue and stage.
func (w *Workflow) Snapshot() Snapshot {
	stages := w.Stages()
	stats := make([]StageStats, 0, len(stages))
	for _, s := range stages {
		stats = append(stats, s.Stats())
	}
	return Snapshot{
		Name:   w.name,
		ID:     w.id,
		Done:   w.IsDone(),
		Queues: w.queues.Snapshot(),
		Stages: stats,
	}
}

// Set stores a value in the shared data map.
func (w *Workflow) Set(key string, value interface{}) {
	w.dataMu.Lock()
	defer w.dataMu.Unlock()
	w.data[key] = value
}

// Get reads a value from the shared data map.
func (w *Workflow) Get(key string) (interface{}, bool) {
	w.dataMu.RLock()
	defer w.dataMu.RUnlock()
	v, ok := w.data[key]
	return v, ok
}

// Delete removes a value from the shared data map.
func (w *Workflow) Delete(key string) {
	w.dataMu.Lock()
	defer w.dataMu.Unlock()
	delete(w.data, key)
}

// Keys returns the shared data keys in sorted order.
func (w *Workflow) Keys() []string {
	w.dataMu.RLock()
	defer w.dataMu.RUnlock()
	keys := make([]string, 0, len(w.data))
	for k := range w.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// SetVariable injects a variable into every stage started afterwards.
// Stage-level variables of the same name win.
func (w *Workflow) SetVariable(name string, value interface{}) {
	w.envMu.Lock()
	defer w.envMu.Unlock()
	w.env.Variables[name] = value
}

// SetFunction injects a helper callable into every stage started afterwards.
func (w *Workflow) SetFunction(name string, fn execution.Callable) {
	w.envMu.Lock()
	defer w.envMu.Unlock()
	w.env.Functions[name] = fn
}

// SetModule injects a script module into every stage started afterwards.
func (w *Workflow) SetModule(name, source string) {
	w.envMu.Lock()
	defer w.envMu.Unlock()
	w.env.Modules[name] = source
}

// Environment returns a copy of the workflow-level injections.
func (w *Workflow) Environment() execution.Environment {
	w.envMu.RLock()
	defer w.envMu.RUnlock()
	return w.env.Clone()
}
