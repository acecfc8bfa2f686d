package workflow

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	gferrors "github.com/vnykmshr/stageflow/pkg/common/errors"
	"github.com/vnykmshr/stageflow/pkg/common/validation"
	"github.com/vnykmshr/stageflow/pkg/execution"
	"github.com/vnykmshr/stageflow/pkg/logging"
	"github.com/vnykmshr/stageflow/pkg/metrics"
	"github.com/vnykmshr/stageflow/pkg/queue"
)

// StageStats is a point-in-time view of a stage.
type StageStats struct {
	Name                string
	InQueue             string
	OutQueue            string
	State               State
	Replicas            int
	ReplicasActive      int
	MaxItems            int64
	CountInput          int64
	CountInputCompleted int64
	CountOutput         int64
	ErrorCount          int64
	Completed           bool
	Done                bool
	StartedAt           time.Time
	StoppedAt           time.Time
	LastActivity        time.Time
	Errors              []*gferrors.ItemError
	StartErr            error
}

// Stage pulls items from one queue, runs a transform on each in N parallel
// replicas and pushes the outputs to another queue.
//
// A stage reads its input queue as the only consumer. It is done once that
// queue is closed and every item ever enqueued on it has been completed,
// successfully or not. Counters only grow and are safe to read at any time.
type Stage struct {
	cfg StageConfig

	// mu serializes lifecycle calls: Start, Stop, Kill and the Set methods.
	mu       sync.Mutex
	state    atomic.Int32
	replicas int
	maxItems atomic.Int64
	startErr error

	workflow *Workflow
	in       *queue.Queue
	out      *queue.Queue
	errors   *errorRing
	poll     time.Duration

	// getMu makes check-cap-then-dequeue atomic.
	getMu sync.Mutex

	countInput          atomic.Int64
	countInputCompleted atomic.Int64
	countOutput         atomic.Int64
	errorCount          atomic.Int64
	replicasActive      atomic.Int32
	replicasLaunched    atomic.Int32
	replicasFinished    atomic.Int32

	stopping atomic.Bool
	cancel   context.CancelFunc
	done     chan struct{}

	startedAt    atomic.Int64
	stoppedAt    atomic.Int64
	lastActivity atomic.Int64

	logger  *logging.Logger
	metrics *metrics.Registry
}

// NewStage builds a detached stage. It must be registered with a Workflow
// before it can start.
func NewStage(cfg StageConfig) (*Stage, error) {
	if err := validation.ValidateNotEmpty("stage", "name", cfg.Name); err != nil {
		return nil, err
	}
	if err := validation.ValidateNotEmpty("stage", "in_queue", cfg.InQueue); err != nil {
		return nil, err
	}
	if err := validation.ValidateNotNil("stage", "transform", cfg.Transform); err != nil {
		return nil, err
	}
	if err := validation.ValidatePositive("stage", "replicas", cfg.Replicas); err != nil {
		return nil, err
	}
	if cfg.MaxItems < 0 {
		return nil, gferrors.NewValidationError("stage", "max_items", cfg.MaxItems, "must not be negative")
	}

	s := &Stage{
		cfg:      cfg,
		replicas: cfg.Replicas,
		done:     make(chan struct{}),
		logger:   logging.OrNop(cfg.Logger),
	}
	s.maxItems.Store(cfg.MaxItems)
	s.state.Store(int32(StatePending))
	return s, nil
}

// attach binds the stage to its workflow and resolves its queues.
func (s *Stage) attach(w *Workflow) {
	s.workflow = w
	s.in = w.queues.Get(s.cfg.InQueue)
	if s.cfg.OutQueue != "" {
		s.out = w.queues.Get(s.cfg.OutQueue)
	}

	size := s.cfg.ErrorRingSize
	if size <= 0 {
		size = w.cfg.ErrorRingSize
	}
	s.errors = newErrorRing(size)

	s.poll = s.cfg.PollInterval
	if s.poll <= 0 {
		s.poll = w.cfg.ReplicaPollInterval
	}
	if s.poll <= 0 {
		s.poll = DefaultReplicaPollInterval
	}

	if s.cfg.Logger == nil {
		s.logger = w.logger.Named("stage").With(zap.String("stage", s.cfg.Name))
	}
	s.metrics = w.cfg.Metrics
}

// Name returns the stage name.
func (s *Stage) Name() string { return s.cfg.Name }

// InQueue returns the input queue name.
func (s *Stage) InQueue() string { return s.cfg.InQueue }

// OutQueue returns the output queue name; empty for a sink stage.
func (s *Stage) OutQueue() string { return s.cfg.OutQueue }

// State returns the lifecycle state.
func (s *Stage) State() State { return State(s.state.Load()) }

func (s *Stage) setState(st State) { s.state.Store(int32(st)) }

func (s *Stage) transition(from, to State) bool {
	return s.state.CompareAndSwap(int32(from), int32(to))
}

// Replicas returns the configured replica count.
func (s *Stage) Replicas() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replicas
}

// SetReplicas changes the replica count. Only allowed while pending.
func (s *Stage) SetReplicas(n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := validation.ValidatePositive("stage", "replicas", n); err != nil {
		return err
	}
	if st := s.State(); st != StatePending {
		return gferrors.NewValidationError("stage", "replicas", n, "stage is "+st.String()).
			WithHint("replicas can only be changed before Start").
			WithCause(gferrors.ErrInvalidState)
	}
	s.replicas = n
	return nil
}

// MaxItems returns the pull cap, or 0 when uncapped.
func (s *Stage) MaxItems() int64 { return s.maxItems.Load() }

// SetMaxItems changes the pull cap. Zero removes it. Only allowed while pending.
func (s *Stage) SetMaxItems(n int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n < 0 {
		return gferrors.NewValidationError("stage", "max_items", n, "must not be negative")
	}
	if st := s.State(); st != StatePending {
		return gferrors.NewValidationError("stage", "max_items", n, "stage is "+st.String()).
			WithHint("max items can only be changed before Start").
			WithCause(gferrors.ErrInvalidState)
	}
	s.maxItems.Store(n)
	return nil
}

// CountInput returns the number of items pulled from the input queue.
func (s *Stage) CountInput() int64 { return s.countInput.Load() }

// CountInputCompleted returns the number of items fully processed, including failures.
func (s *Stage) CountInputCompleted() int64 { return s.countInputCompleted.Load() }

// CountOutput returns the number of outputs accepted downstream.
func (s *Stage) CountOutput() int64 { return s.countOutput.Load() }

// ErrorCount returns the number of items whose transform failed.
func (s *Stage) ErrorCount() int64 { return s.errorCount.Load() }

// Errors returns the most recent item errors, oldest first.
func (s *Stage) Errors() []*gferrors.ItemError {
	if s.errors == nil {
		return nil
	}
	return s.errors.snapshot()
}

// StartErr returns the error that put the stage in StateFailed.
func (s *Stage) StartErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startErr
}

// Completed reports whether every item enqueued on the input so far has
// been processed, or the MaxItems cap has been reached.
func (s *Stage) Completed() bool {
	if s.in == nil {
		return false
	}
	if s.capReached() {
		return true
	}
	return s.countInputCompleted.Load() >= s.in.TotalEnqueued()
}

// IsDone reports whether no more work can arrive: the input queue is closed
// and Completed holds, or the MaxItems cap has been reached. It is never
// true while the input queue is open and uncapped.
func (s *Stage) IsDone() bool {
	if s.in == nil {
		return false
	}
	if s.capReached() {
		return true
	}
	// closed is read before the counters; see queue.Close.
	if !s.in.IsClosed() {
		return false
	}
	return s.countInputCompleted.Load() >= s.in.TotalEnqueued()
}

func (s *Stage) capReached() bool {
	limit := s.maxItems.Load()
	return limit > 0 && s.countInputCompleted.Load() >= limit
}

// getNext pulls one item unless the MaxItems cap is reached.
func (s *Stage) getNext() (interface{}, bool) {
	s.getMu.Lock()
	defer s.getMu.Unlock()

	if limit := s.maxItems.Load(); limit > 0 && s.countInput.Load() >= limit {
		return nil, false
	}
	item, ok := s.in.Dequeue()
	if !ok {
		return nil, false
	}
	s.countInput.Add(1)
	return item, true
}

// Start provisions the replicas and launches them. ctx bounds provisioning
// only; replicas run until the stage is done, stopped or killed.
func (s *Stage) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.workflow == nil {
		return gferrors.NewValidationError("stage", "workflow", nil, "stage "+s.cfg.Name+" is not attached to a workflow").
			WithHint("register the stage with Workflow.Register or create it with Workflow.AddStage")
	}
	if st := s.State(); st != StatePending {
		return gferrors.NewOperationError("stage", "Start", gferrors.ErrInvalidState).
			WithContext("stage " + s.cfg.Name + " is " + st.String())
	}
	if err := validation.ValidatePositive("stage", "replicas", s.replicas); err != nil {
		return err
	}

	s.setState(StateStarting)
	s.logger.Debug("starting stage", zap.Int("replicas", s.replicas))

	env := execution.Merge(s.workflow.Environment(), s.cfg.Environment)

	if err := execution.Verify(s.workflow.cfg.Trust, s.cfg.Name, s.cfg.Transform, env, s.cfg.Begin, s.cfg.End); err != nil {
		return s.fail(err)
	}

	contexts := make([]execution.Context, 0, s.replicas)
	for i := 0; i < s.replicas; i++ {
		ec, err := s.workflow.cfg.Provisioner.Provision(ctx, execution.Spec{
			Stage:       s.cfg.Name,
			Replica:     i,
			Environment: env,
			Transform:   s.cfg.Transform,
		})
		if err != nil {
			for _, c := range contexts {
				_ = c.Close()
			}
			return s.fail(err)
		}
		contexts = append(contexts, ec)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.replicasFinished.Store(0)
	s.replicasLaunched.Store(int32(len(contexts)))
	s.replicasActive.Store(int32(len(contexts)))
	s.startedAt.Store(time.Now().UnixNano())
	s.touch()
	if s.metrics != nil {
		s.metrics.StageReplicasActive.WithLabelValues(s.workflow.name, s.cfg.Name).Set(float64(len(contexts)))
	}

	for i, ec := range contexts {
		go s.runReplica(runCtx, i, ec)
	}

	// Replicas may already have found the stage done.
	s.transition(StateStarting, StateRunning)
	s.logger.Info("stage started", zap.Int("replicas", len(contexts)))
	return nil
}

// fail records a setup error. A failed stage will never produce, so the
// queues it would have closed are closed now to keep downstream stages
// from waiting forever.
func (s *Stage) fail(err error) error {
	s.startErr = err
	s.setState(StateFailed)
	s.stoppedAt.Store(time.Now().UnixNano())
	s.logger.Error("stage failed to start", zap.Error(err))
	s.closeDownstream()
	return err
}

func (s *Stage) closeDownstream() {
	if s.cfg.CloseOutQueue && s.out != nil {
		s.out.Close()
	}
	for _, name := range s.cfg.CloseQueues {
		s.workflow.CloseQueue(name)
	}
}

// Stop finishes the stage gracefully: every replica completes its current
// item and end hook. With Kill configured, Stop behaves like Kill.
// Stop is safe on a pending, failed or already stopped stage.
func (s *Stage) Stop() error {
	return s.StopContext(context.Background())
}

// StopContext is Stop with a bound on the wait. If ctx ends first the
// stage is killed and ctx.Err() is returned.
func (s *Stage) StopContext(ctx context.Context) error {
	if s.cfg.Kill {
		s.Kill()
		return nil
	}

	s.mu.Lock()
	switch st := s.State(); st {
	case StatePending, StateCompleted:
		s.markStopped()
		s.mu.Unlock()
		return nil
	case StateFailed, StateStopped:
		s.mu.Unlock()
		return nil
	case StateRunning:
		s.stopping.Store(true)
		if !s.transition(StateRunning, StateStopping) {
			// Finished on its own in the meantime.
			s.markStopped()
			s.mu.Unlock()
			return nil
		}
		s.logger.Debug("stopping stage")
	}
	done := s.done
	s.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("stop timed out, killing stage", zap.Error(ctx.Err()))
		s.Kill()
		return ctx.Err()
	}

	s.mu.Lock()
	if s.transition(StateStopping, StateStopped) {
		s.stoppedAt.Store(time.Now().UnixNano())
		s.logger.Info("stage stopped")
	}
	s.mu.Unlock()
	return nil
}

// Kill cancels every replica without waiting and marks the stage stopped.
// Scripts are interrupted; native transforms see their context canceled.
// Items in flight are lost: their outputs are dropped and they may never be
// counted as completed. Replica goroutines still exit in the background;
// use Wait to observe that.
func (s *Stage) Kill() {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.State() {
	case StateFailed, StateStopped:
		return
	case StatePending, StateCompleted:
		s.markStopped()
		return
	}

	s.stopping.Store(true)
	if s.cancel != nil {
		s.cancel()
	}
	s.markStopped()
	s.logger.Warn("stage killed, in-flight items dropped",
		zap.Int64("pulled", s.countInput.Load()),
		zap.Int64("completed", s.countInputCompleted.Load()))
}

func (s *Stage) markStopped() {
	s.setState(StateStopped)
	s.stoppedAt.Store(time.Now().UnixNano())
}

// Wait blocks until every replica has exited or ctx is done. It returns
// immediately for a stage that never launched replicas.
func (s *Stage) Wait(ctx context.Context) error {
	s.mu.Lock()
	launched := s.cancel != nil
	done := s.done
	s.mu.Unlock()

	if !launched {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// retire marks the stage as no longer part of its workflow. It refuses a
// stage whose replicas may still read the input queue. A pending stage is
// marked stopped so it can never start.
func (s *Stage) retire() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.State()
	if st == StatePending {
		s.markStopped()
		return nil
	}
	if !st.Terminal() {
		return gferrors.NewOperationError("stage", "Remove", gferrors.ErrInvalidState).
			WithContext("stage " + s.cfg.Name + " is " + st.String())
	}
	if s.cancel != nil {
		select {
		case <-s.done:
		default:
			return gferrors.NewOperationError("stage", "Remove", gferrors.ErrInvalidState).
				WithContext("stage " + s.cfg.Name + " still has replicas running")
		}
	}
	return nil
}

// Stats returns a snapshot of the stage.
func (s *Stage) Stats() StageStats {
	s.mu.Lock()
	replicas := s.replicas
	startErr := s.startErr
	s.mu.Unlock()

	return StageStats{
		Name:                s.cfg.Name,
		InQueue:             s.cfg.InQueue,
		OutQueue:            s.cfg.OutQueue,
		State:               s.State(),
		Replicas:            replicas,
		ReplicasActive:      int(s.replicasActive.Load()),
		MaxItems:            s.maxItems.Load(),
		CountInput:          s.countInput.Load(),
		CountInputCompleted: s.countInputCompleted.Load(),
		CountOutput:         s.countOutput.Load(),
		ErrorCount:          s.errorCount.Load(),
		Completed:           s.Completed(),
		Done:                s.IsDone(),
		StartedAt:           unixTime(s.startedAt.Load()),
		StoppedAt:           unixTime(s.stoppedAt.Load()),
		LastActivity:        unixTime(s.lastActivity.Load()),
		Errors:              s.Errors(),
		StartErr:            startErr,
	}
}

func (s *Stage) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

func unixTime(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}
