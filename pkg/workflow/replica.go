package workflow

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	gfcontext "github.com/vnykmshr/stageflow/pkg/common/context"
	gferrors "github.com/vnykmshr/stageflow/pkg/common/errors"
	"github.com/vnykmshr/stageflow/pkg/execution"
	"github.com/vnykmshr/stageflow/pkg/logging"
)

// runReplica is the loop every replica runs until the stage is done,
// stopped or killed.
func (s *Stage) runReplica(ctx context.Context, i int, ec execution.Context) {
	defer s.replicaExited(i)
	defer func() { _ = ec.Close() }()

	logger := s.logger.With(zap.Int("replica", i), zap.String("context_id", ec.ID()))

	if s.cfg.Begin != nil {
		if err := s.runHook(ctx, ec, s.cfg.Begin); err != nil {
			logger.Warn("begin hook failed", zap.Error(err))
		}
	}

	for {
		if s.stopping.Load() || gfcontext.IsCanceled(ctx) || s.IsDone() {
			break
		}

		item, ok := s.getNext()
		if !ok {
			if err := gfcontext.Sleep(ctx, s.poll); err != nil {
				break
			}
			continue
		}

		s.process(ctx, i, ec, item, logger)
	}

	// A killed replica skips its end hook.
	if s.cfg.End != nil && ctx.Err() == nil {
		if err := s.runHook(ctx, ec, s.cfg.End); err != nil {
			logger.Warn("end hook failed", zap.Error(err))
		}
	}
	logger.Debug("replica exiting")
}

// process runs the transform on one item and forwards its outputs. The item
// always counts as completed, whether it succeeded or failed.
func (s *Stage) process(ctx context.Context, i int, ec execution.Context, item interface{}, logger *logging.Logger) {
	start := time.Now()
	s.touch()
	if s.metrics != nil {
		s.metrics.StageItemsIn.WithLabelValues(s.workflow.name, s.cfg.Name).Inc()
	}

	defer func() {
		s.countInputCompleted.Add(1)
		s.touch()
		if s.metrics != nil {
			s.metrics.StageItemsCompleted.WithLabelValues(s.workflow.name, s.cfg.Name).Inc()
			s.metrics.StageItemDuration.WithLabelValues(s.workflow.name, s.cfg.Name).Observe(time.Since(start).Seconds())
		}
	}()

	if s.cfg.Throttle != nil {
		if err := s.cfg.Throttle.GetSlotContext(ctx); err != nil {
			if gfcontext.IsCanceled(ctx) {
				logger.Debug("item dropped while waiting for throttle", zap.Error(err))
				return
			}
			s.recordError(i, ec.ID(), item, err)
			return
		}
	}

	outputs, err := s.invoke(ctx, ec, item)
	if err != nil {
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			logger.Debug("item interrupted", zap.Error(err))
			return
		}
		s.recordError(i, ec.ID(), item, err)
		return
	}

	if s.out == nil {
		return
	}
	for _, o := range outputs {
		accepted, err := s.out.EnqueueContext(ctx, o)
		if err != nil {
			logger.Debug("outputs dropped", zap.Error(err))
			return
		}
		if accepted {
			s.countOutput.Add(1)
			if s.metrics != nil {
				s.metrics.StageItemsOut.WithLabelValues(s.workflow.name, s.cfg.Name).Inc()
			}
		}
	}
}

// invoke calls the transform and turns a panic into an error.
func (s *Stage) invoke(ctx context.Context, ec execution.Context, item interface{}) (outputs []interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			outputs = nil
			err = fmt.Errorf("transform panicked: %v\nStack trace:\n%s", r, debug.Stack())
		}
	}()
	return ec.Invoke(ctx, item)
}

func (s *Stage) runHook(ctx context.Context, ec execution.Context, hook execution.Callable) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("hook %s panicked: %v", hook.Name(), r)
		}
	}()
	return ec.Run(ctx, hook)
}

func (s *Stage) recordError(i int, contextID string, item interface{}, err error) {
	s.errors.push(&gferrors.ItemError{
		Stage:              s.cfg.Name,
		Item:               item,
		Timestamp:          time.Now(),
		ExecutionContextID: contextID,
		Replica:            i,
		Err:                err,
	})
	s.errorCount.Add(1)
	if s.metrics != nil {
		s.metrics.StageErrors.WithLabelValues(s.workflow.name, s.cfg.Name).Inc()
	}
	s.logger.Debug("item failed", zap.Int("replica", i), zap.Error(err))
}

// replicaExited runs as each replica leaves its loop. The last one out
// closes the configured queues so shutdown cascades downstream, then
// releases waiters.
func (s *Stage) replicaExited(i int) {
	active := s.replicasActive.Add(-1)
	if s.metrics != nil {
		s.metrics.StageReplicasActive.WithLabelValues(s.workflow.name, s.cfg.Name).Set(float64(active))
	}

	if s.replicasFinished.Add(1) < s.replicasLaunched.Load() {
		return
	}

	s.closeDownstream()

	if s.transition(StateRunning, StateCompleted) || s.transition(StateStarting, StateCompleted) {
		s.stoppedAt.Store(time.Now().UnixNano())
		s.logger.Info("stage completed",
			zap.Int64("input", s.countInput.Load()),
			zap.Int64("output", s.countOutput.Load()),
			zap.Int64("errors", s.errorCount.Load()))
	}
	close(s.done)
}
