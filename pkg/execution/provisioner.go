package execution

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	gferrors "github.com/vnykmshr/stageflow/pkg/common/errors"
	"github.com/vnykmshr/stageflow/pkg/logging"
)

// Spec describes the execution context one replica needs.
type Spec struct {
	Stage       string
	Replica     int
	Environment Environment
	Transform   Callable
}

// Context is an isolated execution context owned by a single replica.
type Context interface {
	// ID identifies the context in error records and logs.
	ID() string

	// Invoke runs the stage transform on item.
	Invoke(ctx context.Context, item interface{}) ([]interface{}, error)

	// Run executes a callable with no item and discards its outputs.
	// Stages use it for begin and end hooks.
	Run(ctx context.Context, c Callable) error

	// Close releases the context. Further calls fail with ErrClosed.
	Close() error
}

// Provisioner creates execution contexts for replicas.
type Provisioner interface {
	Provision(ctx context.Context, spec Spec) (Context, error)
}

// ProvisionerFunc adapts a function to Provisioner.
type ProvisionerFunc func(ctx context.Context, spec Spec) (Context, error)

// Provision calls f.
func (f ProvisionerFunc) Provision(ctx context.Context, spec Spec) (Context, error) {
	return f(ctx, spec)
}

// DefaultProvisioner runs native callables directly against a per-replica
// Scope and scripts in a per-replica goja runtime. The runtime is created
// eagerly when the transform, a helper or a module needs it, so broken
// module source fails provisioning instead of the first item.
type DefaultProvisioner struct {
	logger *logging.Logger
}

// NewProvisioner returns a DefaultProvisioner. A nil logger disables logging.
func NewProvisioner(logger *logging.Logger) *DefaultProvisioner {
	return &DefaultProvisioner{logger: logging.OrNop(logger)}
}

// Provision implements Provisioner.
func (p *DefaultProvisioner) Provision(ctx context.Context, spec Spec) (Context, error) {
	if spec.Transform == nil {
		return nil, gferrors.NewValidationError("execution", "transform", nil, "must not be nil")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	env := spec.Environment.Clone()
	id := uuid.NewString()

	vars := make(map[string]interface{}, len(env.Variables))
	for k, v := range env.Variables {
		vars[k] = v
	}

	rc := &replicaContext{id: id, transform: spec.Transform}
	rc.scope = &Scope{
		stage:   spec.Stage,
		replica: spec.Replica,
		id:      id,
		vars:    vars,
		env:     env,
		logger: logging.OrNop(p.logger).With(
			zap.String("stage", spec.Stage),
			zap.Int("replica", spec.Replica),
			zap.String("context_id", id),
		),
		owner: rc,
	}

	if needsScriptRuntime(spec.Transform, env) {
		rt, err := rc.runtime()
		if err != nil {
			return nil, err
		}
		if s, ok := spec.Transform.(*Script); ok {
			if _, err := rt.compile(s); err != nil {
				_ = rc.Close()
				return nil, gferrors.NewOperationError("execution", "Provision", err).
					WithContext("stage " + spec.Stage)
			}
		}
	}
	return rc, nil
}

func needsScriptRuntime(transform Callable, env Environment) bool {
	if transform.Kind() == KindScript || len(env.Modules) > 0 {
		return true
	}
	for _, fn := range env.Functions {
		if fn.Kind() == KindScript {
			return true
		}
	}
	return false
}

// replicaContext is the Context returned by DefaultProvisioner.
type replicaContext struct {
	id        string
	transform Callable
	scope     *Scope

	mu     sync.Mutex
	js     *jsRuntime
	closed bool
}

func (rc *replicaContext) ID() string { return rc.id }

func (rc *replicaContext) Invoke(ctx context.Context, item interface{}) ([]interface{}, error) {
	return rc.call(ctx, rc.transform, item)
}

func (rc *replicaContext) Run(ctx context.Context, c Callable) error {
	if c == nil {
		return nil
	}
	_, err := rc.call(ctx, c, nil)
	return err
}

func (rc *replicaContext) call(ctx context.Context, c Callable, item interface{}) ([]interface{}, error) {
	if rc.isClosed() {
		return nil, gferrors.ErrClosed
	}

	switch fn := c.(type) {
	case *Func:
		return fn.Call(ctx, rc.scope, item)
	case *Script:
		rt, err := rc.runtime()
		if err != nil {
			return nil, err
		}
		return rt.call(ctx, fn, item)
	default:
		return nil, fmt.Errorf("execution: unsupported callable %T", c)
	}
}

// runtime returns the script runtime, creating it on first use.
func (rc *replicaContext) runtime() (*jsRuntime, error) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if rc.closed {
		return nil, gferrors.ErrClosed
	}
	if rc.js == nil {
		rt, err := newJSRuntime(rc.scope)
		if err != nil {
			return nil, gferrors.NewOperationError("execution", "Provision", err).
				WithContext("stage " + rc.scope.stage)
		}
		rc.js = rt
	}
	return rc.js, nil
}

func (rc *replicaContext) isClosed() bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.closed
}

func (rc *replicaContext) Close() error {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if rc.closed {
		return nil
	}
	rc.closed = true
	if rc.js != nil {
		rc.js.close()
	}
	return nil
}
