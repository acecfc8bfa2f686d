package execution

import (
	"context"
	"fmt"

	gferrors "github.com/vnykmshr/stageflow/pkg/common/errors"
	"github.com/vnykmshr/stageflow/pkg/logging"
)

// Scope is the native view of one replica's execution context. Each replica
// gets its own Scope; it is not safe for concurrent use.
type Scope struct {
	stage   string
	replica int
	id      string

	vars   map[string]interface{}
	env    Environment
	logger *logging.Logger
	owner  *replicaContext
}

// Stage returns the owning stage name.
func (s *Scope) Stage() string { return s.stage }

// Replica returns the replica ordinal.
func (s *Scope) Replica() int { return s.replica }

// ID returns the execution context identifier.
func (s *Scope) ID() string { return s.id }

// Logger returns a logger tagged with the stage and replica.
func (s *Scope) Logger() *logging.Logger { return s.logger }

// Var returns an injected or replica-local variable.
func (s *Scope) Var(name string) (interface{}, bool) {
	v, ok := s.vars[name]
	return v, ok
}

// SetVar sets a variable visible only to this replica. Script runtimes
// see the change on their next call.
func (s *Scope) SetVar(name string, value interface{}) {
	s.vars[name] = value
	if s.owner != nil && s.owner.js != nil {
		s.owner.js.set(name, value)
	}
}

// Module returns the source of an injected module.
func (s *Scope) Module(name string) (string, bool) {
	src, ok := s.env.Modules[name]
	return src, ok
}

// Call invokes an injected helper by name.
func (s *Scope) Call(ctx context.Context, name string, item interface{}) ([]interface{}, error) {
	fn, ok := s.env.Functions[name]
	if !ok {
		return nil, gferrors.NewOperationError("execution", "Call",
			fmt.Errorf("no helper named %q", name))
	}
	if s.owner == nil {
		return nil, gferrors.NewOperationError("execution", "Call", gferrors.ErrClosed)
	}
	return s.owner.call(ctx, fn, item)
}
