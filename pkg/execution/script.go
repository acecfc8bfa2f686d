package execution

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dop251/goja"
	"go.uber.org/zap"
)

// jsRuntime is one goja VM bound to a replica. goja runtimes are not
// goroutine safe; only the owning replica calls into it. Interrupt is the
// one method other goroutines use.
type jsRuntime struct {
	vm       *goja.Runtime
	scope    *Scope
	compiled map[*Script]goja.Callable

	// ctx of the call in progress, handed to native helpers called from JS
	ctx context.Context
}

func newJSRuntime(scope *Scope) (*jsRuntime, error) {
	r := &jsRuntime{
		vm:       goja.New(),
		scope:    scope,
		compiled: make(map[*Script]goja.Callable),
		ctx:      context.Background(),
	}
	r.vm.SetFieldNameMapper(goja.UncapFieldNameMapper())
	r.vm.SetMaxCallStackSize(1024)

	if err := r.setupGlobals(); err != nil {
		return nil, err
	}

	for name, value := range scope.vars {
		if err := r.vm.Set(name, value); err != nil {
			return nil, fmt.Errorf("variable %s: %w", name, err)
		}
	}

	for _, name := range scope.env.functionNames() {
		if err := r.bindHelper(name, scope.env.Functions[name]); err != nil {
			return nil, fmt.Errorf("helper %s: %w", name, err)
		}
	}

	for _, name := range scope.env.moduleNames() {
		if _, err := r.vm.RunScript(name, scope.env.Modules[name]); err != nil {
			return nil, fmt.Errorf("module %s: %w", name, err)
		}
	}

	return r, nil
}

// setupGlobals removes host escape hatches and routes console output to the
// replica logger.
func (r *jsRuntime) setupGlobals() error {
	for _, name := range []string{"require", "process", "module", "exports"} {
		if err := r.vm.Set(name, goja.Undefined()); err != nil {
			return err
		}
	}

	noop := func(goja.FunctionCall) goja.Value { return goja.Undefined() }
	if err := r.vm.Set("setTimeout", noop); err != nil {
		return err
	}
	if err := r.vm.Set("setInterval", noop); err != nil {
		return err
	}

	console := r.vm.NewObject()
	levels := map[string]func(string, ...zap.Field){
		"log":   r.scope.logger.Info,
		"info":  r.scope.logger.Info,
		"warn":  r.scope.logger.Warn,
		"error": r.scope.logger.Error,
		"debug": r.scope.logger.Debug,
	}
	for name, logFn := range levels {
		logFn := logFn
		err := console.Set(name, func(call goja.FunctionCall) goja.Value {
			parts := make([]string, len(call.Arguments))
			for i, arg := range call.Arguments {
				parts[i] = arg.String()
			}
			logFn(strings.Join(parts, " "), zap.String("source", "script"))
			return goja.Undefined()
		})
		if err != nil {
			return err
		}
	}
	return r.vm.Set("console", console)
}

// bindHelper exposes a helper as a global JS function. Native helpers
// return their outputs as an array; script helpers are bound as-is.
func (r *jsRuntime) bindHelper(name string, c Callable) error {
	switch fn := c.(type) {
	case *Func:
		return r.vm.Set(name, func(call goja.FunctionCall) goja.Value {
			var item interface{}
			if len(call.Arguments) > 0 {
				item = call.Argument(0).Export()
			}
			outputs, err := fn.Call(r.ctx, r.scope, item)
			if err != nil {
				panic(r.vm.NewGoError(err))
			}
			return r.vm.ToValue(outputs)
		})
	case *Script:
		v, err := r.vm.RunScript(name, fn.expression())
		if err != nil {
			return err
		}
		if _, ok := goja.AssertFunction(v); !ok {
			return fmt.Errorf("script %s does not evaluate to a function", fn.Name())
		}
		return r.vm.Set(name, v)
	default:
		return fmt.Errorf("unsupported callable %T", c)
	}
}

func (r *jsRuntime) set(name string, value interface{}) {
	_ = r.vm.Set(name, value)
}

// compile evaluates a script to its function value, once per runtime.
func (r *jsRuntime) compile(s *Script) (goja.Callable, error) {
	if fn, ok := r.compiled[s]; ok {
		return fn, nil
	}
	v, err := r.vm.RunScript(s.Name(), s.expression())
	if err != nil {
		return nil, err
	}
	fn, ok := goja.AssertFunction(v)
	if !ok {
		return nil, fmt.Errorf("script %s does not evaluate to a function", s.Name())
	}
	r.compiled[s] = fn
	return fn, nil
}

// call runs s with item. Canceling ctx interrupts the script.
func (r *jsRuntime) call(ctx context.Context, s *Script, item interface{}) ([]interface{}, error) {
	fn, err := r.compile(s)
	if err != nil {
		return nil, err
	}

	r.vm.ClearInterrupt()
	stop := context.AfterFunc(ctx, func() {
		r.vm.Interrupt(ctx.Err())
	})
	defer stop()

	prev := r.ctx
	r.ctx = ctx
	defer func() { r.ctx = prev }()

	var arg goja.Value = goja.Undefined()
	if item != nil {
		arg = r.vm.ToValue(item)
	}

	v, err := fn(goja.Undefined(), arg)
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	return exportOutputs(v), nil
}

// exportOutputs maps a JS return value to stage outputs: nothing for
// undefined or null, one output per element for arrays, else one output.
func exportOutputs(v goja.Value) []interface{} {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	exported := v.Export()
	if arr, ok := exported.([]interface{}); ok {
		return arr
	}
	return []interface{}{exported}
}

func (r *jsRuntime) close() {
	r.vm.Interrupt("closed")
}
