package execution

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Kind distinguishes native Go callables from scripts.
type Kind int

const (
	// KindNative is a compiled Go function.
	KindNative Kind = iota
	// KindScript is JavaScript source run in an isolated runtime.
	KindScript
)

func (k Kind) String() string {
	switch k {
	case KindNative:
		return "native"
	case KindScript:
		return "script"
	default:
		return "unknown"
	}
}

// Callable is a transformation, hook or helper that an execution context can run.
type Callable interface {
	Name() string
	Kind() Kind
}

// TransformFunc turns one item into zero or more outputs.
// A nil slice with a nil error means the item produced nothing.
type TransformFunc func(ctx context.Context, scope *Scope, item interface{}) ([]interface{}, error)

// Func is a native Callable.
type Func struct {
	name string
	fn   TransformFunc
}

// NewFunc wraps fn as a Callable.
func NewFunc(name string, fn TransformFunc) *Func {
	return &Func{name: name, fn: fn}
}

// Map adapts a one-to-one function.
func Map(name string, fn func(ctx context.Context, item interface{}) (interface{}, error)) *Func {
	return NewFunc(name, func(ctx context.Context, _ *Scope, item interface{}) ([]interface{}, error) {
		out, err := fn(ctx, item)
		if err != nil {
			return nil, err
		}
		return []interface{}{out}, nil
	})
}

// Name returns the function name.
func (f *Func) Name() string { return f.name }

// Kind returns KindNative.
func (f *Func) Kind() Kind { return KindNative }

// Call runs the function.
func (f *Func) Call(ctx context.Context, scope *Scope, item interface{}) ([]interface{}, error) {
	return f.fn(ctx, scope, item)
}

// Script is a JavaScript Callable. Source must evaluate to a function taking
// one item, for example "item => [item * 2]" or "function (item) { ... }".
type Script struct {
	name   string
	source string
}

// NewScript wraps source as a Callable.
func NewScript(name, source string) *Script {
	return &Script{name: name, source: source}
}

// Name returns the script name.
func (s *Script) Name() string { return s.name }

// Kind returns KindScript.
func (s *Script) Kind() Kind { return KindScript }

// Source returns the script text.
func (s *Script) Source() string { return s.source }

// Digest returns the hex sha256 of the source.
func (s *Script) Digest() string {
	return Digest(s.source)
}

// expression returns the source in a form that evaluates to a value.
func (s *Script) expression() string {
	src := strings.TrimSpace(s.source)
	src = strings.TrimRight(src, "; \t\r\n")
	return "(" + src + ")"
}

// Digest returns the hex sha256 of a script source, as used by DigestAllowlist.
func Digest(source string) string {
	sum := sha256.Sum256([]byte(source))
	return hex.EncodeToString(sum[:])
}
