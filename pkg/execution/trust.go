package execution

import (
	gferrors "github.com/vnykmshr/stageflow/pkg/common/errors"
)

// TrustPolicy decides whether a callable may run inside a replica.
type TrustPolicy interface {
	IsTrusted(c Callable) bool
}

// TrustFunc adapts a function to TrustPolicy.
type TrustFunc func(c Callable) bool

// IsTrusted calls f.
func (f TrustFunc) IsTrusted(c Callable) bool { return f(c) }

// AlwaysTrusted trusts everything. It is the default.
var AlwaysTrusted TrustPolicy = TrustFunc(func(Callable) bool { return true })

// NativeOnly trusts compiled Go functions and refuses scripts.
var NativeOnly TrustPolicy = TrustFunc(func(c Callable) bool { return c.Kind() == KindNative })

// DigestAllowlist trusts native functions, and scripts whose sha256 source
// digest (see Digest) is listed.
func DigestAllowlist(digests ...string) TrustPolicy {
	allowed := make(map[string]struct{}, len(digests))
	for _, d := range digests {
		allowed[d] = struct{}{}
	}
	return TrustFunc(func(c Callable) bool {
		s, ok := c.(*Script)
		if !ok {
			return c.Kind() == KindNative
		}
		_, ok = allowed[s.Digest()]
		return ok
	})
}

// Verify checks the transform, hooks and every helper in env against policy.
// A nil policy trusts everything. The first refusal is returned as a
// *errors.SecurityError naming the stage and callable.
func Verify(policy TrustPolicy, stage string, transform Callable, env Environment, hooks ...Callable) error {
	if policy == nil {
		return nil
	}

	check := func(c Callable, role string) error {
		if c == nil || policy.IsTrusted(c) {
			return nil
		}
		return &gferrors.SecurityError{
			Stage:    stage,
			Callable: c.Name(),
			Reason:   role + " " + c.Kind().String(),
		}
	}

	if err := check(transform, "transform"); err != nil {
		return err
	}
	for _, h := range hooks {
		if err := check(h, "hook"); err != nil {
			return err
		}
	}
	for _, name := range env.functionNames() {
		if err := check(env.Functions[name], "helper"); err != nil {
			return err
		}
	}
	return nil
}
