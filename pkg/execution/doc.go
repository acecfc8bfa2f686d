/*
Package execution provisions the isolated contexts that stage replicas run in.

A replica's context is pre-loaded from an Environment of variables, helper
callables and script modules. Workflow-level and stage-level environments
are combined with Merge; stage entries win on name collision.

Callables come in two kinds. A Func is compiled Go and receives a Scope
carrying the replica's variables and helpers:

	double := execution.NewFunc("double", func(ctx context.Context, s *execution.Scope, item interface{}) ([]interface{}, error) {
		n := item.(int)
		return []interface{}{n * 2}, nil
	})

A Script is JavaScript evaluated in a goja runtime owned by one replica.
Its source must evaluate to a function of one item:

	double := execution.NewScript("double", "item => [item * 2]")

Script return values map to outputs: undefined or null produce nothing, an
array produces one output per element, anything else one output. Helpers
are visible to scripts as global functions and modules are evaluated, in
name order, when the runtime is created. require, process, module and
exports are removed; console writes to the replica logger.

Before a stage launches anything it calls Verify with the host's
TrustPolicy. AlwaysTrusted is the default; NativeOnly refuses scripts and
DigestAllowlist admits only scripts whose sha256 source Digest is listed.
*/
package execution
