package execution

import "sort"

// Environment lists what an execution context is pre-loaded with.
type Environment struct {
	// Variables are exposed by name to native scopes and as script globals.
	Variables map[string]interface{}

	// Functions are helper callables, reachable from native code through
	// Scope.Call and from scripts as global functions.
	Functions map[string]Callable

	// Modules are script sources evaluated, in name order, when a script
	// runtime is created.
	Modules map[string]string
}

// NewEnvironment returns an empty environment with allocated maps.
func NewEnvironment() Environment {
	return Environment{
		Variables: make(map[string]interface{}),
		Functions: make(map[string]Callable),
		Modules:   make(map[string]string),
	}
}

// Clone returns a copy whose maps can be modified independently.
func (e Environment) Clone() Environment {
	return Merge(e, Environment{})
}

// Merge combines two environments. Entries in override win on name collision.
func Merge(base, override Environment) Environment {
	out := NewEnvironment()
	for k, v := range base.Variables {
		out.Variables[k] = v
	}
	for k, v := range override.Variables {
		out.Variables[k] = v
	}
	for k, v := range base.Functions {
		out.Functions[k] = v
	}
	for k, v := range override.Functions {
		out.Functions[k] = v
	}
	for k, v := range base.Modules {
		out.Modules[k] = v
	}
	for k, v := range override.Modules {
		out.Modules[k] = v
	}
	return out
}

// IsEmpty reports whether the environment injects nothing.
func (e Environment) IsEmpty() bool {
	return len(e.Variables) == 0 && len(e.Functions) == 0 && len(e.Modules) == 0
}

// moduleNames returns module names in evaluation order.
func (e Environment) moduleNames() []string {
	names := make([]string, 0, len(e.Modules))
	for name := range e.Modules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// functionNames returns helper names sorted.
func (e Environment) functionNames() []string {
	names := make([]string, 0, len(e.Functions))
	for name := range e.Functions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
