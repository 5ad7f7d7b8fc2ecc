package fhirpath

// VariableResolver resolves %name variables that are neither constants nor
// one of the built-in %context and %resource.
type VariableResolver func(env Context, name string) (Collection, bool)

// Context is the environment an expression is evaluated in.
//
// Context is an immutable value: the With methods return a modified copy and
// never change the receiver, so contexts can be shared between evaluations.
type Context struct {
	root     Object
	current  Object
	this     Collection
	hasThis  bool
	frame    *constantFrame
	resolver VariableResolver
}

// constantFrame is a persistent list of constant bindings.
// Later frames shadow earlier ones.
type constantFrame struct {
	name   string
	value  Collection
	parent *constantFrame
}

func (f *constantFrame) lookup(name string) (Collection, bool) {
	for ; f != nil; f = f.parent {
		if f.name == name {
			return f.value, true
		}
	}
	return nil, false
}

// NewContext creates a context with root as root and current object.
// %name variables are resolved with FHIRVariables by default.
func NewContext(root Object) Context {
	return Context{
		root:     root,
		current:  root,
		resolver: FHIRVariables,
	}
}

// WithCurrent returns a copy of env with o as current object.
func (env Context) WithCurrent(o Object) Context {
	env.current = o
	return env
}

// WithThis returns a copy of env with v bound as $this.
func (env Context) WithThis(v Collection) Context {
	env.this = Normalize(v)
	env.hasThis = true
	return env
}

// WithConstant returns a copy of env with v available as %name.
func (env Context) WithConstant(name string, v Collection) Context {
	env.frame = &constantFrame{name: name, value: Normalize(v), parent: env.frame}
	return env
}

// WithVariableResolver returns a copy of env using r for unknown %name variables.
// A nil resolver resolves nothing.
func (env Context) WithVariableResolver(r VariableResolver) Context {
	env.resolver = r
	return env
}

func (env Context) Root() Object {
	return env.root
}

func (env Context) Current() Object {
	return env.current
}

// This returns the value bound as $this.
func (env Context) This() (Collection, bool) {
	return env.this, env.hasThis
}

// Constant returns the constant bound to name with WithConstant.
func (env Context) Constant(name string) (Collection, bool) {
	return env.frame.lookup(name)
}

// focus is the implicit input of term invocations.
func (env Context) focus() Collection {
	if env.hasThis {
		return env.this
	}
	return Collection{env.current}
}

// variable resolves %name: constants first, then %context and %resource,
// then the variable resolver. Unknown names resolve to empty.
func (env Context) variable(name string) Collection {
	if v, ok := env.Constant(name); ok {
		return v
	}
	switch name {
	case "context":
		return Collection{env.current}
	case "resource":
		return Collection{env.root}
	}
	if env.resolver != nil {
		if v, ok := env.resolver(env, name); ok {
			return Normalize(v)
		}
	}
	return nil
}
