// Package paramreg implements the "parameter reflection" design note of
// spec.md §9: param_set dispatches by string key to strongly typed
// setters with range validation, rather than modeling runtime
// configuration as an untyped map.
package paramreg

import (
	jerrors "github.com/juju/errors"
)

// Getter renders the current value of a parameter as text.
type Getter func() string

// Setter parses and applies a new value, returning a validation error if
// the text is out of range or malformed.
type Setter func(value string) error

// Registry is the fixed parameter schema enumerated in spec.md §6: each
// entry is registered once, at construction, by the owning component
// (conf.Cfg fields, commit mode, applier pool size, ...) rather than
// discovered reflectively.
type Registry struct {
	params map[string]entry
	order  []string
}

type entry struct {
	get Getter
	set Setter
}

// New builds an empty Registry.
func New() *Registry {
	return &Registry{params: make(map[string]entry)}
}

// Register adds key to the schema. A nil set makes the parameter
// read-only; ParamSet then fails for that key.
func (r *Registry) Register(key string, get Getter, set Setter) {
	if _, exists := r.params[key]; !exists {
		r.order = append(r.order, key)
	}
	r.params[key] = entry{get: get, set: set}
}

// Set dispatches value to key's registered Setter.
func (r *Registry) Set(key, value string) error {
	e, ok := r.params[key]
	if !ok {
		return jerrors.Errorf("paramreg: unknown parameter %q", key)
	}
	if e.set == nil {
		return jerrors.Errorf("paramreg: parameter %q is read-only", key)
	}
	return jerrors.Annotatef(e.set(value), "paramreg: set %q=%q", key, value)
}

// Get renders key's current value. ok is false for an unknown key.
func (r *Registry) Get(key string) (value string, ok bool) {
	e, exists := r.params[key]
	if !exists {
		return "", false
	}
	return e.get(), true
}

// Keys returns every registered parameter name, in registration order.
func (r *Registry) Keys() []string {
	return append([]string(nil), r.order...)
}
