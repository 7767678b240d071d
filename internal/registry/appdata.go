package registry

import (
	"fmt"
	"reflect"
	"sync"
)

// AppData is a type-keyed container of shared handles — store adapters,
// configuration, metrics clients — made available to every handler
// invocation without threading them through every function signature.
// Keys are the dynamic type of the stored value, so each concrete type
// may be registered at most once.
type AppData struct {
	mu     sync.RWMutex
	values map[reflect.Type]any
}

func NewAppData() *AppData {
	return &AppData{values: make(map[reflect.Type]any)}
}

// Set stores v, keyed by its own type. A second Set of the same type
// replaces the previous value.
func (a *AppData) Set(v any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.values[reflect.TypeOf(v)] = v
}

// Get retrieves the previously Set value of type T.
func Get[T any](a *AppData) (T, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	var zero T
	v, ok := a.values[reflect.TypeOf(zero)]
	if !ok {
		return zero, false
	}
	typed, ok := v.(T)
	if !ok {
		return zero, false
	}
	return typed, true
}

// MustGet retrieves the previously Set value of type T, panicking if
// absent. Intended for use at startup wiring, never from a handler.
func MustGet[T any](a *AppData) T {
	v, ok := Get[T](a)
	if !ok {
		var zero T
		panic(fmt.Sprintf("registry: AppData missing value of type %T", zero))
	}
	return v
}
