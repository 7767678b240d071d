// Package registry holds the static table mapping type names to object
// factories and (type_name, message_type) pairs to dispatcher closures.
// It is the only place in the core that knows how to turn wire bytes
// into a typed handler call and back, via RegisterHandler's generic
// signature.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/dreamware/orbital/internal/actor"
)

// ErrCodecFailure wraps a decode/encode failure inside a dispatcher
// closure, distinguishing it from a plain error returned by the
// registered handler itself. The scheduler uses errors.Is against this
// sentinel to tell the two apart: a codec failure becomes an
// InternalError, a handler's own error becomes a UserError.
var ErrCodecFailure = errors.New("registry: codec failure")

// UserError lets a registered handler report a structured application
// error instead of an opaque string: Type names the declared error
// type, Payload its JSON-encoded value. The scheduler recognizes it
// via errors.As and carries Type/Payload straight onto the wire as
// wire.UserError, so a client can decode Payload back into the type
// Type names, the round trip wire.UserError's own doc comment
// promises. A handler that returns a plain error instead still works;
// it is reported with a generic type name and its error string as the
// payload.
type UserError struct {
	Type    string
	Payload []byte
}

func (e *UserError) Error() string {
	return fmt.Sprintf("registry: user error %q (%d bytes)", e.Type, len(e.Payload))
}

// NewUserError JSON-encodes val and wraps it as a UserError of the
// given type name, so a handler can return a structured error value
// without hand-rolling its own encoding.
func NewUserError(typeName string, val any) (*UserError, error) {
	b, err := json.Marshal(val)
	if err != nil {
		return nil, fmt.Errorf("registry: encode user error %q: %w", typeName, err)
	}
	return &UserError{Type: typeName, Payload: b}, nil
}

// Dispatcher decodes a raw payload, invokes a typed handler against obj,
// and encodes the result. obj is always the concrete type the handler
// was registered against; Registry performs the type assertion once at
// registration time via generics, not per call.
type Dispatcher func(ctx context.Context, obj actor.ServiceObject, payload []byte) (response []byte, err error)

// Factory constructs a new, zero-valued instance of a registered type.
type Factory func() actor.ServiceObject

type typeEntry struct {
	factory     Factory
	dispatchers map[string]Dispatcher
}

// Registry is safe for concurrent reads after registration completes.
// Registration itself is expected to happen once at startup, single
// threaded, before the registry is handed to the scheduler.
type Registry struct {
	mu    sync.RWMutex
	types map[string]*typeEntry
}

func New() *Registry {
	return &Registry{types: make(map[string]*typeEntry)}
}

// RegisterType declares a ServiceObject type by name. It must be called
// before any RegisterHandler call for that type name.
func (r *Registry) RegisterType(typeName string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types[typeName] = &typeEntry{factory: factory, dispatchers: make(map[string]Dispatcher)}
}

// RegisterHandler registers a typed handler for (typeName, messageType).
// T is the ServiceObject's concrete type, M the decoded message type, R
// the encoded response type. The returned error from fn, if non-nil, is
// surfaced to the caller as a UserError — it is never treated as a panic
// or an internal error.
func RegisterHandler[T actor.ServiceObject, M any, R any](r *Registry, typeName, messageType string, fn func(ctx context.Context, obj T, msg M) (R, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.types[typeName]
	if !ok {
		panic(fmt.Sprintf("registry: RegisterHandler: unknown type %q (call RegisterType first)", typeName))
	}
	entry.dispatchers[messageType] = func(ctx context.Context, obj actor.ServiceObject, payload []byte) ([]byte, error) {
		typed, ok := obj.(T)
		if !ok {
			return nil, fmt.Errorf("registry: object for %q is not the registered concrete type: %w", typeName, ErrCodecFailure)
		}
		var msg M
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &msg); err != nil {
				return nil, fmt.Errorf("registry: decode message %s/%s: %w: %v", typeName, messageType, ErrCodecFailure, err)
			}
		}
		resp, err := fn(ctx, typed, msg)
		if err != nil {
			return nil, err
		}
		out, merr := json.Marshal(resp)
		if merr != nil {
			return nil, fmt.Errorf("registry: encode response %s/%s: %w: %v", typeName, messageType, ErrCodecFailure, merr)
		}
		return out, nil
	}
}

// NewInstance constructs a fresh instance of typeName, or reports
// ErrUnknownType.
func (r *Registry) NewInstance(typeName string) (actor.ServiceObject, error) {
	r.mu.RLock()
	entry, ok := r.types[typeName]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrUnknownType
	}
	return entry.factory(), nil
}

// Dispatch looks up the handler for (typeName, messageType) and reports
// ErrUnknownType or ErrUnknownMessage if not found.
func (r *Registry) Dispatch(typeName, messageType string) (Dispatcher, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.types[typeName]
	if !ok {
		return nil, ErrUnknownType
	}
	d, ok := entry.dispatchers[messageType]
	if !ok {
		return nil, ErrUnknownMessage
	}
	return d, nil
}

// KnownTypes returns the registered type names, for diagnostics.
func (r *Registry) KnownTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.types))
	for t := range r.types {
		out = append(out, t)
	}
	return out
}

var (
	// ErrUnknownType is returned when no RegisterType call named the
	// requested type_name.
	ErrUnknownType = fmt.Errorf("registry: unknown type")
	// ErrUnknownMessage is returned when the type is known but no
	// handler was registered for the requested message_type.
	ErrUnknownMessage = fmt.Errorf("registry: unknown message type")
)
