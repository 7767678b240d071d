package scheduler

import (
	"context"
	"sync/atomic"

	"github.com/dreamware/orbital/internal/actor"
)

type lifecycleState int32

const (
	stateActivating lifecycleState = iota
	stateReady
	stateDeactivating
	stateDead
)

func (s lifecycleState) String() string {
	switch s {
	case stateActivating:
		return "activating"
	case stateReady:
		return "ready"
	case stateDeactivating:
		return "deactivating"
	default:
		return "dead"
	}
}

type envelopeKind int

const (
	envMessage envelopeKind = iota
	envTick
	envShutdown
)

// envelope is the unit enqueued on an object's mailbox. respCh is nil for
// envTick and envShutdown, which have no caller waiting on a response.
type envelope struct {
	kind              envelopeKind
	messageType       string
	payload           []byte
	respCh            chan envelopeResult
	releaseOnShutdown bool
}

type envelopeResult struct {
	payload []byte
	err     error
}

// slot holds the runtime state of one activated object.
type slot struct {
	id      actor.Identity
	obj     actor.ServiceObject
	mailbox chan *envelope
	state   atomic.Int32
	done    chan struct{}
}

func newSlot(id actor.Identity, obj actor.ServiceObject, capacity int) *slot {
	s := &slot{
		id:      id,
		obj:     obj,
		mailbox: make(chan *envelope, capacity),
		done:    make(chan struct{}),
	}
	s.state.Store(int32(stateActivating))
	return s
}

func (s *slot) lifecycle() lifecycleState {
	return lifecycleState(s.state.Load())
}

func (s *slot) setLifecycle(st lifecycleState) {
	s.state.Store(int32(st))
}

// shutdownFlagKey is the context key a handler uses to mark its object
// for shutdown after the current message completes.
type shutdownFlagKey struct{}

// RequestShutdown marks the object handling the current message for
// shutdown once the handler returns. It has no effect outside a handler
// invocation (ctx without the internal flag set is a no-op).
func RequestShutdown(ctx context.Context) {
	if flag, ok := ctx.Value(shutdownFlagKey{}).(*atomic.Bool); ok {
		flag.Store(true)
	}
}

func withShutdownFlag(ctx context.Context) (context.Context, *atomic.Bool) {
	flag := &atomic.Bool{}
	return context.WithValue(ctx, shutdownFlagKey{}, flag), flag
}
