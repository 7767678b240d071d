// Package actor defines the surface application code implements against:
// the identity of a ServiceObject, the marker interface it must satisfy,
// and the optional life-cycle hooks the scheduler looks for via type
// assertion at activation and deactivation time.
//
// None of the types here know about placement, the wire protocol, or
// persistence; they exist so that generated or hand-written application
// code has a stable, minimal contract to target.
package actor

import (
	"context"
	"fmt"
	"time"
)

// Identity names a ServiceObject uniquely, cluster-wide. Two identities
// are equal iff both fields are equal.
type Identity struct {
	Type string
	ID   string
}

func (i Identity) String() string {
	return fmt.Sprintf("%s/%s", i.Type, i.ID)
}

func (i Identity) Valid() bool {
	return i.Type != "" && i.ID != ""
}

// ServiceObject is the minimal interface every registered type must
// implement. The scheduler calls SetIdentity exactly once, immediately
// after construction and before any other hook or handler runs.
type ServiceObject interface {
	SetIdentity(Identity)
	Identity() Identity
}

// Base is an embeddable helper that implements ServiceObject. Most
// application types embed Base rather than implement SetIdentity/Identity
// by hand.
type Base struct {
	id Identity
}

func (b *Base) SetIdentity(id Identity) { b.id = id }
func (b *Base) Identity() Identity      { return b.id }

// BeforeLoader runs once at activation, before state is loaded.
type BeforeLoader interface {
	BeforeLoad(ctx context.Context) error
}

// AfterLoader runs once at activation, after state is loaded.
type AfterLoader interface {
	AfterLoad(ctx context.Context) error
}

// BeforeShutdowner runs once during deactivation, before the placement
// row is released. It never runs for objects that never completed
// activation.
type BeforeShutdowner interface {
	BeforeShutdown(ctx context.Context) error
}

// Ticker declares a recurring background message, delivered on the
// object's own mailbox like any other message (so it respects the
// single-consumer ordering guarantee). TickInterval is consulted once
// per tick, so a type may change its own cadence (e.g. back off when
// idle) without the scheduler reinspecting its type.
type Ticker interface {
	TickInterval() time.Duration
	Tick(ctx context.Context) error
}

// ManagedState is implemented by types that want their state checkpointed
// to the configured state store across activations.
type ManagedState interface {
	StateName() string
	LoadState(data []byte) error
	SaveState() ([]byte, error)
}
