package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dreamware/orbital/internal/actor"
	"github.com/dreamware/orbital/internal/registry"
	"github.com/dreamware/orbital/internal/store"
	"github.com/dreamware/orbital/internal/wire"
)

// PlacementReleaser is the subset of placement.Directory the scheduler
// needs: releasing a row it no longer wants to hold. Expressed as an
// interface so this package does not depend on placement.
type PlacementReleaser interface {
	EvictOne(ctx context.Context, id actor.Identity, address string) error
}

// Options configures a Scheduler.
type Options struct {
	Self            string
	MailboxCapacity int
	IdleTTL         time.Duration // parsed and stored, not enforced (see design notes)
	Log             *logrus.Entry
}

func (o *Options) setDefaults() {
	if o.MailboxCapacity <= 0 {
		o.MailboxCapacity = 64
	}
	if o.Log == nil {
		o.Log = logrus.NewEntry(logrus.StandardLogger())
	}
}

// activation tracks one in-flight or completed activation attempt so
// concurrent callers for the same identity share it instead of racing.
type activation struct {
	ready chan struct{}
	slot  *slot
	err   error
}

// Scheduler owns the active set for one node.
type Scheduler struct {
	opts      Options
	reg       *registry.Registry
	appData   *registry.AppData
	state     store.StateStorage // nil disables durable-state integration
	placement PlacementReleaser

	mu     sync.Mutex
	active map[actor.Identity]*activation

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(reg *registry.Registry, appData *registry.AppData, st store.StateStorage, pl PlacementReleaser, opts Options) *Scheduler {
	opts.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		opts:      opts,
		reg:       reg,
		appData:   appData,
		state:     st,
		placement: pl,
		active:    make(map[actor.Identity]*activation),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Dispatch delivers one message to the local object for id, activating
// it on demand, and returns the handler's encoded response or a non-nil
// error drawn from the wire error taxonomy.
func (s *Scheduler) Dispatch(ctx context.Context, id actor.Identity, messageType string, payload []byte) ([]byte, error) {
	sl, err := s.getOrActivate(ctx, id)
	if err != nil {
		return nil, err
	}

	env := &envelope{kind: envMessage, messageType: messageType, payload: payload, respCh: make(chan envelopeResult, 1)}
	// A full mailbox suspends the caller until the object frees a slot
	// or ctx ends.
	select {
	case sl.mailbox <- env:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case res := <-env.respCh:
		return res.payload, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// getOrActivate returns the Ready slot for id, activating it if this is
// the first caller to ask, or waiting for an in-flight activation by
// another caller to finish.
func (s *Scheduler) getOrActivate(ctx context.Context, id actor.Identity) (*slot, error) {
	s.mu.Lock()
	if act, ok := s.active[id]; ok {
		s.mu.Unlock()
		select {
		case <-act.ready:
			return act.slot, act.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	act := &activation{ready: make(chan struct{})}
	s.active[id] = act
	s.mu.Unlock()

	sl, err := s.activate(ctx, id)
	if err != nil {
		s.mu.Lock()
		delete(s.active, id)
		s.mu.Unlock()
		act.err = err
		close(act.ready)
		return nil, err
	}
	act.slot = sl
	close(act.ready)
	return sl, nil
}

func (s *Scheduler) activate(ctx context.Context, id actor.Identity) (*slot, error) {
	obj, err := s.reg.NewInstance(id.Type)
	if err != nil {
		return nil, &wire.InternalError{Code: wire.CodeUnknownType, Message: err.Error()}
	}
	obj.SetIdentity(id)

	if err := callSafely(func() error {
		if h, ok := obj.(actor.BeforeLoader); ok {
			return h.BeforeLoad(ctx)
		}
		return nil
	}); err != nil {
		s.releasePlacement(ctx, id)
		return nil, &wire.InternalError{Code: wire.CodeActivationFailed, Message: fmt.Sprintf("before_load: %v", err)}
	}

	if err := s.loadState(ctx, obj); err != nil {
		s.releasePlacement(ctx, id)
		return nil, &wire.InternalError{Code: wire.CodeActivationFailed, Message: fmt.Sprintf("load_state: %v", err)}
	}

	if err := callSafely(func() error {
		if h, ok := obj.(actor.AfterLoader); ok {
			return h.AfterLoad(ctx)
		}
		return nil
	}); err != nil {
		s.releasePlacement(ctx, id)
		return nil, &wire.InternalError{Code: wire.CodeActivationFailed, Message: fmt.Sprintf("after_load: %v", err)}
	}

	sl := newSlot(id, obj, s.opts.MailboxCapacity)
	sl.setLifecycle(stateReady)

	s.wg.Add(1)
	go s.dispatchLoop(sl)

	if tk, ok := obj.(actor.Ticker); ok {
		s.wg.Add(1)
		go s.tickLoop(sl, tk)
	}

	s.opts.Log.WithField("identity", id.String()).Debug("scheduler: activated object")
	return sl, nil
}

func (s *Scheduler) loadState(ctx context.Context, obj actor.ServiceObject) error {
	ms, ok := obj.(actor.ManagedState)
	if !ok || s.state == nil {
		return nil
	}
	id := obj.Identity()
	data, err := s.state.Load(ctx, id.Type, id.ID, ms.StateName())
	if err == store.ErrNotFound {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}
	return callSafely(func() error { return ms.LoadState(data) })
}

func (s *Scheduler) dispatchLoop(sl *slot) {
	defer s.wg.Done()
	defer close(sl.done)
	for {
		select {
		case env := <-sl.mailbox:
			switch env.kind {
			case envMessage:
				s.handleMessage(sl, env)
			case envTick:
				s.handleTick(sl, env)
			case envShutdown:
				s.handleShutdown(sl, env)
				return
			}
		case <-s.ctx.Done():
			s.drainForShutdown(sl, true)
			return
		}
	}
}

func (s *Scheduler) handleMessage(sl *slot, env *envelope) {
	dispatch, err := s.reg.Dispatch(sl.id.Type, env.messageType)
	if err != nil {
		code := wire.CodeUnknownMessage
		if err == registry.ErrUnknownType {
			code = wire.CodeUnknownType
		}
		env.respCh <- envelopeResult{err: &wire.InternalError{Code: code, Message: err.Error()}}
		return
	}

	hctx, flag := withShutdownFlag(s.ctx)
	var payload []byte
	herr := callSafely(func() error {
		var derr error
		payload, derr = dispatch(hctx, sl.obj, env.payload)
		return derr
	})

	if herr != nil {
		var ue *registry.UserError
		switch {
		case isPanic(herr):
			env.respCh <- envelopeResult{err: &wire.InternalError{Code: wire.CodeHandlerPanic, Message: herr.Error()}}
		case errors.Is(herr, registry.ErrCodecFailure):
			env.respCh <- envelopeResult{err: &wire.InternalError{Code: wire.CodeUnknownMessage, Message: herr.Error()}}
		case errors.As(herr, &ue):
			env.respCh <- envelopeResult{err: &wire.UserError{Type: ue.Type, Payload: ue.Payload}}
		default:
			env.respCh <- envelopeResult{err: &wire.UserError{Type: "handler_error", Payload: []byte(herr.Error())}}
		}
	} else {
		env.respCh <- envelopeResult{payload: payload}
	}

	if ms, ok := sl.obj.(actor.ManagedState); ok && s.state != nil {
		if data, serr := ms.SaveState(); serr != nil {
			s.opts.Log.WithError(serr).WithField("identity", sl.id.String()).Warn("scheduler: save_state encode failed")
		} else if werr := s.state.Save(s.ctx, sl.id.Type, sl.id.ID, ms.StateName(), data); werr != nil {
			s.opts.Log.WithError(werr).WithField("identity", sl.id.String()).Warn("scheduler: save_state store write failed")
		}
	}

	if flag.Load() {
		s.enqueueShutdown(sl, true)
	}
}

func (s *Scheduler) handleTick(sl *slot, _ *envelope) {
	tk, ok := sl.obj.(actor.Ticker)
	if !ok {
		return
	}
	if err := callSafely(func() error { return tk.Tick(s.ctx) }); err != nil {
		s.opts.Log.WithError(err).WithField("identity", sl.id.String()).Warn("scheduler: tick handler failed")
	}
}

func (s *Scheduler) handleShutdown(sl *slot, env *envelope) {
	sl.setLifecycle(stateDeactivating)
	s.drainMailbox(sl)

	if err := callSafely(func() error {
		if h, ok := sl.obj.(actor.BeforeShutdowner); ok {
			return h.BeforeShutdown(s.ctx)
		}
		return nil
	}); err != nil {
		s.opts.Log.WithError(err).WithField("identity", sl.id.String()).Warn("scheduler: before_shutdown hook failed")
	}

	if env.releaseOnShutdown {
		s.releasePlacement(s.ctx, sl.id)
	}

	s.mu.Lock()
	delete(s.active, sl.id)
	s.mu.Unlock()
	sl.setLifecycle(stateDead)
	s.opts.Log.WithField("identity", sl.id.String()).Debug("scheduler: deactivated object")
}

// drainMailbox responds ObjectShuttingDown to every message still queued
// once shutdown begins.
func (s *Scheduler) drainMailbox(sl *slot) {
	for {
		select {
		case env := <-sl.mailbox:
			if env.kind == envMessage {
				env.respCh <- envelopeResult{err: wire.ErrObjectShuttingDown}
			}
		default:
			return
		}
	}
}

// drainForShutdown is used on node-wide cancellation, where the
// dispatchLoop's own select observed ctx.Done() directly rather than a
// queued envShutdown.
func (s *Scheduler) drainForShutdown(sl *slot, releasePlacement bool) {
	env := &envelope{kind: envShutdown, releaseOnShutdown: releasePlacement}
	s.handleShutdown(sl, env)
}

func (s *Scheduler) tickLoop(sl *slot, tk actor.Ticker) {
	defer s.wg.Done()
	for {
		interval := tk.TickInterval()
		if interval <= 0 {
			return
		}
		timer := time.NewTimer(interval)
		select {
		case <-timer.C:
			select {
			case sl.mailbox <- &envelope{kind: envTick}:
			case <-sl.done:
				return
			case <-s.ctx.Done():
				return
			}
		case <-sl.done:
			timer.Stop()
			return
		case <-s.ctx.Done():
			timer.Stop()
			return
		}
	}
}

func (s *Scheduler) enqueueShutdown(sl *slot, releasePlacement bool) {
	select {
	case sl.mailbox <- &envelope{kind: envShutdown, releaseOnShutdown: releasePlacement}:
	case <-sl.done:
	}
}

// Evict initiates deactivation of a locally active object without
// releasing its placement row again (the row was already reassigned or
// removed by whoever triggered the eviction). A no-op if the object is
// not currently active on this node.
func (s *Scheduler) Evict(id actor.Identity) {
	s.mu.Lock()
	act, ok := s.active[id]
	s.mu.Unlock()
	if !ok {
		return
	}
	select {
	case <-act.ready:
		if act.slot != nil {
			s.enqueueShutdown(act.slot, false)
		}
	default:
	}
}

func (s *Scheduler) releasePlacement(ctx context.Context, id actor.Identity) {
	if s.placement == nil {
		return
	}
	if err := s.placement.EvictOne(ctx, id, s.opts.Self); err != nil {
		s.opts.Log.WithError(err).WithField("identity", id.String()).Warn("scheduler: release placement failed")
	}
}

// Shutdown cancels every dispatch loop; each drains its mailbox,
// releases its placement row, and exits before Shutdown returns.
func (s *Scheduler) Shutdown() {
	s.cancel()
	s.wg.Wait()
}

// ActiveCount reports the number of objects currently active or
// activating on this node, for diagnostics.
func (s *Scheduler) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}
