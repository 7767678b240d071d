// Package scheduler owns the locally active set of ServiceObjects: one
// goroutine and one buffered mailbox channel per activated object,
// driving activation, message dispatch, optional background ticks, and
// deactivation.
//
// Every message to a given identity is enqueued on that identity's
// mailbox and processed strictly in arrival order by the identity's own
// goroutine (O1/O3 in the accompanying design notes); no two goroutines
// ever touch the same object's state concurrently. A second, concurrent
// caller for an identity that is still activating blocks on a
// once-style gate rather than racing the first caller's activation.
//
// Panics are contained per layer: a panic inside a life-cycle hook kills
// the object (its placement row is released so the next call reactivates
// it, possibly elsewhere); a panic inside a message handler kills only
// that message, surfaced to the caller as InternalErr(HandlerPanic), and
// the object keeps running.
package scheduler
