// Package membership implements the cluster membership protocol: each
// node periodically refreshes its own heartbeat in the membership store
// and probes a random subset of its peers, flipping a peer's active flag
// once enough probe failures for it have been recorded within a sliding
// window. Failures are counted per target address only; which node
// recorded them is not stored, so one prober alone can reach the
// threshold.
//
// The store, not the gossip, is authoritative: Probe never votes a peer
// back in by itself, and a peer observed active again simply resumes
// heartbeating on its own. This keeps the protocol testable against an
// in-memory store with no network at all, and keeps this package free of
// any SWIM/gossip membership library — the cluster's consistency comes
// from the external store, not from agreement among probers.
package membership
