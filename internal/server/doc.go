// Package server implements the cluster's TCP wire listener: it accepts
// length-prefixed framed connections from both clients and peer nodes,
// resolves placement for each request, dispatches locally-owned objects
// to the scheduler, and answers every other request with a Redirect to
// the owning peer. It never proxies a request to another node.
//
// A second, read-only HTTP surface (admin.go) exposes cluster membership
// and local scheduler state with gorilla/mux, independent of the wire
// protocol port, the way this codebase's node and coordinator binaries
// have always exposed a small introspection surface alongside their
// primary protocol.
package server
