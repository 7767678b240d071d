// Package e2e spins up real node servers over loopback listeners and
// drives them with a real client, exercising the scenarios named in the
// core's testable-properties list end to end rather than through any
// single package's unit tests.
package e2e

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dreamware/orbital/internal/actor"
	"github.com/dreamware/orbital/internal/membership"
	"github.com/dreamware/orbital/internal/placement"
	"github.com/dreamware/orbital/internal/pubsub"
	"github.com/dreamware/orbital/internal/registry"
	"github.com/dreamware/orbital/internal/scheduler"
	"github.com/dreamware/orbital/internal/server"
	"github.com/dreamware/orbital/internal/store"
	"github.com/dreamware/orbital/internal/wire"
)

// pingOverWire mirrors cmd/node's production PingFunc; duplicated here
// since cmd/node is a non-importable main package.
func pingOverWire(ctx context.Context, address string) error {
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return err
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	if err := wire.WriteFrame(conn, wire.Frame{RequestID: 1, Kind: wire.KindPing}); err != nil {
		return err
	}
	frame, err := wire.ReadFrame(bufio.NewReader(conn))
	if err != nil {
		return err
	}
	if frame.Kind != wire.KindPong {
		return context.DeadlineExceeded
	}
	return nil
}

// testNode is one in-process node: real TCP listener, real scheduler,
// real membership protocol, wired together the way cmd/node wires them.
type testNode struct {
	addr  string
	srv   *server.Server
	sched *scheduler.Scheduler
	mem   *membership.Protocol
	dir   *placement.Directory
	reg   *registry.Registry
}

type clusterOpts struct {
	membershipSt store.MembershipStorage
	placementSt  store.PlacementStorage
	// stateStores supplies one StateStorage per node index; pass the same
	// instance twice to simulate a shared backend, or distinct instances
	// to simulate per-node ephemeral state.
	stateStores []store.StateStorage
	registerFns []func(*registry.Registry)
}

// startCluster boots len(stateStores) nodes sharing membershipSt/placementSt,
// each registering Counter via the matching registerFns entry (or a
// default registration if registerFns is nil), and wires membership
// eviction the same way cmd/node/main.go does.
func startCluster(t *testing.T, opts clusterOpts) []*testNode {
	t.Helper()
	nodes := make([]*testNode, len(opts.stateStores))

	for i := range opts.stateStores {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatalf("listen: %v", err)
		}
		addr := ln.Addr().String()
		ln.Close() // server.ListenAndServe rebinds; we only needed a free port

		log := logrus.WithField("node", addr)

		mem := membership.New(opts.membershipSt, membership.Options{
			Self:              addr,
			HeartbeatInterval: 15 * time.Millisecond,
			ProbeInterval:     15 * time.Millisecond,
			ProbeFanout:       3,
			FailureThreshold:  2,
			FailureWindow:     2 * time.Second,
			Ping:              pingOverWire,
			Log:               log,
		})
		dir := placement.New(opts.placementSt, mem, 1024)

		reg := registry.New()
		if opts.registerFns != nil && opts.registerFns[i] != nil {
			opts.registerFns[i](reg)
		} else {
			registerCounter(reg)
		}
		appData := registry.NewAppData()
		sched := scheduler.New(reg, appData, opts.stateStores[i], dir, scheduler.Options{
			Self: addr, MailboxCapacity: 64, Log: log,
		})

		hub := pubsub.New(32)
		srv := server.New(addr, sched, dir, mem, hub, log)

		n := &testNode{addr: addr, srv: srv, sched: sched, mem: mem, dir: dir, reg: reg}
		nodes[i] = n

		ctx := context.Background()
		if err := mem.Start(ctx); err != nil {
			t.Fatalf("membership start: %v", err)
		}
		go watchEvictions(ctx, mem, dir)

		go func() {
			_ = srv.ListenAndServe(addr)
		}()
	}

	t.Cleanup(func() {
		for _, n := range nodes {
			n.sched.Shutdown()
			n.mem.Stop()
			_ = n.srv.Close()
		}
	})

	waitForListeners(t, nodes)
	return nodes
}

func watchEvictions(ctx context.Context, mem *membership.Protocol, dir *placement.Directory) {
	for change := range mem.WatchChanges() {
		if !change.Active {
			_ = dir.Evict(ctx, change.Address)
		}
	}
}

func waitForListeners(t *testing.T, nodes []*testNode) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for _, n := range nodes {
		for {
			conn, err := net.DialTimeout("tcp", n.addr, 50*time.Millisecond)
			if err == nil {
				conn.Close()
				break
			}
			if time.Now().After(deadline) {
				t.Fatalf("node %s never came up: %v", n.addr, err)
			}
			time.Sleep(5 * time.Millisecond)
		}
	}
}

// kill stops a node's wire listener and its heartbeat/probe loops without
// deregistering it from membership or releasing its placement rows,
// simulating a crash: peers only learn about it through failed probes.
func (n *testNode) kill() {
	_ = n.srv.Close()
	n.mem.Stop()
}

// PingMsg/PongMsg are the payloads for Counter's "Ping" message.
type PingMsg struct {
	N int `json:"n"`
}
type PongMsg struct {
	N int `json:"n"`
}

// Counter is the reference ServiceObject used across the end-to-end
// scenarios: an incrementing counter with optional persisted state.
type Counter struct {
	actor.Base
	N int
}

func (c *Counter) StateName() string        { return "count" }
func (c *Counter) LoadState(data []byte) error {
	return json.Unmarshal(data, &c.N)
}
func (c *Counter) SaveState() ([]byte, error) { return json.Marshal(c.N) }

func registerCounter(reg *registry.Registry) {
	reg.RegisterType("Counter", func() actor.ServiceObject { return &Counter{} })
	registry.RegisterHandler(reg, "Counter", "Ping", func(ctx context.Context, obj *Counter, msg PingMsg) (PongMsg, error) {
		obj.N++
		return PongMsg{N: obj.N}, nil
	})
	registry.RegisterHandler(reg, "Counter", "Increment", func(ctx context.Context, obj *Counter, _ struct{}) (int, error) {
		obj.N++
		return obj.N, nil
	})
	registry.RegisterHandler(reg, "Counter", "Read", func(ctx context.Context, obj *Counter, _ struct{}) (int, error) {
		return obj.N, nil
	})
	registry.RegisterHandler(reg, "Counter", "Shutdown", func(ctx context.Context, obj *Counter, _ struct{}) (struct{}, error) {
		scheduler.RequestShutdown(ctx)
		return struct{}{}, nil
	})
	registry.RegisterHandler(reg, "Counter", "Withdraw", func(ctx context.Context, obj *Counter, msg WithdrawMsg) (struct{}, error) {
		if msg.Amount > obj.N {
			ue, err := registry.NewUserError("InsufficientFunds", InsufficientFundsDetail{Requested: msg.Amount, Available: obj.N})
			if err != nil {
				return struct{}{}, err
			}
			return struct{}{}, ue
		}
		obj.N -= msg.Amount
		return struct{}{}, nil
	})
}

// WithdrawMsg and InsufficientFundsDetail exercise a handler-declared
// typed application error end to end: scheduler -> wire -> client.
type WithdrawMsg struct {
	Amount int `json:"amount"`
}

type InsufficientFundsDetail struct {
	Requested int `json:"requested"`
	Available int `json:"available"`
}

func mustMarshal(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func mustUnmarshal(t *testing.T, data []byte, v any) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("unmarshal %q: %v", data, err)
	}
}
