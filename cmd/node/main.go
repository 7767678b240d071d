// Package main implements the orbital node service: the process that
// hosts activated objects, answers the wire protocol, participates in
// cluster membership, and runs a placement directory cache over the
// shared placement store.
//
// Architecture:
//
//	┌───────────────────────────────────────────────┐
//	│                    Node                        │
//	├───────────────────────────────────────────────┤
//	│  TCP wire listener   - object dispatch, pubsub │
//	│  Admin HTTP surface  - /health /members /...   │
//	├───────────────────────────────────────────────┤
//	│  Components:                                   │
//	│    membership.Protocol  - heartbeat + probe    │
//	│    placement.Directory  - placement cache/CAS  │
//	│    scheduler.Scheduler  - per-object mailboxes │
//	│    pubsub.Hub           - best-effort fan-out  │
//	└───────────────────────────────────────────────┘
//
// Configuration is loaded from an optional YAML file (-config) layered
// with environment-variable overrides; see internal/config.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/dreamware/orbital/internal/config"
	"github.com/dreamware/orbital/internal/membership"
	"github.com/dreamware/orbital/internal/placement"
	"github.com/dreamware/orbital/internal/pubsub"
	"github.com/dreamware/orbital/internal/registry"
	"github.com/dreamware/orbital/internal/scheduler"
	"github.com/dreamware/orbital/internal/server"
	"github.com/dreamware/orbital/internal/store"
	"github.com/dreamware/orbital/internal/wire"
)

// logFatal is a variable so tests can intercept a fatal startup path
// without killing the test process.
var logFatal = func(format string, args ...any) {
	logrus.Fatalf(format, args...)
}

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (optional; env vars still apply)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logFatal("config: %v", err)
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	instanceID := uuid.NewString()
	self := cfg.AdvertiseAddress
	if self == "" {
		self = cfg.ListenAddress
	}
	log := logrus.WithFields(logrus.Fields{"instance_id": instanceID, "self": self})

	membershipStore, placementStore, stateStore, closeStores := openStores(cfg, log)
	defer closeStores()

	mem := membership.New(membershipStore, membership.Options{
		Self:              self,
		HeartbeatInterval: cfg.HeartbeatInterval,
		ProbeInterval:     cfg.ProbeInterval,
		ProbeFanout:       cfg.ProbeFanout,
		FailureThreshold:  cfg.FailureThreshold,
		FailureWindow:     cfg.FailureWindow,
		Ping:              pingOverWire,
		Log:               log,
	})

	dir := placement.New(placementStore, mem, cfg.PlacementCacheSize)

	reg := registry.New()
	appData := registry.NewAppData()
	sched := scheduler.New(reg, appData, stateStore, dir, scheduler.Options{
		Self:            self,
		MailboxCapacity: cfg.MailboxCapacity,
		IdleTTL:         cfg.IdleTTL,
		Log:             log,
	})

	hub := pubsub.New(cfg.PlacementCacheSize / 64) // a modest mailbox relative to cluster scale; see pubsub.New for the floor

	srv := server.New(self, sched, dir, mem, hub, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := mem.Start(ctx); err != nil {
		logFatal("membership: start: %v", err)
	}
	go watchMembershipEvictions(ctx, mem, dir, log)

	go func() {
		log.WithField("address", cfg.ListenAddress).Info("node: starting wire listener")
		if err := srv.ListenAndServe(cfg.ListenAddress); err != nil {
			logFatal("wire listener: %v", err)
		}
	}()

	adminSrv := &http.Server{
		Addr:              cfg.AdminListenAddress,
		Handler:           srv.AdminHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.WithField("address", cfg.AdminListenAddress).Info("node: starting admin HTTP surface")
		if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logFatal("admin server: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	log.Info("node: shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	mem.Stop()
	sched.Shutdown()
	_ = srv.Close()
	if err := adminSrv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("node: admin server shutdown error")
	}
	log.Info("node: stopped")
}

// openStores constructs the three store backends. When every *_dsn
// option is empty the in-memory implementations are used, which is
// appropriate for a single-node development cluster. Otherwise all three
// stores share one SQLite database, opened at the first non-empty of
// state_dsn, placement_dsn, membership_dsn. A multi-node deployment needs
// at least the placement and membership stores pointed at a shared
// backend since the directory's correctness depends on a single source
// of truth.
func openStores(cfg config.Config, log *logrus.Entry) (store.MembershipStorage, store.PlacementStorage, store.StateStorage, func()) {
	if cfg.MembershipDSN == "" && cfg.PlacementDSN == "" && cfg.StateDSN == "" {
		log.Info("node: no *_dsn configured, using in-memory stores")
		return store.NewMemoryMembership(), store.NewMemoryPlacement(), store.NewMemoryState(), func() {}
	}

	dsn := cfg.StateDSN
	if dsn == "" {
		dsn = cfg.PlacementDSN
	}
	if dsn == "" {
		dsn = cfg.MembershipDSN
	}
	sqliteStores, err := store.OpenSQLiteStores(dsn)
	if err != nil {
		logFatal("store: open %s: %v", dsn, err)
	}
	log.WithField("dsn", dsn).Info("node: using sqlite-backed stores")
	return sqliteStores.Membership(), sqliteStores.Placement(), sqliteStores.State(), func() { _ = sqliteStores.Close() }
}

// watchMembershipEvictions releases every placement row pointing at a
// peer once probing marks it inactive, so a future lookup allocates a
// fresh activation instead of repeatedly redirecting to a dead address.
func watchMembershipEvictions(ctx context.Context, mem *membership.Protocol, dir *placement.Directory, log *logrus.Entry) {
	for change := range mem.WatchChanges() {
		if change.Active {
			continue
		}
		if err := dir.Evict(ctx, change.Address); err != nil {
			log.WithError(err).WithField("address", change.Address).Warn("node: failed to evict placements for dead peer")
		} else {
			log.WithField("address", change.Address).Info("node: evicted placements for dead peer")
		}
	}
}

// pingOverWire is the membership.PingFunc used in production: a bare
// KindPing/KindPong round trip, independent of the object dispatch path
// so a busy mailbox never makes a healthy peer look dead.
func pingOverWire(ctx context.Context, address string) error {
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return fmt.Errorf("ping: dial %s: %w", address, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	if err := wire.WriteFrame(conn, wire.Frame{RequestID: 1, Kind: wire.KindPing}); err != nil {
		return fmt.Errorf("ping: write %s: %w", address, err)
	}
	frame, err := wire.ReadFrame(bufio.NewReader(conn))
	if err != nil {
		return fmt.Errorf("ping: read %s: %w", address, err)
	}
	if frame.Kind != wire.KindPong {
		return fmt.Errorf("ping: unexpected frame kind %q from %s", frame.Kind, address)
	}
	return nil
}
