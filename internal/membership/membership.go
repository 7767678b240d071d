package membership

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dreamware/orbital/internal/store"
	"github.com/sirupsen/logrus"
)

// PingFunc reaches out to a peer and reports whether it is alive. The
// node entrypoint (cmd/node's pingOverWire) supplies the real
// implementation (a KindPing wire round-trip); tests inject a fake.
type PingFunc func(ctx context.Context, address string) error

// Options configures a Protocol. Zero-value fields take the defaults
// named in the configuration surface.
type Options struct {
	Self             string
	HeartbeatInterval time.Duration
	ProbeInterval     time.Duration
	ProbeFanout       int
	FailureThreshold  int
	FailureWindow     time.Duration
	Ping              PingFunc
	Log               *logrus.Entry
}

func (o *Options) setDefaults() {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = time.Second
	}
	if o.ProbeInterval <= 0 {
		o.ProbeInterval = 5 * time.Second
	}
	if o.ProbeFanout <= 0 {
		o.ProbeFanout = 3
	}
	if o.FailureThreshold <= 0 {
		o.FailureThreshold = 3
	}
	if o.FailureWindow <= 0 {
		o.FailureWindow = 30 * time.Second
	}
	if o.Log == nil {
		o.Log = logrus.NewEntry(logrus.StandardLogger())
	}
}

// Protocol runs the heartbeat and probe loops for one node and answers
// membership queries (list_active, is_active, watch_changes) for the
// rest of the process.
type Protocol struct {
	opts  Options
	store store.MembershipStorage

	mu        sync.RWMutex
	watchers  []chan Change

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Change is delivered to watchers on an activity transition.
type Change struct {
	Address string
	Active  bool
}

// New constructs a Protocol. It does not start any background work; call
// Start for that.
func New(st store.MembershipStorage, opts Options) *Protocol {
	opts.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Protocol{opts: opts, store: st, ctx: ctx, cancel: cancel}
}

// Start joins the cluster (an initial Upsert of Self) and launches the
// heartbeat and probe loops. It returns once the initial join succeeds.
func (p *Protocol) Start(ctx context.Context) error {
	if err := p.store.Upsert(ctx, p.opts.Self); err != nil {
		return fmt.Errorf("membership: initial join: %w", err)
	}
	if err := p.store.ClearFailures(ctx, p.opts.Self); err != nil {
		return fmt.Errorf("membership: clear own failures: %w", err)
	}

	p.wg.Add(2)
	go p.heartbeatLoop()
	go p.probeLoop()
	return nil
}

// Stop cancels both background loops and waits for them to exit.
func (p *Protocol) Stop() {
	p.cancel()
	p.wg.Wait()
}

func (p *Protocol) heartbeatLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			if err := p.store.Upsert(p.ctx, p.opts.Self); err != nil {
				p.opts.Log.WithError(err).Warn("membership: heartbeat upsert failed")
				continue
			}
			if err := p.store.ClearFailures(p.ctx, p.opts.Self); err != nil {
				p.opts.Log.WithError(err).Warn("membership: clear own failures failed")
			}
		}
	}
}

func (p *Protocol) probeLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.opts.ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.runProbeRound()
		}
	}
}

func (p *Protocol) runProbeRound() {
	active, err := p.store.ListActive(p.ctx)
	if err != nil {
		p.opts.Log.WithError(err).Warn("membership: list active failed")
		return
	}
	targets := p.selectTargets(active)
	if len(targets) == 0 {
		return
	}

	g, ctx := errgroup.WithContext(p.ctx)
	for _, addr := range targets {
		addr := addr
		g.Go(func() error {
			p.probeOne(ctx, addr)
			return nil
		})
	}
	_ = g.Wait()
}

// selectTargets picks up to ProbeFanout addresses from active, excluding
// Self, using a uniform random sample (math/rand/v2; no ecosystem
// sampling helper in the retrieved corpus matches this exact shape).
func (p *Protocol) selectTargets(active []store.MemberEntry) []string {
	candidates := make([]string, 0, len(active))
	for _, e := range active {
		if e.Address != p.opts.Self {
			candidates = append(candidates, e.Address)
		}
	}
	rand.Shuffle(len(candidates), func(i, j int) { candidates[i], candidates[j] = candidates[j], candidates[i] })
	if len(candidates) > p.opts.ProbeFanout {
		candidates = candidates[:p.opts.ProbeFanout]
	}
	return candidates
}

func (p *Protocol) probeOne(ctx context.Context, address string) {
	if p.opts.Ping == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, p.opts.ProbeInterval)
	defer cancel()

	err := p.opts.Ping(ctx, address)
	if err == nil {
		return
	}

	now := time.Now()
	if rerr := p.store.RecordFailure(p.ctx, address, now); rerr != nil {
		p.opts.Log.WithError(rerr).Warn("membership: record failure failed")
		return
	}
	count, cerr := p.store.CountFailuresSince(p.ctx, address, now.Add(-p.opts.FailureWindow))
	if cerr != nil {
		p.opts.Log.WithError(cerr).Warn("membership: count failures failed")
		return
	}
	if count < p.opts.FailureThreshold {
		return
	}
	if serr := p.store.SetActive(p.ctx, address, false); serr != nil {
		p.opts.Log.WithError(serr).Warn("membership: set inactive failed")
		return
	}
	p.opts.Log.WithField("address", address).Warn("membership: marking node inactive")
	p.notify(Change{Address: address, Active: false})
}

func (p *Protocol) notify(c Change) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, ch := range p.watchers {
		select {
		case ch <- c:
		default:
		}
	}
}

// ListActive returns the current set of active members.
func (p *Protocol) ListActive(ctx context.Context) ([]store.MemberEntry, error) {
	return p.store.ListActive(ctx)
}

// IsActive reports whether address is currently marked active.
func (p *Protocol) IsActive(ctx context.Context, address string) (bool, error) {
	active, err := p.store.ListActive(ctx)
	if err != nil {
		return false, err
	}
	for _, e := range active {
		if e.Address == address {
			return true, nil
		}
	}
	return false, nil
}

// WatchChanges returns a channel of activity transitions observed by
// this node's own probes. The channel is buffered; a watcher that falls
// behind silently misses events rather than blocking the probe loop.
func (p *Protocol) WatchChanges() <-chan Change {
	ch := make(chan Change, 16)
	p.mu.Lock()
	p.watchers = append(p.watchers, ch)
	p.mu.Unlock()
	return ch
}
