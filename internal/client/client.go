package client

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/dreamware/orbital/internal/actor"
	"github.com/dreamware/orbital/internal/wire"
)

// Options configures a Client.
type Options struct {
	// Seeds are addresses to contact, round-robin, when the placement
	// cache has no entry for an identity.
	Seeds           []string
	PoolSize        int
	RetryBudget     int
	RedirectBudget  int
	Backoff         Backoff
	PlacementCacheSize int
	RequestTimeout  time.Duration
}

func (o *Options) setDefaults() {
	if o.PoolSize <= 0 {
		o.PoolSize = 8
	}
	if o.RetryBudget <= 0 {
		o.RetryBudget = 5
	}
	if o.RedirectBudget <= 0 {
		o.RedirectBudget = 3
	}
	if o.PlacementCacheSize <= 0 {
		o.PlacementCacheSize = 4096
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 5 * time.Second
	}
}

// Client is a pooled, retrying caller of the wire protocol, safe for
// concurrent use from multiple goroutines.
type Client struct {
	opts  Options
	cache *lru.Cache[actor.Identity, string]
	pool  *connPool
	next  atomic.Uint64
}

// New constructs a Client.
func New(opts Options) *Client {
	opts.setDefaults()
	cache, _ := lru.New[actor.Identity, string](opts.PlacementCacheSize)
	return &Client{opts: opts, cache: cache, pool: newConnPool(opts.PoolSize)}
}

// Close releases pooled connections.
func (c *Client) Close() { c.pool.closeAll() }

// Send delivers message to (typeName, id), activating it on demand,
// following redirects and retrying transient failures per Options.
func (c *Client) Send(ctx context.Context, typeName, id, messageType string, payload []byte) ([]byte, error) {
	identity := actor.Identity{Type: typeName, ID: id}
	addr := c.targetFor(identity)

	var lastErr error
	redirects := 0
	for attempt := 0; attempt <= c.opts.RetryBudget; attempt++ {
		if addr == "" {
			return nil, fmt.Errorf("client: no known address to contact for %s", identity)
		}

		reqCtx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
		resp, err := c.sendOnce(reqCtx, addr, identity, messageType, payload)
		cancel()

		if err == nil {
			c.cache.Add(identity, addr)
			if resp.Tag == wire.OutcomeOk {
				return resp.Payload, nil
			}
			err = resp.AsError()
		}

		var re *wire.RedirectError
		if isRedirect(err, &re) {
			redirects++
			if redirects > c.opts.RedirectBudget {
				return nil, &wire.InternalError{Code: wire.CodeTooManyRedirects, Message: fmt.Sprintf("exceeded redirect budget of %d", c.opts.RedirectBudget)}
			}
			c.cache.Add(identity, re.Address)
			addr = re.Address
			attempt-- // redirect is not a retry attempt; loop again without consuming RetryBudget
			continue
		}

		if !wire.Retryable(err) {
			return nil, err
		}
		lastErr = err
		c.cache.Remove(identity)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		select {
		case <-time.After(c.opts.Backoff.Duration(attempt)):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		addr = c.targetFor(identity)
	}
	if lastErr == nil {
		lastErr = &wire.InternalError{Code: wire.CodeTooManyRetries, Message: "exhausted retry budget"}
	}
	return nil, lastErr
}

func isRedirect(err error, out **wire.RedirectError) bool {
	re, ok := err.(*wire.RedirectError)
	if ok {
		*out = re
	}
	return ok
}

// targetFor returns a cached placement, or a seed address if nothing is
// cached yet.
func (c *Client) targetFor(id actor.Identity) string {
	if addr, ok := c.cache.Get(id); ok {
		return addr
	}
	if len(c.opts.Seeds) == 0 {
		return ""
	}
	return c.opts.Seeds[c.next.Add(1)%uint64(len(c.opts.Seeds))]
}

func (c *Client) sendOnce(ctx context.Context, addr string, id actor.Identity, messageType string, payload []byte) (wire.ResponseBody, error) {
	conn, err := c.pool.acquire(ctx, addr)
	if err != nil {
		return wire.ResponseBody{}, fmt.Errorf("%w: %v", wire.ErrConnectionLost, err)
	}

	body, err := wire.EncodeBody(wire.RequestBody{TypeName: id.Type, ID: id.ID, MessageType: messageType, Payload: payload})
	if err != nil {
		c.pool.release(addr, conn, false)
		return wire.ResponseBody{}, err
	}
	reqID := c.next.Add(1)

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.netConn.SetDeadline(deadline)
	}

	if err := wire.WriteFrame(conn.netConn, wire.Frame{RequestID: reqID, Kind: wire.KindRequest, Body: body}); err != nil {
		c.pool.release(addr, conn, false)
		return wire.ResponseBody{}, fmt.Errorf("%w: %v", wire.ErrConnectionLost, err)
	}
	frame, err := wire.ReadFrame(conn.reader)
	if err != nil {
		c.pool.release(addr, conn, false)
		return wire.ResponseBody{}, fmt.Errorf("%w: %v", wire.ErrConnectionLost, err)
	}
	c.pool.release(addr, conn, true)

	var resp wire.ResponseBody
	if err := wire.DecodeBody(frame, &resp); err != nil {
		return wire.ResponseBody{}, err
	}
	return resp, nil
}

// pooledConn pairs a net.Conn with a buffered reader so the framing
// codec never re-wraps the same connection twice.
type pooledConn struct {
	netConn net.Conn
	reader  *bufio.Reader
}

// connPool keeps at most maxPerAddr idle connections per address and
// reuses healthy ones across calls; an unhealthy connection (one that
// errored) is closed and not returned to the pool. The number of
// connections in use at once is not capped: acquire dials a new one
// whenever no idle connection is available.
type connPool struct {
	maxPerAddr int
	mu         sync.Mutex
	idle       map[string][]*pooledConn
}

func newConnPool(maxPerAddr int) *connPool {
	return &connPool{maxPerAddr: maxPerAddr, idle: make(map[string][]*pooledConn)}
}

func (p *connPool) acquire(ctx context.Context, addr string) (*pooledConn, error) {
	p.mu.Lock()
	if conns := p.idle[addr]; len(conns) > 0 {
		conn := conns[len(conns)-1]
		p.idle[addr] = conns[:len(conns)-1]
		p.mu.Unlock()
		return conn, nil
	}
	p.mu.Unlock()

	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return &pooledConn{netConn: nc, reader: bufio.NewReader(nc)}, nil
}

func (p *connPool) release(addr string, conn *pooledConn, healthy bool) {
	if !healthy {
		_ = conn.netConn.Close()
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.idle[addr]) >= p.maxPerAddr {
		p.mu.Unlock()
		_ = conn.netConn.Close()
		p.mu.Lock()
		return
	}
	p.idle[addr] = append(p.idle[addr], conn)
}

func (p *connPool) closeAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for addr, conns := range p.idle {
		for _, c := range conns {
			_ = c.netConn.Close()
		}
		delete(p.idle, addr)
	}
}
