package remote

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/jellydator/ttlcache/v3"

	"github.com/mslinn/umtest/pkg/logging"
	"github.com/mslinn/umtest/pkg/metrics"
)

// ReleasePolicy decides what happens to a connection when its reference
// count drops to zero.
type ReleasePolicy int

const (
	// KeepOpen keeps idle connections until Close, like an SSH master
	// connection with ControlPersist.
	KeepOpen ReleasePolicy = iota
	// CloseOnIdle closes a connection on its last Release.
	CloseOnIdle
)

// DefaultHealthTTL is how long a successful health check is trusted.
const DefaultHealthTTL = 30 * time.Second

// dialAttempts is the initial dial plus one retry.
const dialAttempts = 2

// Pool maintains one multiplexed connection per host, shared by all
// callers and reference counted.
type Pool struct {
	dialer    Dialer
	policy    ReleasePolicy
	logger    *log.Logger
	healthTTL time.Duration

	// healthy holds hosts whose last health check passed; nil when every
	// Acquire checks.
	healthy *ttlcache.Cache[string, struct{}]

	mu     sync.Mutex
	conns  map[string]*conn
	closed bool
}

type conn struct {
	mu     sync.Mutex // serialises dial and health checks for this host
	client Client
	refs   int // guarded by Pool.mu
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithReleasePolicy sets the release policy (default KeepOpen).
func WithReleasePolicy(policy ReleasePolicy) PoolOption {
	return func(p *Pool) { p.policy = policy }
}

// WithHealthTTL sets how long a passed health check is trusted. A zero ttl
// checks the connection on every Acquire.
func WithHealthTTL(ttl time.Duration) PoolOption {
	return func(p *Pool) { p.healthTTL = ttl }
}

// WithLogger sets the logger.
func WithLogger(logger *log.Logger) PoolOption {
	return func(p *Pool) { p.logger = logger }
}

// NewPool creates a Pool that opens connections with dialer.
func NewPool(dialer Dialer, opts ...PoolOption) *Pool {
	p := &Pool{
		dialer:    dialer,
		policy:    KeepOpen,
		healthTTL: DefaultHealthTTL,
		conns:     make(map[string]*conn),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = logging.Or(p.logger)
	if p.healthTTL > 0 {
		p.healthy = ttlcache.New(ttlcache.WithTTL[string, struct{}](p.healthTTL))
		go p.healthy.Start()
	}
	return p
}

// Acquire returns a live connection to host, dialing it on first use and
// redialing it when the health check fails. Every successful Acquire must
// be paired with a Release.
func (p *Pool) Acquire(ctx context.Context, host string) (Client, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	c, ok := p.conns[host]
	if !ok {
		c = &conn{}
		p.conns[host] = c
	}
	c.refs++
	p.mu.Unlock()

	c.mu.Lock()
	err := p.ensure(ctx, host, c)
	client := c.client
	c.mu.Unlock()

	if err != nil {
		p.unref(host, c, true)
		return nil, err
	}
	return client, nil
}

// ensure makes c.client a live connection. The caller holds c.mu.
func (p *Pool) ensure(ctx context.Context, host string, c *conn) error {
	if c.client != nil {
		if p.trusted(host) {
			return nil
		}
		err := c.client.Ping()
		if err == nil {
			p.markHealthy(host)
			return nil
		}
		p.logger.Warn("connection failed health check, reconnecting", "host", host, "err", err)
		p.closeClient(host, c)
	}

	var err error
	for attempt := 1; attempt <= dialAttempts; attempt++ {
		if ctx.Err() != nil {
			return &ConnectionError{Host: host, Attempts: attempt - 1, Err: ctx.Err()}
		}
		var client Client
		client, err = p.dialer.Dial(ctx, host)
		if err == nil {
			metrics.Dials.WithLabelValues("ok").Inc()
			metrics.LiveConnections.Inc()
			p.logger.Debug("connected", "host", host, "attempt", attempt)
			c.client = client
			p.markHealthy(host)
			return nil
		}
		metrics.Dials.WithLabelValues("error").Inc()
		p.logger.Debug("dial failed", "host", host, "attempt", attempt, "err", err)
	}
	return &ConnectionError{Host: host, Attempts: dialAttempts, Err: err}
}

func (p *Pool) trusted(host string) bool {
	return p.healthy != nil && p.healthy.Get(host) != nil
}

func (p *Pool) markHealthy(host string) {
	if p.healthy != nil {
		p.healthy.Set(host, struct{}{}, ttlcache.DefaultTTL)
	}
}

// closeClient tears down c.client. The caller holds c.mu.
func (p *Pool) closeClient(host string, c *conn) error {
	if c.client == nil {
		return nil
	}
	if p.healthy != nil {
		p.healthy.Delete(host)
	}
	err := c.client.Close()
	c.client = nil
	metrics.LiveConnections.Dec()
	return err
}

// Release gives up one reference to host's connection.
func (p *Pool) Release(host string) {
	p.mu.Lock()
	c, ok := p.conns[host]
	p.mu.Unlock()
	if !ok {
		p.logger.Warn("release of untracked host", "host", host)
		return
	}
	p.unref(host, c, false)
}

// unref drops one reference and applies the release policy. An idle entry
// whose dial failed is forgotten under either policy.
func (p *Pool) unref(host string, c *conn, failed bool) {
	p.mu.Lock()
	if c.refs > 0 {
		c.refs--
	}
	idle := c.refs == 0
	drop := idle && (p.policy == CloseOnIdle || failed)
	if drop && p.conns[host] == c {
		delete(p.conns, host)
	}
	p.mu.Unlock()

	if !drop || p.policy != CloseOnIdle {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := p.closeClient(host, c); err != nil {
		p.logger.Warn("failed to close idle connection", "host", host, "err", err)
	}
}

// Invalidate closes host's connection so the next Acquire redials. It is
// used after a transport failure. Callers still holding a reference keep
// it; only the underlying client is replaced.
func (p *Pool) Invalidate(host string) {
	p.mu.Lock()
	c, ok := p.conns[host]
	p.mu.Unlock()
	if !ok {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := p.closeClient(host, c); err != nil {
		p.logger.Debug("close of failed connection", "host", host, "err", err)
	}
}

// RefCount returns the number of outstanding references to host.
func (p *Pool) RefCount(host string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.conns[host]; ok {
		return c.refs
	}
	return 0
}

// Hosts returns the hosts that have a live connection, sorted.
func (p *Pool) Hosts() []string {
	p.mu.Lock()
	tracked := make(map[string]*conn, len(p.conns))
	for h, c := range p.conns {
		tracked[h] = c
	}
	p.mu.Unlock()

	var hosts []string
	for h, c := range tracked {
		c.mu.Lock()
		if c.client != nil {
			hosts = append(hosts, h)
		}
		c.mu.Unlock()
	}
	sort.Strings(hosts)
	return hosts
}

// Close tears down every tracked connection. It is the process-exit hook:
// teardown failures are logged and returned joined, never fatal.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	conns := p.conns
	p.conns = make(map[string]*conn)
	inUse := make(map[string]int)
	for host, c := range conns {
		if c.refs > 0 {
			inUse[host] = c.refs
		}
	}
	p.mu.Unlock()

	var errs []error
	for host, c := range conns {
		c.mu.Lock()
		if refs := inUse[host]; refs > 0 {
			p.logger.Warn("closing connection still in use", "host", host, "refs", refs)
		}
		if err := p.closeClient(host, c); err != nil {
			p.logger.Warn("failed to close connection", "host", host, "err", err)
			errs = append(errs, err)
		}
		c.mu.Unlock()
	}
	if p.healthy != nil {
		p.healthy.Stop()
	}
	return errors.Join(errs...)
}
