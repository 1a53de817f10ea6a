// Package pool owns one session per configured endpoint, runs each
// session's reconnect loop, scores sessions to pick the fastest for
// load distribution, and collapses DNS-round-robin aliases that
// resolve to the same peer.
package pool

import (
	"context"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/PayRpc/spvnode/internal/session"
)

// requeueDelay is how long a duplicate-collapsed endpoint waits before
// the pool re-probes it after a cooldown.
const requeueDelay = 1 * time.Hour

type entry struct {
	sess   *session.Session
	cancel context.CancelFunc
	done   chan struct{}
}

// Pool owns every default-server session plus any wallet-pinned
// sessions, guarded by a single RWMutex.
type Pool struct {
	logger *zap.Logger
	cfg    session.Config
	ledger session.Ledger

	// HeaderStream is shared by every session so the network switcher
	// can listen on one merged stream regardless of which session is
	// currently master.
	HeaderStream *session.Stream[string]

	mu       sync.RWMutex
	sessions map[session.ServerAddr]*entry
	wallets  map[string]*session.Session

	newConnection *session.Stream[bool]

	wg sync.WaitGroup
}

// New constructs an empty pool. Start adds the configured servers.
func New(cfg session.Config, logger *zap.Logger, ledger session.Ledger) *Pool {
	return &Pool{
		logger:        logger,
		cfg:           cfg,
		ledger:        ledger,
		HeaderStream:  session.NewStream[string](true),
		sessions:      make(map[session.ServerAddr]*entry),
		wallets:       make(map[string]*session.Session),
		newConnection: session.NewStream[bool](false),
	}
}

// Start spawns a reconnect loop per endpoint in servers. Calling Start
// twice with overlapping endpoints is a no-op for the duplicates.
func (p *Pool) Start(ctx context.Context, servers []session.ServerAddr) {
	for _, addr := range servers {
		p.addEndpoint(ctx, addr)
	}
}

func (p *Pool) addEndpoint(ctx context.Context, addr session.ServerAddr) {
	p.mu.Lock()
	if _, exists := p.sessions[addr]; exists {
		p.mu.Unlock()
		return
	}
	sessCtx, cancel := context.WithCancel(ctx)
	sess := session.New(addr, p.cfg, p.logger, p.ledger, p.HeaderStream)
	e := &entry{sess: sess, cancel: cancel, done: make(chan struct{})}
	p.sessions[addr] = e
	p.mu.Unlock()

	sess.OnConnectCallback(func() {
		p.newConnection.Add(true)
		p.collapseDuplicates(ctx, addr, sess)
	})

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer close(e.done)
		sess.EnsureSession(sessCtx)
	}()
}

// collapseDuplicates removes every other session whose resolved peer
// address matches sess's, closing it and scheduling a re-probe of its
// endpoint after requeueDelay, to avoid hammering
// DNS-round-robin aliases.
func (p *Pool) collapseDuplicates(ctx context.Context, addr session.ServerAddr, sess *session.Session) {
	peer := sess.PeerAddr()
	if peer == nil {
		return
	}

	var toRemove []session.ServerAddr
	p.mu.RLock()
	for other, e := range p.sessions {
		if other == addr {
			continue
		}
		op := e.sess.PeerAddr()
		if op != nil && sameHostPort(op, peer) {
			toRemove = append(toRemove, other)
		}
	}
	p.mu.RUnlock()

	for _, other := range toRemove {
		p.removeEndpoint(other)
		if p.logger != nil {
			p.logger.Info("collapsed duplicate endpoint", zap.Stringer("endpoint", other), zap.Duration("requeue_in", requeueDelay))
		}
		requeueAddr := other
		time.AfterFunc(requeueDelay, func() {
			if ctx.Err() != nil {
				return
			}
			p.addEndpoint(ctx, requeueAddr)
		})
	}
}

func sameHostPort(a, b *net.TCPAddr) bool {
	return a.IP.Equal(b.IP) && a.Port == b.Port
}

func (p *Pool) removeEndpoint(addr session.ServerAddr) {
	p.mu.Lock()
	e, ok := p.sessions[addr]
	if ok {
		delete(p.sessions, addr)
	}
	p.mu.Unlock()
	if !ok {
		return
	}
	e.cancel()
	e.sess.SynchronousClose()
}

// Stop cancels every reconnect loop and waits for them to exit.
func (p *Pool) Stop() {
	p.mu.Lock()
	entries := make([]*entry, 0, len(p.sessions))
	for _, e := range p.sessions {
		entries = append(entries, e)
	}
	p.sessions = make(map[session.ServerAddr]*entry)
	p.mu.Unlock()

	for _, e := range entries {
		e.cancel()
		e.sess.SynchronousClose()
	}
	p.wg.Wait()
}

// FastestSession returns the available session minimizing
// (response_time + connection_latency) * (pending_amount + 1), or nil
// if no session is currently available. Ties are broken by map
// iteration order.
func (p *Pool) FastestSession() *session.Session {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var best *session.Session
	bestScore := 0.0
	for _, e := range p.sessions {
		sess := e.sess
		if !sess.Available() {
			continue
		}
		rt, _ := sess.ResponseTime()
		cl, _ := sess.ConnectionLatency()
		score := (rt.Seconds() + cl.Seconds()) * float64(sess.PendingAmount()+1)
		if best == nil || score < bestScore {
			best = sess
			bestScore = score
		}
	}
	return best
}

// WaitForFastestSession blocks until FastestSession would return
// non-nil, or ctx is cancelled.
func (p *Pool) WaitForFastestSession(ctx context.Context) (*session.Session, error) {
	if sess := p.FastestSession(); sess != nil {
		return sess, nil
	}
	ch := p.newConnection.Listen()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ch:
			if sess := p.FastestSession(); sess != nil {
				return sess, nil
			}
		}
	}
}

// TriggerNodelayConnect wakes every session's reconnect loop
// immediately, used when a caller believes connectivity has returned.
func (p *Pool) TriggerNodelayConnect() {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, e := range p.sessions {
		e.sess.TriggerUrgentReconnect()
	}
}

// ConnectWallet pins walletID to a session cloned from the current
// fastest session's endpoint, used when a wallet needs a stable
// session independent of pool-wide load balancing.
func (p *Pool) ConnectWallet(ctx context.Context, walletID string) (*session.Session, error) {
	fastest, err := p.WaitForFastestSession(ctx)
	if err != nil {
		return nil, err
	}
	sess := session.New(fastest.Server, p.cfg, p.logger, p.ledger, p.HeaderStream)

	p.mu.Lock()
	p.wallets[walletID] = sess
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		sess.EnsureSession(ctx)
	}()
	return sess, nil
}

// WalletSession returns the session pinned to walletID, if any.
func (p *Pool) WalletSession(walletID string) (*session.Session, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	sess, ok := p.wallets[walletID]
	return sess, ok
}

// NewConnection exposes the event raised on every successful
// handshake, consumed by WaitForFastestSession and available to the
// admin API for a live session count.
func (p *Pool) NewConnection() *session.Stream[bool] { return p.newConnection }

// Sessions returns a snapshot of every currently tracked session,
// keyed by endpoint, for the admin API's /pool view.
func (p *Pool) Sessions() map[session.ServerAddr]*session.Session {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[session.ServerAddr]*session.Session, len(p.sessions))
	for addr, e := range p.sessions {
		out[addr] = e.sess
	}
	return out
}
