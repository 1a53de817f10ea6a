// Package network implements the Network Switcher (spec component G)
// and the Retriable Call Façade (spec component H): the single
// "master" session used for subscriptions, and the bounded-concurrency
// retry wrapper every outbound RPC goes through.
package network

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/PayRpc/spvnode/internal/pool"
	"github.com/PayRpc/spvnode/internal/rpcerr"
	"github.com/PayRpc/spvnode/internal/session"
)

// retriableCallPermits bounds how many retriable_call invocations may
// be in flight at once; grounded on the same semaphore.Weighted idiom
// the ethereum-go-ethereum and fonero-project-fnowallet modules use for
// bounded worker concurrency, rather than a hand-rolled channel.
const retriableCallPermits = 16

// Network owns the master session, the subscription state derived from
// it, and the façade every RPC call is routed through.
type Network struct {
	logger *zap.Logger
	pool   *pool.Pool
	sem    *semaphore.Weighted

	mu           sync.RWMutex
	master       *session.Session
	features     json.RawMessage
	remoteHeight int64
	remoteTip    [32]byte
	heightSink   func(height int64, tip [32]byte)

	onConnected *session.Stream[bool]
}

// New constructs a Network bound to pool p. Call Run to start the
// switcher loop.
func New(p *pool.Pool, logger *zap.Logger) *Network {
	return &Network{
		logger:      logger,
		pool:        p,
		sem:         semaphore.NewWeighted(retriableCallPermits),
		onConnected: session.NewStream[bool](false),
	}
}

// Master returns the current master session, or nil if none is
// currently adopted.
func (n *Network) Master() *session.Session {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.master
}

// RemoteHeight returns the chain height last observed from the master's
// blockchain.headers.subscribe result/notifications, or 0 if no master
// has connected yet.
func (n *Network) RemoteHeight() int64 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.remoteHeight
}

// OnConnected exposes the event raised once per master adoption, after
// server.features and the headers subscription both succeed.
func (n *Network) OnConnected() *session.Stream[bool] { return n.onConnected }

// SetHeightSink registers fn to be called with the latest remote
// height/tip every time either changes, letting a caller mirror the
// value elsewhere (e.g. the status UDP server's advertised tip).
func (n *Network) SetHeightSink(fn func(height int64, tip [32]byte)) {
	n.mu.Lock()
	n.heightSink = fn
	n.mu.Unlock()
}

func (n *Network) setMaster(sess *session.Session, features json.RawMessage) {
	n.mu.Lock()
	n.master = sess
	n.features = features
	n.mu.Unlock()
}

// recordHeader updates the tracked remote height/tip and, if set,
// notifies the height sink.
func (n *Network) recordHeader(height int64, tip [32]byte) {
	n.mu.Lock()
	n.remoteHeight = height
	n.remoteTip = tip
	sink := n.heightSink
	n.mu.Unlock()
	if sink != nil {
		sink(height, tip)
	}
}

func (n *Network) clearMaster() {
	n.mu.Lock()
	n.master = nil
	n.features = nil
	n.mu.Unlock()
}

// Run drives the switcher loop for the lifetime of ctx: adopt a
// master, wait for it to disconnect, repeat. It also keeps
// remoteHeight current from every subsequent headers notification for
// the lifetime of ctx, independent of master switches. It returns when
// ctx is cancelled.
func (n *Network) Run(ctx context.Context) {
	go n.watchHeaders(ctx)

	for {
		if ctx.Err() != nil {
			return
		}
		if n.Master() == nil {
			sess, err := n.pool.WaitForFastestSession(ctx)
			if err != nil {
				return
			}
			if err := n.adoptMaster(ctx, sess); err != nil {
				if n.logger != nil {
					n.logger.Warn("master adoption failed, closing candidate", zap.Error(err))
				}
				sess.SynchronousClose()
				continue
			}
		}

		master := n.Master()
		if master == nil {
			continue
		}
		<-master.OnDisconnected().Listen()
		n.clearMaster()
	}
}

// adoptMaster queries server.features, subscribes to headers, and
// records the remote height/tip from the subscribe result (not from
// server.features, which carries no reliable height). Timeout and
// ConnectionError from either call are returned to the caller, which
// closes the candidate and retries with the next-fastest session.
func (n *Network) adoptMaster(ctx context.Context, sess *session.Session) error {
	features, err := sess.SendRequest(ctx, "server.features", nil)
	if err != nil {
		return err
	}

	header, err := sess.SendRequest(ctx, "blockchain.headers.subscribe", []bool{true})
	if err != nil {
		return err
	}

	n.setMaster(sess, features)
	n.recordHeader(parseServerHeight(header), headerTip(header))
	n.onConnected.Add(true)
	return nil
}

// watchHeaders listens for every subsequent blockchain.headers.subscribe
// notification on the pool's shared header stream and keeps
// remoteHeight/remoteTip current. Only the currently-subscribed (i.e.
// master) session ever publishes to this stream.
func (n *Network) watchHeaders(ctx context.Context) {
	headers := n.pool.HeaderStream.Listen()
	for {
		select {
		case raw := <-headers:
			var args []json.RawMessage
			if err := json.Unmarshal([]byte(raw), &args); err != nil || len(args) == 0 {
				continue
			}
			n.recordHeader(parseServerHeight(args[0]), headerTip(args[0]))
		case <-ctx.Done():
			return
		}
	}
}

// parseServerHeight extracts "height" from a header or features
// object.
func parseServerHeight(data json.RawMessage) int64 {
	var decoded struct {
		Height int64 `json:"height"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		return 0
	}
	return decoded.Height
}

// headerTip computes the block hash of a headers.subscribe header
// object's "hex" field (the raw serialized header) as the standard
// double-SHA256 digest. Returns the zero hash if hex is absent or
// malformed.
func headerTip(data json.RawMessage) [32]byte {
	var decoded struct {
		Hex string `json:"hex"`
	}
	var tip [32]byte
	if err := json.Unmarshal(data, &decoded); err != nil || decoded.Hex == "" {
		return tip
	}
	raw, err := hex.DecodeString(decoded.Hex)
	if err != nil {
		return tip
	}
	first := sha256.Sum256(raw)
	return sha256.Sum256(first[:])
}

// IsRestrictedHeight implements the height-routing predicate: a
// call concerning knownHeight must go to the master session when the
// height is missing/mempool (nil, -1, 0) or still within the last ten
// blocks of the remote tip.
func IsRestrictedHeight(knownHeight *int64, remoteHeight int64) bool {
	if knownHeight == nil {
		return true
	}
	h := *knownHeight
	if h == -1 || h == 0 {
		return true
	}
	return h > 0 && h > remoteHeight-10
}

// RetriableCall runs fn under the global concurrency permit, retrying
// on ErrTimeout/ErrConnectionError until it succeeds, ctx is
// cancelled, or fn returns any other error. Before every attempt it
// waits for a master connection if none is adopted at that moment.
func (n *Network) RetriableCall(ctx context.Context, fn func(ctx context.Context) (json.RawMessage, error)) (json.RawMessage, error) {
	if err := n.sem.Acquire(ctx, 1); err != nil {
		return nil, rpcerr.ErrCancelled
	}
	defer n.sem.Release(1)

	for {
		if ctx.Err() != nil {
			return nil, rpcerr.ErrCancelled
		}
		if n.Master() == nil {
			select {
			case <-n.onConnected.Listen():
			case <-ctx.Done():
				return nil, rpcerr.ErrCancelled
			}
		}
		if _, err := n.pool.WaitForFastestSession(ctx); err != nil {
			return nil, rpcerr.ErrCancelled
		}

		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		if isRetriable(err) {
			continue
		}
		return nil, err
	}
}

func isRetriable(err error) bool {
	return errors.Is(err, rpcerr.ErrTimeout) || errors.Is(err, rpcerr.ErrConnectionError)
}

// Rpc routes method/args to explicit (if non-nil), else the master
// session when restricted, else the pool's fastest session, matching
// the source's rpc(method_or_list, args, restricted, session) routing
// primitive. It triggers a nodelay reconnect and fails
// with ErrConnectionError when no eligible session is available.
func (n *Network) Rpc(ctx context.Context, method string, args any, restricted bool, explicit *session.Session) (json.RawMessage, error) {
	sess := explicit
	if sess == nil {
		if restricted {
			sess = n.Master()
		} else {
			sess = n.pool.FastestSession()
		}
	}
	if sess == nil || sess.IsClosing() {
		n.pool.TriggerNodelayConnect()
		return nil, rpcerr.ErrConnectionError
	}
	return sess.SendRequest(ctx, method, args)
}
