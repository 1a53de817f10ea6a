// Package session implements a persistent, framed JSON-RPC client to
// one SPV server: connect/handshake, a reconnect loop, health and
// latency tracking, pending-call bookkeeping, and dispatch of
// server-initiated subscription notifications.
package session

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/PayRpc/spvnode/internal/rpcerr"
)

// ServerAddr identifies one SPV server by host and port. Two sessions
// with equal ServerAddr are the same logical endpoint.
type ServerAddr struct {
	Host string
	Port int
}

func (a ServerAddr) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// ConnectionState is the session's transport lifecycle state.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
)

// MinimumRequired is the lowest server.version tuple this client will
// speak to; anything below it fails the handshake with ErrIncompatible.
var MinimumRequired = [3]int{0, 65, 0}

// Ledger is the narrow external-collaborator interface the core calls
// into on every address-status notification; the actual wallet/ledger
// logic lives outside this module.
type Ledger interface {
	ProcessStatusUpdate(s *Session, args json.RawMessage)
}

// Config carries the per-session tunables; sensible defaults are
// applied by NewConfig.
type Config struct {
	Timeout          time.Duration // default 30s, the RPC call timeout
	HandshakeTimeout time.Duration // default 3s
	ConnectTimeout   time.Duration // default 6s
	ClientVersion    string        // advertised to server.version
	RequiredVersion  string        // requested protocol version
}

// NewConfig returns a Config with this runtime's default timeouts.
func NewConfig() Config {
	return Config{
		Timeout:          30 * time.Second,
		HandshakeTimeout: 3 * time.Second,
		ConnectTimeout:   6 * time.Second,
		ClientVersion:    "spvnode",
		RequiredVersion:  "1.0",
	}
}

type pendingCall struct {
	result json.RawMessage
	err    error
}

// Session is one TCP connection to one SPV server. All mutable fields
// are guarded by mu; the reconnect loop, the reader goroutine, and any
// number of concurrent callers may touch a Session at once, so (unlike
// the reference implementation's single-threaded assumption) every
// access is locked rather than left to cooperative scheduling.
type Session struct {
	Server ServerAddr
	cfg    Config
	logger *zap.Logger
	ledger Ledger

	// HeaderStream is shared across every session in the pool; only
	// the current master ever receives headers notifications, but any
	// session is wired to forward them here if the server sends one.
	HeaderStream *Stream[string]

	mu                 sync.Mutex
	state              ConnectionState
	conn               net.Conn
	writer             *bufio.Writer
	responseTime       *float64
	connectionLatency  *float64
	responseSamples    int
	pendingAmount      int
	lastSend           time.Time
	lastPacketReceived time.Time
	peerAddr           *net.TCPAddr

	pending    map[string]chan pendingCall
	readerDone chan struct{}
	closedCh   chan struct{}

	urgentReconnect chan struct{}

	onDisconnected *Stream[bool]
	onStatus       *Stream[string]

	onConnectCB func()
}

// New constructs a session for server, not yet connected.
func New(server ServerAddr, cfg Config, logger *zap.Logger, ledger Ledger, headerStream *Stream[string]) *Session {
	s := &Session{
		Server:          server,
		cfg:             cfg,
		logger:          logger,
		ledger:          ledger,
		HeaderStream:    headerStream,
		pending:         make(map[string]chan pendingCall),
		urgentReconnect: make(chan struct{}, 1),
		onDisconnected:  NewStream[bool](false),
		onStatus:        NewStream[string](true),
		onConnectCB:     func() {},
	}
	return s
}

// OnConnectCallback installs a callback invoked (on-loop, i.e.
// synchronously from the reconnect goroutine) every time a handshake
// succeeds. The pool uses this to detect duplicate endpoints.
func (s *Session) OnConnectCallback(cb func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onConnectCB = cb
}

// OnDisconnected exposes the disconnect event stream.
func (s *Session) OnDisconnected() *Stream[bool] { return s.onDisconnected }

// OnStatus exposes the per-session address-status stream.
func (s *Session) OnStatus() *Stream[string] { return s.onStatus }

// State returns the current connection state.
func (s *Session) State() ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsClosing reports whether the session has no live transport.
func (s *Session) IsClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state != Connected
}

// IsConnected mirrors the source's is_connected property.
func (s *Session) IsConnected() bool {
	return s.State() == Connected
}

// Available reports whether the session is connected and has at least
// one successful server.version sample since the last connect.
func (s *Session) Available() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == Connected && s.responseTime != nil
}

// ResponseTime returns the running-mean server.version latency, or
// (0, false) if no sample has completed since the last connect.
func (s *Session) ResponseTime() (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.responseTime == nil {
		return 0, false
	}
	return time.Duration(*s.responseTime * float64(time.Second)), true
}

// ConnectionLatency returns the wall time of the last connect, or
// (0, false) if not currently connected.
func (s *Session) ConnectionLatency() (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connectionLatency == nil {
		return 0, false
	}
	return time.Duration(*s.connectionLatency * float64(time.Second)), true
}

// PendingAmount returns the number of in-flight calls.
func (s *Session) PendingAmount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingAmount
}

// PeerAddr returns the resolved remote address observed after
// connect, used by the pool to detect DNS-alias duplicates.
func (s *Session) PeerAddr() *net.TCPAddr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerAddr
}

// TriggerUrgentReconnect wakes a reconnect loop currently sleeping in
// backoff. It is a single-consumer, non-blocking signal.
func (s *Session) TriggerUrgentReconnect() {
	select {
	case s.urgentReconnect <- struct{}{}:
	default:
	}
}

// CreateConnection dials the server and starts the frame reader.
// connection_latency is recorded on success.
func (s *Session) CreateConnection(ctx context.Context) error {
	s.mu.Lock()
	s.state = Connecting
	s.mu.Unlock()

	start := time.Now()
	d := net.Dialer{Timeout: s.cfg.ConnectTimeout}
	conn, err := d.DialContext(ctx, "tcp", s.Server.String())
	if err != nil {
		s.mu.Lock()
		s.state = Disconnected
		s.mu.Unlock()
		return fmt.Errorf("%w: %v", rpcerr.ErrConnectionError, err)
	}
	latency := time.Since(start).Seconds()

	peerAddr, _ := conn.RemoteAddr().(*net.TCPAddr)

	s.mu.Lock()
	s.conn = conn
	s.writer = bufio.NewWriter(conn)
	s.connectionLatency = &latency
	s.peerAddr = peerAddr
	s.state = Connected
	s.closedCh = make(chan struct{})
	s.readerDone = make(chan struct{})
	now := time.Now()
	s.lastSend = now
	s.lastPacketReceived = now
	closedCh := s.closedCh
	readerDone := s.readerDone
	s.mu.Unlock()

	go s.readLoop(conn, closedCh, readerDone)
	return nil
}

// EnsureServerVersion negotiates the protocol version and fails with
// ErrIncompatible if the remote reports less than MinimumRequired.
func (s *Session) EnsureServerVersion(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
	defer cancel()
	result, err := s.SendRequest(ctx, "server.version", []string{s.cfg.ClientVersion, s.cfg.RequiredVersion})
	if err != nil {
		return err
	}
	var reply []string
	if err := json.Unmarshal(result, &reply); err != nil || len(reply) == 0 {
		return fmt.Errorf("%w: malformed server.version reply", rpcerr.ErrProtocol)
	}
	got, err := parseVersionTuple(reply[0])
	if err != nil {
		return fmt.Errorf("%w: %v", rpcerr.ErrProtocol, err)
	}
	if versionLess(got, MinimumRequired) {
		return rpcerr.ErrIncompatible
	}
	return nil
}

func parseVersionTuple(v string) ([3]int, error) {
	var out [3]int
	parts := strings.Split(v, ".")
	for i := 0; i < 3 && i < len(parts); i++ {
		n, err := strconv.Atoi(parts[i])
		if err != nil {
			return out, err
		}
		out[i] = n
	}
	return out, nil
}

func versionLess(a, b [3]int) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// SendRequest issues a single JSON-RPC call and waits for its reply,
// applying the keepalive rule: the wait is extended past timeout as
// long as some packet (even an unrelated notification) has arrived
// more recently than timeout ago.
func (s *Session) SendRequest(ctx context.Context, method string, args any) (json.RawMessage, error) {
	if method == "server.version" {
		return s.sendTimedServerVersionRequest(ctx, args)
	}
	return s.sendRequest(ctx, method, args, s.cfg.Timeout)
}

func (s *Session) sendTimedServerVersionRequest(ctx context.Context, args any) (json.RawMessage, error) {
	start := time.Now()
	result, err := s.sendRequest(ctx, "server.version", args, s.cfg.Timeout)
	if err != nil {
		return nil, err
	}
	elapsed := time.Since(start).Seconds()

	s.mu.Lock()
	prevSum := 0.0
	if s.responseTime != nil {
		prevSum = *s.responseTime * float64(s.responseSamples)
	}
	mean := (prevSum + elapsed) / float64(s.responseSamples+1)
	s.responseTime = &mean
	s.responseSamples++
	s.mu.Unlock()

	return result, nil
}

func (s *Session) sendRequest(ctx context.Context, method string, args any, timeout time.Duration) (json.RawMessage, error) {
	s.mu.Lock()
	if s.state != Connected {
		s.mu.Unlock()
		return nil, rpcerr.ErrConnectionLost
	}
	id := uuid.NewString()
	respCh := make(chan pendingCall, 1)
	s.pending[id] = respCh
	s.pendingAmount++
	w := s.writer
	s.lastSend = time.Now()
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.pendingAmount--
		s.mu.Unlock()
	}()

	if err := writeFrame(w, wireRequest{ID: id, Method: method, Params: args}); err != nil {
		s.handleTransportError()
		return nil, rpcerr.ErrConnectionLost
	}

	deadline := time.Now().Add(timeout)
	for {
		wait := time.Until(deadline)
		if wait <= 0 {
			wait = 0
		}
		timer := time.NewTimer(wait)
		select {
		case res := <-respCh:
			timer.Stop()
			return res.result, res.err
		case <-s.closedSignal():
			timer.Stop()
			return nil, rpcerr.ErrConnectionLost
		case <-ctx.Done():
			timer.Stop()
			return nil, rpcerr.ErrCancelled
		case <-timer.C:
			s.mu.Lock()
			gap := time.Since(s.lastPacketReceived)
			s.mu.Unlock()
			if gap < timeout {
				// A packet arrived recently on this connection (e.g. a
				// subscription notification); the remote is alive, so
				// extend the wait instead of failing the call.
				deadline = time.Now().Add(timeout)
				continue
			}
			if s.logger != nil {
				s.logger.Info("timeout sending rpc request", zap.String("method", method), zap.Stringer("server", s.Server))
			}
			return nil, rpcerr.ErrTimeout
		}
	}
}

func (s *Session) closedSignal() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closedCh == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return s.closedCh
}

func (s *Session) handleTransportError() {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func (s *Session) readLoop(conn net.Conn, closedCh, doneCh chan struct{}) {
	defer close(doneCh)
	r := bufio.NewReader(conn)
	for {
		msg, err := readFrame(r)
		if err != nil {
			s.onConnectionLost(closedCh)
			return
		}
		s.mu.Lock()
		s.lastPacketReceived = time.Now()
		s.mu.Unlock()

		if msg.isNotification() {
			s.dispatchNotification(msg)
			continue
		}

		s.mu.Lock()
		ch, ok := s.pending[msg.ID]
		s.mu.Unlock()
		if !ok {
			continue
		}
		if msg.Error != nil {
			ch <- pendingCall{err: &rpcerr.RPCError{Code: msg.Error.Code, Message: msg.Error.Message}}
		} else {
			ch <- pendingCall{result: msg.Result}
		}
	}
}

func (s *Session) dispatchNotification(msg wireMessage) {
	switch msg.Method {
	case "blockchain.headers.subscribe":
		if s.HeaderStream != nil {
			s.HeaderStream.Add(string(msg.Params))
		}
	case "blockchain.address.subscribe":
		s.onStatus.Add(string(msg.Params))
		if s.ledger != nil {
			s.ledger.ProcessStatusUpdate(s, msg.Params)
		}
	default:
		if s.logger != nil {
			s.logger.Debug("unhandled subscription notification", zap.String("method", msg.Method))
		}
	}
}

// onConnectionLost tears down session state when the transport drops,
// failing every pending call with ErrConnectionLost and emitting
// on_disconnected, mirroring ClientSession.connection_lost.
func (s *Session) onConnectionLost(closedCh chan struct{}) {
	s.mu.Lock()
	if s.state == Disconnected {
		s.mu.Unlock()
		return
	}
	s.state = Disconnected
	s.responseTime = nil
	s.connectionLatency = nil
	s.responseSamples = 0
	pending := s.pending
	s.pending = make(map[string]chan pendingCall)
	s.mu.Unlock()

	for _, ch := range pending {
		ch <- pendingCall{err: rpcerr.ErrConnectionLost}
	}
	close(closedCh)
	s.onDisconnected.Add(true)
}

// Close closes the transport if one is open. It does not block on the
// reader goroutine's exit.
func (s *Session) Close() {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// SynchronousClose closes the transport and waits for the reader
// goroutine to observe the close before returning.
func (s *Session) SynchronousClose() {
	s.mu.Lock()
	conn := s.conn
	done := s.readerDone
	s.conn = nil
	s.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	if done != nil {
		<-done
	}
}

// Abort forcibly closes the transport, used when a subscription call
// times out and the session can no longer be trusted to deliver it.
func (s *Session) Abort() {
	s.Close()
}

// FireOnConnect invokes the installed on-connect callback. Called by
// the reconnect loop after a successful handshake.
func (s *Session) FireOnConnect() {
	s.mu.Lock()
	cb := s.onConnectCB
	s.mu.Unlock()
	cb()
}

// LastSend returns the timestamp of the most recent outbound request.
func (s *Session) LastSend() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSend
}
