// Package statusudp implements the SPV status datagram server:
// validates incoming pings, applies the throttle, and replies with a
// cached pong carrying the client's own IPv4 address. SO_REUSEPORT is
// applied via golang.org/x/sys/unix so multiple processes can bind the
// same port without contending for one listener.
package statusudp

import (
	"net"
	"strconv"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"go.uber.org/zap"

	"github.com/PayRpc/spvnode/internal/codec"
	"github.com/PayRpc/spvnode/internal/throttle"
)

// Server is a single datagram endpoint advertising chain height/tip
// and answering liveness pings. start/stop are idempotent.
type Server struct {
	logger *zap.Logger

	mu           sync.RWMutex
	height       int32
	tip          [32]byte
	flags        byte
	cachedPong   []byte
	throttle     *throttle.Throttle
	conn         *net.UDPConn
	readDoneOnce sync.Once
	readDone     chan struct{}
}

// New constructs a status server advertising the given initial height
// and tip, unavailable until SetAvailable is called.
func New(logger *zap.Logger, height int32, tip [32]byte) *Server {
	s := &Server{
		logger:   logger,
		height:   height,
		tip:      tip,
		throttle: throttle.New(logger),
	}
	s.rebuildCachedPong()
	return s
}

func (s *Server) rebuildCachedPong() {
	s.cachedPong = codec.MakeCachedPong(s.height, s.tip, s.flags)
}

// SetAvailable sets the advertised availability bit.
func (s *Server) SetAvailable() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flags |= 0x01
	s.rebuildCachedPong()
}

// SetUnavailable clears the advertised availability bit.
func (s *Server) SetUnavailable() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flags &^= 0x01
	s.rebuildCachedPong()
}

// SetHeight updates the advertised height and tip.
func (s *Server) SetHeight(height int32, tip [32]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.height, s.tip = height, tip
	s.rebuildCachedPong()
}

// Snapshot returns the currently advertised height, tip, and
// availability, for the admin API.
func (s *Server) Snapshot() (height int32, tip [32]byte, available bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.height, s.tip, s.flags&0x01 != 0
}

// Start opens the datagram endpoint on iface:port with SO_REUSEPORT
// and begins serving. It is a no-op if already started.
func (s *Server) Start(iface string, port int) error {
	s.mu.Lock()
	if s.conn != nil {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var controlErr error
			err := c.Control(func(fd uintptr) {
				controlErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			})
			if err != nil {
				return err
			}
			return controlErr
		},
	}
	addr := net.JoinHostPort(iface, strconv.Itoa(port))
	pc, err := lc.ListenPacket(nil, "udp", addr)
	if err != nil {
		return err
	}
	conn := pc.(*net.UDPConn)

	s.mu.Lock()
	s.conn = conn
	s.readDone = make(chan struct{})
	s.mu.Unlock()

	if s.logger != nil {
		s.logger.Info("started udp status server", zap.String("iface", iface), zap.Int("port", port))
	}

	go s.serve(conn, s.readDone)
	return nil
}

func (s *Server) serve(conn *net.UDPConn, done chan struct{}) {
	defer close(done)
	buf := make([]byte, 512)
	for {
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.throttle.Advance(time.Now())
		s.mu.Unlock()
		s.handleDatagram(conn, buf[:n], addr)
	}
}

func (s *Server) handleDatagram(conn *net.UDPConn, data []byte, addr *net.UDPAddr) {
	host := addr.IP.String()
	s.mu.Lock()
	throttled := s.throttle.ShouldThrottle(host)
	s.mu.Unlock()
	if throttled {
		return
	}

	if _, err := codec.DecodePing(data); err != nil {
		if s.logger != nil {
			s.logger.Debug("dropping malformed status ping", zap.String("host", host), zap.Error(err))
		}
		return
	}

	ip4 := addr.IP.To4()
	if ip4 == nil {
		return
	}
	var ipBytes [4]byte
	copy(ipBytes[:], ip4)

	s.mu.RLock()
	pong := codec.AppendSourceIP(s.cachedPong, ipBytes)
	s.mu.RUnlock()

	_, _ = conn.WriteToUDP(pong, addr)
}

// Stop closes the endpoint. It is idempotent.
func (s *Server) Stop() {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}
