// Package adminapi is the admin/observability HTTP+WS API: a gin
// router exposing pool, master, and status-server introspection, plus
// a websocket feed pushing a pool snapshot on every new-connection
// event; a master switch that adopts an already-connected session
// pushes nothing. This is introspection for this runtime's
// own health, not a business-logging surface.
package adminapi

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/PayRpc/spvnode/internal/network"
	"github.com/PayRpc/spvnode/internal/pool"
	"github.com/PayRpc/spvnode/internal/statusudp"
)

// Server wraps the gin router and the http.Server it runs on.
type Server struct {
	logger *zap.Logger
	pool   *pool.Pool
	net    *network.Network
	status *statusudp.Server

	upgrader websocket.Upgrader
	httpSrv  *http.Server
}

// New builds the admin router bound to the given pool, network, and
// status-server instances.
func New(p *pool.Pool, n *network.Network, status *statusudp.Server, logger *zap.Logger) *Server {
	s := &Server{
		logger: logger,
		pool:   p,
		net:    n,
		status: status,
		upgrader: websocket.Upgrader{
			CheckOrigin:      func(r *http.Request) bool { return true },
			HandshakeTimeout: 10 * time.Second,
		},
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/pool", s.handlePool)
	router.GET("/master", s.handleMaster)
	router.GET("/status", s.handleStatus)
	router.GET("/ws/pool", s.handleWSPool)

	s.httpSrv = &http.Server{Handler: router}
	return s
}

// Start listens on addr in a background goroutine.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.httpSrv.Addr = addr
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			if s.logger != nil {
				s.logger.Error("admin api server exited", zap.Error(err))
			}
		}
	}()
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

type sessionView struct {
	Endpoint     string `json:"endpoint"`
	Connected    bool   `json:"connected"`
	Available    bool   `json:"available"`
	ResponseMS   int64  `json:"response_ms,omitempty"`
	PendingCalls int    `json:"pending_calls"`
}

func poolSnapshot(p *pool.Pool) []sessionView {
	sessions := p.Sessions()
	views := make([]sessionView, 0, len(sessions))
	for addr, sess := range sessions {
		v := sessionView{
			Endpoint:     addr.String(),
			Connected:    sess.IsConnected(),
			Available:    sess.Available(),
			PendingCalls: sess.PendingAmount(),
		}
		if rt, ok := sess.ResponseTime(); ok {
			v.ResponseMS = rt.Milliseconds()
		}
		views = append(views, v)
	}
	return views
}

func (s *Server) handlePool(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": poolSnapshot(s.pool)})
}

func (s *Server) handleMaster(c *gin.Context) {
	master := s.net.Master()
	if master == nil {
		c.JSON(http.StatusNotFound, gin.H{"master": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"endpoint":      master.Server.String(),
		"remote_height": s.net.RemoteHeight(),
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	if s.status == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "status server not running"})
		return
	}
	height, tip, available := s.status.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"height":    height,
		"tip":       hexTip(tip),
		"available": available,
	})
}

func hexTip(tip [32]byte) string {
	const hexDigits = "0123456789abcdef"
	out := make([]byte, 0, 64)
	for _, b := range tip {
		out = append(out, hexDigits[b>>4], hexDigits[b&0x0f])
	}
	return string(out)
}

// handleWSPool upgrades to a websocket and pushes a pool snapshot on
// every new-connection event: origin-checked upgrader, ping/pong
// keepalive, write-deadline-guarded WriteJSON loop.
func (s *Server) handleWSPool(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPingHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return conn.WriteControl(websocket.PongMessage, nil, time.Now().Add(10*time.Second))
	})

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
			conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		}
	}()

	events := s.pool.NewConnection().Listen()

	send := func() bool {
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteJSON(gin.H{"sessions": poolSnapshot(s.pool)}); err != nil {
			if s.logger != nil {
				s.logger.Debug("error writing to pool websocket", zap.Error(err))
			}
			return false
		}
		return true
	}
	if !send() {
		return
	}

	for {
		select {
		case <-events:
			if !send() {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
