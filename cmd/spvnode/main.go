// Command spvnode runs the session pool, master switcher, and status
// UDP responder as a single process, wiring together the internal
// packages the way a long-running daemon's main wires its own
// subsystems: load config, build a logger, start everything, then
// block for a signal and shut down in order.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/PayRpc/spvnode/internal/adminapi"
	"github.com/PayRpc/spvnode/internal/config"
	"github.com/PayRpc/spvnode/internal/network"
	"github.com/PayRpc/spvnode/internal/pool"
	"github.com/PayRpc/spvnode/internal/session"
	"github.com/PayRpc/spvnode/internal/statusudp"
)

func main() {
	cfg := config.Load()
	logger := initLogger(cfg)
	defer logger.Sync()

	logger.Info("starting spvnode", zap.String("environment", cfg.Environment))

	sessionCfg := session.NewConfig()
	sessionCfg.ConnectTimeout = cfg.ConnectTimeout
	sessionCfg.Timeout = cfg.SessionTimeout
	sessionCfg.HandshakeTimeout = cfg.HandshakeTimeout
	sessionCfg.RequiredVersion = cfg.MinProtocolVersion

	ledger := network.NewLoggingLedger(logger)
	p := pool.New(sessionCfg, logger, ledger)
	n := network.New(p, logger)

	status := statusudp.New(logger, 0, [32]byte{})
	if err := status.Start(cfg.StatusUDPIface, cfg.StatusUDPPort); err != nil {
		logger.Fatal("failed to start status udp server", zap.Error(err))
	}
	status.SetAvailable()
	n.SetHeightSink(func(height int64, tip [32]byte) {
		status.SetHeight(int32(height), tip)
	})

	admin := adminapi.New(p, n, status, logger)
	if err := admin.Start(cfg.AdminAddr); err != nil {
		logger.Fatal("failed to start admin api", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())

	servers := make([]session.ServerAddr, 0, len(cfg.DefaultServers))
	for _, ep := range cfg.DefaultServers {
		servers = append(servers, session.ServerAddr{Host: ep.Host, Port: ep.Port})
	}
	p.Start(ctx, servers)

	go n.Run(ctx)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	<-sigs

	logger.Info("shutting down spvnode")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := admin.Shutdown(shutdownCtx); err != nil {
		logger.Error("admin api shutdown error", zap.Error(err))
	}

	status.Stop()
	p.Stop()

	logger.Info("spvnode shutdown complete")
}

func initLogger(cfg config.Config) *zap.Logger {
	var (
		logger *zap.Logger
		err    error
	)
	if cfg.Environment == "production" {
		zcfg := zap.NewProductionConfig()
		zcfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
		logger, err = zcfg.Build()
	} else {
		zcfg := zap.NewDevelopmentConfig()
		zcfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
		logger, err = zcfg.Build()
	}
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	return logger
}
