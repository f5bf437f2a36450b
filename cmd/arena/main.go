// Package main provides the arena broker binary: the WebSocket session
// broker with rooms, rendezvous matchmaking, and the paired game protocol.
package main

import (
	"context"
	"flag"
	"log"
	"time"

	"go.uber.org/zap"

	"github.com/dilemmalab/arena/internal/audit"
	"github.com/dilemmalab/arena/internal/broker"
	"github.com/dilemmalab/arena/internal/config"
	"github.com/dilemmalab/arena/internal/game/dice"
	"github.com/dilemmalab/arena/internal/observability"
	"github.com/dilemmalab/arena/internal/roster"
	"github.com/dilemmalab/arena/internal/server"
	"github.com/dilemmalab/arena/internal/storage/postgres"
	"github.com/dilemmalab/arena/internal/transport/ws"
)

const auditQueueDepth = 1024

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file")
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("starting arena broker",
		zap.String("listen_addr", cfg.Listen.Addr()),
		zap.String("default_room", cfg.Rooms.DefaultRoom),
	)

	// Audit sink: PostgreSQL when enabled, the structured log otherwise.
	var (
		sink audit.Sink = &audit.ZapSink{Logger: logger.Named("audit")}
		pool *postgres.Pool
	)
	if cfg.Database.Enabled {
		dbStart := time.Now()
		pool, err = postgres.NewPool(ctx, cfg.Database)
		if err != nil {
			logger.Fatal("connecting to database", zap.Error(err))
		}
		sink = postgres.NewEventRepository(pool.DB())
		logger.Info("database connected",
			zap.String("host", cfg.Database.Host),
			zap.Duration("elapsed", time.Since(dbStart)),
		)
	}
	recorder := audit.NewRecorder(sink, logger, auditQueueDepth)

	var ros *roster.Roster
	if cfg.Roster.Path != "" {
		ros, err = roster.Load(cfg.Roster.Path)
		if err != nil {
			logger.Fatal("loading roster", zap.Error(err))
		}
		logger.Info("roster loaded",
			zap.String("path", cfg.Roster.Path),
			zap.Int("identities", len(ros.Identities)),
		)
	}

	b := broker.NewBroker(cfg, logger, recorder, ros, dice.NewCryptoSource())
	wsServer := ws.NewServer(cfg.Listen, b, logger)
	poseTicker := broker.NewPoseTicker(b.Rooms(), cfg.Rooms.PoseInterval, logger)
	poseTicker.Start(ctx)

	lifecycle := server.NewLifecycle(logger, server.DefaultStopTimeout)

	lifecycle.Add("websocket", &server.FuncService{
		StartFn: wsServer.Start,
		StopFn:  wsServer.Shutdown,
	})

	lifecycle.Add("broker", &server.FuncService{
		StartFn: func() error {
			<-ctx.Done()
			return nil
		},
		StopFn: func(context.Context) error {
			cancel()
			b.Close()
			return nil
		},
	})

	lifecycle.Add("audit", &server.FuncService{
		StartFn: func() error {
			<-ctx.Done()
			return nil
		},
		StopFn: func(stopCtx context.Context) error {
			return recorder.Close(stopCtx)
		},
	})

	if pool != nil {
		lifecycle.Add("postgres", &server.FuncService{
			StartFn: func() error {
				ticker := time.NewTicker(30 * time.Second)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return nil
					case <-ticker.C:
						if err := pool.Health(ctx, 5*time.Second); err != nil {
							logger.Warn("database health check failed", zap.Error(err))
						}
					}
				}
			},
			StopFn: func(context.Context) error {
				pool.Close()
				return nil
			},
		})
	}

	logger.Info("arena broker initialized",
		zap.Duration("startup", time.Since(start)),
	)

	if err := lifecycle.Run(ctx); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}
