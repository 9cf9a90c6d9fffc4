package main

import (
	"context"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"roomrelay"
	"roomrelay/bus"
	"roomrelay/config"
	relay_grpc "roomrelay/grpc"
	"roomrelay/metrics"
	"roomrelay/server"
)

var configPath string
var addr string

func init() {
	flag.StringVar(&configPath, "c", "", "Path to a YAML config file")
	flag.StringVar(&addr, "b", "", "The relay TCP binding address, overrides server.addr")
}

func main() {
	flag.Parse()

	_ = godotenv.Load() // load .env if present

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if addr != "" {
		cfg.Server.Addr = addr
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		log.Fatalf("failed to initialize zap logger: %v", err)
	}
	defer logger.Sync()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGTERM, os.Interrupt)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.New()
	registry := roomrelay.NewRegistry()
	queue := roomrelay.NewQueue()

	bopts := []roomrelay.BroadcasterOption{roomrelay.WithMetrics(m)}
	var redisBus *bus.RedisBus
	if cfg.Redis.Addr != "" {
		redisBus, err = bus.NewRedisBus(ctx, bus.Options{
			Addr:           cfg.Redis.Addr,
			DB:             cfg.Redis.DB,
			Prefix:         cfg.Redis.Prefix,
			MaxFailures:    cfg.Redis.Breaker.MaxFailures,
			BreakerTimeout: cfg.Redis.Breaker.Timeout,
		}, logger)
		if err != nil {
			logger.Fatal("failed to connect redis", zap.Error(err))
		}
		bopts = append(bopts, roomrelay.WithForwarder(redisBus, cfg.Redis.PublishTimeout))
	}

	broadcaster := roomrelay.NewBroadcaster(queue, registry, logger.Named("broadcaster"), bopts...)
	broadcasterDone := make(chan struct{})
	go func() {
		defer close(broadcasterDone)
		broadcaster.Run()
	}()

	var dispatch roomrelay.Dispatcher = queue
	if cfg.Server.Mode == config.ModeSync {
		dispatch = broadcaster
	}

	if redisBus != nil {
		if err := redisBus.Start(ctx, dispatch); err != nil {
			logger.Fatal("failed to subscribe redis", zap.Error(err))
		}
	}

	opts := server.DefaultOptions()
	opts.BufferSize = cfg.Server.BufferSize
	opts.NullTerminate = cfg.Server.NullTerminate
	opts.WriteTimeout = cfg.Server.WriteTimeout
	opts.Rooms = roomrelay.RoomRange{Min: roomrelay.RoomID(cfg.Rooms.Min), Max: roomrelay.RoomID(cfg.Rooms.Max)}
	opts.StrictJoin = cfg.Rooms.StrictJoin
	opts.MessagesPerSecond = cfg.Limits.MessagesPerSecond
	opts.Burst = cfg.Limits.Burst
	opts.AllowedOrigins = cfg.HTTP.AllowedOrigins

	relay := server.New(registry, dispatch, logger.Named("server"), m, opts)

	// for chat clients
	{
		lis, err := net.Listen("tcp", cfg.Server.Addr)
		if err != nil {
			logger.Fatal("failed to listen", zap.String("addr", cfg.Server.Addr), zap.Error(err))
		}

		go func() {
			logger.Info("relay server listen", zap.String("addr", cfg.Server.Addr), zap.String("mode", cfg.Server.Mode))
			if err := relay.Serve(ctx, lis); err != nil {
				logger.Fatal("relay server stopped", zap.Error(err))
			}
		}()
	}

	// websocket, healthz and metrics
	httpServer := &http.Server{Addr: cfg.HTTP.Addr, Handler: relay.HTTPHandler(m.Handler())}
	{
		lis, err := net.Listen("tcp", cfg.HTTP.Addr)
		if err != nil {
			logger.Fatal("failed to listen", zap.String("addr", cfg.HTTP.Addr), zap.Error(err))
		}

		go func() {
			logger.Info("http server listen", zap.String("addr", cfg.HTTP.Addr))
			if err := httpServer.Serve(lis); err != nil && err != http.ErrServerClosed {
				logger.Fatal("http server stopped", zap.Error(err))
			}
		}()
	}

	// for operators
	grpcServer := relay_grpc.NewServer(
		logger.Named("grpc"),
		relay_grpc.NewAdminServer(registry, queue, broadcaster),
		relay_grpc.NewHealthServer(relay.Serving),
	)
	{
		lis, err := net.Listen("tcp", cfg.GRPC.Addr)
		if err != nil {
			logger.Fatal("failed to listen", zap.String("addr", cfg.GRPC.Addr), zap.Error(err))
		}

		go func() {
			logger.Info("admin server listen", zap.String("addr", cfg.GRPC.Addr))
			if err := grpcServer.Serve(lis); err != nil {
				logger.Fatal("admin server stopped", zap.Error(err))
			}
		}()
	}

	s := <-sig
	logger.Info("signal received", zap.String("signal", s.String()))

	if err := relay.Shutdown(cfg.Shutdown.Timeout); err != nil {
		logger.Warn("relay shutdown", zap.Error(err))
	}
	if redisBus != nil {
		if err := redisBus.Close(); err != nil {
			logger.Warn("redis close", zap.Error(err))
		}
	}
	queue.Close()
	<-broadcasterDone

	grpcServer.GracefulStop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Shutdown.Timeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}

	logger.Info("relay shutdown complete")
}

func newLogger(cfg config.LogCfg) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
