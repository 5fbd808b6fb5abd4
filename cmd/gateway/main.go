package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"exploding/gateway/internal/config"
	"exploding/gateway/internal/health"
	"exploding/gateway/internal/issuer"
	"exploding/gateway/internal/logger"
	"exploding/gateway/internal/monitoring"
	"exploding/gateway/internal/notify"
	"exploding/gateway/internal/pool"
	"exploding/gateway/internal/relay"
	"exploding/gateway/internal/routing"
	"exploding/gateway/internal/smtp"
	"exploding/gateway/internal/stats"
	httptransport "exploding/gateway/internal/transport/http"
	"exploding/gateway/internal/verify"
)

// 计数任务池规模，计数只是一次 Redis INCR
const (
	counterWorkers   = 4
	counterQueueSize = 1024
)

// main 启动网关：WebSocket/HTTP 共用一个端口，SMTP 单独监听。
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer func() { _ = log.Sync() }()

	log.Info("starting exploding gateway",
		zap.String("version", cfg.Gateway.Version),
		zap.Strings("domains", cfg.Mailbox.Domains),
		zap.Duration("ttl", cfg.Mailbox.TTL),
		zap.String("log_level", cfg.Log.Level),
	)

	metrics := monitoring.NewMetrics(nil)

	counter, closeCounter := stats.Open(cfg.Redis, log.Named("stats"))
	defer func() {
		if err := closeCounter(); err != nil {
			log.Warn("failed to close counter", zap.Error(err))
		}
	}()

	iss, err := issuer.New(cfg.Mailbox.Domains)
	if err != nil {
		log.Fatal("failed to create inbox issuer", zap.Error(err))
	}

	verifier, err := verify.New(net.DefaultResolver, verify.Options{
		RecordPrefix: cfg.DNS.RecordPrefix,
		Timeout:      cfg.DNS.Timeout,
		Hash:         cfg.DNS.Hash,
		Salt:         []byte(cfg.DNS.Salt),
		NegativeTTL:  cfg.DNS.NegativeTTL,
	}, log.Named("verify"))
	if err != nil {
		log.Fatal("failed to create domain verifier", zap.Error(err))
	}

	table := routing.NewTable(cfg.Mailbox.Domains, routing.WithLogger(log.Named("routing")))
	workers := pool.NewWorkerPool(counterWorkers, counterQueueSize, log.Named("pool"))

	gateway := relay.New(relay.Options{
		Version:           cfg.Gateway.Version,
		TTL:               cfg.Mailbox.TTL,
		HeartbeatInterval: cfg.Gateway.HeartbeatInterval,
		SweepInterval:     cfg.Gateway.SweepInterval,
		ExpireTokens:      cfg.Mailbox.ExpireTokens,
		SendBuffer:        cfg.Gateway.SendBuffer,
		MaxFrameBytes:     cfg.Gateway.MaxFrameBytes,
		WriteTimeout:      cfg.Gateway.WriteTimeout,
	}, relay.Deps{
		Issuer:   iss,
		Table:    table,
		Verifier: verifier,
		Counter:  counter,
		Pool:     workers,
		Metrics:  metrics,
		Logger:   log.Named("relay"),
	})

	var pinger health.Pinger
	if p, ok := counter.(health.Pinger); ok {
		pinger = p
	}
	healthChecker := health.NewHealthChecker(health.Options{SMTPAddr: cfg.SMTP.BindAddr}, pinger, log.Named("health"))

	httpAddr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	router := httptransport.NewRouter(httptransport.RouterDependencies{
		Config:   cfg.HTTP,
		Origins:  cfg.Gateway.AllowedOrigins,
		Acceptor: gateway,
		Health:   healthChecker,
		Metrics:  metrics,
		Logger:   log.Named("http"),
	})

	// 长连接不设置读写超时
	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	smtpBackend := smtp.NewBackend(cfg.SMTP, gateway, metrics, log.Named("smtp"))
	smtpServer := smtp.NewServer(cfg.SMTP, smtpBackend)

	notifier := notify.NewNotifier(cfg.Webhook, counter, metrics, log.Named("webhook"))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)

	workers.Start(groupCtx)

	group.Go(func() error {
		log.Info("starting HTTP server", zap.String("address", httpAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server error", zap.Error(err))
			return err
		}
		return nil
	})

	group.Go(func() error {
		log.Info("starting SMTP server",
			zap.String("address", cfg.SMTP.BindAddr),
			zap.String("domain", cfg.SMTP.Domain),
		)
		// 关闭后 Serve 返回的错误不视为故障
		if err := smtpServer.ListenAndServe(); err != nil && groupCtx.Err() == nil {
			log.Error("SMTP server error", zap.Error(err))
			return err
		}
		return nil
	})

	group.Go(func() error {
		return gateway.Run(groupCtx)
	})

	group.Go(func() error {
		verifier.Run(groupCtx)
		return nil
	})

	group.Go(func() error {
		return notifier.Run(groupCtx)
	})

	// 优雅关闭
	group.Go(func() error {
		<-groupCtx.Done()
		log.Info("shutdown signal received, gracefully shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown error", zap.Error(err))
		}

		if err := smtpServer.Shutdown(shutdownCtx); err != nil {
			log.Warn("SMTP server shutdown warning", zap.Error(err))
		}

		workers.Stop()
		log.Info("servers stopped")
		return nil
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal("server error", zap.Error(err))
	}

	log.Info("server exited cleanly")
}
