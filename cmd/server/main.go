package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ignite/mail-dispatch/internal/accounts"
	"github.com/ignite/mail-dispatch/internal/api"
	"github.com/ignite/mail-dispatch/internal/config"
	"github.com/ignite/mail-dispatch/internal/mailing"
	"github.com/ignite/mail-dispatch/internal/pkg/distlock"
	"github.com/ignite/mail-dispatch/internal/pkg/logger"
	"github.com/ignite/mail-dispatch/internal/queue"
)

const dispatchLockKey = "mailq:dispatch:lock"
const dispatchLockTTL = 30 * time.Second

// checkPortAvailable verifies that the target port is not already in use.
func checkPortAvailable(host string, port int) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("port %d is already in use (addr %s): %v", port, addr, err)
	}
	return ln.Close()
}

// buildTransport selects the outbound transport from config.
func buildTransport(cfg config.TransportConfig) (mailing.Transport, error) {
	switch cfg.Kind {
	case "ses":
		return mailing.NewSESTransport(cfg.SES.AccessKey, cfg.SES.SecretKey, cfg.SES.Region), nil
	case "sparkpost":
		timeout := time.Duration(cfg.SparkPost.TimeoutSeconds) * time.Second
		return mailing.NewSparkPostTransport(cfg.SparkPost.APIKey, cfg.SparkPost.BaseURL, timeout), nil
	default:
		return nil, fmt.Errorf("unknown transport kind %q", cfg.Kind)
	}
}

func main() {
	log := logger.Component("server")

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config/config.yaml"
	}

	cfg, err := config.LoadFromEnv(configPath)
	if err != nil {
		log.Error("failed to load config", "path", configPath, "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		log.Error("invalid config", "error", err)
		os.Exit(1)
	}

	if os.Getenv("LOG_LEVEL") == "debug" {
		logger.SetLevel(logger.DEBUG)
	}

	if err := checkPortAvailable(cfg.Server.Host, cfg.Server.Port); err != nil {
		log.Error("port check failed", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Queue backend: redis when reachable, in-process memory otherwise.
	store, rdb := queue.OpenStore(ctx, cfg.Queue)
	log.Info("queue backend selected", "backend", store.Backend())

	pool := accounts.NewPool(cfg.Accounts)
	log.Info("account pool loaded", "accounts", pool.Size())

	transport, err := buildTransport(cfg.Transport)
	if err != nil {
		log.Error("failed to build transport", "error", err)
		os.Exit(1)
	}
	verifyCtx, verifyCancel := context.WithTimeout(ctx, 10*time.Second)
	if err := transport.Verify(verifyCtx); err != nil {
		log.Warn("transport verification failed, sends may not go through",
			"kind", cfg.Transport.Kind, "error", err)
	}
	verifyCancel()

	renderer := mailing.NewRenderer()

	// Retry with backoff only applies on the durable backend. Memory jobs
	// do not survive a restart, so delaying their retries buys nothing.
	retry := queue.RetryPolicy{}
	if store.Backend() == queue.BackendDurable {
		retry.BackoffBase = cfg.Queue.RetryBackoffBase()
	}

	dispatcher := queue.NewDispatcher(store, pool, transport, renderer, queue.DispatcherConfig{
		SendDelay:    cfg.Queue.BulkSendDelay(),
		PollInterval: cfg.Queue.PollInterval(),
		Retry:        retry,
	})

	q := queue.New(store, dispatcher, cfg.Queue.MaxBulkRecipients)

	// On a shared redis backend only one process may run the dispatch
	// loop. Others serve the API with dispatch disabled.
	dispatchEnabled := true
	var lock *distlock.Lock
	if rdb != nil {
		lock = distlock.New(rdb, dispatchLockKey, dispatchLockTTL)
		acquired, err := lock.Acquire(ctx)
		if err != nil {
			log.Error("dispatch lock acquire failed", "error", err)
			os.Exit(1)
		}
		if !acquired {
			dispatchEnabled = false
			log.Warn("dispatch lock held by another process, running API-only")
		}
	}

	if dispatchEnabled {
		q.Start()
		log.Info("dispatcher started")
	}

	if lock != nil && dispatchEnabled {
		go func() {
			ticker := time.NewTicker(dispatchLockTTL / 3)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					err := lock.Extend(ctx, dispatchLockTTL)
					if errors.Is(err, distlock.ErrLockLost) {
						log.Error("dispatch lock lost, stopping dispatcher and running API-only")
						q.Stop()
						return
					}
					if err != nil {
						log.Error("dispatch lock extend failed", "error", err)
					}
				}
			}
		}()
	}

	handlers := api.NewHandlers(q, pool, transport, renderer)
	router := api.SetupRoutes(handlers, cfg.CORS.AllowedOrigins)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Info("HTTP server listening", "addr", addr, "transport", cfg.Transport.Kind)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			done <- syscall.SIGTERM
		}
	}()

	<-done
	log.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown error", "error", err)
	}

	cancel()
	if dispatchEnabled {
		q.Stop()
	}
	if lock != nil && dispatchEnabled {
		releaseCtx, releaseCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := lock.Release(releaseCtx); err != nil && !errors.Is(err, distlock.ErrLockLost) {
			log.Warn("dispatch lock release failed", "error", err)
		}
		releaseCancel()
	}
	if rdb != nil {
		_ = rdb.Close()
	}

	log.Info("shutdown complete")
}
