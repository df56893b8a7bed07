// Command backupd boots the network-device backup orchestration engine: it
// wires the Postgres inventory/job store, the CLI and HTTPS worker pools,
// the repository-service client, and the REST/WebSocket façade, then serves
// until a termination signal arrives.
package main

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/meridianlabs/netvault/infrastructure/logging"
	"github.com/meridianlabs/netvault/infrastructure/metrics"
	"github.com/meridianlabs/netvault/infrastructure/middleware"
	"github.com/meridianlabs/netvault/internal/app/config"
	"github.com/meridianlabs/netvault/internal/app/httpapi"
	appbackup "github.com/meridianlabs/netvault/internal/app/services/backup"
	"github.com/meridianlabs/netvault/internal/app/storage/postgres"
	"github.com/meridianlabs/netvault/internal/clipool"
	"github.com/meridianlabs/netvault/internal/httppool"
	"github.com/meridianlabs/netvault/internal/platform/database"
	"github.com/meridianlabs/netvault/internal/platform/migrations"
	"github.com/meridianlabs/netvault/internal/repoclient"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := logging.New("backupd", cfg.Logging.Level, "json")

	rootCtx := context.Background()

	db, err := database.Open(rootCtx, cfg.Database.DSN)
	if err != nil {
		log.Fatalf("connect to postgres: %v", err)
	}
	defer db.Close()

	if cfg.Database.MigrateOnStart {
		if err := migrations.Apply(db); err != nil {
			log.Fatalf("apply migrations: %v", err)
		}
	}

	store := postgres.Open(db)

	masterKey, err := decodeMasterKey(cfg.Security.MasterKey)
	if err != nil {
		log.Fatalf("invalid CREDENTIAL_MASTER_KEY: %v", err)
	}

	var fallback *appbackup.Credentials
	if cfg.Security.FallbackUsername != "" {
		fallback = &appbackup.Credentials{
			Username: cfg.Security.FallbackUsername,
			Password: cfg.Security.FallbackSealedPass,
		}
	}
	resolver := appbackup.NewResolver(store, masterKey, fallback)

	repo, err := repoclient.New(repoclient.Config{
		BaseURL:       cfg.Repository.BaseURL,
		Token:         cfg.Repository.Token,
		Org:           cfg.Repository.Org,
		Timeout:       cfg.Repository.Timeout,
		CommitRetries: cfg.Repository.CommitRetries,
		Logger:        logger,
	})
	if err != nil {
		log.Fatalf("build repository client: %v", err)
	}

	m := metrics.New("backupd")

	cliPool := clipool.New(cfg.Workers.CLIWorkers, cfg.Workers.CLITimeout, logger)
	httpPool := httppool.New(httppool.Config{
		Workers:       cfg.Workers.HTTPWorkers,
		Timeout:       cfg.Workers.HTTPTimeout,
		TLSSkipVerify: cfg.Workers.TLSSkipVerify,
	}, logger)

	bus := appbackup.NewProgressBus()

	orchestrator := appbackup.New(store, store, resolver, repo, cliPool, httpPool, bus, logger, m, cfg.Repository.Org)

	guard := buildJobGuard(cfg.Redis.Address)

	svc := httpapi.New(httpapi.Config{
		Inventory:          store,
		Runner:             orchestrator,
		Repo:               repo,
		Bus:                bus,
		Guard:              guard,
		Log:                logger,
		Metrics:            m,
		CORSAllowedOrigins: cfg.Server.CORSAllowedOrigins,
		RequestTimeout:     cfg.Server.RequestTimeout,
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      svc.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // diff/history reads are cheap; job dispatch is async, so this mostly bounds slow clients
		IdleTimeout:  120 * time.Second,
	}

	shutdown := middleware.NewGracefulShutdown(server, 30*time.Second)
	shutdown.OnShutdown(func() {
		logger.WithContext(rootCtx).Info("shutting down backupd")
	})
	shutdown.ListenForSignals()

	go func() {
		logger.WithContext(rootCtx).WithFields(map[string]interface{}{"addr": addr}).Info("backupd listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("serve: %v", err)
		}
	}()

	shutdown.Wait()
}

// buildJobGuard picks a Redis-backed single-flight guard when REDIS_ADDRESS
// is set (multi-replica deployments), falling back to an in-process lock
// otherwise.
func buildJobGuard(redisAddr string) httpapi.JobGuard {
	if redisAddr == "" {
		return httpapi.NewInProcessJobGuard()
	}
	client := redis.NewClient(&redis.Options{Addr: redisAddr})
	return httpapi.NewRedisJobGuard(client, 6*time.Hour)
}

// decodeMasterKey accepts the credential envelope key as base64, hex, or
// raw bytes, the same tolerant decoding the teacher's secret-cipher boot
// path uses, since operators set this via opaque env var tooling that
// doesn't always preserve exact encodings.
func decodeMasterKey(value string) ([]byte, error) {
	if decoded, err := base64.StdEncoding.DecodeString(value); err == nil && len(decoded) == 32 {
		return decoded, nil
	}
	if decoded, err := hex.DecodeString(value); err == nil && len(decoded) == 32 {
		return decoded, nil
	}
	if raw := []byte(value); len(raw) == 32 {
		return raw, nil
	}
	return nil, fmt.Errorf("expected a 32 byte key (base64, hex, or raw)")
}
