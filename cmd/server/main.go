package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"hzshop/backend/internal/cart"
	"hzshop/backend/internal/config"
	"hzshop/backend/internal/connectivity"
	"hzshop/backend/internal/events"
	"hzshop/backend/internal/httpapi"
	"hzshop/backend/internal/ledger"
	"hzshop/backend/internal/local"
	boltstore "hzshop/backend/internal/local/bolt"
	localmem "hzshop/backend/internal/local/memory"
	"hzshop/backend/internal/remote"
	remotemem "hzshop/backend/internal/remote/memory"
	pgremote "hzshop/backend/internal/remote/postgres"
	"hzshop/backend/internal/service"
	"hzshop/backend/internal/syncengine"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var localStore local.Store
	if cfg.LocalDBPath != "" {
		bolt, err := boltstore.Open(cfg.LocalDBPath)
		if err != nil {
			log.Fatalf("local store unavailable at %s: %v", cfg.LocalDBPath, err)
		}
		localStore = bolt
		log.Printf("local store: bolt (%s)", cfg.LocalDBPath)
	} else {
		localStore = localmem.New()
		log.Println("local store: in-memory")
	}

	var remoteStore remote.Store
	if cfg.DatabaseURL != "" {
		pg, err := pgremote.New(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("postgres unavailable (%v) and DATABASE_URL is set; refusing to start with in-memory fallback", err)
		}
		remoteStore = pg
		log.Println("remote store: postgres")
	} else {
		remoteStore = remotemem.New()
		log.Println("remote store: in-memory")
	}

	var bus events.Bus = events.NewMemoryBus()
	if cfg.RedisAddr != "" {
		redisBus := events.NewRedisBus(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisBus.Ping(ctx); err != nil {
			log.Printf("redis unavailable (%v), using in-process event bus", err)
		} else {
			bus = redisBus
			log.Println("event bus: redis")
		}
	} else {
		log.Println("event bus: in-process")
	}

	monitor := connectivity.NewMonitor(cfg.StartOnline)
	engine := syncengine.New(localStore, remoteStore, monitor, bus)
	ldg := ledger.New(localStore, bus)
	carts := cart.New(localStore)
	svc := service.New(localStore, remoteStore, engine, ldg, carts, monitor, bus)
	api := httpapi.New(svc, cfg.AllowedOrigin)

	runCtx, stop := context.WithCancel(context.Background())
	defer stop()

	go monitor.Probe(runCtx, cfg.ProbeInterval, remoteStore.Ping)
	go engine.Start(runCtx, cfg.SyncInterval)

	if monitor.IsOnline() {
		if err := svc.ManualSync(runCtx); err != nil {
			log.Printf("startup sync failed: %v", err)
		}
	}

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("shop backend listening on %s", cfg.Address())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}

	for _, closeFn := range []func() error{localStore.Close, remoteStore.Close, bus.Close} {
		if err := closeFn(); err != nil {
			log.Printf("close error: %v", err)
		}
	}

	log.Println("server stopped")
}
