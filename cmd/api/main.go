package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"pulse/api/internal/app"
	"pulse/api/internal/attach"
	"pulse/api/internal/config"
	"pulse/api/internal/realtime"
	"pulse/api/internal/store"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	dataStore := store.NewPostgresStore(db)
	hub := realtime.NewHub()

	// Fan-out crosses processes through Redis when configured; otherwise
	// events stay in-process.
	var eventPublisher interface {
		Publish(context.Context, string, realtime.Event) error
	} = hub
	if strings.TrimSpace(cfg.RedisURL) != "" {
		broker, err := realtime.NewBroker(cfg.RedisURL, hub)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer broker.Close()
		eventPublisher = broker
		log.Printf("Using Redis fan-out bridge")
	} else {
		log.Printf("Using in-process fan-out only")
	}

	var objects *attach.Service
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		objects, err = attach.New(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			log.Fatalf("object store connection failed: %v", err)
		}
		if err := objects.EnsureBucket(ctx); err != nil {
			log.Fatalf("object store bucket setup failed: %v", err)
		}
		log.Printf("Attachment uploads via object store bucket %q", cfg.MinioBucket)
	} else {
		log.Printf("Attachment uploads disabled; external URLs only")
	}

	var service *app.Service
	if objects != nil {
		service = app.New(cfg, dataStore, hub, eventPublisher, objects)
	} else {
		service = app.New(cfg, dataStore, hub, eventPublisher, nil)
	}

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Pulse API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
