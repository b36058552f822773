package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"acestream-mux/config"
	"acestream-mux/handlers"
	"acestream-mux/logger"
	"acestream-mux/proxy/engine"
	"acestream-mux/utils"
)

func main() {
	log := logger.Default

	settingsStore, err := config.NewStore(os.Getenv("SETTINGS_FILE"), log)
	if err != nil {
		log.Fatalf("Loading settings: %v", err)
	}
	if err := settingsStore.Watch(); err != nil {
		log.Warnf("Settings watch disabled: %v", err)
	}
	defer settingsStore.Close()

	settings := settingsStore.Snapshot()

	registry, err := engine.NewRegistry(
		engine.WithLogger(log),
		engine.WithOrchestrator(settings.OrchestratorURL),
		engine.WithHTTPClient(utils.NewEngineHTTPClient(settings.ConnectionTimeout)),
	)
	if err != nil {
		log.Fatalf("Initializing engine registry: %v", err)
	}

	if len(settings.Engines) > 0 {
		descriptors := make([]engine.Descriptor, 0, len(settings.Engines))
		for _, e := range settings.Engines {
			descriptors = append(descriptors, engine.Descriptor{
				ID:        e.ID,
				Host:      e.Host,
				Port:      e.Port,
				Health:    engine.HealthHealthy,
				Forwarded: e.Forwarded,
			})
		}
		if err := registry.Replace(descriptors); err != nil {
			log.Fatalf("Seeding engine registry: %v", err)
		}
		log.Logf("Seeded %d static engines", len(descriptors))
	}

	if err := registry.StartRefresh(settings.EngineRefreshSpec); err != nil {
		log.Fatalf("Scheduling engine refresh: %v", err)
	}
	defer registry.StopRefresh()

	server := handlers.NewProxyServer(settingsStore, registry, handlers.WithLogger(log))
	server.StartSweeper()

	mux := http.NewServeMux()
	mux.Handle("/ace/getstream", handlers.NewStreamHandler(server, log))
	mux.Handle("/status", handlers.NewStatusHandler(server))
	mux.Handle("/metrics", promhttp.Handler())

	httpServer := &http.Server{
		Addr:    settings.ListenAddr,
		Handler: mux,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Logf("Proxy listening on %s", settings.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Log("Shutting down")

	server.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warnf("HTTP shutdown: %v", err)
	}
}
