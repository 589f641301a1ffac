package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"provision_monitor/internal/config"
	"provision_monitor/internal/engine"
	"provision_monitor/internal/logbus"
	"provision_monitor/internal/runnerapi"
	"provision_monitor/internal/store/sqlite"
)

func main() {
	configPath := flag.String("config", "./config.yaml", "path to config.yaml")
	addr := flag.String("addr", "", "override mock.addr")
	flag.Parse()

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if *addr != "" {
		cfg.Mock.Addr = *addr
	}

	bus := logbus.New(500)
	bus.SetOutput(os.Stderr, logbus.LevelInfo)
	bus.Log(logbus.LevelInfo, "mock runner starting", map[string]any{"addr": cfg.Mock.Addr, "sqlite": cfg.Mock.SQLitePath})

	ctx := context.Background()
	store, err := sqlite.Open(ctx, cfg.Mock.SQLitePath)
	if err != nil {
		log.Fatalf("open sqlite: %v", err)
	}
	defer store.Close()

	eng := engine.New(engine.Options{
		Store: store,
		Bus:   bus,
		Mock:  cfg.Mock,
	})

	server := &http.Server{
		Addr:              cfg.Mock.Addr,
		Handler:           runnerapi.NewRouter(runnerapi.Options{Engine: eng, Bus: bus}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-stop:
		bus.Log(logbus.LevelInfo, "shutdown signal received", map[string]any{"signal": sig.String()})
	case err := <-serverErr:
		if err != nil && err != http.ErrServerClosed {
			bus.Log(logbus.LevelError, "http server error", map[string]any{"error": err.Error()})
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	_ = eng.Close(shutdownCtx)
	_ = server.Shutdown(shutdownCtx)
	bus.Log(logbus.LevelInfo, "mock runner stopped", nil)
}
