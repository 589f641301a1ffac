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
	"provision_monitor/internal/httpapi"
	"provision_monitor/internal/logbus"
	"provision_monitor/internal/monitor"
	"provision_monitor/internal/notify"
	"provision_monitor/internal/runner"
)

func main() {
	configPath := flag.String("config", "./config.yaml", "path to config.yaml")
	runnerURL := flag.String("runner", "", "override runner.baseURL")
	flag.Parse()

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if cfg, err = cfg.WithRunner(*runnerURL); err != nil {
		log.Fatalf("runner url: %v", err)
	}

	bus := logbus.New(500)
	bus.SetOutput(os.Stderr, logbus.LevelInfo)
	bus.Log(logbus.LevelInfo, "server starting", map[string]any{"addr": cfg.Server.Addr, "runner": cfg.Runner.BaseURL})

	client := runner.New(cfg.Runner, bus)

	var notifier monitor.RunNotifier = notify.Nop{}
	var email *notify.EmailNotifier
	if cfg.Notify.Email.Enabled {
		email = notify.NewEmailNotifier(cfg.Notify.Email, bus)
		notifier = email
	}

	mon := monitor.New(monitor.Options{
		Status:      client,
		Accounts:    client,
		Commands:    client,
		Bus:         bus,
		Notifier:    notifier,
		FeedURL:     client.FeedURL(),
		FeedPath:    cfg.Runner.FeedPath,
		Interval:    cfg.Poll.Interval(),
		MaxLogLines: cfg.Poll.MaxLogLines,
	})

	api := httpapi.New(httpapi.Options{
		Cfg:     cfg,
		Bus:     bus,
		Monitor: mon,
		Feed:    client,
	})

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()
	go func() {
		_ = mon.Run(ctx)
	}()

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

	mon.Stop()
	cancelRun()
	mon.Wait()
	_ = server.Shutdown(shutdownCtx)
	if email != nil {
		_ = email.Close(shutdownCtx)
	}
	bus.Log(logbus.LevelInfo, "server stopped", nil)
}
