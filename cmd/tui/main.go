package main

import (
	"context"
	"flag"
	"io"
	"log"
	"os"

	tea "github.com/charmbracelet/bubbletea"

	"provision_monitor/internal/config"
	"provision_monitor/internal/logbus"
	"provision_monitor/internal/monitor"
	"provision_monitor/internal/notify"
	"provision_monitor/internal/runner"
	"provision_monitor/internal/tui"
)

func main() {
	configPath := flag.String("config", "./config.yaml", "path to config.yaml")
	runnerURL := flag.String("runner", "", "override runner.baseURL")
	logPath := flag.String("log", "", "write diagnostic log to this file")
	flag.Parse()

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if cfg, err = cfg.WithRunner(*runnerURL); err != nil {
		log.Fatalf("runner url: %v", err)
	}

	// 终端被界面占用，诊断日志只能写到文件
	var logOut io.Writer
	if *logPath != "" {
		f, err := os.OpenFile(*logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			log.Fatalf("open log: %v", err)
		}
		defer f.Close()
		logOut = f
	}
	bus := logbus.New(500)
	bus.SetOutput(logOut, logbus.LevelDebug)

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

	updates, unsubscribe := bus.Subscribe(256)
	defer unsubscribe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = mon.Run(ctx)
	}()

	p := tea.NewProgram(tui.NewModel(tui.Options{Backend: mon, Updates: updates}), tea.WithAltScreen())
	_, runErr := p.Run()

	mon.Stop()
	cancel()
	mon.Wait()
	if email != nil {
		_ = email.Close(context.Background())
	}
	if runErr != nil {
		log.Fatalf("tui: %v", runErr)
	}
}
