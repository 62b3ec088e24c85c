package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/user/termbridge/configs"
	"github.com/user/termbridge/internal/api"
	"github.com/user/termbridge/internal/config"
	"github.com/user/termbridge/internal/db"
	"github.com/user/termbridge/internal/hub"
	"github.com/user/termbridge/internal/pty"
	"github.com/user/termbridge/internal/server"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "termbridge:", err)
		os.Exit(2)
	}

	if cfg.PrintConfig {
		_, _ = os.Stdout.Write(configs.Example)
		return
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})))

	if err := run(cfg); err != nil {
		slog.Error("termbridge exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shell, args, err := cfg.ShellCommand()
	if err != nil {
		return err
	}
	session := pty.NewSession(pty.Options{
		Shell:        shell,
		Args:         args,
		Dir:          cfg.WorkDir,
		Size:         pty.Size{Cols: cfg.Cols, Rows: cfg.Rows},
		Debounce:     cfg.Debounce,
		StopGrace:    cfg.StopGrace,
		PollInterval: cfg.PollInterval,
		Logger:       slog.Default(),
	})
	if err := session.Start(); err != nil {
		return fmt.Errorf("failed to start shell: %w", err)
	}
	defer func() {
		if err := session.Stop(); err != nil {
			slog.Warn("session stop error", "error", err)
		}
	}()

	go func() {
		select {
		case <-session.Done():
			slog.Info("shell output closed", "state", session.State().String())
		case <-ctx.Done():
		}
	}()

	database, err := db.Open(ctx)
	if err != nil {
		return fmt.Errorf("failed to open command journal: %w", err)
	}
	defer database.Close()

	var history *hub.History
	var output fmt.Stringer
	if cfg.HistoryBytes > 0 {
		history = hub.NewHistory(cfg.HistoryBytes)
		if _, err := session.Attach(history); err != nil {
			return fmt.Errorf("failed to attach history: %w", err)
		}
		output = history
	}

	h := hub.New(session, hub.Options{
		Token:         cfg.Token,
		History:       history,
		ClientBuffer:  cfg.ClientBuffer,
		BatchInterval: cfg.BatchInterval,
	})
	go h.Run(ctx)

	apiHandler := api.NewRouter(session, output, database.SQL(), cfg.Token, cfg.WaitTimeoutDefault)
	srv := server.New(cfg, h.HandleWebSocket, apiHandler)

	if cfg.Token != "" && cfg.TokenGenerated {
		fmt.Printf("\ntermbridge running at http://localhost:%d?token=%s\n\n", cfg.Port, cfg.Token)
	} else {
		fmt.Printf("\ntermbridge running at http://localhost:%d\n\n", cfg.Port)
	}

	return srv.Start(ctx)
}
