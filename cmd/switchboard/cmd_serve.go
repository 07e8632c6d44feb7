package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/switchboard/internal/agent"
	"github.com/user/switchboard/internal/agent/mock"
	"github.com/user/switchboard/internal/api"
	"github.com/user/switchboard/internal/bridge"
	"github.com/user/switchboard/internal/config"
	"github.com/user/switchboard/internal/gateway"
	"github.com/user/switchboard/internal/hitl"
	"github.com/user/switchboard/internal/janitor"
	"github.com/user/switchboard/internal/runtime"
	"github.com/user/switchboard/internal/session"
	"github.com/user/switchboard/internal/store/jsonl"
	"github.com/user/switchboard/internal/store/memory"
	"github.com/user/switchboard/internal/store/postgres"
	"github.com/user/switchboard/internal/stream"
	"github.com/user/switchboard/internal/types"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the switchboard daemon",
	RunE:  runServe,
}

func writePIDFile(dataDir string) (string, error) {
	pidPath := filepath.Join(dataDir, "switchboard.pid")
	pid := os.Getpid()
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(pid)+"\n"), 0644); err != nil {
		return "", fmt.Errorf("write PID file: %w", err)
	}
	return pidPath, nil
}

// openDriver builds the configured persistence driver.
func openDriver(ctx context.Context, cfg *config.Config) (types.Driver, error) {
	switch cfg.Store.Driver {
	case "memory":
		return memory.New(cfg.Store.MemoryCap), nil
	case "jsonl":
		return jsonl.New(cfg.DataDir), nil
	case "postgres":
		return postgres.Open(ctx, cfg.Store.PostgresURL)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

func hitlPolicy(cfg *config.Config) hitl.Policy {
	switch cfg.HITL.Policy {
	case "auto_approve":
		return hitl.AutoApprove()
	case "auto_deny":
		return hitl.AutoDeny()
	default:
		return nil
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	pidPath, err := writePIDFile(cfg.DataDir)
	if err != nil {
		return err
	}
	defer os.Remove(pidPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	driver, err := openDriver(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open store driver: %w", err)
	}
	defer driver.Close()

	manager := session.NewManager(driver, stream.New(stream.DefaultBuffer), hitl.New(),
		session.WithReplayBudget(&session.ReplayBudget{
			MaxEvents: cfg.Replay.MaxEvents,
			MaxChars:  cfg.Replay.MaxChars,
			MaxTokens: cfg.Replay.MaxTokens,
		}))

	registry := agent.NewRegistry()
	mock.Register(registry)

	rt := runtime.New(manager, registry, hitlPolicy(cfg))
	defer rt.Close()

	queue := gateway.NewQueue(int64(cfg.MaxConcurrent))
	queue.SetProcessor(rt.Process)
	queue.Start(ctx)
	defer queue.Stop()

	jan := janitor.New(manager, rt,
		janitor.WithSchedule(cfg.Janitor.Schedule),
		janitor.WithIdleTTL(time.Duration(cfg.Janitor.IdleTTLMinutes)*time.Minute))
	if err := jan.Start(); err != nil {
		return fmt.Errorf("start janitor: %w", err)
	}
	defer jan.Stop()

	mux := http.NewServeMux()
	mux.Handle("/", api.NewServer(manager, rt, queue, registry.Names()))

	if cfg.Bridge.Command != "" {
		timeout := time.Duration(cfg.Bridge.CallTimeoutSeconds) * time.Second
		bridgeSrv := bridge.NewServer(func(sessionID string) (*bridge.Proc, error) {
			return bridge.StartCommand(ctx, cfg.Bridge.Command, cfg.Bridge.Args,
				bridge.WithCallTimeout(timeout))
		})
		defer bridgeSrv.CloseAll()
		mux.Handle("/bridge/", bridgeSrv)
		slog.Info("bridge enabled", "command", cfg.Bridge.Command, "call_timeout", timeout.String())
	}

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}
	go func() {
		slog.Info("switchboard listening",
			"addr", cfg.ListenAddr,
			"data_dir", cfg.DataDir,
			"store", cfg.Store.Driver,
			"max_concurrent", cfg.MaxConcurrent,
			"agents", registry.Names(),
			"pid_file", pidPath,
		)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server error", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		httpServer.Close()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for {
		sig := <-sigChan
		if sig == syscall.SIGHUP {
			slog.Info("received SIGHUP, restarting")
			execPath, err := os.Executable()
			if err != nil {
				slog.Error("failed to get executable path", "error", err)
				continue
			}
			os.Remove(pidPath)
			if err := syscall.Exec(execPath, os.Args, os.Environ()); err != nil {
				slog.Error("failed to re-exec", "error", err)
				if _, writeErr := writePIDFile(cfg.DataDir); writeErr != nil {
					slog.Error("failed to re-write PID file", "error", writeErr)
				}
				continue
			}
		}
		slog.Info("shutting down", "signal", sig)
		return nil
	}
}
