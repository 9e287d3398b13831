package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/taintbridge/internal/agent"
	"github.com/lucasnoah/taintbridge/internal/checks"
	"github.com/lucasnoah/taintbridge/internal/config"
	"github.com/lucasnoah/taintbridge/internal/pipeline"
	"github.com/lucasnoah/taintbridge/internal/server"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the verification host",
	Long: `Run the verification host: the trigger/result/event HTTP API plus a single
worker that executes queued jobs one at a time.

Job snapshots and event timelines are kept under bridge.state_dir.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		port, _ := cmd.Flags().GetInt("port")
		logJSON, _ := cmd.Flags().GetBool("log-json")

		slog.SetDefault(newLogger(cmd.ErrOrStderr(), logJSON))

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if port > 0 {
			cfg.Bridge.Port = port
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg)
	},
}

func newLogger(w io.Writer, asJSON bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if asJSON {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func serve(ctx context.Context, cfg *config.Config) error {
	jobs, err := pipeline.DefaultJobStore(cfg.Bridge.StateDir)
	if err != nil {
		return fmt.Errorf("job store: %w", err)
	}
	events, err := pipeline.DefaultEventLog(cfg.Bridge.StateDir)
	if err != nil {
		return fmt.Errorf("event log: %w", err)
	}

	shell := &checks.ExecRunner{}
	runner := checks.NewRunner(shell)
	queue := server.NewQueue()
	wd := server.WorkerDeps{
		Config:   cfg.Server,
		Jobs:     jobs,
		Events:   events,
		Runner:   runner,
		Services: server.DockerServices{Cmd: shell, Dir: cfg.Server.Workdir},
	}
	deps := server.Deps{
		Secret:   cfg.Bridge.SharedSecret,
		Jobs:     jobs,
		Events:   events,
		Queue:    queue,
		Redactor: pipeline.NewRedactor(cfg.Bridge.SharedSecret),
	}
	if a := cfg.Server.Agent; a.Enabled {
		cli := agent.NewCLI(agent.OSExec{}, a.Binary, cfg.Server.Workdir, agent.ServerVariants)
		wd.Reviewer = agent.NewReviewer(cli, a.Timeout())
		deps.Hello = func(ctx context.Context, side string) (string, error) {
			return agent.Hello(ctx, cli, side, a.HelloTimeout())
		}
	}

	worker := server.NewWorker(wd)
	go worker.Run(ctx, queue)

	addr := net.JoinHostPort(cfg.Bridge.Host, strconv.Itoa(cfg.Bridge.Port))
	srv := &http.Server{
		Addr:              addr,
		Handler:           server.New(deps).Router(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("bridge server listening",
			"addr", addr,
			"mode", cfg.Server.Mode,
			"workdir", cfg.Server.Workdir,
			"agent", cfg.Server.Agent.Enabled,
			"secret_fingerprint", pipeline.Fingerprint(cfg.Bridge.SharedSecret),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	slog.Info("bridge server stopped")
	return nil
}

func init() {
	serveCmd.Flags().Int("port", 0, "Port to listen on (default bridge.port)")
	serveCmd.Flags().Bool("log-json", false, "Log as JSON instead of text")
}
