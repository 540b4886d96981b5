// go_jobpilot: job matching and application pipeline.
//
// serve runs the MCP server together with task workers and the cron
// scheduler. worker and scheduler run those halves alone, so they can be
// split across hosts that share a Redis queue.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/anatolykoptev/go-mcpserver"
	"github.com/joho/godotenv"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/anatolykoptev/go_jobpilot/internal/engine"
	"github.com/anatolykoptev/go_jobpilot/internal/engine/tasks"
	"github.com/anatolykoptev/go_jobpilot/internal/jobserver"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	envFlag := &cli.StringFlag{Name: "env", Usage: "path to a .env file", Value: ".env"}
	root := &cli.Command{
		Name:    "go_jobpilot",
		Usage:   "job matching and application pipeline",
		Version: version,
		Flags:   []cli.Flag{envFlag},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the MCP server, task workers and scheduler",
				Action: serveAction,
			},
			{
				Name:   "worker",
				Usage:  "run task workers only",
				Action: workerAction,
			},
			{
				Name:   "scheduler",
				Usage:  "run the cron scheduler only",
				Action: schedulerAction,
			},
			{
				Name:      "enqueue",
				Usage:     "queue a task",
				ArgsUsage: "<type>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "payload", Usage: "JSON payload, e.g. '{\"user_id\":\"u1\"}'"},
				},
				Action: enqueueAction,
			},
			{
				Name:      "status",
				Usage:     "print a task's state and history",
				ArgsUsage: "<task-id>",
				Action:    statusAction,
			},
			{
				Name:      "revoke",
				Usage:     "revoke a queued task",
				ArgsUsage: "<task-id>",
				Action:    revokeAction,
			},
			{
				Name:      "connect",
				Usage:     "link a LinkedIn account; without --code prints the authorization URL",
				ArgsUsage: "<user-id>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "code", Usage: "authorization code from the OAuth redirect"},
				},
				Action: connectAction,
			},
		},
	}

	if err := root.Run(ctx, os.Args); err != nil {
		slog.Error("go_jobpilot failed", slog.Any("error", err))
		os.Exit(1)
	}
}

// setup loads .env, configures logging and builds every component.
func setup(ctx context.Context, cmd *cli.Command) (*app, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return build(ctx, cfg)
}

func loadConfig(cmd *cli.Command) (engine.Config, error) {
	if path := cmd.String("env"); path != "" {
		if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return engine.Config{}, fmt.Errorf("load %s: %w", path, err)
		}
	}
	cfg := engine.LoadConfig()
	// stdout may carry the MCP stdio transport.
	engine.NewLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	if err := cfg.Validate(); err != nil {
		return engine.Config{}, err
	}
	return cfg, nil
}

// setupTaskCommand builds the app for a one-shot task command. Those talk to
// the workers only through the queue and the task log, so both must outlive
// this process.
func setupTaskCommand(ctx context.Context, cmd *cli.Command, needQueue bool) (*app, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	if err := checkTaskCommandBackends(cfg, needQueue); err != nil {
		return nil, err
	}
	return build(ctx, cfg)
}

func checkTaskCommandBackends(cfg engine.Config, needQueue bool) error {
	if cfg.TaskLog() == engine.BackendMemory {
		return errors.New("task commands need a persistent task log: set TASK_LOG_BACKEND=postgres or TASK_LOG_PATH")
	}
	if needQueue && cfg.QueueBackend == engine.BackendMemory {
		return errors.New("enqueue needs a shared queue: set QUEUE_BACKEND=redis")
	}
	return nil
}

func serveAction(ctx context.Context, cmd *cli.Command) error {
	a, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	go a.cache.RunCleanup(ctx, a.cfg.CacheCleanupInterval)

	bg, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(bg)
	g.Go(func() error { return a.orch.Run(gctx) })
	a.sched.Start()
	defer a.sched.Stop()

	server := mcp.NewServer(&mcp.Implementation{Name: "go_jobpilot", Version: version}, nil)
	n := jobserver.RegisterTools(server, jobserver.Deps{
		Tasks:     a.orch,
		Schedules: a.sched,
		Results:   a.store,
	})
	slog.Info("starting go_jobpilot",
		slog.String("port", a.cfg.Port),
		slog.Int("tools", n),
		slog.Int("workers", a.cfg.Workers),
		slog.Any("schedules", a.sched.Names()),
	)

	runErr := mcpserver.Run(server, mcpserver.Config{
		Name:         "go_jobpilot",
		Version:      version,
		Port:         a.cfg.Port,
		WriteTimeout: 600 * time.Second,
		Metrics:      engine.FormatMetrics,
	})
	cancel()
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return errors.Join(runErr, err)
	}
	return runErr
}

func workerAction(ctx context.Context, cmd *cli.Command) error {
	a, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	go a.cache.RunCleanup(ctx, a.cfg.CacheCleanupInterval)
	slog.Info("workers starting", slog.Int("workers", a.cfg.Workers), slog.String("queue", a.cfg.QueueBackend))
	if err := a.orch.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func schedulerAction(ctx context.Context, cmd *cli.Command) error {
	a, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	a.sched.Start()
	slog.Info("scheduler started", slog.Any("schedules", a.sched.Names()))
	<-ctx.Done()
	a.sched.Stop()
	return nil
}

func enqueueAction(ctx context.Context, cmd *cli.Command) error {
	typ, err := tasks.ParseType(cmd.Args().First())
	if err != nil {
		return err
	}
	var payload any
	if raw := cmd.String("payload"); raw != "" {
		payload = json.RawMessage(raw)
	}
	a, err := setupTaskCommand(ctx, cmd, true)
	if err != nil {
		return err
	}
	defer a.Close()

	t, err := a.orch.Enqueue(ctx, typ, payload)
	if err != nil {
		return err
	}
	return printJSON(map[string]any{"id": t.ID, "type": t.Type, "state": tasks.StateQueued})
}

func statusAction(ctx context.Context, cmd *cli.Command) error {
	return withTask(ctx, cmd, func(a *app, id string) (tasks.Status, error) {
		return a.orch.Status(ctx, id)
	})
}

func revokeAction(ctx context.Context, cmd *cli.Command) error {
	return withTask(ctx, cmd, func(a *app, id string) (tasks.Status, error) {
		return a.orch.Revoke(ctx, id)
	})
}

func withTask(ctx context.Context, cmd *cli.Command, fn func(*app, string) (tasks.Status, error)) error {
	id := cmd.Args().First()
	if id == "" {
		return errors.New("task id is required")
	}
	a, err := setupTaskCommand(ctx, cmd, false)
	if err != nil {
		return err
	}
	defer a.Close()

	st, err := fn(a, id)
	if err != nil {
		return err
	}
	return printJSON(st)
}

func connectAction(ctx context.Context, cmd *cli.Command) error {
	userID := cmd.Args().First()
	if userID == "" {
		return errors.New("user id is required")
	}
	a, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	code := cmd.String("code")
	if code == "" {
		fmt.Println(a.linkedin.AuthURL(userID))
		return nil
	}
	tok, err := a.linkedin.ExchangeCode(ctx, code)
	if err != nil {
		return err
	}
	if err := a.tokens.Connect(ctx, userID, tok); err != nil {
		return err
	}
	slog.Info("linkedin connected", slog.String("user_id", userID), slog.Time("expires_at", tok.ExpiresAt))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
