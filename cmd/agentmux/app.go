package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/agentmux/agentmux/internal/api"
	"github.com/agentmux/agentmux/internal/bus"
	"github.com/agentmux/agentmux/internal/config"
	"github.com/agentmux/agentmux/internal/database"
	"github.com/agentmux/agentmux/internal/detector"
	"github.com/agentmux/agentmux/internal/initializer"
	"github.com/agentmux/agentmux/internal/portutil"
	"github.com/agentmux/agentmux/internal/prompt"
	"github.com/agentmux/agentmux/internal/registry"
	"github.com/agentmux/agentmux/internal/roster"
	"github.com/agentmux/agentmux/internal/state"
	"github.com/agentmux/agentmux/internal/tmux"
	"github.com/agentmux/agentmux/internal/workflow"
	"github.com/agentmux/agentmux/internal/workflow/store"
)

// app wires the components from config. Every command builds one.
type app struct {
	cfg     *config.Config
	log     *slog.Logger
	driver  *tmux.Client
	reg     *registry.Registry
	engine  *workflow.Engine
	store   *store.SQLiteStore
	bus     *bus.Bus
	api     *api.Server
	db      *sql.DB
	prompts *prompt.Store
}

type buildOpts struct {
	preserveOrchestrator bool
}

func buildApp(ctx context.Context, opts buildOpts) (*app, error) {
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfg, err := config.Parse()
	if err != nil {
		return nil, err
	}

	ros, err := roster.Load(cfg.RosterPath)
	if errors.Is(err, fs.ErrNotExist) {
		log.Warn("roster file missing, starting with an empty roster", "path", cfg.RosterPath)
		ros = &roster.Roster{}
	} else if err != nil {
		return nil, err
	}

	db, err := database.Open(ctx, cfg.DatabasePath)
	if err != nil {
		return nil, err
	}

	states := state.NewFile(log, cfg.StateFile)
	reg := registry.New(log, cfg.OrchestratorSession, states)
	driver := tmux.NewClient(log, tmux.WithTimeout(cfg.DriverTimeout()))
	det := detector.New(log, driver)
	prompts := prompt.NewStore(log, cfg.PromptsDir)
	init := initializer.New(log, driver, det, reg, prompts, cfg.CLICommand,
		initializer.WithOverall(cfg.InitializerTimeout()))

	b := bus.New(log)
	st := store.NewSQLiteStore(db)
	engine := workflow.NewEngine(log, driver, init, reg, ros, states, b, st, cfg.OrchestratorSession,
		workflow.WithPreserveOrchestrator(opts.preserveOrchestrator))

	a := &app{
		cfg:     cfg,
		log:     log,
		driver:  driver,
		reg:     reg,
		engine:  engine,
		store:   st,
		bus:     b,
		api:     api.NewServer(log, reg, st),
		db:      db,
		prompts: prompts,
	}
	a.startEventRecorder(ctx)
	return a, nil
}

func (a *app) Close() {
	a.prompts.Close()
	if err := a.db.Close(); err != nil {
		a.log.Warn("closing database", "error", err)
	}
}

// startEventRecorder drains the bus into the durable event trail.
func (a *app) startEventRecorder(ctx context.Context) {
	ch := a.bus.Subscribe()
	go func() {
		defer a.bus.Unsubscribe(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case evt := <-ch:
				if err := a.store.AppendEvent(ctx, evt); err != nil {
					a.log.Warn("recording event failed", "execution", evt.ExecutionID, "error", err)
				}
			}
		}
	}()
}

// serveHTTP runs the registration and history API until ctx is done.
// Port 0 in the config picks a free port near the default.
func (a *app) serveHTTP(ctx context.Context) error {
	port := a.cfg.Server.Port
	if port == 0 {
		p, err := portutil.FindFreePortFrom(8080, 20)
		if err != nil {
			return fmt.Errorf("finding free port: %w", err)
		}
		port = p
	}
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: a.api.Router(),
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	a.log.Info("http server listening", "addr", srv.Addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
