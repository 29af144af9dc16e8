// Command kagand is the kagan daemon: it owns the automation core Engine
// and exposes it through the Job Surface (HTTP + MCP) so the CLI and
// editor integrations never mutate task state directly.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"

	"github.com/kagan-dev/kagan/internal/agent"
	"github.com/kagan-dev/kagan/internal/automation"
	"github.com/kagan-dev/kagan/internal/config"
	"github.com/kagan-dev/kagan/internal/git"
	"github.com/kagan-dev/kagan/internal/httpapi"
	"github.com/kagan-dev/kagan/internal/mcpserver"
	"github.com/kagan-dev/kagan/internal/store"
)

func main() {
	var (
		kaganDir   = flag.String("dir", ".kagan", "path to the .kagan project directory")
		httpAddr   = flag.String("http-addr", ":8420", "address the Job Surface HTTP API listens on")
		mcpStdio   = flag.Bool("mcp-stdio", false, "also serve the MCP tool surface over stdio")
		webhookURL = flag.String("notify-webhook", "", "URL to POST Notifier events to (optional)")
	)
	flag.Parse()

	logger := log.New(os.Stderr, "[kagand] ", log.LstdFlags)

	cfgPath := filepath.Join(*kaganDir, "config.yaml")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Fatalf("load config %s: %v (run `kagan init` first)", cfgPath, err)
	}

	dbPath := filepath.Join(*kaganDir, "kagan.db")
	st, err := store.New(dbPath)
	if err != nil {
		logger.Fatalf("open store %s: %v", dbPath, err)
	}
	defer st.Close()

	repoDir, err := os.Getwd()
	if err != nil {
		logger.Fatalf("getwd: %v", err)
	}
	worktreeRoot := filepath.Join(*kaganDir, "worktrees")
	workspace := git.New(repoDir, worktreeRoot)
	merger := git.NewMerger(repoDir, worktreeRoot)

	notifier := httpapi.NewWebhookNotifier(*webhookURL, logger)

	implIdentity, implAgent := firstAgentByRole(cfg, "coder")
	reviewIdentity, reviewAgent := firstAgentByRole(cfg, "reviewer")

	engine := automation.New(automation.Config{
		Tasks:                    st,
		Executions:               st,
		Messages:                 st,
		Workspace:                workspace,
		Merge:                    merger,
		Notifier:                 notifier,
		Observer:                 nil,
		AgentFactory:             agent.DefaultFactory{},
		ImplementationIdentity:   implIdentity,
		ImplementationAgent:      implAgent,
		ReviewIdentity:           reviewIdentity,
		ReviewAgent:              reviewAgent,
		MaxConcurrentAgents:      cfg.MaxConcurrentAgents,
		MaxIterations:            cfg.MaxIterations,
		IterationDelay:           cfg.IterationDelay(),
		AutoApprove:              cfg.AutoApprove,
		AutoReview:               cfg.AutoReview,
		AutoMerge:                cfg.AutoMerge,
		AutoRetryOnMergeConflict: cfg.AutoRetryOnMergeConflict,
		DefaultBaseBranch:        cfg.DefaultBaseBranch,
		ModelOverride:            cfg.ModelOverrideFor,
		Logger:                   logger,
	})

	watcher, err := config.NewWatcher(cfgPath, logger, func(reloaded *config.Config) {
		cfg = reloaded
		engine.UpdateLiveConfig(reloaded)
		logger.Printf("config reloaded from %s", cfgPath)
	})
	if err != nil {
		logger.Printf("config hot-reload disabled: %v", err)
	} else {
		defer watcher.Close()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Printf("received signal %v, shutting down", sig)
		cancel()
	}()

	go engine.Run(ctx)

	reconcile(cfg, st, engine, logger)

	httpServer := &http.Server{Addr: *httpAddr, Handler: httpapi.New(engine, st, logger)}
	go func() {
		logger.Printf("Job Surface HTTP API listening on %s", *httpAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("http server: %v", err)
		}
	}()

	if *mcpStdio {
		go func() {
			mcpSrv := mcpserver.New(engine, st, logger)
			logger.Println("MCP tool surface serving on stdio")
			stdioSrv := server.NewStdioServer(mcpSrv)
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil {
				logger.Printf("mcp stdio server: %v", err)
			}
		}()
	}

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Printf("http shutdown: %v", err)
	}

	engine.Wait()
	logger.Println("kagand stopped")
}

// firstAgentByRole picks one configured agent for a role (the agents come
// from a map, so which one is not defined when several share the role); a
// freshly-initialized project with an empty agent map degrades to zero
// values rather than panicking; the engine then fails fast per-task via
// the DefaultFactory's "unknown agent mode" error.
func firstAgentByRole(cfg *config.Config, role string) (string, config.Agent) {
	for name, a := range cfg.AgentsByRole(role) {
		return name, a
	}
	return role, config.Agent{}
}

// reconcile runs the startup sweep: stale executions from a prior crash
// are always failed out, then IN_PROGRESS AUTO tasks are either
// re-admitted through the normal event path (auto_start on) or returned
// to BACKLOG (auto_start off) so no task is left stranded with no live
// runner behind it.
func reconcile(cfg *config.Config, st *store.Store, engine *automation.Engine, logger *log.Logger) {
	if n, err := st.ResetStaleExecutions(); err != nil {
		logger.Printf("reconcile: reset stale executions: %v", err)
	} else if n > 0 {
		logger.Printf("reconcile: failed %d execution(s) left mid-session by a prior crash", n)
	}

	if !cfg.AutoStart {
		if n, err := st.ResetStaleTasks(nil); err != nil {
			logger.Printf("reconcile: reset stale tasks: %v", err)
		} else if n > 0 {
			logger.Printf("reconcile: returned %d stranded task(s) to the backlog", n)
		}
		return
	}

	tasks, err := st.GetByStatus(store.StatusInProgress)
	if err != nil {
		logger.Printf("reconcile: list in-progress tasks: %v", err)
		return
	}
	for _, t := range tasks {
		if t.TaskType != store.TypeAuto {
			continue
		}
		logger.Printf("reconcile: re-admitting task %s left IN_PROGRESS at startup", t.ID)
		engine.SpawnForTask(t.ID)
	}
}
