// Copyright 2026 NVIDIA Corporation

// osmo-service is the service-plane binary: the frontend worker drains the
// job queue, the delayed-job monitor promotes scheduled jobs, the message
// worker applies agent messages to the database, and the agent API
// terminates the backend websocket plane.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/sync/errgroup"

	"github.com/NVIDIA/osmo/internal/agentapi"
	"github.com/NVIDIA/osmo/internal/config"
	"github.com/NVIDIA/osmo/internal/delayedjobs"
	"github.com/NVIDIA/osmo/internal/frontendjobs"
	"github.com/NVIDIA/osmo/internal/jobs"
	"github.com/NVIDIA/osmo/internal/messageworker"
	"github.com/NVIDIA/osmo/internal/obs"
	"github.com/NVIDIA/osmo/internal/redisclient"
	"github.com/NVIDIA/osmo/internal/store"
	"github.com/NVIDIA/osmo/internal/worker"
)

var version = "dev"

func main() {
	var role string
	var configPath string
	var listenAddr string
	var migrate bool
	var showVersion bool
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&role, "role", "all", "Role to run: worker|delayed-monitor|message-worker|agent-api|all")
	fs.StringVar(&configPath, "config", "config/service.yaml", "Path to YAML config")
	fs.StringVar(&listenAddr, "listen", ":8000", "Agent API listen address")
	fs.BoolVar(&migrate, "migrate", false, "Apply schema migrations and exit")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	_ = fs.Parse(os.Args[1:])

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger, err := obs.NewFileLogger(cfg.Observability.LogLevel, cfg.Observability.LogFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	tp, err := obs.MaybeInitTracing(cfg)
	if err != nil {
		logger.Warn("tracing init failed", obs.Err(err))
	}
	if tp != nil {
		defer func() { _ = tp.Shutdown(context.Background()) }()
	}

	db, err := store.Open(cfg.Postgres, logger)
	if err != nil {
		logger.Fatal("failed to open postgres", obs.Err(err))
	}
	defer func() { _ = db.Close() }()

	if migrate {
		if err := db.Migrate(); err != nil {
			logger.Fatal("migrations failed", obs.Err(err))
		}
		logger.Info("migrations applied")
		return
	}

	rdb := redisclient.New(cfg)
	defer func() { _ = rdb.Close() }()

	readyCheck := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return err
		}
		return db.Ping(ctx)
	}
	httpSrv := obs.StartHTTPServer(cfg, readyCheck)
	defer func() { _ = httpSrv.Shutdown(context.Background()) }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("signal received, shutting down", obs.String("signal", sig.String()))
		cancel()
		select {
		case sig2 := <-sigCh:
			logger.Warn("second signal received, exiting immediately",
				obs.String("signal", sig2.String()))
			os.Exit(1)
		case <-time.After(5 * time.Second):
		}
	}()

	queue := jobs.NewQueue(rdb, cfg.Worker.JobQueuePrefix, cfg.Worker.DelayedJobsKey, logger)
	sampled := make([]string, 0, 3)
	for _, jobType := range (frontendjobs.Dispatcher{}).JobTypes() {
		sampled = append(sampled, queue.QueueKey(jobType))
	}
	obs.StartQueueLengthUpdater(ctx, cfg, rdb, sampled, logger)
	deps := frontendjobs.Deps{
		Store: db,
		Queue: queue,
		BackendQueue: func(backend string) *jobs.Queue {
			return jobs.NewBackendQueue(rdb, cfg.Backend.JobQueuePrefix, backend, logger)
		},
		Log: logger,
	}
	maxRetry := func(ctx context.Context) int {
		workflowCfg, err := db.GetWorkflowConfigs(ctx)
		if err != nil {
			logger.Warn("failed to read workflow config", obs.Err(err))
			return 3
		}
		return workflowCfg.MaxRetryPerJob
	}

	group, groupCtx := errgroup.WithContext(ctx)

	runWorker := func() {
		group.Go(func() error {
			go worker.NewReaper(cfg, queue, logger).Run(groupCtx)
			w := worker.New(cfg, queue, frontendjobs.Dispatcher{Deps: deps}, maxRetry, logger)
			return w.Run(groupCtx)
		})
	}
	runDelayedMonitor := func() {
		group.Go(func() error {
			delayedjobs.New(cfg, queue, logger).Run(groupCtx)
			return nil
		})
	}
	runMessageWorker := func() {
		group.Go(func() error {
			mw := messageworker.New(cfg, rdb, frontendjobs.MessageHandlers{Deps: deps}, logger)
			return mw.Run(groupCtx)
		})
	}
	runAgentAPI := func() {
		group.Go(func() error {
			router := mux.NewRouter()
			agentapi.NewServer(rdb, logger).Register(router)
			srv := &http.Server{Addr: listenAddr, Handler: router}
			go func() {
				<-groupCtx.Done()
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer shutdownCancel()
				_ = srv.Shutdown(shutdownCtx)
			}()
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
	}

	switch role {
	case "worker":
		runWorker()
	case "delayed-monitor":
		runDelayedMonitor()
	case "message-worker":
		runMessageWorker()
	case "agent-api":
		runAgentAPI()
	case "all":
		runWorker()
		runDelayedMonitor()
		runMessageWorker()
		runAgentAPI()
	default:
		logger.Fatal("unknown role", obs.String("role", role))
	}

	if err := group.Wait(); err != nil {
		logger.Fatal("service error", obs.Err(err))
	}
}
