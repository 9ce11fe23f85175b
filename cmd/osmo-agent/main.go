// Copyright 2026 NVIDIA Corporation

// osmo-agent is the cluster-plane binary: the backend listener observes pods,
// nodes and events and speaks the websocket plane; the backend worker drains
// the backend's job queue against the cluster's Kubernetes API.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/NVIDIA/osmo/internal/agentws"
	"github.com/NVIDIA/osmo/internal/backendworker"
	"github.com/NVIDIA/osmo/internal/conditions"
	"github.com/NVIDIA/osmo/internal/config"
	"github.com/NVIDIA/osmo/internal/jobs"
	"github.com/NVIDIA/osmo/internal/listener"
	"github.com/NVIDIA/osmo/internal/messages"
	"github.com/NVIDIA/osmo/internal/obs"
	"github.com/NVIDIA/osmo/internal/progress"
	"github.com/NVIDIA/osmo/internal/redisclient"
	"github.com/NVIDIA/osmo/internal/worker"
)

var version = "dev"

func kubeClients(cfg *config.Config) (kubernetes.Interface, dynamic.Interface, error) {
	restConfig, err := rest.InClusterConfig()
	if err != nil {
		// Dev fallback: kubeconfig from the standard location.
		kubeconfig := os.Getenv("KUBECONFIG")
		if kubeconfig == "" {
			home, _ := os.UserHomeDir()
			kubeconfig = filepath.Join(home, ".kube", "config")
		}
		restConfig, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, nil, fmt.Errorf("build kube config: %w", err)
		}
	}
	restConfig.QPS = 50
	restConfig.Burst = 100
	clientset, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, nil, err
	}
	dyn, err := dynamic.NewForConfig(restConfig)
	if err != nil {
		return nil, nil, err
	}
	return clientset, dyn, nil
}

// tokenHeaders resolves the bearer token for the agent plane from the
// environment on every reconnect, so rotations apply without a restart.
type tokenHeaders struct{}

func (tokenHeaders) Headers(context.Context) (http.Header, error) {
	headers := http.Header{}
	if token := os.Getenv("OSMO_AGENT_TOKEN"); token != "" {
		headers.Set("Authorization", "Bearer "+token)
	}
	return headers, nil
}

func main() {
	var role string
	var configPath string
	var showVersion bool
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&role, "role", "listener", "Role to run: listener|worker")
	fs.StringVar(&configPath, "config", "config/agent.yaml", "Path to YAML config")
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

	httpSrv := obs.StartHTTPServer(cfg, nil)
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
		case <-sigCh:
			os.Exit(1)
		case <-time.After(5 * time.Second):
		}
	}()

	clientset, dyn, err := kubeClients(cfg)
	if err != nil {
		logger.Fatal("failed to build kubernetes clients", obs.Err(err))
	}

	switch role {
	case "listener":
		runListener(ctx, cfg, clientset, logger)
	case "worker":
		runBackendWorker(ctx, cfg, clientset, dyn, logger)
	default:
		logger.Fatal("unknown role", obs.String("role", role))
	}
}

func progressWriter(cfg *config.Config, name string) *progress.Writer {
	return progress.NewWriter(filepath.Join(cfg.Backend.ProgressFolder, name))
}

func runListener(ctx context.Context, cfg *config.Config,
	clientset kubernetes.Interface, logger *zap.Logger) {

	controller, err := conditions.New(map[string]string{"^Ready$": "True"})
	if err != nil {
		logger.Fatal("failed to build conditions controller", obs.Err(err))
	}

	kubeSystem, err := clientset.CoreV1().Namespaces().Get(ctx, "kube-system", metav1.GetOptions{})
	if err != nil {
		logger.Fatal("failed to read cluster uid", obs.Err(err))
	}
	clusterUID := string(kubeSystem.UID)

	podSend := make(chan messages.Message, 1024)
	nodeSend := make(chan messages.Message, 1024)
	eventSend := make(chan messages.Message, 1024)
	heartbeatSend := make(chan messages.Message, 64)
	controlRoute := make(chan messages.Message, 16)

	l := listener.New(cfg, clientset, controller, podSend, nodeSend, eventSend, logger)

	podProgress := progressWriter(cfg, "last_progress_pod")
	nodeProgress := progressWriter(cfg, "last_progress_node")
	eventProgress := progressWriter(cfg, "last_progress_event")
	controlProgress := progressWriter(cfg, "last_progress_control")
	wsProgress := progressWriter(cfg, "last_progress_websocket")
	for _, pw := range []*progress.Writer{podProgress, nodeProgress, eventProgress,
		controlProgress, wsProgress} {
		_ = pw.Report()
	}

	if _, err := l.RefreshResourceDatabase(ctx, podProgress); err != nil {
		logger.Fatal("initial resource refresh failed", obs.Err(err))
	}

	go l.WatchPods(ctx, podProgress)
	go l.WatchNodes(ctx, nodeProgress)
	go l.WatchEvents(ctx, eventProgress)
	go l.RunControl(ctx, controlRoute, controlProgress)

	init := messages.InitBody{
		K8sUID:              clusterUID,
		K8sNamespace:        cfg.Backend.Namespace,
		Version:             version,
		NodeConditionPrefix: cfg.Backend.NodeConditionPrefix,
	}

	queues := map[string]chan messages.Message{
		agentws.StreamControl:   make(chan messages.Message, 16),
		agentws.StreamPod:       podSend,
		agentws.StreamNode:      nodeSend,
		agentws.StreamEvent:     eventSend,
		agentws.StreamHeartbeat: heartbeatSend,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	for _, name := range agentws.StreamNames() {
		url, err := agentws.StreamURL(cfg.Backend.ServiceURL, name, cfg.Backend.Name)
		if err != nil {
			logger.Fatal("failed to build stream url", obs.Err(err))
		}
		stream := &agentws.Stream{
			Name:         name,
			URL:          url,
			Init:         init,
			SendQueue:    queues[name],
			Unacked:      agentws.NewUnacked(name, cfg.Backend.MaxUnackedMessages, logger),
			ControlRoute: controlRoute,
			Auth:         tokenHeaders{},
			Progress:     wsProgress,
			Log:          logger,
		}
		group.Go(func() error {
			stream.Run(groupCtx)
			return nil
		})
	}
	group.Go(func() error {
		agentws.RunHeartbeat(groupCtx, heartbeatSend)
		return nil
	})
	_ = group.Wait()
}

func runBackendWorker(ctx context.Context, cfg *config.Config,
	clientset kubernetes.Interface, dyn dynamic.Interface, logger *zap.Logger) {

	rdb := redisclient.New(cfg)
	defer func() { _ = rdb.Close() }()

	send := make(chan messages.Message, 1024)
	exec := backendworker.NewExecContext(clientset, dyn, cfg, send)

	// Job logs and results travel over the worker endpoint of the agent
	// plane.
	url, err := agentws.WorkerURL(cfg.Backend.ServiceURL, cfg.Backend.Name)
	if err != nil {
		logger.Fatal("failed to build worker url", obs.Err(err))
	}
	stream := &agentws.Stream{
		Name:      "worker",
		URL:       url,
		Init:      messages.InitBody{K8sNamespace: cfg.Backend.Namespace, Version: version, NodeConditionPrefix: cfg.Backend.NodeConditionPrefix},
		SendQueue: send,
		Unacked:   agentws.NewUnacked("worker", cfg.Backend.MaxUnackedMessages, logger),
		Auth:      tokenHeaders{},
		Progress:  progressWriter(cfg, "last_progress_worker_heartbeat"),
		Log:       logger,
	}
	go stream.Run(ctx)

	queue := jobs.NewBackendQueue(rdb, cfg.Backend.JobQueuePrefix, cfg.Backend.Name, logger)
	dispatcher := backendworker.Dispatcher{
		Exec:     exec,
		Cfg:      cfg,
		Progress: progressWriter(cfg, "last_progress_worker_job"),
		Log:      logger,
	}
	w := worker.New(cfg, queue, dispatcher, worker.FixedRetryLimit(3), logger)
	if err := w.Run(ctx); err != nil {
		logger.Fatal("backend worker error", obs.Err(err))
	}
}
