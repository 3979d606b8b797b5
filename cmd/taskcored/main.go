// Command taskcored runs the task orchestration core as a standalone
// process: an in-memory scheduler/registry/balancer/coordinator fleet
// fronted by a minimal HTTP surface for health and metrics.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/swarmforge/taskcore/internal/app"
	"github.com/swarmforge/taskcore/internal/config"
	"github.com/swarmforge/taskcore/internal/corerr"
	"github.com/swarmforge/taskcore/internal/model"
	"github.com/swarmforge/taskcore/internal/obs"
	"github.com/swarmforge/taskcore/internal/obslog"
	"github.com/swarmforge/taskcore/internal/transport/funcexec"
)

const serviceName = "taskcored"

var configPath string
var listenAddr string

func main() {
	root := &cobra.Command{
		Use:   "taskcored",
		Short: "Autonomous task orchestration core",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a config file (yaml/json/toml)")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestration core",
		RunE:  runServe,
	}
	serve.Flags().StringVar(&listenAddr, "listen", ":8080", "HTTP listen address for /health and /metrics")

	validate := &cobra.Command{
		Use:   "validate-config",
		Short: "Load and print the effective configuration, then exit",
		RunE:  runValidateConfig,
	}

	root.AddCommand(serve, validate)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runValidateConfig(cmd *cobra.Command, _ []string) error {
	log := obslog.Init(serviceName)
	_, cfg, err := config.NewLoader(configPath, log)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(cfg)
}

func runServe(cmd *cobra.Command, _ []string) error {
	log := obslog.Init(serviceName)
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTrace := obs.InitTracer(ctx, serviceName)
	defer shutdownTrace(ctx)
	shutdownMetrics, _ := obs.InitMetrics(ctx, serviceName)
	defer shutdownMetrics(ctx)

	loader, cfg, err := config.NewLoader(configPath, log)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	promReg := prometheus.NewRegistry()

	// This process always dispatches through the in-process executor (the
	// NATS executor is not wired here); it echoes success so the core is
	// exercisable standalone.
	exec := funcexec.New(func(_ context.Context, taskID string, _ map[string]string) (bool, string, error) {
		log.Debug("in-process execution", "task", taskID)
		return true, "completed in-process", nil
	})

	a, err := app.New(cfg, exec, log, promReg)
	if err != nil {
		return fmt.Errorf("wire app: %w", err)
	}
	if err := a.WireTicks(); err != nil {
		return fmt.Errorf("wire periodic ticks: %w", err)
	}

	stopWatch := make(chan struct{})
	if err := loader.Watch(stopWatch, func(fresh config.Config) {
		a.Bus.Publish(model.NewEvent(model.EventConfigReloaded, "config", nil))
	}); err != nil {
		log.Warn("config hot-reload disabled", "error", err)
	}
	defer close(stopWatch)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/v1/tasks/", func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Path[len("/v1/tasks/"):]
		t, ok := a.Scheduler.Task(id)
		if !ok {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(t)
	})
	mux.HandleFunc("/v1/tasks", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var t model.Task
		if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if err := a.Scheduler.AddTask(&t); err != nil {
			writeAPIError(w, err)
			return
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(t)
	})
	mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: listenAddr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server error", "error", err)
			cancel()
		}
	}()

	log.Info("taskcored serving", "addr", listenAddr)
	if err := a.Run(ctx); err != nil {
		log.Error("coordinator stopped with error", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	return a.Shutdown()
}

func writeAPIError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch corerr.KindOf(err) {
	case corerr.KindValidation:
		status = http.StatusBadRequest
	case corerr.KindNotFound:
		status = http.StatusNotFound
	case corerr.KindConflict:
		status = http.StatusConflict
	case corerr.KindPrecondition:
		status = http.StatusPreconditionFailed
	case corerr.KindResourceExhausted:
		status = http.StatusTooManyRequests
	case corerr.KindTimeout:
		status = http.StatusGatewayTimeout
	}
	http.Error(w, err.Error(), status)
}
