package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/dispatch/internal/bus"
	"github.com/ShayCichocki/dispatch/internal/config"
	"github.com/ShayCichocki/dispatch/internal/decompose"
	"github.com/ShayCichocki/dispatch/internal/memory"
	"github.com/ShayCichocki/dispatch/internal/registry"
	"github.com/ShayCichocki/dispatch/internal/runtime"
	"github.com/ShayCichocki/dispatch/internal/scheduler"
)

var serveConfigPath string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the dispatcher",
	Long: `Start the dispatcher and serve agents until interrupted.

With nats.url configured, agents connect over NATS: they register and
heartbeat on the event subject and receive assignments on their own subject. Without it an
in-process bus is used, which only makes sense for local experiments.

With metrics.addr configured, Prometheus metrics are exposed on /metrics.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveConfigPath, "config", "", "Config file (defaults to XDG + project lookup)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger, err := runtime.NewDebugLogger(cfg.Log.DebugPath)
	if err != nil {
		return fmt.Errorf("open debug log: %w", err)
	}
	defer logger.Close()

	storePath := cfg.Store.Path
	if storePath == "" {
		storePath = memory.DefaultDBPath()
	}
	store, err := memory.Open(storePath)
	if err != nil {
		return fmt.Errorf("open memory store: %w", err)
	}
	defer store.Close()

	var msgBus bus.Bus
	if cfg.NATS.URL != "" {
		natsBus, err := bus.ConnectNATS(cfg.NATS.URL)
		if err != nil {
			return err
		}
		msgBus = natsBus
		fmt.Printf("Connected to NATS at %s\n", cfg.NATS.URL)
	} else {
		msgBus = bus.NewInProc()
		fmt.Println("No NATS URL configured, using in-process bus")
	}
	defer msgBus.Close()

	reg := registry.New(store)
	sched := scheduler.New(reg,
		scheduler.WithMaxTasksPerAgent(cfg.Scheduler.MaxTasksPerAgent),
		scheduler.WithStore(store),
	)
	dec := decompose.New(sched, store)

	rt := runtime.New(reg, sched, dec, msgBus,
		runtime.WithSweepInterval(cfg.Scheduler.SweepInterval),
		runtime.WithTaskDeadline(cfg.Scheduler.TaskDeadline),
		runtime.WithLogger(logger),
	)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	if err := rt.Start(ctx); err != nil {
		return fmt.Errorf("start runtime: %w", err)
	}
	defer rt.Stop()

	var metricsServer *http.Server
	if cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				fmt.Fprintf(os.Stderr, "metrics server: %v\n", err)
			}
		}()
		fmt.Printf("Serving metrics on %s/metrics\n", cfg.Metrics.Addr)
	}

	fmt.Println("Dispatcher running. Press Ctrl+C to stop.")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
	case <-ctx.Done():
	}

	fmt.Println("\nShutting down...")
	if metricsServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}
	return nil
}

// loadConfig loads from the --config path when given, otherwise the usual
// XDG + project lookup.
func loadConfig() (*config.Config, error) {
	if serveConfigPath != "" {
		return config.LoadFromPath(serveConfigPath)
	}
	return config.Load()
}
