package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"

	"github.com/aura-tracking/agent/agent"
	"github.com/aura-tracking/agent/internal/telemetry/metrics"
)

func main() {
	var (
		storagePath string
		configPath  string
		deviceID    string
		maxInFlight int64
		metricsAddr string
		healthAddr  string
	)
	flag.StringVar(&storagePath, "storage", "aura-agent.db", "Path to the durable SQLite store")
	flag.StringVar(&configPath, "config", "aura-agent.yaml", "Path to the YAML config file")
	flag.StringVar(&deviceID, "device-id", "", "Device identifier used in topics and frame payloads")
	flag.Int64Var(&maxInFlight, "max-in-flight", 20, "Maximum outstanding unacknowledged publishes")
	flag.StringVar(&metricsAddr, "metrics", "", "Expose Prometheus metrics on address (e.g. :9090)")
	flag.StringVar(&healthAddr, "health", "", "Expose health snapshot on address (e.g. :9091)")
	flag.Parse()

	if deviceID == "" {
		log.Fatal("device-id is required")
	}

	provider := metrics.NewPrometheusProvider(metrics.PrometheusProviderOptions{})

	cfg := agent.Config{
		StoragePath:     storagePath,
		ConfigPath:      configPath,
		MaxInFlight:     maxInFlight,
		Logger:          slog.Default(),
		MetricsProvider: provider,
	}

	sup, err := agent.New(cfg, nil, deviceID)
	if err != nil {
		log.Fatalf("create agent: %v", err)
	}
	defer func() { _ = sup.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		log.Println("signal received; stopping tracking pipeline...")
		sup.Stop(context.Background())
		cancel()
		<-sigCh
		log.Println("second signal received; forcing exit")
		os.Exit(1)
	}()

	sup.Boot(ctx)

	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", provider.MetricsHandler())
		go func() {
			srv := &http.Server{Addr: metricsAddr, Handler: mux}
			<-ctx.Done()
			_ = srv.Shutdown(context.Background())
		}()
		go func() {
			log.Printf("metrics listening on %s", metricsAddr)
			_ = http.ListenAndServe(metricsAddr, mux)
		}()
	}

	if healthAddr != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(sup.StatusSnapshot(r.Context()))
		})
		go func() {
			srv := &http.Server{Addr: healthAddr, Handler: mux}
			<-ctx.Done()
			_ = srv.Shutdown(context.Background())
		}()
		go func() {
			log.Printf("health endpoint listening on %s", healthAddr)
			_ = http.ListenAndServe(healthAddr, mux)
		}()
	}

	<-ctx.Done()
}
