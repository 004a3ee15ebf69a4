package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/zhengshuxin/eventql/pkg/config"
	"github.com/zhengshuxin/eventql/pkg/coordinator/zk"
	"github.com/zhengshuxin/eventql/pkg/directory"
	"github.com/zhengshuxin/eventql/pkg/events"
	"github.com/zhengshuxin/eventql/pkg/ingest"
	"github.com/zhengshuxin/eventql/pkg/log"
	"github.com/zhengshuxin/eventql/pkg/metaclient"
	"github.com/zhengshuxin/eventql/pkg/metadatastore"
	"github.com/zhengshuxin/eventql/pkg/metrics"
	"github.com/zhengshuxin/eventql/pkg/reconcile"
	"github.com/zhengshuxin/eventql/pkg/replication"
	"github.com/zhengshuxin/eventql/pkg/transport"
	"github.com/zhengshuxin/eventql/pkg/types"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

var cfg config.Config
var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "eventqld",
	Short:   "eventqld - a distributed, columnar, time-partitioned analytical database server",
	Version: Version,
	RunE:    serve,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("eventqld version %s\ncommit: %s\n", Version, Commit))

	// --config has to be found before cobra's own flag parsing runs, since
	// its value decides what the *rest* of the flags default to.
	configPath = earlyConfigFlag(os.Args[1:])
	loaded, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "eventqld: %v\n", err)
		os.Exit(1)
	}
	cfg = loaded

	rootCmd.PersistentFlags().StringVar(&configPath, "config", configPath, "path to a YAML config file")
	config.BindFlags(rootCmd, &cfg)

	cobra.OnInitialize(initLogging)
}

// earlyConfigFlag scans args for --config=path or --config path, ahead of
// cobra's normal parse, so the file it names can seed every other flag's
// default before BindFlags registers them.
func earlyConfigFlag(args []string) string {
	for i, a := range args {
		if v, ok := strings.CutPrefix(a, "--config="); ok {
			return v
		}
		if a == "--config" && i+1 < len(args) {
			return args[i+1]
		}
	}
	return os.Getenv("EVENTQLD_CONFIG")
}

func initLogging() {
	log.Init(log.Config{
		Level:      log.Level(cfg.LogLevel),
		JSONOutput: cfg.LogJSON,
	})
}

// directoryServerLister adapts directory.Directory to metrics.ServerLister;
// Directory's own ListServers never fails once opened, so this just
// threads its result through the error-returning shape the interface
// expects without changing Directory's own, simpler signature.
type directoryServerLister struct {
	dir *directory.Directory
}

func (d directoryServerLister) ListServers() ([]types.ServerConfig, error) {
	return d.dir.ListServers(), nil
}

func serve(cmd *cobra.Command, _ []string) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := log.WithComponent("eventqld")
	logger.Info().Str("cluster", cfg.Cluster).Str("server_name", cfg.ServerName).Msg("starting eventqld")

	ctx := context.Background()

	coord, err := zk.Dial(cfg.Coordinator, 0)
	if err != nil {
		return fmt.Errorf("connect to coordinator: %w", err)
	}
	defer coord.Close()

	if cfg.CreateCluster {
		bootCfg := types.ClusterConfig{ReplicationFactor: cfg.ReplicationFactor, MinConsistency: 1}
		if err := directory.Bootstrap(ctx, coord, "/eventql", cfg.Cluster, bootCfg); err != nil {
			return fmt.Errorf("bootstrap cluster: %w", err)
		}
		logger.Info().Msg("cluster bootstrapped")
	}

	dir, err := directory.Open(ctx, directory.Options{
		Coordinator:  coord,
		GlobalPrefix: "/eventql",
		Cluster:      cfg.Cluster,
		ServerID:     cfg.ServerName,
		ListenAddr:   cfg.Listen,
		Log:          log.Logger,
	})
	if err != nil {
		return fmt.Errorf("open directory: %w", err)
	}
	defer dir.Close()

	metaStore, err := metadatastore.Open(cfg.DataDir+"/_meta.db", 0, 0)
	if err != nil {
		return fmt.Errorf("open metadata store: %w", err)
	}
	defer metaStore.Close()
	localPeer := metaclient.NewLocalPeer(metaStore)

	bus := events.NewBroker()
	bus.Start()
	defer bus.Stop()

	recon := reconcile.New(30*time.Second, log.Logger, bus)
	recon.Start()
	defer recon.Stop()

	registry := replication.New(cfg.DataDir, recon, log.Logger)

	peerResolver := func(serverID string) (metaclient.Peer, error) {
		if serverID == cfg.ServerName {
			return localPeer, nil
		}
		sc, err := dir.GetServerConfig(serverID)
		if err != nil {
			return nil, err
		}
		return transport.NewHTTPPeer(sc.ServerAddr), nil
	}
	metaClient := metaclient.New(peerResolver)

	targetResolver := func(serverID string) (ingest.Target, error) {
		if serverID == cfg.ServerName {
			return registry, nil
		}
		sc, err := dir.GetServerConfig(serverID)
		if err != nil {
			return nil, err
		}
		return transport.NewHTTPTarget(sc.ServerAddr), nil
	}
	router := ingest.New(metaClient, targetResolver)

	insertSrv := transport.NewServer(registry.Apply, log.Logger).WithMetadataPeer(localPeer)

	listenMux := http.NewServeMux()
	listenMux.Handle("/", insertSrv.Handler())
	listenMux.HandleFunc("/eventql/insert", newInsertHandler(dir, router, log.Logger))

	errCh := make(chan error, 2)
	go func() {
		logger.Info().Str("addr", cfg.Listen).Msg("insert transport listening")
		if err := http.ListenAndServe(cfg.Listen, listenMux); err != nil {
			errCh <- fmt.Errorf("insert transport: %w", err)
		}
	}()

	metricsCollector := metrics.NewCollector(directoryServerLister{dir}, recon)
	metricsCollector.Start()
	defer metricsCollector.Stop()

	metrics.SetVersion(Version)
	metrics.RegisterComponent("metadata_coordinator", true, "connected")
	metrics.RegisterComponent("lsm_storage", true, "ready")
	metrics.RegisterComponent("ingest", true, "ready")

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", metrics.Handler())
	metricsMux.Handle("/health", metrics.HealthHandler())
	metricsMux.Handle("/ready", metrics.ReadyHandler())
	metricsMux.Handle("/live", metrics.LivenessHandler())
	go func() {
		logger.Info().Str("addr", cfg.MetricsListen).Msg("metrics endpoint listening")
		if err := http.ListenAndServe(cfg.MetricsListen, metricsMux); err != nil {
			errCh <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info().Msg("shutting down")
	case err := <-errCh:
		logger.Error().Err(err).Msg("server error")
		return err
	}
	return nil
}

// insertRequest is the JSON wire form accepted by the insert endpoint.
// Full client wire framing is out of scope (spec.md §1); this is the
// minimal shape needed to exercise the Ingestion Router over the network.
type insertRequest struct {
	Namespace string                   `json:"namespace"`
	Table     string                   `json:"table"`
	Records   []map[string]interface{} `json:"records"`
}

func newInsertHandler(dir *directory.Directory, router *ingest.Router, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req insertRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "decode error", http.StatusBadRequest)
			return
		}
		td, err := dir.GetTableConfig(req.Namespace, req.Table)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		cluster := dir.GetClusterConfig()

		records := make([]ingest.Record, len(req.Records))
		for i, rec := range req.Records {
			records[i] = ingest.Record(rec)
		}
		if err := router.Route(r.Context(), req.Namespace, &td, records, cluster.MinConsistency); err != nil {
			logger.Warn().Err(err).Str("namespace", req.Namespace).Str("table", req.Table).Msg("insert failed")
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}
}
