package main

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fleetmon/fleetd/pkg/api"
	"github.com/fleetmon/fleetd/pkg/cluster"
	"github.com/fleetmon/fleetd/pkg/config"
	"github.com/fleetmon/fleetd/pkg/coord"
	"github.com/fleetmon/fleetd/pkg/events"
	"github.com/fleetmon/fleetd/pkg/log"
	"github.com/fleetmon/fleetd/pkg/metrics"
	"github.com/fleetmon/fleetd/pkg/session"
	"github.com/fleetmon/fleetd/pkg/store"

	fleetauth "github.com/fleetmon/fleetd/pkg/auth"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the fleetd server",
	Long: `Run the fleetd server: HTTP API, telemetry ingestion, command queue,
cluster heartbeat and the periodic state snapshot.

Example:
  fleetd serve --config /etc/fleetd/fleet.yaml`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringP("config", "c", "fleet.yaml", "Path to configuration file")
}

func runServe(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")

	cfg, err := config.Load(configPath)
	if err != nil {
		return &exitError{code: exitConfig, err: err}
	}

	log.Init(log.Config{
		Level:      log.Level(cfg.Log.Level),
		JSONOutput: cfg.Log.JSON,
	})
	logger := log.WithComponent("main")
	logger.Info().
		Str("version", Version).
		Str("config", configPath).
		Msg("fleetd starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend, err := openBackend(ctx, cfg)
	if err != nil {
		logger.Error().Err(err).Msg("coordination backend unreachable")
		return &exitError{code: exitBackendDown, err: err}
	}
	defer backend.Close()

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	go logEvents(broker)

	st, err := store.New(store.Config{
		HistorySize:      cfg.Server.HistorySize,
		OnlineWindow:     cfg.OnlineWindow(),
		StaleWindow:      cfg.StaleWindow(),
		AtRestKey:        cfg.AtRestKey(),
		SnapshotDir:      cfg.Server.DataDir,
		SnapshotInterval: cfg.SnapshotInterval(),
		Broker:           broker,
	})
	if err != nil {
		return &exitError{code: exitConfig, err: err}
	}

	secret, err := clusterSecret(cfg)
	if err != nil {
		return &exitError{code: exitConfig, err: err}
	}

	cm, err := cluster.NewManager(cluster.Config{
		Backend:           backend,
		BackendName:       cfg.Cluster.Backend,
		Secret:            secret,
		AdvertiseHost:     cfg.Cluster.AdvertiseHost,
		Port:              cfg.Server.Port,
		HeartbeatInterval: cfg.HeartbeatInterval(),
		NodeTimeout:       cfg.NodeTimeout(),
		Broker:            broker,
	})
	if err != nil {
		return &exitError{code: exitConfig, err: err}
	}

	sessions, err := session.NewManager(session.Config{
		Backend: backend,
		TTL:     cfg.SessionTTL(),
	})
	if err != nil {
		return &exitError{code: exitConfig, err: err}
	}

	users := fleetauth.NewUsers(backend, nil)

	server, err := api.NewServer(api.Config{
		ListenAddr:  fmt.Sprintf(":%d", cfg.Server.Port),
		TLSCertFile:   cfg.Server.TLS.CertFile,
		TLSKeyFile:    cfg.Server.TLS.KeyFile,
		SecureCookies: cfg.Server.SecureCookies,
		APIKey:        cfg.Server.APIKey,
		PayloadKey:    cfg.WireKey(),
		RateRPS:       cfg.Server.Rate.RPS,
		RateBurst:     cfg.Server.Rate.Burst,
		Store:         st,
		Cluster:       cm,
		Sessions:      sessions,
		Users:         users,
	})
	if err != nil {
		return &exitError{code: exitConfig, err: err}
	}

	if err := cm.Start(ctx); err != nil {
		if errors.Is(err, coord.ErrUnavailable) {
			return &exitError{code: exitBackendDown, err: err}
		}
		return &exitError{code: exitConfig, err: err}
	}
	st.Start()

	collector := metrics.NewCollector(st, cm)
	collector.Start()

	// Blocks until a signal arrives, then drains in-flight requests.
	runErr := server.Run(ctx)

	// Shutdown order: acceptor has drained; deregister from the cluster,
	// stop the samplers, then flush the final snapshot.
	cm.Stop()
	collector.Stop()
	st.Stop()

	if runErr != nil {
		return &exitError{code: exitConfig, err: runErr}
	}
	logger.Info().Msg("fleetd stopped")
	return nil
}

// openBackend builds the configured coordination backend.
func openBackend(ctx context.Context, cfg *config.Config) (coord.Backend, error) {
	switch cfg.Cluster.Backend {
	case "memory":
		return coord.NewMemory(), nil
	case "file":
		return coord.NewBolt(cfg.Server.DataDir)
	case "kv":
		var username, password string
		if auth := cfg.Cluster.KV.Auth; auth != "" {
			username, password = splitAuth(auth)
		}
		port := cfg.Cluster.KV.Port
		if port == 0 {
			port = 2379
		}
		return coord.NewEtcd(ctx, coord.EtcdConfig{
			Endpoints: []string{fmt.Sprintf("%s:%d", cfg.Cluster.KV.Host, port)},
			Username:  username,
			Password:  password,
		})
	default:
		return nil, fmt.Errorf("unknown cluster backend %q", cfg.Cluster.Backend)
	}
}

func splitAuth(auth string) (user, pass string) {
	for i := 0; i < len(auth); i++ {
		if auth[i] == ':' {
			return auth[:i], auth[i+1:]
		}
	}
	return auth, ""
}

// clusterSecret decodes the configured secret, or mints an ephemeral one
// for standalone nodes that never share a backend.
func clusterSecret(cfg *config.Config) ([]byte, error) {
	if cfg.Cluster.Secret != "" {
		return cfg.ClusterSecret()
	}
	if cfg.Cluster.Enabled {
		return nil, fmt.Errorf("cluster.secret is required when cluster.enabled")
	}
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, err
	}
	logger := log.WithComponent("main")
	logger.Debug().Msg("standalone mode, using ephemeral cluster secret")
	return secret, nil
}

func logEvents(broker *events.Broker) {
	sub := broker.Subscribe()
	for event := range sub {
		logger := log.WithComponent("events")
		logger.Info().
			Str("type", string(event.Type)).
			Fields(map[string]any{"metadata": event.Metadata}).
			Msg(event.Message)
	}
}
