package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"replog/internal/config"
	"replog/internal/logger"
	"replog/internal/pubsub"
	"replog/internal/replog"
	"replog/internal/replog/engine"
	"replog/internal/replog/metrics"
	"replog/internal/replog/replicated"
	"replog/internal/replog/transport"
)

var replogdCmd = &cobra.Command{
	Use:   "replogd",
	Short: "Runs one participant of a replicated log",
	Long: `replogd hosts replicated logs in a bbolt file and serves the replication protocol over gRPC.

As a leader it appends every line read from stdin to the log and replicates it to the configured peers.`,
	SilenceUsage: true,
	RunE:         replogdF,
}

var (
	configPath string
	id         string
	role       string
	logID      uint64
	term       uint64
	leaderID   string
	peers      []string
	quorum     int
)

func init() {
	viper.SetEnvPrefix("REPLOGD")
	flags := replogdCmd.PersistentFlags()

	flags.StringVar(&configPath, "config", "", "Path to the TOML configuration file.")
	flags.StringVar(&id, "id", "", "Participant id of this process. A random one is generated if empty.")
	flags.StringVar(&role, "role", "none", "Role of this participant: leader, follower or none.")
	flags.Uint64Var(&logID, "log-id", 1, "Id of the log to host. It is created if it does not exist.")
	flags.Uint64Var(&term, "term", 1, "Term to take the role in.")
	flags.StringVar(&leaderID, "leader", "", "Participant id of the leader, for followers.")
	flags.StringSliceVar(&peers, "peer", nil, "Follower as id=host:port, for leaders. May be repeated.")
	flags.IntVar(&quorum, "quorum", 0, "Quorum size including the leader. Defaults to a majority.")

	flags.String("bind-addr", "", "The bind address of the replication service.")
	flags.String("metrics-addr", "", "The bind address of the prometheus endpoint.")
	flags.String("data-path", "", "Path of the bbolt database file.")
	flags.String("log-level", "", "Log level: debug, info, warn or error.")
	flags.Bool("wait-for-sync", false, "Wait for fsync before acknowledging writes.")
	for key, flag := range map[string]string{
		"bind_addr":     "bind-addr",
		"metrics_addr":  "metrics-addr",
		"data_path":     "data-path",
		"log_level":     "log-level",
		"wait_for_sync": "wait-for-sync",
	} {
		_ = viper.BindEnv(key)
		_ = viper.BindPFlag(key, flags.Lookup(flag))
	}
}

// loadConfig reads the configuration file, if any, and applies flag and environment overrides.
func loadConfig() (config.Config, error) {
	cfg := config.Default()
	if configPath != "" {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			return cfg, err
		}
	}
	if viper.IsSet("bind_addr") {
		cfg.Server.BindAddress = viper.GetString("bind_addr")
	}
	if viper.IsSet("metrics_addr") {
		cfg.Server.MetricsAddress = viper.GetString("metrics_addr")
	}
	if viper.IsSet("data_path") {
		cfg.Storage.Path = viper.GetString("data_path")
	}
	if viper.IsSet("wait_for_sync") {
		cfg.Replication.WaitForSync = viper.GetBool("wait_for_sync")
	}
	if viper.IsSet("log_level") {
		var level zapcore.Level
		if err := level.Set(viper.GetString("log_level")); err != nil {
			return cfg, fmt.Errorf("invalid log level: %w", err)
		}
		cfg.Logging.Level = level
	}
	return cfg, cfg.Validate()
}

func replogdF(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := logger.New(os.Stderr, cfg.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	if id == "" {
		id = uuid.NewString()
	}
	self := replog.ParticipantID(id)
	log = log.With(zap.String("participant", id))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	reg := prometheus.NewRegistry()
	reg.MustRegister(m.PrometheusCollectors()...)
	metricsServer := &http.Server{
		Addr:    cfg.Server.MetricsAddress,
		Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	}
	go func() {
		log.Info("Serving metrics", zap.String("address", cfg.Server.MetricsAddress))
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Metrics endpoint failed", zap.Error(err))
		}
	}()

	eng, err := engine.New(cfg, log, m)
	if err != nil {
		return err
	}
	r, err := eng.GetLog(replog.LogID(logID))
	if errors.Is(err, replog.ErrLogNotFound) {
		r, err = eng.CreateLog(replog.LogID(logID), "")
	}
	if err != nil {
		return multierr.Append(err, eng.Shutdown(context.Background()))
	}
	watchEvents(eng.Events(), log)

	client := transport.NewClient(transport.NewRegistry(), log)
	srv := transport.NewServer(eng, log)
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.ListenAndServe(cfg.Server.BindAddress) }()

	if err := takeRole(ctx, r, self, client, log); err != nil {
		log.Error("Failed to take role", zap.String("role", role), zap.Error(err))
		stop()
	}

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		log.Error("Replication service stopped", zap.Error(err))
	}

	log.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv.GracefulShutdown()
	return multierr.Combine(
		client.CloseAllClients(),
		eng.Shutdown(shutdownCtx),
		metricsServer.Shutdown(shutdownCtx),
	)
}

func takeRole(ctx context.Context, r *replicated.ReplicatedLog, self replog.ParticipantID, client *transport.Client, log *zap.Logger) error {
	switch role {
	case "none":
		log.Info("Hosting log without a role", zap.Uint64("log_id", logID))
		return nil
	case "follower":
		if leaderID == "" {
			return errors.New("--leader is required for followers")
		}
		_, err := r.BecomeFollower(ctx, replicated.FollowerConfig{
			ID:     self,
			Term:   replog.LogTerm(term),
			Leader: replog.ParticipantID(leaderID),
		})
		return err
	case "leader":
		addrs, err := parsePeers(peers)
		if err != nil {
			return err
		}
		followers := make([]replog.AbstractFollower, 0, len(addrs))
		for _, p := range addrs {
			if err := client.AddPeer(p.id, p.addr); err != nil {
				return err
			}
			followers = append(followers, client.Follower(p.id))
		}
		q := quorum
		if q == 0 {
			q = (len(followers)+1)/2 + 1
		}
		if _, err := r.BecomeLeader(ctx, replicated.LeaderConfig{
			ID:        self,
			Term:      replog.LogTerm(term),
			Quorum:    q,
			Followers: followers,
		}); err != nil {
			return err
		}
		go insertLines(ctx, r, log)
		return nil
	default:
		return fmt.Errorf("unknown role %q", role)
	}
}

// insertLines appends every line of stdin to the log until stdin closes or ctx ends.
func insertLines(ctx context.Context, r *replicated.ReplicatedLog, log *zap.Logger) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		idx, err := r.Insert(ctx, replog.PayloadFromString(scanner.Text()))
		if err != nil {
			log.Error("Insert failed", zap.Error(err))
			return
		}
		r.WaitFor(idx).OnComplete(func(commit replog.LogIndex, err error) {
			if err != nil {
				log.Warn("Entry not committed", zap.Uint64("index", uint64(idx)), zap.Error(err))
				return
			}
			log.Info("Entry committed", zap.Uint64("index", uint64(idx)), zap.Uint64("commit_index", uint64(commit)))
		})
	}
	if err := scanner.Err(); err != nil {
		log.Error("Reading stdin failed", zap.Error(err))
	}
}

// watchEvents logs the lifecycle events of all logs.
func watchEvents(events *pubsub.PubSubClient, log *zap.Logger) {
	established := make(chan *pubsub.Event[replicated.LeadershipEvent], 16)
	resigned := make(chan *pubsub.Event[replicated.ResignEvent], 16)
	pubsub.Subscribe(events, replicated.EventLeadershipEstablished, established, pubsub.SubscriptionOptions{})
	pubsub.Subscribe(events, replicated.EventLeaderResigned, resigned, pubsub.SubscriptionOptions{})

	go func() {
		for ev := range established {
			log.Info("Leadership established",
				zap.Stringer("log_id", ev.Payload.LogID), zap.Uint64("term", uint64(ev.Payload.Term)))
		}
	}()
	go func() {
		for ev := range resigned {
			log.Warn("Leader resigned",
				zap.Stringer("log_id", ev.Payload.LogID), zap.Uint64("term", uint64(ev.Payload.Term)),
				zap.String("reason", ev.Payload.Reason))
		}
	}()
}

func main() {
	if err := replogdCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
