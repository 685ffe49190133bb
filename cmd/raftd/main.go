package main

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof" // Import pprof for profiling endpoints
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/raftcore/pkg/clock"
	"github.com/cuemby/raftcore/pkg/config"
	"github.com/cuemby/raftcore/pkg/fsm"
	"github.com/cuemby/raftcore/pkg/log"
	"github.com/cuemby/raftcore/pkg/metrics"
	"github.com/cuemby/raftcore/pkg/raft"
	"github.com/cuemby/raftcore/pkg/snapshot"
	"github.com/cuemby/raftcore/pkg/storage"
	"github.com/cuemby/raftcore/pkg/transport"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "raftd",
	Short: "raftd - a standalone Raft consensus node",
	Long: `raftd drives a single server in a Raft cluster: leader election,
log replication, membership change, and incremental snapshot installation
for lagging followers.

Each node is configured from a YAML cluster file naming its own id and
every peer's address; raftd owns no application protocol beyond a
reference key/value state machine used for smoke-testing the cluster.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"raftd version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(bootstrapCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var bootstrapCmd = &cobra.Command{
	Use:   "bootstrap",
	Short: "Initialize a new node's data directory from a cluster config file",
	Long: `Bootstrap opens (creating if absent) the node's bbolt data file and,
if it holds no log entries yet, appends the initial configuration entry
naming every server listed in the config file. Run once per node before
the first "raftd run"; running it again on an already-bootstrapped data
directory is a no-op error, not a reset.`,
	RunE: runBootstrap,
}

func init() {
	bootstrapCmd.Flags().StringP("config", "c", "", "Cluster config file (required)")
	_ = bootstrapCmd.MarkFlagRequired("config")
}

func runBootstrap(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	store, err := storage.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer store.Close()

	conf, err := cfg.Configuration()
	if err != nil {
		return fmt.Errorf("building initial configuration: %w", err)
	}

	node := raft.New(cfg.NodeID, cfg.Bind, store, noopTransport{}, fsm.New(), clock.New(), cfg.Options())
	// Load what the data file already holds so Bootstrap refuses a
	// directory that was bootstrapped before.
	if err := node.Recover(context.Background()); err != nil {
		return fmt.Errorf("loading node %d state: %w", cfg.NodeID, err)
	}
	if err := node.Bootstrap(conf); err != nil {
		return fmt.Errorf("bootstrapping node %d: %w", cfg.NodeID, err)
	}

	fmt.Printf("node %d bootstrapped in %s with %d server(s)\n", cfg.NodeID, cfg.DataDir, len(conf.Servers))
	return nil
}

// noopTransport satisfies raft.Transport for the one-shot Bootstrap call,
// which never sends or receives a message.
type noopTransport struct{}

func (noopTransport) Send(ctx context.Context, to uint64, address string, msg raft.Message, done func(error)) {
	if done != nil {
		done(nil)
	}
}
func (noopTransport) Recv() <-chan raft.Message { return nil }
func (noopTransport) Close(ctx context.Context) error { return nil }

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run this node, serving Raft traffic until terminated",
	Long: `Run drives the node's main loop: a fixed tick interval, inbound
RPC messages from pkg/transport, and the Prometheus/health HTTP endpoints.
The node must already have been bootstrapped (or have joined via
replication of a configuration entry) before this command finds a
non-empty log in storage.`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringP("config", "c", "", "Cluster config file (required)")
	runCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Address for the metrics/health HTTP server")
	runCmd.Flags().Bool("enable-pprof", false, "Enable pprof profiling endpoints")
	_ = runCmd.MarkFlagRequired("config")
}

func runRun(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("config")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
	pprofEnabled, _ := cmd.Flags().GetBool("enable-pprof")

	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := storage.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer store.Close()

	tr := transport.New(cfg.NodeID)
	if err := tr.Listen(cfg.Bind); err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.Bind, err)
	}
	defer tr.Close(ctx)
	for id, addr := range cfg.PeerAddresses() {
		if id != cfg.NodeID {
			tr.SetPeerAddress(id, addr)
		}
	}

	machine := fsm.New()
	node := raft.New(cfg.NodeID, cfg.Bind, store, tr, machine, clock.New(), cfg.Options())

	pages := storage.NewPageStore(store)
	leaderDriver := snapshot.NewLeaderDriver(pages, tr)
	followerDriver := snapshot.NewFollowerDriver(pages, tr)
	tr.SetDrivers(followerDriver, leaderDriver)
	node.SetSnapshotInstaller(leaderDriver)
	node.SetSnapshotReceiver(pages)
	followerDriver.Runner = snapshot.WorkRunnerFunc(func(fn func() error, done func(error)) {
		store.AsyncWork(ctx, fn, done)
	})

	// Install completions arrive on transport goroutines; route them back
	// onto the main loop so FinishSnapshotInstall runs on the same
	// goroutine as Tick/Step.
	installDone := make(chan uint64, 16)
	leaderDriver.OnComplete = func(peer uint64, snapshotIndex, snapshotTerm uint64) {
		installDone <- peer
	}

	node.OnStateChange(func(old, new raft.ServerRole) {
		rlog := log.WithComponent("raft")
		rlog.Info().
			Str("from", old.String()).Str("to", new.String()).
			Msg("state change")
		if new == raft.StateCandidate {
			metrics.ElectionsStarted.Inc()
		}
	})

	if err := node.Recover(ctx); err != nil {
		return fmt.Errorf("recovering node %d: %w", cfg.NodeID, err)
	}
	fmt.Printf("node %d serving on %s (term=%d, state=%s)\n", cfg.NodeID, cfg.Bind, node.CurrentTerm(), node.State())

	collector := metrics.NewCollector(node)
	collector.Collect()

	metrics.SetVersion(Version)
	metrics.RegisterComponent("raft", true, "running")

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", metrics.HealthHandler())
	mux.Handle("/ready", metrics.ReadyHandler())
	mux.Handle("/live", metrics.LivenessHandler())
	if pprofEnabled {
		mux.Handle("/debug/pprof/", http.DefaultServeMux)
	}
	httpServer := &http.Server{Addr: metricsAddr, Handler: mux}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			mlog := log.WithComponent("metrics")
			mlog.Error().Msg(fmt.Sprintf("metrics server: %v", err))
		}
	}()
	fmt.Printf("metrics endpoint: http://%s/metrics\n", metricsAddr)
	fmt.Printf("health endpoint:  http://%s/health\n", metricsAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	tickInterval := cfg.HeartbeatTimeoutMS
	if tickInterval == 0 {
		tickInterval = 100
	}
	ticker := time.NewTicker(time.Duration(tickInterval) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			node.Tick()
			collector.Collect()
			metrics.SnapshotInstallSessionsActive.Set(float64(leaderDriver.ActiveSessions()))
		case msg := <-tr.Recv():
			node.Step(ctx, msg)
		case peer := <-installDone:
			node.FinishSnapshotInstall(peer)
		case <-sigCh:
			fmt.Println("shutting down")
			_ = httpServer.Close()
			return nil
		}
	}
}
