// Command swarmnode runs one node of the distributed agent execution
// runtime, in single, master, or worker role.
//
// A cobra root command carries persistent logging flags, with
// cobra.OnInitialize wiring the global logger before the command runs.
// There are no subcommands; --role selects single, master, or worker.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/fenlake/swarmctl/pkg/agent"
	"github.com/fenlake/swarmctl/pkg/bus"
	"github.com/fenlake/swarmctl/pkg/clock"
	"github.com/fenlake/swarmctl/pkg/cluster"
	"github.com/fenlake/swarmctl/pkg/config"
	"github.com/fenlake/swarmctl/pkg/env"
	"github.com/fenlake/swarmctl/pkg/event"
	"github.com/fenlake/swarmctl/pkg/lock"
	"github.com/fenlake/swarmctl/pkg/log"
	"github.com/fenlake/swarmctl/pkg/metricsched"
	"github.com/fenlake/swarmctl/pkg/registry"
	"github.com/fenlake/swarmctl/pkg/transport"
)

var (
	flagRole              string
	flagNodeID            string
	flagMasterAddress     string
	flagMasterPort        int
	flagListenAddress     string
	flagListenPort        int
	flagExpectedWorkers   int
	flagHeartbeatInterval time.Duration
	flagWorkerTimeout     time.Duration
	flagConfigPath        string
	flagScenario          string
	flagLogLevel          string
	flagLogJSON           bool
)

func main() {
	root := &cobra.Command{
		Use:   "swarmnode",
		Short: "Run a node of the distributed agent execution runtime",
		RunE:  run,
	}

	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "log level (debug, info, warn, error)")
	root.PersistentFlags().BoolVar(&flagLogJSON, "log-json", false, "emit logs as JSON")
	root.Flags().StringVar(&flagRole, "role", "single", "node role: single, master, worker")
	root.Flags().StringVar(&flagNodeID, "node-id", "", "this node's id (default: a generated uuid)")
	root.Flags().StringVar(&flagMasterAddress, "master-address", "127.0.0.1", "master host, for worker role")
	root.Flags().IntVar(&flagMasterPort, "master-port", 7070, "master control port")
	root.Flags().StringVar(&flagListenAddress, "listen-address", "0.0.0.0", "address this node listens on")
	root.Flags().IntVar(&flagListenPort, "listen-port", 7071, "port this node listens on")
	root.Flags().IntVar(&flagExpectedWorkers, "expected-workers", 1, "workers the master waits for before starting (master role)")
	root.Flags().DurationVar(&flagHeartbeatInterval, "heartbeat-interval", cluster.DefaultHeartbeatInterval, "worker heartbeat interval")
	root.Flags().DurationVar(&flagWorkerTimeout, "worker-timeout", 0, "explicit DEAD threshold override (default: 5x heartbeat interval)")
	root.Flags().StringVar(&flagConfigPath, "config", "", "path to a YAML config file")
	root.Flags().StringVar(&flagScenario, "scenario", "", "scenario name to run")

	cobra.OnInitialize(initLogging)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCodeForError(err))
	}
}

func initLogging() {
	level := log.Level(flagLogLevel)
	log.Init(log.Config{Level: level, JSONOutput: flagLogJSON})
}

// exitCodeForError maps failure classes to the documented process exit
// codes: 2 bad config/flags, 3 cluster/transport failure, 4 simulation
// ended in ERROR.
func exitCodeForError(err error) int {
	switch err.(type) {
	case *configError:
		return 2
	case *clusterError:
		return 3
	case *simulationError:
		return 4
	default:
		return 1
	}
}

type configError struct{ err error }

func (e *configError) Error() string { return e.err.Error() }

type clusterError struct{ err error }

func (e *clusterError) Error() string { return e.err.Error() }

type simulationError struct{ err error }

func (e *simulationError) Error() string { return e.err.Error() }

func run(cmd *cobra.Command, args []string) error {
	nodeID := flagNodeID
	if nodeID == "" {
		nodeID = uuid.NewString()
	}

	var cfg *config.File
	if flagConfigPath != "" {
		loaded, err := config.Load(flagConfigPath)
		if err != nil {
			return &configError{err}
		}
		cfg = loaded
	} else {
		cfg = &config.File{
			Role:              config.Role(flagRole),
			NodeID:            nodeID,
			MasterAddress:     flagMasterAddress,
			MasterPort:        flagMasterPort,
			ListenAddress:     flagListenAddress,
			ListenPort:        flagListenPort,
			ExpectedWorkers:   flagExpectedWorkers,
			HeartbeatInterval: flagHeartbeatInterval,
			WorkerTimeout:     flagWorkerTimeout,
			Scenario:          flagScenario,
			Mode:              env.ModeRound,
			RoundIdleTimeout:  env.DefaultRoundIdleTimeout,
			BusIdleTimeout:    env.DefaultBusIdleTimeout,
			MaxAgentErrors:    registry.DefaultMaxAgentErrors,
			SnapshotDir:       "./trails",
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := clock.New()

	switch config.Role(cfg.Role) {
	case config.RoleMaster:
		return runMaster(ctx, cfg, c)
	case config.RoleWorker:
		return runWorker(ctx, cfg, c)
	default:
		return runSingle(ctx, cfg, c)
	}
}

func runSingle(ctx context.Context, cfg *config.File, c *clock.Clock) error {
	trailID := cfg.Scenario
	if trailID == "" {
		trailID = uuid.NewString()
	}

	layout, err := env.NewLayout(cfg.SnapshotDir, trailID)
	if err != nil {
		return &configError{err}
	}
	async := env.NewAsyncWriter(256)
	defer async.Close()

	reg := registry.New()
	// driver needs a bus to dispatch onto, but the bus needs the driver's
	// HandleEnvEvent as its env handler; break the cycle by constructing
	// the bus first and wiring the driver's handler in afterward via a
	// trampoline closure.
	var driver *env.Driver
	b := bus.New(c, reg, bus.WithEnvHandler(func(e *event.Event) { driver.HandleEnvEvent(e) }))
	driver = env.New(cfg.EnvConfig(trailID), c, b, layout, async)

	b.Run()
	defer b.Stop()

	sched, err := newMetricScheduler(cfg, driver, reg, b, layout)
	if err != nil {
		return &configError{err}
	}
	if sched != nil {
		sched.Start()
		defer sched.Stop()
	}

	if err := driver.Start(ctx); err != nil {
		return &simulationError{err}
	}

	<-ctx.Done()
	_ = driver.Terminate()

	if driver.Phase() == env.PhaseError {
		return &simulationError{fmt.Errorf("simulation ended in ERROR")}
	}
	return nil
}

// newMetricScheduler wires pkg/metricsched against the running driver's
// store and a LocalGatherer over reg/b, registering every metric named
// in cfg, and persisting each sample through layout. Returns nil, nil
// when the config declares no metrics.
func newMetricScheduler(cfg *config.File, driver *env.Driver, reg *registry.Registry, b *bus.Bus, layout *env.Layout) (*metricsched.Scheduler, error) {
	if len(cfg.Metrics) == 0 {
		return nil, nil
	}

	typeOf := func(agentID string) string {
		if h, ok := reg.Get(agentID); ok {
			return h.AgentType
		}
		return ""
	}
	gatherer := agent.NewLocalGatherer(reg, b, typeOf)

	sched, err := metricsched.New(driver.Store(), gatherer, driver.Step)
	if err != nil {
		return nil, err
	}
	sched.Subscribe(func(metric string, s metricsched.Sample) {
		if err := layout.AppendMetric(metric, s); err != nil {
			log.WithComponent("metricsched").Warn().Err(err).Str("metric", metric).Msg("failed to persist metric sample")
		}
	})
	for _, m := range cfg.Metrics {
		if err := sched.Register(m.Definition(), m.Interval); err != nil {
			return nil, fmt.Errorf("metricsched: registering %q: %w", m.Name, err)
		}
	}
	return sched, nil
}

func runMaster(ctx context.Context, cfg *config.File, c *clock.Clock) error {
	directory := cluster.NewDirectory(c,
		cluster.WithHeartbeatInterval(cfg.HeartbeatInterval),
		cluster.WithWorkerTimeout(cfg.WorkerTimeout),
	)
	authority := lock.NewLocal(c)
	breakers := transport.NewBreakers(c)
	pool := transport.NewPool(breakers, 8)
	master := cluster.NewMaster(c, directory, authority, pool, cfg.HeartbeatInterval, cfg.AllocationSeed)

	trailID := cfg.Scenario
	if trailID == "" {
		trailID = uuid.NewString()
	}
	layout, err := env.NewLayout(cfg.SnapshotDir, trailID)
	if err != nil {
		return &configError{err}
	}
	async := env.NewAsyncWriter(256)
	defer async.Close()

	// The master runs the authoritative Driver in a distributed
	// deployment: workers host agents but have nowhere to keep the
	// env-scoped store, so ENV-addressed traffic is relayed here (see
	// cluster.Worker.ForwardEnvEvent).
	reg := registry.New()
	var driver *env.Driver
	b := bus.New(c, reg,
		bus.WithEnvHandler(func(e *event.Event) { driver.HandleEnvEvent(e) }),
		bus.WithForwarder(master.Forward),
		bus.WithBroadcastForwarder(master.BroadcastAll),
	)
	driver = env.New(cfg.EnvConfig(trailID), c, b, layout, async)
	master.SetBus(b)

	b.Run()
	defer b.Stop()

	go master.RunLivenessSweeper(ctx, func(orphaned []string) {
		log.WithComponent("master").Warn().Strs("agent_ids", orphaned).Msg("agents orphaned by worker death, reallocating")
		master.Reallocate(cfg.Agents, nil)
	})

	mux := newServeMux()
	master.ServeMux(mux, "/cluster")

	srv, err := serveHTTP(ctx, cfg.ListenAddress, cfg.ListenPort, mux)
	if err != nil {
		return &clusterError{err}
	}

	if err := waitForWorkers(ctx, c, directory, cfg.ExpectedWorkers); err != nil {
		return &clusterError{err}
	}
	master.Reallocate(cfg.Agents, nil)

	if err := driver.Start(ctx); err != nil {
		return &simulationError{err}
	}

	<-ctx.Done()
	_ = driver.Terminate()
	if shutdownErr := shutdownHTTP(srv); shutdownErr != nil {
		return shutdownErr
	}
	if driver.Phase() == env.PhaseError {
		return &simulationError{fmt.Errorf("simulation ended in ERROR")}
	}
	return nil
}

// waitForWorkers blocks until at least expected workers have registered
// with directory, or ctx is canceled.
func waitForWorkers(ctx context.Context, c *clock.Clock, directory *cluster.Directory, expected int) error {
	if expected <= 0 {
		return nil
	}
	ticker := c.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		if len(directory.AliveWorkers()) >= expected {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
		}
	}
}

func runWorker(ctx context.Context, cfg *config.File, c *clock.Clock) error {
	breakers := transport.NewBreakers(c)
	pool := transport.NewPool(breakers, 8)

	masterEndpoint := fmt.Sprintf("ws://%s:%d/cluster", cfg.MasterAddress, cfg.MasterPort)
	selfEndpoint := fmt.Sprintf("ws://%s:%d/agents", cfg.ListenAddress, cfg.ListenPort)

	worker := cluster.NewWorker(c, cfg.NodeID, selfEndpoint, masterEndpoint, pool, 1024)

	reg := registry.New()
	// b's forwarder hooks need worker, and worker's ForwardEnvEvent needs
	// b back to deliver a relayed reply locally: same construction-order
	// cycle runSingle breaks with a trampoline closure.
	var b *bus.Bus
	b = bus.New(c, reg,
		bus.WithForwarder(worker.Forward),
		bus.WithBroadcastForwarder(worker.BroadcastForward),
		bus.WithEnvHandler(func(e *event.Event) { worker.ForwardEnvEvent(context.Background(), e, b) }),
	)
	b.Run()
	defer b.Stop()

	mux := newServeMux()
	worker.ServeAgents(mux, "/agents", worker.AgentHandler(b, cluster.DefaultAgentRequestTimeout))

	srv, err := serveHTTP(ctx, cfg.ListenAddress, cfg.ListenPort, mux)
	if err != nil {
		return &clusterError{err}
	}

	if err := worker.Register(ctx); err != nil {
		return &clusterError{err}
	}

	go worker.RunHeartbeatLoop(ctx, func() time.Duration { return cfg.HeartbeatInterval })
	go runAgentReconciler(ctx, c, worker, reg, b)

	<-ctx.Done()
	return shutdownHTTP(srv)
}

// agentReconcileInterval is how often a worker polls the master for its
// current agent roster.
const agentReconcileInterval = 2 * time.Second

// runAgentReconciler keeps the set of locally-running agents in sync with
// the master's assignment for this worker: starting agent.New instances
// for newly assigned ids and canceling ones no longer assigned (dead
// worker reassignment, scale-down).
func runAgentReconciler(ctx context.Context, c *clock.Clock, worker *cluster.Worker, reg *registry.Registry, b *bus.Bus) {
	hosted := make(map[string]context.CancelFunc)
	ticker := c.NewTicker(agentReconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			for _, cancel := range hosted {
				cancel()
			}
			return
		case <-ticker.Chan():
		}

		assignments, err := worker.Assignments(ctx)
		if err != nil {
			log.WithComponent("worker").Warn().Err(err).Msg("failed to poll agent assignments")
			continue
		}

		wanted := make(map[string]string, len(assignments))
		for _, spec := range assignments {
			wanted[spec.ID] = spec.Type
		}

		for id, cancel := range hosted {
			if _, ok := wanted[id]; !ok {
				cancel()
				reg.Unregister(id)
				delete(hosted, id)
			}
		}

		for id, agentType := range wanted {
			if _, ok := hosted[id]; ok {
				continue
			}
			handle := registry.NewHandle(id, agentType)
			if !reg.Register(handle) {
				continue
			}
			a := agent.New(id, agentType, handle, b, agent.StubHandlers(agentType))
			agentCtx, cancel := context.WithCancel(ctx)
			hosted[id] = cancel
			go a.Run(agentCtx, nil)
			log.WithComponent("worker").Info().Str("agent_id", id).Str("agent_type", agentType).Msg("hosting assigned agent")
		}
	}
}
