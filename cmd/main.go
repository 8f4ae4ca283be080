package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"schedcore/internal/config"
	"schedcore/internal/logging"
	"schedcore/internal/sched"
	"schedcore/internal/simulator"
	"schedcore/internal/telemetry"
	"schedcore/internal/topology"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const Version = "0.3.0"

func loadEnvironment() {
	logger := logging.GetLogger()

	envFile := ".env"
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			logger.WithField("file", envFile).WithError(err).Warn("Error loading .env file")
		} else {
			logger.WithField("file", envFile).Debug("Loaded environment variables")
		}
		return
	}
	if execPath, err := os.Executable(); err == nil {
		envFile = filepath.Join(filepath.Dir(execPath), ".env")
		if _, err := os.Stat(envFile); err == nil {
			if err := godotenv.Load(envFile); err != nil {
				logger.WithField("file", envFile).WithError(err).Warn("Error loading .env file")
			} else {
				logger.WithField("file", envFile).Debug("Loaded environment variables")
			}
		}
	}
}

func buildSink(cfg *config.Config) (telemetry.StatsSink, error) {
	if !cfg.Telemetry.Enabled {
		return telemetry.NopSink{}, nil
	}
	return telemetry.NewInfluxSink(cfg.Telemetry)
}

func runSimulation(configFile string, dumpQueues bool) error {
	logger := logging.GetLogger()

	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := logging.SetSchedulerLogLevel(cfg.LogLevel); err != nil {
		return err
	}

	sink, err := buildSink(cfg)
	if err != nil {
		return fmt.Errorf("connecting telemetry sink: %w", err)
	}
	defer sink.Close()

	sim, err := simulator.New(cfg, sink)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.WithField("signal", sig.String()).Warn("Interrupted, stopping simulation")
		cancel()
	}()

	report, err := sim.Run(ctx)
	if err != nil && err != context.Canceled {
		return err
	}

	printReport(report)
	if dumpQueues {
		printQueueDump(sim.Scheduler())
	}
	return sink.Publish(context.Background(), report.Stats)
}

func printQueueDump(s *sched.Scheduler) {
	for _, d := range s.DumpState() {
		fmt.Printf("cpu%d: current=%s runnable=%d load1m=%d freq=%d MHz\n",
			d.CPU, d.Current, d.Runnable, d.LoadAvg1m, d.FreqHintMH)
		if len(d.RT) > 0 {
			fmt.Printf("  rt:     %v\n", d.RT)
		}
		if len(d.Gaming) > 0 {
			fmt.Printf("  gaming: %v\n", d.Gaming)
		}
		for level, entries := range d.MLFQ {
			if len(entries) > 0 {
				fmt.Printf("  mlfq%d:  %v\n", level, entries)
			}
		}
	}
}

func printReport(report *simulator.Report) {
	fmt.Printf("Simulated time:     %.3f ms (%d ticks)\n",
		float64(report.SimulatedNS)/1e6, report.Ticks)
	fmt.Printf("Context switches:   %d\n", report.Stats.ContextSwitches)
	fmt.Printf("Quantum expiries:   %d\n", report.Stats.QuantumExpirations)
	fmt.Printf("Migrations:         %d (failed %d)\n",
		report.Stats.Migrations, report.Stats.FailedMigrations)
	fmt.Printf("NUMA placements:    %d local / %d remote\n",
		report.Stats.NUMALocalPlacements, report.Stats.NUMARemotePlacements)
	fmt.Printf("Aging boosts:       %d\n", report.Stats.AgingBoosts)
	fmt.Printf("Frame misses:       %d\n", report.Stats.FrameMisses)
	fmt.Printf("RT deadline misses: %d (bandwidth violations %d)\n",
		report.Stats.RTDeadlineMisses, report.Stats.RTBandwidthViolations)
	for _, cpu := range report.Stats.PerCPU {
		fmt.Printf("  cpu%-3d switches=%-8d runnable=%-4d idle=%.3f ms\n",
			cpu.CPU, cpu.ContextSwitches, cpu.Runnable, float64(cpu.IdleTimeNS)/1e6)
	}
}

func showTopology() error {
	topo, err := topology.Discover()
	if err != nil {
		return fmt.Errorf("discovering topology: %w", err)
	}

	fmt.Printf("CPUs: %d  NUMA nodes: %d\n", topo.NumCPUs(), topo.NumNUMANodes())
	fmt.Printf("Performance cores: %s\n", topo.PerformanceMask().String())
	fmt.Printf("Efficiency cores:  %s\n", topo.EfficiencyMask().String())
	for n := 0; n < topo.NumNUMANodes(); n++ {
		node, err := topo.NUMANode(uint32(n))
		if err != nil {
			return err
		}
		fmt.Printf("node%d: cpus=%s memory=%d MiB\n",
			node.ID, node.CPUs.String(), node.MemoryBytes/(1<<20))
	}
	for _, level := range []topology.DomainLevel{
		topology.DomainSMT, topology.DomainCore,
		topology.DomainPackage, topology.DomainNUMA,
	} {
		for i, d := range topo.Domains(level) {
			fmt.Printf("%s[%d]: %s\n", level.String(), i, d.CPUs.String())
		}
	}
	return nil
}

func validateConfig(configFile string) error {
	logger := logging.GetLogger()
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	if _, err := sched.ParsePlacementPolicy(cfg.Placement.Policy); err != nil {
		return err
	}
	logger.WithFields(logrus.Fields{
		"file":      configFile,
		"placement": cfg.Placement.Policy,
		"gaming":    cfg.Gaming.Enabled,
		"workloads": len(cfg.Simulator.Workload),
	}).Info("Configuration is valid")
	return nil
}

func main() {
	logger := logging.GetLogger()

	loadEnvironment()

	var configFile string
	var logLevel string
	var dumpQueues bool

	rootCmd := &cobra.Command{
		Use:   "schedcore",
		Short: "MLFQ scheduler core with gaming, realtime and topology extensions",
		Long:  "A multi-level feedback queue scheduler with a gaming fast path, a realtime class with bandwidth throttling, and topology-aware placement, driven here by a workload simulator",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if logLevel != "" {
				if err := logging.SetLogLevel(logLevel); err != nil {
					return fmt.Errorf("invalid log level: %w", err)
				}
			}
			return nil
		},
	}
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Set log level (trace, debug, info, warn, error)")

	simulateCmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run the scheduler against a synthetic workload",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulation(configFile, dumpQueues)
		},
	}
	simulateCmd.Flags().StringVarP(&configFile, "config", "c", "", "Simulation configuration file (required)")
	simulateCmd.Flags().BoolVar(&dumpQueues, "dump", false, "Dump per-CPU runqueue state after the run")
	simulateCmd.MarkFlagRequired("config")

	topologyCmd := &cobra.Command{
		Use:   "topology",
		Short: "Discover and print the host CPU topology",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showTopology()
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return validateConfig(configFile)
		},
	}
	validateCmd.Flags().StringVarP(&configFile, "config", "c", "", "Configuration file to validate (required)")
	validateCmd.MarkFlagRequired("config")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(Version)
		},
	}

	rootCmd.AddCommand(simulateCmd)
	rootCmd.AddCommand(topologyCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		logger.WithError(err).Fatal("Command failed")
	}
}
