package cli

import (
	"github.com/spf13/cobra"

	"viewport-engine/src/internal/common"
	versionpkg "viewport-engine/src/internal/version"
)

// CLI Constants
const (
	CmdSimulate    = "simulate"
	CmdConfig      = "config"
	CmdConfigInit  = "init"
	CmdConfigShow  = "show"
	CmdVersion     = "version"
	FlagConfig     = "config"
	FlagItems      = "items"
	FlagSteps      = "steps"
	FlagStep       = "step"
	FlagInterval   = "interval"
	FlagSettle     = "settle"
	FlagCost       = "prepare-cost"
	FlagFailure    = "failure-rate"
	FlagJump       = "jump"
	FlagFormat     = "format"
	FlagMetrics    = "metrics-addr"
	FlagSeed       = "seed"
	FlagTimeout    = "timeout"
	FlagForce      = "force"
	FlagVerbose    = "verbose"
	FlagLogLevel   = "log-level"
	FormatYAML     = "yaml"
	FormatJSON     = "json"
	DefaultItems   = 5000
	DefaultSteps   = 200
	DefaultSettle  = 60
	DefaultStepPx  = 120.0
	DefaultSeed    = 1
	DefaultTickStr = "16ms"
)

// CLI Variables
var (
	configPath string
	logLevel   string
	force      bool
	verbose    bool
	simOpts    = SimulateOptions{}
)

// Root command
var rootCmd = &cobra.Command{
	Use:   "viewport-engine",
	Short: "Viewport Engine - adaptive progressive rendering for large scrollable collections",
	Long: `Viewport Engine keeps only the visible window of a large collection materialized,
prepares item data on a bounded worker pool, finalizes visual handles within a frame
budget and degrades optional features under performance or memory pressure.

QUICK START:
  viewport-engine simulate                 # Drive the engine against a synthetic host
  viewport-engine config init              # Write the default configuration file

CORE FEATURES:
  - O(1) section navigation over a collation-aware section index
  - Adaptive batch sizing from recorded materialization timings
  - Circuit breaker with placeholder fallback and recovery upgrade
  - Handle pooling, memory pressure cleanup and graceful degradation
  - Prometheus metrics for batches, materializations and pressure

AVAILABLE COMMANDS:
    viewport-engine simulate               # Scroll a synthetic collection and print a snapshot
    viewport-engine config init            # Generate ~/.viewport-engine/config.yaml
    viewport-engine config show            # Print the effective configuration
    viewport-engine version                # Show version information

Use 'viewport-engine <command> --help' for detailed command information.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setupLogging,
}

// Command definitions
var (
	simulateCmd = &cobra.Command{
		Use:   CmdSimulate,
		Short: "Drive the engine against a synthetic host",
		Long: `Build a synthetic contact list, scroll through it at a steady pace, optionally
jump to sections, then print the engine snapshot.

The synthetic host can be made slow (--prepare-cost) or unreliable (--failure-rate)
to watch batch adaptation, the circuit breaker and degradation at work.`,
		RunE: runSimulateCmd,
	}

	configCmd = &cobra.Command{
		Use:   CmdConfig,
		Short: "Manage the configuration file",
		RunE:  runConfigCmd,
	}

	configInitCmd = &cobra.Command{
		Use:   CmdConfigInit,
		Short: "Write the default configuration",
		RunE:  runConfigInitCmd,
	}

	configShowCmd = &cobra.Command{
		Use:   CmdConfigShow,
		Short: "Print the effective configuration",
		RunE:  runConfigShowCmd,
	}

	versionCmd = &cobra.Command{
		Use:   CmdVersion,
		Short: "Show version information",
		RunE:  runVersionCmd,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, FlagConfig, "c", "", "Configuration file path (optional, defaults are used if missing)")
	rootCmd.PersistentFlags().StringVar(&logLevel, FlagLogLevel, "", "Override the configured log level")

	// Simulate command flags
	simulateCmd.Flags().IntVarP(&simOpts.Items, FlagItems, "n", DefaultItems, "Number of synthetic items")
	simulateCmd.Flags().IntVar(&simOpts.Steps, FlagSteps, DefaultSteps, "Number of scroll steps")
	simulateCmd.Flags().Float64Var(&simOpts.StepDistance, FlagStep, DefaultStepPx, "Scroll distance per step")
	simulateCmd.Flags().DurationVar(&simOpts.Interval, FlagInterval, 0, "Tick interval (default "+DefaultTickStr+")")
	simulateCmd.Flags().IntVar(&simOpts.SettleTicks, FlagSettle, DefaultSettle, "Ticks run after the last scroll")
	simulateCmd.Flags().DurationVar(&simOpts.PrepareCost, FlagCost, 0, "Simulated preparation cost per item")
	simulateCmd.Flags().Float64Var(&simOpts.FailureRate, FlagFailure, 0, "Probability that preparing an item fails")
	simulateCmd.Flags().StringSliceVar(&simOpts.Jumps, FlagJump, nil, "Section keys to jump to after scrolling")
	simulateCmd.Flags().StringVarP(&simOpts.Format, FlagFormat, "o", FormatYAML, "Snapshot format: yaml or json")
	simulateCmd.Flags().StringVar(&simOpts.MetricsAddr, FlagMetrics, "", "Serve Prometheus metrics on this address while simulating")
	simulateCmd.Flags().Int64Var(&simOpts.Seed, FlagSeed, DefaultSeed, "Random seed for labels and failures")
	simulateCmd.Flags().DurationVar(&simOpts.Timeout, FlagTimeout, 0, "Abort the simulation after this long (0 disables)")

	// Config subcommands
	configInitCmd.Flags().BoolVarP(&force, FlagForce, "f", false, "Overwrite an existing configuration file")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)

	// Version command flags
	versionCmd.Flags().BoolVarP(&verbose, FlagVerbose, "v", false, "Show detailed version information")

	rootCmd.AddCommand(simulateCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

func setupLogging(cmd *cobra.Command, args []string) error {
	cfg := LoadConfigWithFallback(configPath)
	level := cfg.Logging.Level
	if logLevel != "" {
		level = logLevel
	}
	return common.Setup(level, cfg.Logging.Format)
}

func runSimulateCmd(cmd *cobra.Command, args []string) error {
	cfg := LoadConfigWithFallback(configPath)
	return RunSimulation(cmd.Context(), cfg, simOpts, cmd.OutOrStdout())
}

func runConfigCmd(cmd *cobra.Command, args []string) error {
	return cmd.Help()
}

func runConfigInitCmd(cmd *cobra.Command, args []string) error {
	return InitConfig(configPath, force)
}

func runConfigShowCmd(cmd *cobra.Command, args []string) error {
	return ShowConfig(configPath, cmd.OutOrStdout())
}

func runVersionCmd(cmd *cobra.Command, args []string) error {
	if verbose {
		common.CLILogger.Info("%s", versionpkg.GetFullVersionInfo())
		return nil
	}
	common.CLILogger.Info("viewport-engine %s", versionpkg.GetVersion())
	return nil
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}
