package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jingkaihe/skillreg/pkg/catalog"
	"github.com/jingkaihe/skillreg/pkg/engine"
	"github.com/jingkaihe/skillreg/pkg/logger"
	"github.com/jingkaihe/skillreg/pkg/presenter"
	"github.com/jingkaihe/skillreg/pkg/registry"
	"github.com/jingkaihe/skillreg/pkg/watcher"
)

func init() {
	viper.SetDefault("log_level", "warn")
	viper.SetDefault("log_format", "fmt")
	viper.SetDefault("scan.parallelism", 8)
	viper.SetDefault("watch.debounce", watcher.DefaultDebounce)
	viper.SetDefault("tracing.enabled", false)
	viper.SetDefault("tracing.sampler", "ratio")
	viper.SetDefault("tracing.ratio", 1.0)

	viper.SetEnvPrefix("SKILLREG")
	viper.AutomaticEnv()

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("$HOME/.skillreg")
	viper.AddConfigPath(".")

	// A missing config file is fine; defaults cover everything.
	_ = viper.ReadInConfig()
}

var rootCmd = &cobra.Command{
	Use:   "skillreg",
	Short: "Reconcile agent skills on this machine",
	Long: `skillreg discovers the skills every coding agent on this machine can see,
shows where each one comes from and links, unlinks or deletes them while
keeping the skill lock file in sync.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		if err := logger.Configure(viper.GetString("log_level"), viper.GetString("log_format")); err != nil {
			return err
		}
		if quiet, _ := cmd.Flags().GetBool("quiet"); quiet {
			presenter.SetQuiet(true)
		}
		return nil
	},
	Run: func(cmd *cobra.Command, _ []string) {
		cmd.Help()
	},
}

// newEngine builds the engine from the current configuration.
func newEngine(ctx context.Context) (*engine.Engine, error) {
	cat, err := catalog.FromViper()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load agent catalog")
	}

	opts := []engine.Option{
		engine.WithScannerOptions(registry.WithParallelism(max(1, viper.GetInt("scan.parallelism")))),
		engine.WithWatcherOptions(
			watcher.WithDebounce(viper.GetDuration("watch.debounce")),
			watcher.WithExcludes(viper.GetStringSlice("watch.exclude")...),
		),
	}
	return engine.New(ctx, cat, opts...)
}

// scanSnapshot builds an engine and takes a fresh snapshot, exiting on
// failure.
func scanSnapshot(ctx context.Context) (*engine.Engine, *registry.Snapshot) {
	eng, err := newEngine(ctx)
	if err != nil {
		presenter.Error(err, "Failed to initialize")
		os.Exit(1)
	}
	snap, err := eng.Scan(ctx)
	if err != nil {
		presenter.Error(err, "Failed to scan skills")
		os.Exit(1)
	}
	return eng, snap
}

func main() {
	rootCmd.PersistentFlags().String("log-level", viper.GetString("log_level"), "Log level (panic, fatal, error, warn, info, debug, trace)")
	rootCmd.PersistentFlags().String("log-format", viper.GetString("log_format"), "Log format (fmt or json)")
	rootCmd.PersistentFlags().String("home", "", "Home directory the default agent table is rooted at")
	rootCmd.PersistentFlags().String("shared-dir", "", "Shared canonical skills directory")
	rootCmd.PersistentFlags().String("manifest", "", "Skill lock file path")
	rootCmd.PersistentFlags().BoolP("quiet", "q", false, "Suppress informational output")

	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("log_format", rootCmd.PersistentFlags().Lookup("log-format"))
	viper.BindPFlag("home", rootCmd.PersistentFlags().Lookup("home"))
	viper.BindPFlag("shared_dir", rootCmd.PersistentFlags().Lookup("shared-dir"))
	viper.BindPFlag("manifest_path", rootCmd.PersistentFlags().Lookup("manifest"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown, err := initTracing(ctx)
	if err != nil {
		presenter.Error(err, "Failed to initialize tracing")
	} else {
		defer shutdown(context.Background())
	}

	rootCmd.AddCommand(
		withTracing(listCmd),
		withTracing(showCmd),
		withTracing(agentsCmd),
		withTracing(linkCmd),
		withTracing(unlinkCmd),
		withTracing(deleteCmd),
		withTracing(importCmd),
		withTracing(newCmd),
		withTracing(verifyCmd),
		watchCmd,
		manifestCmd,
		versionCmd,
	)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		presenter.Error(err, "")
		os.Exit(1)
	}
}
