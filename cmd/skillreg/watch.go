package main

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jingkaihe/skillreg/pkg/logger"
	"github.com/jingkaihe/skillreg/pkg/presenter"
	"github.com/jingkaihe/skillreg/pkg/registry"
)

// WatchConfig holds configuration for the watch command
type WatchConfig struct {
	DebounceTime int
	Exclude      []string
}

// NewWatchConfig creates a WatchConfig from the configured defaults
func NewWatchConfig() *WatchConfig {
	return &WatchConfig{
		DebounceTime: int(viper.GetDuration("watch.debounce") / time.Millisecond),
		Exclude:      viper.GetStringSlice("watch.exclude"),
	}
}

// Validate rejects impossible settings
func (c *WatchConfig) Validate() error {
	if c.DebounceTime < 0 {
		return errors.Errorf("debounce time cannot be negative: %d", c.DebounceTime)
	}
	return nil
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch agent skill directories and report changes",
	Long: `Watch the shared directory, every agent skills directory and the lock
file. After each burst of changes settles a rescan runs and the differences
are printed.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		config := getWatchConfigFromFlags(cmd)
		if err := config.Validate(); err != nil {
			presenter.Error(err, "Invalid configuration")
			os.Exit(1)
		}
		runWatchMode(cmd, config)
	},
}

func init() {
	defaults := NewWatchConfig()
	watchCmd.Flags().IntP("debounce", "d", defaults.DebounceTime, "Debounce time in milliseconds for file change events")
	watchCmd.Flags().StringSliceP("exclude", "e", defaults.Exclude, "Additional file name globs to ignore")
}

func getWatchConfigFromFlags(cmd *cobra.Command) *WatchConfig {
	config := NewWatchConfig()
	if debounce, err := cmd.Flags().GetInt("debounce"); err == nil {
		config.DebounceTime = debounce
	}
	if exclude, err := cmd.Flags().GetStringSlice("exclude"); err == nil {
		config.Exclude = exclude
	}
	return config
}

func runWatchMode(cmd *cobra.Command, config *WatchConfig) {
	ctx := cmd.Context()
	viper.Set("watch.debounce", time.Duration(config.DebounceTime)*time.Millisecond)
	viper.Set("watch.exclude", config.Exclude)

	eng, snap := scanSnapshot(ctx)
	defer eng.Close()

	presenter.Info(fmt.Sprintf("Watching %d skill(s) across %d agent(s). Press Ctrl+C to stop.", len(snap.Skills), len(snap.Agents)))
	warnDiagnostics(snap.Diagnostics)

	prev := snap
	unsubscribe := eng.Subscribe(func(next *registry.Snapshot) {
		if next.Equal(prev) {
			return
		}
		for _, line := range describeChanges(prev, next) {
			presenter.Info(line)
		}
		prev = next
	})
	defer unsubscribe()

	if err := eng.Start(ctx); err != nil {
		presenter.Error(err, "Failed to start watching")
		os.Exit(1)
	}

	<-ctx.Done()
	logger.G(ctx).Debug("stopping watcher")
	eng.Stop()
	presenter.Info("Stopped watching.")
}

// describeChanges lists skills that appeared, disappeared or changed which
// agents see them between two snapshots.
func describeChanges(prev, next *registry.Snapshot) []string {
	before := map[string]*registry.Skill{}
	for _, sk := range prev.Skills {
		before[sk.CanonicalPath] = sk
	}
	after := map[string]*registry.Skill{}
	for _, sk := range next.Skills {
		after[sk.CanonicalPath] = sk
	}

	var lines []string
	for path, sk := range after {
		old, ok := before[path]
		switch {
		case !ok:
			lines = append(lines, fmt.Sprintf("+ %s (%s) %s", sk.ID, sk.Scope, path))
		case installationSummary(old) != installationSummary(sk):
			lines = append(lines, fmt.Sprintf("~ %s agents: %s -> %s", sk.ID, installationSummary(old), installationSummary(sk)))
		case old.ParseError != sk.ParseError || old.Description() != sk.Description():
			lines = append(lines, fmt.Sprintf("~ %s definition changed", sk.ID))
		}
	}
	for path, sk := range before {
		if _, ok := after[path]; !ok {
			lines = append(lines, fmt.Sprintf("- %s %s", sk.ID, path))
		}
	}
	sort.Slice(lines, func(i, j int) bool { return lines[i][2:] < lines[j][2:] })

	for _, d := range next.Diagnostics {
		if d.Actionable() {
			lines = append(lines, "! "+d.Error())
		}
	}
	return lines
}
