package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fitbridge-sync/internal/cache"
	"github.com/fitbridge-sync/internal/config"
	"github.com/fitbridge-sync/internal/engine"
	"github.com/fitbridge-sync/internal/platform"
	"github.com/fitbridge-sync/internal/platform/garmin"
	"github.com/fitbridge-sync/internal/platform/igpsport"
	"github.com/fitbridge-sync/internal/platform/intervalsicu"
	"github.com/fitbridge-sync/internal/platform/mywhoosh"
	"github.com/fitbridge-sync/internal/platform/onedrive"
	"github.com/fitbridge-sync/internal/platform/strava"
	"github.com/fitbridge-sync/internal/ratelimit"
	"github.com/fitbridge-sync/internal/registry"
)

const version = "v1.0.0"

var (
	cfgFile string
	cfg     *config.Config
	verbose bool
	debug   bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "fitbridge-sync",
		Short: "Sync activities between Strava, Garmin Connect, OneDrive and more",
		Long: `FitBridge Sync - Bidirectional activity synchronization between
Strava, Garmin Connect (global and China), IGPSport, OneDrive and
Intervals.icu. Original files (FIT/TCX/GPX) are downloaded once, cached
locally, and uploaded wherever they are missing.

Before using, configure the platforms you need:
1. Strava: STRAVA_CLIENT_ID, STRAVA_CLIENT_SECRET, STRAVA_REFRESH_TOKEN
   plus STRAVA_COOKIE for original-file export
2. Garmin: GARMIN_USERNAME, GARMIN_PASSWORD (GARMIN_CN_* for garmin.cn)
3. Or put everything in ~/.fitbridge-sync/config.yaml`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" || cmd.Name() == "help" {
				return nil
			}

			if verbose {
				debug = true
			}

			var err error
			cfg, err = config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			return cfg.EnsureDirectories()
		},
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ~/.fitbridge-sync/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "debug output (implies verbose)")

	rootCmd.AddCommand(
		newSyncCmd(),
		newMigrateCmd(),
		newStatusCmd(),
		newRulesCmd(),
		newCleanupCmd(),
		newClearSessionCmd(),
		newTestCmd(),
		newVersionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildEngine opens the registry and wires every adapter. The caller must
// invoke the returned close function.
func buildEngine() (*engine.Engine, func(), error) {
	store, err := registry.Open(cfg.Storage.DatabaseFile, debug)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open sync database: %w", err)
	}

	files, err := cache.New(cfg.Storage.CacheDir, store)
	if err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("failed to open activity cache: %w", err)
	}

	adapters := platform.NewRegistry()
	adapters.Register(strava.New(cfg.Strava, debug))

	garminClient, err := garmin.New("garmin", cfg.Garmin, cfg.Storage.SessionsDir, debug)
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	adapters.Register(garminClient)

	garminCN, err := garmin.New("garmin_cn", cfg.GarminCN, cfg.Storage.SessionsDir, debug)
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	adapters.Register(garminCN)

	adapters.Register(onedrive.New(cfg.OneDrive, debug))
	adapters.Register(igpsport.New(cfg.IGPSport, cfg.Storage.SessionsDir, debug))
	adapters.Register(intervalsicu.New(cfg.IntervalsICU, debug))

	mywhooshClient, err := mywhoosh.New(cfg.MyWhoosh, debug)
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	adapters.Register(mywhooshClient)

	governor := ratelimit.New(debug)
	governor.SetLimits("strava", ratelimit.Limits{
		Daily:       cfg.RateLimit.StravaDaily,
		QuarterHour: cfg.RateLimit.StravaQuarterHour,
	})

	eng := engine.New(cfg, store, governor, adapters, files, debug)
	return eng, func() { store.Close() }, nil
}

// signalContext returns a context cancelled on SIGINT/SIGTERM; a second
// signal forces exit.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\n⚠️  Cancelling... (press Ctrl+C again to force)")
		cancel()
		<-sigCh
		fmt.Println("\n❌ Forced exit")
		os.Exit(1)
	}()

	return ctx, cancel
}

func newSyncCmd() *cobra.Command {
	var (
		directions []string
		batchSize  int
	)

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run an incremental sync for the configured directions",
		Long: `Sync recent activities between platforms. Each direction lists the
source's new activities since the last run, downloads the original files
into the local cache, and uploads them to the target.

Examples:
  # Sync all configured directions
  fitbridge-sync sync

  # Sync one direction with a bigger batch
  fitbridge-sync sync --direction strava_to_garmin --batch-size 25`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(directions, batchSize, platform.ModeIncremental)
		},
	}

	cmd.Flags().StringSliceVar(&directions, "direction", nil, "directions to sync (default: from config)")
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "activities per direction per run (default: from config)")

	return cmd
}

func newMigrateCmd() *cobra.Command {
	var (
		directions []string
		batchSize  int
		startDate  string
	)

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Walk the full history forward in batches",
		Long: `Migrate historical activities oldest-first. Progress persists per
direction, so repeated runs (for example from cron) walk the archive
forward until the cursor reaches the present.

Examples:
  # Continue the migration where it left off
  fitbridge-sync migrate --direction strava_to_onedrive

  # Restart a migration from a specific date
  fitbridge-sync migrate --direction strava_to_onedrive --start 2015-01-01`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if startDate != "" {
				start, err := time.Parse("2006-01-02", startDate)
				if err != nil {
					return fmt.Errorf("invalid start date: %w", err)
				}
				eng, closeEngine, err := buildEngine()
				if err != nil {
					return err
				}
				defer closeEngine()
				for _, direction := range resolveDirections(directions) {
					if err := eng.SetMigrationStart(direction, start); err != nil {
						return err
					}
					fmt.Printf("📅 Migration for %s restarts at %s\n", direction, start.Format("2006-01-02"))
				}
				return nil
			}
			return runSync(directions, batchSize, platform.ModeMigration)
		},
	}

	cmd.Flags().StringSliceVar(&directions, "direction", nil, "directions to migrate (default: from config)")
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "activities per direction per run (default: from config)")
	cmd.Flags().StringVar(&startDate, "start", "", "reset the migration start date (YYYY-MM-DD) instead of running")

	return cmd
}

func resolveDirections(flagValue []string) []string {
	if len(flagValue) > 0 {
		return flagValue
	}
	return cfg.Sync.Directions
}

func runSync(directions []string, batchSize int, mode platform.Mode) error {
	ctx, cancel := signalContext()
	defer cancel()

	eng, closeEngine, err := buildEngine()
	if err != nil {
		return err
	}
	defer closeEngine()

	directions = resolveDirections(directions)
	if len(directions) == 0 {
		return fmt.Errorf("no sync directions configured")
	}

	if mode == platform.ModeMigration {
		fmt.Printf("🔄 Migrating %s\n", strings.Join(directions, ", "))
	} else {
		fmt.Printf("🔄 Syncing %s\n", strings.Join(directions, ", "))
	}

	results := eng.RunSync(ctx, directions, batchSize, mode)

	var failedDirections int
	for _, r := range results {
		switch {
		case r.Err != nil:
			fmt.Printf("❌ %s: %v\n", r.Direction, r.Err)
			failedDirections++
		case r.Disabled:
			fmt.Printf("⏭️  %s: disabled by sync rule\n", r.Direction)
		case r.RateLimited:
			fmt.Printf("⏳ %s: rate limit reached, try again later\n", r.Direction)
		case r.Complete:
			fmt.Printf("🏁 %s: migration complete\n", r.Direction)
		default:
			fmt.Printf("✅ %s: %d synced, %d skipped, %d failed (%d processed)\n",
				r.Direction, r.Success, r.Skipped, r.Failed, r.Processed)
		}
	}

	if failedDirections > 0 {
		return fmt.Errorf("%d of %d directions failed", failedDirections, len(results))
	}
	return nil
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show sync state, rules and rate-limit budgets",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, closeEngine, err := buildEngine()
			if err != nil {
				return err
			}
			defer closeEngine()

			report, err := eng.Status()
			if err != nil {
				return err
			}

			fmt.Println("📊 FitBridge Sync Status")
			fmt.Println(strings.Repeat("━", 50))

			fmt.Printf("\n💾 Database: %s\n", report.Stats.DatabasePath)
			fmt.Printf("   Activities: %d, cached files: %d\n", report.Stats.TotalActivities, report.Stats.CacheFiles)

			if len(report.Stats.PlatformCounts) > 0 {
				fmt.Println("\n🔗 Platform mappings:")
				names := make([]string, 0, len(report.Stats.PlatformCounts))
				for name := range report.Stats.PlatformCounts {
					names = append(names, name)
				}
				sort.Strings(names)
				for _, name := range names {
					fmt.Printf("   %s: %d\n", name, report.Stats.PlatformCounts[name])
				}
			}

			fmt.Println("\n🔀 Directions:")
			for _, direction := range cfg.Sync.Directions {
				state := "✅ enabled"
				if !report.Rules[direction] {
					state = "⏸️  disabled"
				}
				fmt.Printf("   %s: %s\n", direction, state)

				if counts, ok := report.Stats.SyncStatus[direction]; ok {
					fmt.Printf("      synced %d, failed %d, pending %d\n",
						counts[registry.StatusSynced], counts[registry.StatusFailed], counts[registry.StatusPending])
				}
				if m := report.Migration[direction]; m.Started {
					if m.Complete {
						fmt.Printf("      migration: 🏁 complete\n")
					} else {
						fmt.Printf("      migration: at %s\n", m.Cursor.Format("2006-01-02"))
					}
				}
			}

			if len(report.Stats.LastSync) > 0 {
				fmt.Println("\n🕐 Last sync:")
				names := make([]string, 0, len(report.Stats.LastSync))
				for name := range report.Stats.LastSync {
					names = append(names, name)
				}
				sort.Strings(names)
				for _, name := range names {
					value := report.Stats.LastSync[name]
					if value == "" {
						value = "never"
					}
					fmt.Printf("   %s: %s\n", name, value)
				}
			}

			fmt.Println("\n⏳ Rate limits:")
			for name, limit := range report.Limits {
				if limit.Unlimited {
					fmt.Printf("   %s: unlimited\n", name)
				} else {
					fmt.Printf("   %s: %d daily, %d quarter-hour remaining\n",
						name, limit.DailyRemaining, limit.QuarterHourRemaining)
				}
			}

			return nil
		},
	}
}

func newRulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules [enable|disable] [direction]",
		Short: "Show or change per-direction sync rules",
		Long: `Without arguments, list the rules for the configured directions.
With "enable" or "disable" plus a direction, flip that rule.

Examples:
  fitbridge-sync rules
  fitbridge-sync rules disable garmin_to_strava`,
		Args: cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, closeEngine, err := buildEngine()
			if err != nil {
				return err
			}
			defer closeEngine()

			if len(args) == 0 {
				report, err := eng.Status()
				if err != nil {
					return err
				}
				for _, direction := range cfg.Sync.Directions {
					state := "✅ enabled"
					if !report.Rules[direction] {
						state = "⏸️  disabled"
					}
					fmt.Printf("%s: %s\n", direction, state)
				}
				return nil
			}

			if len(args) != 2 {
				return fmt.Errorf("usage: rules [enable|disable] [direction]")
			}

			var enabled bool
			switch args[0] {
			case "enable":
				enabled = true
			case "disable":
				enabled = false
			default:
				return fmt.Errorf("unknown action %q (use enable or disable)", args[0])
			}

			if err := eng.SetRule(args[1], enabled); err != nil {
				return err
			}
			if enabled {
				fmt.Printf("✅ %s enabled\n", args[1])
			} else {
				fmt.Printf("⏸️  %s disabled\n", args[1])
			}
			return nil
		},
	}

	return cmd
}

func newCleanupCmd() *cobra.Command {
	var days int

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete cached activity files older than the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, closeEngine, err := buildEngine()
			if err != nil {
				return err
			}
			defer closeEngine()

			deleted, err := eng.CleanupCache(days)
			if err != nil {
				return err
			}
			fmt.Printf("🧹 Removed %d cached files\n", deleted)
			return nil
		},
	}

	cmd.Flags().IntVar(&days, "days", 0, "delete entries older than this many days (default: from config)")

	return cmd
}

func newClearSessionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear-session [platform]",
		Short: "Drop a platform's saved login session",
		Long: `Remove the persisted cookies or tokens for a platform so the next
run performs a fresh login. Useful after password changes.

Examples:
  fitbridge-sync clear-session garmin`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, closeEngine, err := buildEngine()
			if err != nil {
				return err
			}
			defer closeEngine()

			if err := eng.ClearAdapterSession(args[0]); err != nil {
				return err
			}
			fmt.Printf("🔐 Cleared %s session\n", args[0])
			return nil
		},
	}
}

func newTestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "test [platform]",
		Short: "Verify a platform's credentials",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()

			eng, closeEngine, err := buildEngine()
			if err != nil {
				return err
			}
			defer closeEngine()

			fmt.Printf("🔐 Testing %s connection...\n", args[0])
			if err := eng.TestConnection(ctx, args[0]); err != nil {
				return fmt.Errorf("connection test failed: %w", err)
			}
			fmt.Println("✅ Connection OK")
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("fitbridge-sync " + version)
		},
	}
}
