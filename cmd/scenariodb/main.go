package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"scenariodb/internal/app"
	"scenariodb/internal/config"
	"scenariodb/internal/scenario"

	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var verbose bool

// newApp reads the config and creates an App. The caller must defer a.Close().
// operation identifies the CLI command being run (e.g. "Build", "Purge").
func newApp(ctx context.Context, operation string) (*app.App, error) {
	paths, err := defaultPaths()
	if err != nil {
		return nil, err
	}

	cfg, err := config.ReadFromFile(paths.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	a, err := app.NewApp(ctx, cfg, operation, app.Options{Verbose: verbose})
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}

	return a, nil
}

func defaultPaths() (app.Paths, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return app.Paths{}, fmt.Errorf("getting current directory: %w", err)
	}
	paths, err := app.DefaultPaths(cwd)
	if err != nil {
		return app.Paths{}, fmt.Errorf("getting defaults: %w", err)
	}
	return paths, nil
}

// connectionArg returns the optional connection argument; "" selects the first database.
func connectionArg(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return ""
}

var rootCmd = &cobra.Command{
	Use:          "scenariodb",
	Short:        "Build and reuse test databases",
	SilenceUsage: true,
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration for the current project",
	RunE: func(cmd *cobra.Command, args []string) error {
		cwd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("getting current directory: %w", err)
		}
		paths, err := app.DefaultPaths(cwd)
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}
		project, _ := cmd.Flags().GetString("project")
		if project == "" {
			project = filepath.Base(cwd)
		}

		cfg := config.NewConfig(project, filepath.Join(paths.BaseDir, project))
		cfg.ProjectDir = cwd
		if err := config.Init(paths.ConfigPath, cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", paths.ConfigPath)
		fmt.Printf("Project:  %s\n", project)
		fmt.Printf("Base Dir: %s\n", cfg.BaseDir)
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		paths, err := defaultPaths()
		if err != nil {
			return err
		}

		cfg, err := config.ReadFromFile(paths.ConfigPath)
		if err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}

		fmt.Printf("Configuration from %s:\n\n", paths.ConfigPath)
		fmt.Printf("Project:     %s\n", cfg.ProjectName)
		fmt.Printf("Project Dir: %s\n", cfg.ProjectDir)
		fmt.Printf("Engine:      %s\n", cfg.Engine.Type)
		fmt.Printf("Base Dir:    %s\n", cfg.BaseDir)
		fmt.Printf("Log Dir:     %s\n", cfg.LogDir)
		fmt.Printf("Snapshots:   %s\n", cfg.Snapshots.Dir)
		if cfg.Mirror.Type != "" {
			fmt.Printf("Mirror:      %s (%s)\n", cfg.Mirror.Name, cfg.Mirror.Type)
		}
		if cfg.Remote.URL != "" {
			fmt.Printf("Remote:      %s\n", cfg.Remote.URL)
		}
		for _, db := range cfg.Databases {
			fmt.Printf("Database:    %s -> %s\n", db.Connection, db.Name)
		}
		return nil
	},
}

// buildOptions turns the per-build flags into scenario options.
func buildOptions(cmd *cobra.Command) []scenario.Option {
	var opts []scenario.Option
	if test, _ := cmd.Flags().GetString("test"); test != "" {
		opts = append(opts, scenario.WithTestName(test))
	}
	if modifier, _ := cmd.Flags().GetString("modifier"); modifier != "" {
		opts = append(opts, scenario.WithModifier(modifier))
	}
	if force, _ := cmd.Flags().GetBool("force"); force {
		opts = append(opts, scenario.WithForceRebuild())
	}
	if browser, _ := cmd.Flags().GetBool("browser"); browser {
		opts = append(opts, scenario.WithBrowserTest())
	}
	return opts
}

// plan command
var planCmd = &cobra.Command{
	Use:   "plan [CONNECTION]",
	Short: "Show the database a build would use",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "Plan")
		if err != nil {
			return err
		}
		defer a.Close()

		plan, err := a.Plan(connectionArg(args), buildOptions(cmd)...)
		if err != nil {
			return err
		}

		fmt.Printf("Database:          %s\n", plan.Database)
		fmt.Printf("Build checksum:    %s\n", orNone(plan.Fingerprint.BuildChecksum))
		fmt.Printf("Scenario checksum: %s\n", orNone(plan.Fingerprint.ScenarioChecksum))
		fmt.Printf("Snapshot checksum: %s\n", orNone(plan.Fingerprint.SnapshotChecksum))
		if plan.Remote {
			fmt.Printf("Built remotely by: %s\n", plan.Settings.RemoteBuildURL)
		}
		return nil
	},
}

func orNone(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// build command
var buildCmd = &cobra.Command{
	Use:   "build [CONNECTION]",
	Short: "Build or reuse the database for a connection",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx, "Build")
		if err != nil {
			return err
		}
		defer a.Close()

		start := time.Now()
		h, err := a.Build(ctx, connectionArg(args), buildOptions(cmd)...)
		if err != nil {
			return fmt.Errorf("build failed: %w", err)
		}
		if err := h.Close(ctx); err != nil {
			return err
		}

		fmt.Printf("%s  %s  %s\n", h.Name(), h.Outcome(), time.Since(start).Truncate(time.Millisecond))
		return nil
	},
}

// list command
var listCmd = &cobra.Command{
	Use:   "list [CONNECTION]",
	Short: "List databases and snapshots",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx, "List")
		if err != nil {
			return err
		}
		defer a.Close()

		listing, err := a.List(ctx, connectionArg(args))
		if err != nil {
			return err
		}

		if len(listing.Databases) == 0 {
			fmt.Println("No databases.")
		}
		for _, db := range listing.Databases {
			lastUsed := "-"
			if db.Record != nil {
				lastUsed = db.Record.LastUsedAt.Local().Format("2006-01-02 15:04:05")
			}
			fmt.Printf("%s %-50s  %10d  %s\n", marker(db.Current, db.Stale), db.Name, db.Size, lastUsed)
		}

		if len(listing.Snapshots) == 0 {
			fmt.Println("No snapshots.")
		}
		for _, snap := range listing.Snapshots {
			if snap.MirrorOnly {
				fmt.Printf("%s %-50s  %10s  %s\n", marker(snap.Current, snap.Stale), snap.Name, "-", "mirror only")
				continue
			}
			fmt.Printf("%s %-50s  %10d  %s\n", marker(snap.Current, snap.Stale), snap.Name, snap.Size,
				snap.ModTime.Local().Format("2006-01-02 15:04:05"))
		}

		if len(listing.Seeders) > 0 {
			fmt.Printf("Seeders: %s\n", strings.Join(listing.Seeders, ", "))
		}
		return nil
	},
}

func marker(current, stale bool) string {
	switch {
	case current:
		return "*"
	case stale:
		return "s"
	default:
		return " "
	}
}

// purge command
var purgeCmd = &cobra.Command{
	Use:   "purge [CONNECTION]",
	Short: "Drop stale databases",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")
		ctx := cmd.Context()

		a, err := newApp(ctx, "Purge")
		if err != nil {
			return err
		}
		defer a.Close()

		report, err := a.Purge(ctx, connectionArg(args), all)
		if err != nil {
			return err
		}

		for _, name := range report.Removed {
			fmt.Printf("Dropped %s\n", name)
		}
		for name, err := range report.Failed {
			fmt.Printf("Failed to drop %s: %v\n", name, err)
		}
		fmt.Printf("Dropped %d database(s), kept %d\n", len(report.Removed), len(report.Skipped))
		if len(report.Failed) > 0 {
			return fmt.Errorf("%d database(s) could not be dropped", len(report.Failed))
		}
		return nil
	},
}

// snapshot command
var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Manage snapshot files",
}

var snapshotGCCmd = &cobra.Command{
	Use:   "gc [CONNECTION]",
	Short: "Remove snapshots made from outdated source files",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx, "SnapshotGC")
		if err != nil {
			return err
		}
		defer a.Close()

		report, err := a.GarbageCollectSnapshots(ctx, connectionArg(args))
		if err != nil {
			return err
		}

		for _, name := range report.Removed {
			fmt.Printf("Removed %s\n", name)
		}
		for name, err := range report.Failed {
			fmt.Printf("Failed to remove %s: %v\n", name, err)
		}
		fmt.Printf("Removed %d snapshot(s), kept %d\n", len(report.Removed), len(report.Kept))
		if len(report.Failed) > 0 {
			return fmt.Errorf("%d snapshot(s) could not be removed", len(report.Failed))
		}
		return nil
	},
}

// check command
var checkCmd = &cobra.Command{
	Use:   "check [CONNECTION]",
	Short: "Verify the current database has every migration applied",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx, "CheckMigrations")
		if err != nil {
			return err
		}
		defer a.Close()

		built, err := a.CheckMigrations(ctx, connectionArg(args))
		if err != nil {
			return err
		}
		if !built {
			fmt.Println("The database has not been built yet.")
			return nil
		}
		fmt.Println("Migrations are up to date.")
		return nil
	},
}

// serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Build databases for remote callers",
	RunE: func(cmd *cobra.Command, args []string) error {
		listen, _ := cmd.Flags().GetString("listen")

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, "Serve")
		if err != nil {
			return err
		}
		defer a.Close()

		return a.Serve(ctx, listen)
	},
}

// keys command
var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage snapshot encryption keys",
}

var keysInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the key pair used to encrypt mirrored snapshots",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "InitKeys")
		if err != nil {
			return err
		}
		defer a.Close()

		passphrase, err := app.ReadNewPassphrase()
		if err != nil {
			return err
		}
		pub, err := a.InitKeys(passphrase)
		if err != nil {
			return fmt.Errorf("creating keys: %w", err)
		}

		fmt.Printf("Public key: %s\n", pub)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log progress to stderr")

	// config subcommands
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)
	configInitCmd.Flags().String("project", "", "Project name (default: name of the current directory)")

	// build flags
	for _, cmd := range []*cobra.Command{planCmd, buildCmd} {
		cmd.Flags().String("test", "", "Name of the test the database is for")
		cmd.Flags().String("modifier", "", "Database name modifier for parallel workers")
		cmd.Flags().Bool("force", false, "Rebuild even when a reusable database exists")
		cmd.Flags().Bool("browser", false, "Build for a browser test")
	}

	snapshotCmd.AddCommand(snapshotGCCmd)
	keysCmd.AddCommand(keysInitCmd)
	purgeCmd.Flags().Bool("all", false, "Drop every database of the project, not only stale ones")
	serveCmd.Flags().String("listen", "", "Address to listen on (default: remote.listen from the config)")

	// root commands
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(buildCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(purgeCmd)
	rootCmd.AddCommand(snapshotCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(keysCmd)
}
