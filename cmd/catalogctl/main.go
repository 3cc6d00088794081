package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/bytedance/sonic"
	charmlog "github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"animecatalog/internal/app"
	"animecatalog/internal/jobs"
)

var (
	flagVerbose    bool
	flagUpstreamID string

	logger *slog.Logger
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "catalogctl",
		Short:         "Operate the anime catalog pipeline",
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logger = newCLILogger(flagVerbose)
			slog.SetDefault(logger)
		},
	}
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "Verbose output")

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the catalog schema",
		Args:  cobra.NoArgs,
		RunE:  runMigrate,
	}

	searchCmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Run the aggregation pipeline for a query and print the report",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runSearch,
	}

	refreshCmd := &cobra.Command{
		Use:   "refresh <entry_id>",
		Short: "Re-fetch metadata for one catalog entry",
		Args:  cobra.ExactArgs(1),
		RunE:  runRefresh,
	}
	refreshCmd.Flags().StringVarP(&flagUpstreamID, "upstream-id", "u", "", "Metadata provider id (recovered from links when empty)")

	entryCmd := &cobra.Command{
		Use:   "entry <entry_id>",
		Short: "Print one catalog entry with its links",
		Args:  cobra.ExactArgs(1),
		RunE:  runEntry,
	}

	workerCmd := &cobra.Command{
		Use:   "worker",
		Short: "Process queued aggregation and refresh tasks",
		Args:  cobra.NoArgs,
		RunE:  runWorker,
	}

	rootCmd.AddCommand(migrateCmd, searchCmd, refreshCmd, entryCmd, workerCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		if logger != nil {
			logger.Error(err.Error())
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		stop()
		os.Exit(1)
	}
}

func newCLILogger(verbose bool) *slog.Logger {
	level := charmlog.InfoLevel
	if verbose {
		level = charmlog.DebugLevel
	}
	handler := charmlog.NewWithOptions(os.Stderr, charmlog.Options{
		Level:           level,
		ReportTimestamp: true,
	})
	return slog.New(handler)
}

func withComponents(cmd *cobra.Command, fn func(ctx context.Context, cfg app.Config, components *app.Components) error) error {
	cfg := app.LoadConfig()
	components, err := app.Build(cmd.Context(), cfg, logger, nil)
	if err != nil {
		return err
	}
	defer components.Close()
	return fn(cmd.Context(), cfg, components)
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	return withComponents(cmd, func(_ context.Context, cfg app.Config, _ *app.Components) error {
		logger.Info("schema up to date", slog.String("driver", cfg.DBDriver))
		return nil
	})
}

func runSearch(cmd *cobra.Command, args []string) error {
	query := strings.Join(args, " ")
	return withComponents(cmd, func(ctx context.Context, _ app.Config, components *app.Components) error {
		report, err := components.Pipeline.RunSearch(ctx, query)
		if err != nil {
			return err
		}
		return printJSON(report)
	})
}

func runRefresh(cmd *cobra.Command, args []string) error {
	id, err := parseEntryID(args[0])
	if err != nil {
		return err
	}
	return withComponents(cmd, func(ctx context.Context, _ app.Config, components *app.Components) error {
		if err := components.Pipeline.RefreshEntry(ctx, id, flagUpstreamID); err != nil {
			return err
		}
		logger.Info("entry refreshed", slog.Uint64("entryId", id))
		return nil
	})
}

func runEntry(cmd *cobra.Command, args []string) error {
	id, err := parseEntryID(args[0])
	if err != nil {
		return err
	}
	return withComponents(cmd, func(ctx context.Context, _ app.Config, components *app.Components) error {
		detail, err := components.Store.GetEntry(ctx, id)
		if err != nil {
			return err
		}
		return printJSON(detail)
	})
}

func runWorker(cmd *cobra.Command, _ []string) error {
	return withComponents(cmd, func(_ context.Context, cfg app.Config, components *app.Components) error {
		redis, err := app.AsynqRedis(cfg)
		if err != nil {
			return err
		}
		server := jobs.NewAsynqServer(redis, cfg.JobConcurrency, logger)
		logger.Info("worker started", slog.Int("concurrency", cfg.JobConcurrency))
		return server.Run(jobs.NewServeMux(components.Pipeline, logger))
	})
}

func parseEntryID(raw string) (uint64, error) {
	id, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid entry id %q", raw)
	}
	return id, nil
}

func printJSON(value any) error {
	out, err := sonic.ConfigStd.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
