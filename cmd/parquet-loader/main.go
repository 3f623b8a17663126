package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/withObsrvr/obsrvr-parquet-loader/internal/checkpoint"
	"github.com/withObsrvr/obsrvr-parquet-loader/internal/config"
	"github.com/withObsrvr/obsrvr-parquet-loader/internal/ingest"
	"github.com/withObsrvr/obsrvr-parquet-loader/internal/logging"
	"github.com/withObsrvr/obsrvr-parquet-loader/internal/metrics"
	"github.com/withObsrvr/obsrvr-parquet-loader/internal/storage"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "parquet-loader",
		Short:         "Continuously load Parquet files from object storage into SQL tables",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("LOADER_CONFIG"), "path to the YAML config file (env LOADER_CONFIG)")

	root.AddCommand(runCmd(), validateCmd(), checkpointCmd(), quarantineCmd(), versionCmd())

	if err := root.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logging.Setup(cfg.Logging)
	return cfg, nil
}

// signalContext is canceled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		select {
		case sig := <-ch:
			slog.Info("received signal, shutting down", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func runCmd() *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Watch every configured prefix and load new files",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			slog.Info("parquet loader starting",
				"version", ingest.Version,
				"git_sha", ingest.GitSHA,
				"loader_id", cfg.LoaderID,
				"pipelines", len(cfg.Pipelines),
			)

			ctx, cancel := signalContext()
			defer cancel()

			if cfg.Metrics.Enabled {
				metrics.Init(cfg.Metrics.Namespace)
				go func() {
					if err := metrics.StartServer(ctx, cfg.Metrics.Address); err != nil {
						slog.Error("metrics server failed", "error", err)
					}
				}()
			}

			svc, err := ingest.Build(ctx, cfg)
			if err != nil {
				return fmt.Errorf("build service: %w", err)
			}
			defer func() {
				if err := svc.Close(); err != nil {
					slog.Warn("close failed", "error", err)
				}
			}()

			if once {
				results, err := svc.Once(ctx)
				for name, res := range results {
					slog.Info("pipeline finished",
						"pipeline", name,
						"committed", res.Committed,
						"replayed", res.Replayed,
						"quarantined", res.Quarantined,
						"deferred", res.Deferred,
						"rows", res.Rows,
					)
				}
				return err
			}

			if err := svc.Run(ctx); err != nil {
				return err
			}
			slog.Info("parquet loader stopped cleanly")
			// Let the metrics server finish its shutdown.
			time.Sleep(100 * time.Millisecond)
			return nil
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "process pending files once and exit")
	return cmd
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration and print the resolved pipelines",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "configuration ok: %d pipeline(s)\n", len(cfg.Pipelines))
			for _, p := range cfg.Pipelines {
				m, err := p.Mapper()
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "  %-16s %s -> %s %v\n", p.Name, p.Prefix, p.Table, m.Columns())
				fmt.Fprintf(out, "  %-16s reads %v\n", "", m.SourceColumns())
			}
			return nil
		},
	}
}

func checkpointCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Inspect checkpoints",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show [pipeline...]",
		Short: "Print the checkpoint of each configured prefix as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			pipelines := cfg.Pipelines
			if len(args) > 0 {
				pipelines = nil
				for _, name := range args {
					p, ok := cfg.Pipeline(name)
					if !ok {
						return fmt.Errorf("unknown pipeline %q", name)
					}
					pipelines = append(pipelines, p)
				}
			}
			ctx := cmd.Context()
			store, err := checkpoint.NewStore(ctx, cfg.Checkpoint)
			if err != nil {
				return err
			}
			defer store.Close()

			var cps []checkpoint.Checkpoint
			var errs []error
			for _, p := range pipelines {
				cp, err := store.Get(ctx, p.Prefix)
				if err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", p.Name, err))
					continue
				}
				if cp.Pipeline == "" {
					cp.Pipeline = p.Name
				}
				cps = append(cps, cp)
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(cps); err != nil {
				return err
			}
			return errors.Join(errs...)
		},
	})
	return cmd
}

func quarantineCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "quarantine",
		Short: "Inspect quarantined files",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show <key>",
		Short: "Print the quarantine record of a source key as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			bucket, _, err := storage.OpenBucket(ctx, cfg.Source)
			if err != nil {
				return err
			}
			defer bucket.Close()

			rec, err := storage.NewQuarantine(bucket, cfg.Quarantine.Prefix).Get(ctx, args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(rec)
		},
	})
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "parquet-loader %s (%s)\n", ingest.Version, ingest.GitSHA)
		},
	}
}
