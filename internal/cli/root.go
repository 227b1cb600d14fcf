// Package cli implements the foliocache command line.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"foliocache/internal/config"
	"foliocache/internal/engine"
	"foliocache/internal/logging"
)

const envConfig = "FOLIOCACHE_CONFIG"

type rootOptions struct {
	configPath string
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "foliocache",
		Short:         "foliocache – tiered media cache and storage router",
		Long:          `A caching proxy for a portfolio site that routes uploaded media to a CDN or the site repository and replays work queued while offline.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", defaultConfigPath(),
		"path to foliocache.yaml (env "+envConfig+")")

	root.AddCommand(
		newServeCmd(opts),
		newFlushCmd(opts),
		newDecideCmd(opts),
		newUsageCmd(opts),
		newClearCmd(opts),
		newEvictCmd(opts),
		newWarmCmd(opts),
		newEnqueueCmd(opts),
	)
	return root
}

// Execute runs the root command and exits non-zero on error.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func defaultConfigPath() string {
	if v := os.Getenv(envConfig); v != "" {
		return v
	}
	return "./foliocache.yaml"
}

func (o *rootOptions) load(cmd *cobra.Command) (config.Config, *slog.Logger, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cmd.ErrOrStderr(), cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, logger, nil
}

// withEngine opens an engine for a one-shot command. Background loops are
// not started.
func (o *rootOptions) withEngine(cmd *cobra.Command, fn func(ctx context.Context, e *engine.Engine) error) error {
	cfg, logger, err := o.load(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	e, err := engine.New(ctx, cfg, engine.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("init engine: %w", err)
	}
	defer e.Close()
	if err := fn(ctx, e); err != nil {
		return err
	}
	e.Wait()
	return nil
}

// dispatch runs one typed command and prints its result.
func (o *rootOptions) dispatch(cmd *cobra.Command, c engine.Command) error {
	return o.withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
		res, err := e.Dispatch(ctx, c)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), res)
	})
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
