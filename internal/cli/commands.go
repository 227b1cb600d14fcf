package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"foliocache/internal/engine"
	"foliocache/internal/upload"
)

func newServeCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the site through the cache and the admin endpoints",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := o.load(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			e, err := engine.New(ctx, cfg, engine.WithLogger(logger))
			if err != nil {
				return fmt.Errorf("init engine: %w", err)
			}
			defer e.Close()
			if err := e.Start(ctx); err != nil {
				return fmt.Errorf("start engine: %w", err)
			}

			addr := fmt.Sprintf(":%d", cfg.Server.Port)
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("listen %s: %w", addr, err)
			}
			srv := &http.Server{
				Handler:           e.Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			go func() {
				logger.Info("foliocache listening", slog.String("addr", addr), slog.String("origin", cfg.Server.Origin))
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("server error", slog.Any("error", err))
					stop()
				}
			}()

			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
}

func newFlushCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "flush",
		Short: "Replay queued offline actions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return o.dispatch(cmd, engine.Command{Kind: engine.CmdFlush})
		},
	}
}

func newUsageCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "usage",
		Short: "Show per-store cache usage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return o.dispatch(cmd, engine.Command{Kind: engine.CmdCacheSize})
		},
	}
}

func newClearCmd(o *rootOptions) *cobra.Command {
	var storeName string
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Clear one cache store, or all of them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return o.dispatch(cmd, engine.Command{Kind: engine.CmdClearCache, Store: storeName})
		},
	}
	cmd.Flags().StringVar(&storeName, "store", "", "store to clear (default: all)")
	return cmd
}

func newEvictCmd(o *rootOptions) *cobra.Command {
	var (
		storeName string
		fraction  float64
	)
	cmd := &cobra.Command{
		Use:   "evict",
		Short: "Evict the oldest fraction of a store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return o.dispatch(cmd, engine.Command{Kind: engine.CmdEvict, Store: storeName, Fraction: fraction})
		},
	}
	cmd.Flags().StringVar(&storeName, "store", "", "store to evict from")
	cmd.Flags().Float64Var(&fraction, "fraction", 0, "fraction of entries to evict (default 0.2)")
	_ = cmd.MarkFlagRequired("store")
	return cmd
}

func newWarmCmd(o *rootOptions) *cobra.Command {
	var priority string
	cmd := &cobra.Command{
		Use:   "warm [url...]",
		Short: "Load media URLs into the cache in priority order",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.dispatch(cmd, engine.Command{Kind: engine.CmdCacheMedia, URLs: args, Priority: priority})
		},
	}
	cmd.Flags().StringVar(&priority, "priority", "normal", "base priority: high, normal or low")
	return cmd
}

func newDecideCmd(o *rootOptions) *cobra.Command {
	var gallery bool
	cmd := &cobra.Command{
		Use:   "decide [file]",
		Short: "Show where an upload of file would be stored",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := o.load(cmd)
			if err != nil {
				return err
			}
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			c := upload.NewCandidate(filepath.Base(args[0]), data, gallery)
			d := upload.Decide(c, upload.ThresholdsFromConfig(cfg))
			return printJSON(cmd.OutOrStdout(), struct {
				upload.Decision
				Name      string `json:"name"`
				SizeBytes int64  `json:"sizeBytes"`
				Kind      string `json:"kind"`
			}{d, c.Name, c.SizeBytes, c.Kind.String()})
		},
	}
	cmd.Flags().BoolVar(&gallery, "gallery", false, "treat the file as a gallery image")
	return cmd
}

func newEnqueueCmd(o *rootOptions) *cobra.Command {
	var payload string
	cmd := &cobra.Command{
		Use:   "enqueue [kind]",
		Short: "Queue an action for the next flush",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var p any
			if payload != "" {
				if !json.Valid([]byte(payload)) {
					return fmt.Errorf("--payload is not valid JSON")
				}
				p = json.RawMessage(payload)
			}
			return o.withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
				a, err := e.Offline().RecordPendingAction(ctx, args[0], p)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), a)
			})
		},
	}
	cmd.Flags().StringVar(&payload, "payload", "", "JSON payload")
	return cmd
}
