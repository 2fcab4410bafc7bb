package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"swcache/internal/swcache"
)

var watchConfig bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the cache proxy",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&watchConfig, "watch", false, "redeploy when cache.name changes in the config file")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := swcache.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if !verbose {
		if lvl, err := zapcore.ParseLevel(cfg.Logging.Level); err == nil {
			logLevel.SetLevel(lvl)
		} else {
			logger.Warn("unknown logging.level, keeping info", zap.String("level", cfg.Logging.Level))
		}
	}

	svc, err := swcache.NewService(cfg, swcache.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("init service: %w", err)
	}
	defer svc.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("install %s: %w", cfg.Cache.Name, err)
	}

	if watchConfig {
		w, err := swcache.NewConfigWatcher(configPath, svc, logger)
		if err != nil {
			return fmt.Errorf("watch config: %w", err)
		}
		if err := w.Start(ctx); err != nil {
			return fmt.Errorf("watch config: %w", err)
		}
		defer w.Stop()
	}

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           svc.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("swcache listening",
			zap.String("addr", addr),
			zap.String("origin", cfg.Server.Origin),
			zap.String("cache", cfg.Cache.Name),
		)
		err := srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

var generationsCmd = &cobra.Command{
	Use:   "generations",
	Short: "List persisted cache generations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := swcache.LoadConfig(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if cfg.Storage.Backend != swcache.BackendLevelDB {
			return fmt.Errorf("storage backend %q keeps nothing on disk", cfg.Storage.Backend)
		}
		st, err := swcache.OpenStorage(cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		names, err := st.Keys()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, name := range names {
			cache, err := st.Open(name)
			if err != nil {
				return err
			}
			keys, err := cache.Keys()
			if err != nil {
				return err
			}
			marker := " "
			if name == cfg.Cache.Name {
				marker = "*"
			}
			fmt.Fprintf(out, "%s %s\t%d entries\n", marker, name, len(keys))
		}
		return nil
	},
}

var controlAddr string

var skipWaitingCmd = &cobra.Command{
	Use:   "skip-waiting",
	Short: "Ask a running proxy to activate its waiting generation",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := swcache.LoadConfig(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		addr := strings.TrimRight(controlAddr, "/")
		if addr == "" {
			addr = fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
		}
		body, err := json.Marshal(swcache.Message{Type: cfg.Control.ActivateToken})
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, addr+cfg.Control.Path+"/message", bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusAccepted {
			return fmt.Errorf("control message: unexpected status %s", resp.Status)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "sent", cfg.Control.ActivateToken)
		return nil
	},
}

func init() {
	skipWaitingCmd.Flags().StringVar(&controlAddr, "addr", "", "proxy base URL (default http://127.0.0.1:<server.port>)")
}
