// Command msghubd is the demonstration daemon that wires the message
// hub core against the filesystem: storage, archive, notify dispatch,
// the lifecycle store, a producer host, and the admin command bus.
// Grounded on cmd/thane/main.go's serve/ask/ingest dispatch shape, with
// the subcommand tree itself built on cobra per cuemby-warren's
// cmd/warren/main.go rather than the teacher's hand-rolled flag
// dispatch.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/stacknerd/msghub/internal/archive"
	"github.com/stacknerd/msghub/internal/buildinfo"
	"github.com/stacknerd/msghub/internal/commandbus"
	"github.com/stacknerd/msghub/internal/config"
	"github.com/stacknerd/msghub/internal/ingest"
	"github.com/stacknerd/msghub/internal/notify"
	"github.com/stacknerd/msghub/internal/pluginstate"
	"github.com/stacknerd/msghub/internal/storage"
	"github.com/stacknerd/msghub/internal/store"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "msghubd",
	Short:   "msghub is a durable, in-process message hub for smart-home style semantic messages",
	Version: buildinfo.Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("msghubd %s\n%s\n", buildinfo.Version, buildinfo.String()))
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file")
	rootCmd.AddCommand(serveCmd, statsCmd, queryCmd)
}

func newLogger(cfg *config.Config) *slog.Logger {
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}

func loadConfig() (*config.Config, error) {
	path, err := config.FindConfig(configPath)
	if err != nil {
		return nil, err
	}
	return config.Load(path)
}

// buildCore wires storage, archive, notify, pluginstate, the canonical
// store, and an ingest host from cfg, without starting any of the
// background loops (callers decide what to Start).
func buildCore(cfg *config.Config, log *slog.Logger) (*storage.Store, *archive.Store, *notify.Bus, *pluginstate.Store, *store.Store, *ingest.Host, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, nil, nil, nil, nil, nil, fmt.Errorf("create data dir: %w", err)
	}

	st := storage.New(cfg.Storage.BaseDir, cfg.Storage.FileName, time.Duration(cfg.Storage.WriteIntervalMs)*time.Millisecond, log)
	ar := archive.New(cfg.Archive.BaseDir, cfg.Archive.FileExtension, time.Duration(cfg.Archive.FlushIntervalMs)*time.Millisecond, log)

	var quiet notify.QuietHoursFunc
	if cfg.Quiet.Enabled {
		quiet = quietHoursFunc(cfg.Quiet)
	}
	nb := notify.New(log, quiet)

	ps, err := pluginstate.New(cfg.DataDir + "/pluginstate.db")
	if err != nil {
		return nil, nil, nil, nil, nil, nil, fmt.Errorf("open plugin state: %w", err)
	}

	s := store.New(st, ar, nb, log, store.Config{
		PruneInterval:      time.Duration(cfg.PruneIntervalMs) * time.Millisecond,
		CloseSweepInterval: time.Duration(cfg.DeleteClosedIntervalMs) * time.Millisecond,
		HardDeleteInterval: time.Duration(cfg.HardDeleteIntervalMs) * time.Millisecond,
		HardDeleteAfter:    time.Duration(cfg.HardDeleteAfterMs) * time.Millisecond,
		NotifierInterval:   time.Duration(cfg.NotifierIntervalMs) * time.Millisecond,
	})

	snapshot, err := st.ReadJSON(nil)
	if err != nil {
		return nil, nil, nil, nil, nil, nil, fmt.Errorf("read persisted snapshot: %w", err)
	}
	s.Load(snapshot)

	host := ingest.New(log)

	return st, ar, nb, ps, s, host, nil
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "run the message hub daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("config: %w", err)
		}
		log := newLogger(cfg)
		log.Info("starting msghubd", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

		st, ar, nb, ps, s, host, err := buildCore(cfg, log)
		if err != nil {
			return err
		}
		defer ps.Close()

		ar.Start()
		s.Start()

		bus := commandbus.New(log)
		bus.Attach(s)
		bus.AttachIngest(host)
		transport := commandbus.NewTransport(bus, log)

		events := nb.Subscribe(64, "")
		defer nb.Unsubscribe(events)
		go transport.BroadcastEvents(events)

		ingestEvents := nb.Subscribe(64, "")
		defer nb.Unsubscribe(ingestEvents)
		go func() {
			for d := range ingestEvents {
				host.RouteNotifications(d)
			}
		}()

		mux := http.NewServeMux()
		mux.Handle("/ws", transport)
		mux.Handle("/metrics", metricsHandlerFunc())

		addr := fmt.Sprintf("%s:%d", cfg.Listen.Address, cfg.Listen.Port)
		httpServer := &http.Server{Addr: addr, Handler: mux}

		errCh := make(chan error, 1)
		go func() {
			log.Info("admin command bus listening", "addr", addr)
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigCh:
			log.Info("shutdown signal received")
		case err := <-errCh:
			log.Error("command bus server failed", "error", err)
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)

		host.StopAll(shutdownCtx, "shutdown")
		s.Stop()
		ar.Stop()
		if err := st.FlushPending(); err != nil {
			log.Error("final storage flush failed", "error", err)
		}

		log.Info("msghubd stopped")
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "print a one-shot aggregate of the current message store",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("config: %w", err)
		}
		log := newLogger(cfg)

		_, _, _, ps, s, _, err := buildCore(cfg, log)
		if err != nil {
			return err
		}
		defer ps.Close()

		stats := s.Stats(store.StatsOptions{ArchiveSize: true})
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(stats)
	},
}

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "run a query against the message store and print the rendered results",
	Long: `query reads a query.Spec-shaped JSON document from stdin (the same
shape accepted by the admin.messages.query command) and prints the
rendered result.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("config: %w", err)
		}
		log := newLogger(cfg)

		_, _, _, ps, s, _, err := buildCore(cfg, log)
		if err != nil {
			return err
		}
		defer ps.Close()

		var payload json.RawMessage
		if info, _ := os.Stdin.Stat(); info != nil && (info.Mode()&os.ModeCharDevice) == 0 {
			data, err := io.ReadAll(os.Stdin)
			if err != nil {
				return fmt.Errorf("read stdin: %w", err)
			}
			payload = data
		}

		bus := commandbus.New(log)
		bus.Attach(s)
		env := bus.Dispatch("admin.messages.query", payload)

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(env)
	},
}
