package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/always-cache/localserver"
	"github.com/always-cache/localserver/resourcestore"
	"github.com/always-cache/localserver/updatetask"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	// CLI flags
	configFilenameFlag string
	dbFilenameFlag     string
	logFilenameFlag    string
	verbosityFlag      int

	// this is set by goreleaser
	version string
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		log.Error().Err(err).Msg("Command failed")
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	if version == "" {
		version = "DEV"
	}
	cmd := &cobra.Command{
		Use:           "localserver",
		Short:         "Keep offline copies of web applications in sync with their manifests",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&configFilenameFlag, "config", "", "Path to config file")
	cmd.PersistentFlags().StringVar(&dbFilenameFlag, "db", "", "Database file name, 'memory' for an in-memory db (overrides config)")
	cmd.PersistentFlags().StringVar(&logFilenameFlag, "log-file", "", "Log file to use in addition to stdout (overrides config)")
	cmd.PersistentFlags().CountVarP(&verbosityFlag, "verbose", "v", "Verbosity: -v debug, -vv trace logging")

	cmd.AddCommand(newServeCmd(), newUpdateCmd(), newStatusCmd())
	return cmd
}

// setup reads the config, sets up logging and opens the local server with
// the configured stores.
func setup(ctx context.Context, withUpdates bool) (*localserver.LocalServer, Config, error) {
	config, err := getConfig(configFilenameFlag)
	if err != nil {
		return nil, config, err
	}
	if dbFilenameFlag != "" {
		config.DB = dbFilenameFlag
	}
	if config.DB == "memory" {
		config.DB = ""
	}
	if logFilenameFlag != "" {
		config.LogFile = logFilenameFlag
	}
	setupLogging(config.LogFile)

	serverConfig := localserver.Config{
		DBPath: config.DB,
		Fetcher: updatetask.NewHTTPFetcher(updatetask.HTTPFetcherConfig{
			Timeout:      config.Fetch.Timeout,
			MaxRedirects: config.Fetch.MaxRedirects,
			MaxBodySize:  config.Fetch.MaxBodySize,
			UserAgent:    config.Fetch.UserAgent,
		}),
		Logger:               &log.Logger,
		ReuseCurrentPayloads: config.ReuseCurrentPayloads,
		PrunePayloads:        config.PrunePayloads,
		OnCorrupt: func(cs resourcestore.CorruptStore) {
			log.Warn().Str("origin", cs.Origin).Str("store", cs.Name).Msg("Store is corrupt and needs to be recreated")
		},
	}
	if withUpdates {
		serverConfig.UpdateInterval = config.UpdateInterval
	}
	l, err := localserver.New(ctx, serverConfig)
	if err != nil {
		return nil, config, err
	}

	for _, s := range config.Stores {
		store, err := l.CreateStore(ctx, s.Origin, s.Name, s.RequiredCookie)
		if err != nil {
			l.Close()
			return nil, config, fmt.Errorf("store %s of %s: %w", s.Name, s.Origin, err)
		}
		if s.ManifestURL == "" {
			continue
		}
		if err := store.SetManifestURL(ctx, s.ManifestURL); err != nil {
			l.Close()
			return nil, config, fmt.Errorf("store %s of %s: %w", s.Name, s.Origin, err)
		}
	}
	return l, config, nil
}

func setupLogging(logFilename string) {
	logLevel := zerolog.InfoLevel
	switch {
	case verbosityFlag >= 2:
		logLevel = zerolog.TraceLevel
	case verbosityFlag == 1:
		logLevel = zerolog.DebugLevel
	}

	// log to stdout, and to a rotated log file if specified
	logOutputs := []io.Writer{zerolog.ConsoleWriter{Out: os.Stdout}}
	if logFilename != "" {
		logOutputs = append(logOutputs, &lumberjack.Logger{
			Filename:   logFilename,
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     28,
		})
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = zerolog.New(multiWriter).Level(logLevel).
		With().Timestamp().Str("version", version).Logger()
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve stored resources and update stores periodically",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			l, config, err := setup(ctx, true)
			if err != nil {
				return err
			}
			defer l.Close()

			server := &http.Server{Addr: config.Listen, Handler: l}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				server.Shutdown(shutdownCtx)
			}()

			log.Info().Msgf("Listening on %s", config.Listen)
			if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
}

func newUpdateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "update [store-id...]",
		Short: "Update the given stores, or all stores, once",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			l, _, err := setup(ctx, false)
			if err != nil {
				return err
			}
			defer l.Close()

			results := make(map[int64]updatetask.Result)
			if len(args) == 0 {
				if results, err = l.UpdateAll(ctx); err != nil {
					return err
				}
			}
			for _, arg := range args {
				id, err := strconv.ParseInt(arg, 10, 64)
				if err != nil {
					return fmt.Errorf("invalid store id %q", arg)
				}
				result, err := l.Update(ctx, id)
				if err != nil && result.TaskID == "" {
					return err
				}
				results[id] = result
			}

			failed := 0
			for id, result := range results {
				if result.Success {
					fmt.Fprintf(cmd.OutOrStdout(), "%d\tOK\t%s\n", id, result.Version)
				} else {
					failed++
					fmt.Fprintf(cmd.OutOrStdout(), "%d\tFAILED\t%s\n", id, result.Message)
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d updates failed", failed, len(results))
			}
			return nil
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the status of all stores as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			l, _, err := setup(ctx, false)
			if err != nil {
				return err
			}
			defer l.Close()

			statuses, err := l.Statuses(ctx)
			if err != nil {
				return err
			}
			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")
			return encoder.Encode(map[string]any{
				"stores":  statuses,
				"corrupt": l.Registry().List(),
			})
		},
	}
}
