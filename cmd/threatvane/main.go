package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/threatvane/threatvane/internal/api"
	"github.com/threatvane/threatvane/internal/config"
	"github.com/threatvane/threatvane/internal/engine"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:     "threatvane",
	Short:   "threatvane - in-process bot detection for HTTP services",
	Long:    `threatvane inspects each HTTP request, emits a risk score and verdict, and learns pattern reputation over time.`,
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		runServer()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("threatvane %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "threatvane.yml", "path to configuration file")
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServer() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("configuration invalid")
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	eng, err := engine.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("engine startup failed")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := eng.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("engine background tasks failed to start")
	}

	// SIGHUP forces an immediate list refresh when configured.
	if eng.Coordinator().Signal() == "SIGHUP" {
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case <-hup:
					log.Info().Msg("SIGHUP received, refreshing bot lists")
					eng.Coordinator().TriggerUpdate(ctx)
				}
			}
		}()
	}

	// Policy and path-policy sections hot-reload; everything else needs a
	// restart.
	watcher := config.NewWatcher(configPath, cfg, func(next *config.Config) {
		for name, p := range next.Policies {
			if p.Name == "" {
				p.Name = name
			}
			if err := eng.Policies().Register(p); err != nil {
				log.Warn().Str("policy", name).Err(err).Msg("policy reload rejected")
			}
		}
		eng.Policies().SetStaticDetection(next.UseFileExtensionStaticDetection, next.StaticAssetExtensions)
		eng.Policies().SetPathPolicies(next.PathPolicies)
	})
	go func() {
		if err := watcher.Run(ctx); err != nil {
			log.Warn().Err(err).Msg("config watcher stopped")
		}
	}()

	server := api.NewServer(eng)
	mux := http.NewServeMux()
	server.Routes(mux)
	mux.Handle("/", server.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Demonstration origin: deployments embed the middleware in front
		// of their own handlers.
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})))

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Msg("threatvane listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("http server failed")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http drain incomplete")
	}
	eng.Shutdown()
	log.Info().Msg("shutdown complete")
}
