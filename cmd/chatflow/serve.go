package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/songzhibin97/chatflow-engine/config"
	"github.com/songzhibin97/chatflow-engine/gateway"
	"github.com/songzhibin97/chatflow-engine/logger"
	"github.com/songzhibin97/chatflow-engine/server"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP event server",
	Long: `Starts the engine behind an HTTP API. Each event endpoint returns the
outcome together with the messages queued for the user.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		envFile, _ := cmd.Flags().GetString("env")
		cfg, err := config.Load(envFile)
		if err != nil {
			return err
		}
		if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
			cfg.HTTPAddr = addr
		}
		return runServe(cmd.Context(), cfg)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("addr", "", "Listen address, overrides CHATFLOW_HTTP_ADDR")
}

func runServe(ctx context.Context, cfg *config.Config) error {
	log, err := logger.Init(cfg.Logger())
	if err != nil {
		return err
	}
	recorder := gateway.NewRecorder(log)
	a, err := newApp(ctx, cfg, recorder, log)
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	handler := server.NewHandler(a.engine, recorder,
		server.WithLogger(log),
		server.WithMetrics(promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{})),
	)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Int64("bot_id", cfg.BotID).Msg("chatflow server listening")
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(shutdown)

	select {
	case err := <-serverErrors:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server error: %w", err)

	case sig := <-shutdown:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("graceful shutdown did not complete")
			return srv.Close()
		}
		log.Info().Msg("chatflow server stopped")
		return nil
	}
}
