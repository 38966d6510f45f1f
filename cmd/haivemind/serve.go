package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/haivemind/haivemind/internal/checkpoint"
	"github.com/haivemind/haivemind/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the hAIvemind API server",
	Args:  exactArgs(0),
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	app, err := newApp(flagMock)
	if err != nil {
		return err
	}
	defer app.close()
	log := app.log

	// Orphaned checkpoints from a crashed process become interrupted
	// sessions before anything else starts.
	recovered, err := checkpoint.Recover(app.store, log)
	if err != nil {
		log.Error("Checkpoint recovery failed", zap.Error(err))
	} else if len(recovered) > 0 {
		log.Info("Recovered interrupted sessions", zap.Int("count", len(recovered)))
	}

	app.checkpoints.Start()

	gateway := server.NewGateway(app.bus, log)
	handler := server.NewHandler(app.store, app.service, app.pilot, app.locks, gateway, app.bus, log)
	srv := server.New(app.cfg, handler, gateway, log)

	go func() {
		log.Info("HTTP server listening", zap.Int("port", app.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down")

	// Warn subscribers, interrupt live sessions, flush checkpoints.
	app.service.Shutdown(app.cfg.Workspace.ShutdownGraceDuration())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	log.Info("Server stopped")
	return nil
}
