package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/cors"
	"github.com/spf13/cobra"

	"hakanai/internal/expiry"
	"hakanai/internal/handler"
	"hakanai/internal/metrics"
)

// buildServeCmd creates the "serve" command that runs the HTTP and
// WebSocket server together with the expiry scheduler.
func buildServeCmd() *cobra.Command {
	var (
		port         string
		storeBackend string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the chat server",
		Example: `  # Start with settings from .env
  hakanai serve

  # Override the port and use the embedded key-value store
  hakanai serve --port 9090 --store badger`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), overrides{port: port, store: storeBackend})
		},
	}

	cmd.Flags().StringVar(&port, "port", "", "Listen port (overrides SERVER_PORT)")
	cmd.Flags().StringVar(&storeBackend, "store", "", "Message store: sqlite, mysql or badger (overrides STORE_BACKEND)")
	return cmd
}

// buildSweepCmd creates the "sweep" command that deletes expired messages
// once and exits. It holds no connections, so it broadcasts nothing and must
// only run while no server is serving the same store.
func buildSweepCmd() *cobra.Command {
	var storeBackend string

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Delete expired messages once and exit (server must be stopped)",
		Long: `Delete expired messages once and exit.

Run this only while no server is serving the same store. The sweep has no
live connections, so clients connected to a running server would never
receive messages_deleted for the rows it removes. A running server already
sweeps on its own every SWEEP_INTERVAL.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSweep(cmd.Context(), overrides{store: storeBackend})
		},
	}

	cmd.Flags().StringVar(&storeBackend, "store", "", "Message store: sqlite, mysql or badger (overrides STORE_BACKEND)")
	return cmd
}

func runServe(parent context.Context, o overrides) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := setup(ctx, o)
	if err != nil {
		return err
	}
	defer app.close()

	cfg := app.cfg
	m := metrics.New()

	// ハンドラー初期化
	h := handler.New(app.store, app.attachments, cfg, app.log, m, nil)

	scheduler := expiry.NewScheduler(app.store, app.attachments, h.Rooms, expiry.Config{
		TTL:      cfg.MessageTTL,
		Interval: cfg.SweepInterval,
	}, app.log, m)
	schedulerDone := make(chan struct{})
	go func() {
		defer close(schedulerDone)
		scheduler.Run(ctx)
	}()

	router := h.SetupRouter()

	// CORS対応
	c := cors.New(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		ExposedHeaders:   []string{"Content-Length"},
		MaxAge:           300,
		AllowCredentials: true,
	})

	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           c.Handler(router),
		ReadHeaderTimeout: 10 * time.Second,
	}

	fmt.Println("========================================")
	fmt.Println("  Hakanai Chat Server")
	fmt.Println("========================================")
	fmt.Printf("  Environment: %s\n", cfg.Env)
	fmt.Printf("  Server: http://localhost:%s\n", cfg.ServerPort)
	fmt.Printf("  WebSocket: ws://localhost:%s/ws\n", cfg.ServerPort)
	fmt.Printf("  Store: %s\n", cfg.StoreBackend)
	fmt.Printf("  Attachments: %s\n", cfg.AttachmentBackend)
	fmt.Printf("  Message TTL: %s (sweep every %s)\n", cfg.MessageTTL, cfg.SweepInterval)
	fmt.Printf("  Allowed Origins: %v\n", cfg.AllowedOrigins)
	fmt.Println("========================================")

	serverErr := make(chan error, 1)
	go func() {
		app.log.Info("🚀 Server started successfully", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			stop()
			<-schedulerDone
			return fmt.Errorf("http server failed: %w", err)
		}
	case <-ctx.Done():
	}

	app.log.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		app.log.Error("❌ Graceful shutdown failed", "error", err)
	}
	<-schedulerDone
	return nil
}

func runSweep(parent context.Context, o overrides) error {
	if parent == nil {
		parent = context.Background()
	}
	app, err := setup(parent, o)
	if err != nil {
		return err
	}
	defer app.close()

	scheduler := expiry.NewScheduler(app.store, app.attachments, noBroadcast{}, expiry.Config{
		TTL: app.cfg.MessageTTL,
	}, app.log, nil)

	deleted, err := scheduler.Sweep(parent)
	if err != nil {
		return fmt.Errorf("sweep failed: %w", err)
	}
	fmt.Printf("Deleted %d expired message(s)\n", len(deleted))
	return nil
}
