package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stitchwork/stitch/internal/server"
	"github.com/stitchwork/stitch/internal/watcher"
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync daemon and HTTP API",
		Long: `Start one sync actor per configured repository, the periodic
journal commit and deletion sweep, working-copy watchers, and the HTTP
API with webhook ingress and the WebSocket event stream.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
	cmd.Flags().String("listen-addr", ":8747", "HTTP listen address")
	cmd.Flags().String("webhook-secret", "", "HMAC secret for webhook signatures")
	cmd.Flags().StringSlice("peers", nil, "base URLs of peer daemons to notify")
	cmd.Flags().String("trigger-url", "", "endpoint that receives workflow trigger events")
	for _, name := range []string{"listen-addr", "webhook-secret", "peers", "trigger-url"} {
		_ = viper.BindPFlag(name, cmd.Flags().Lookup(name))
	}
	return cmd
}

func runServe(ctx context.Context) error {
	rt, err := buildRuntime()
	if err != nil {
		return err
	}
	defer rt.close()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup

	// Periodic commit and deletion sweep per actor.
	for _, a := range rt.registry.All() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.Run(ctx, rt.cfg.SyncInterval)
		}()
	}

	// Working-copy watchers for repos with a local checkout.
	for _, rc := range rt.cfg.Repos {
		if rc.WorkingCopy == "" {
			continue
		}
		a, ok := rt.registry.Lookup(rc.Name)
		if !ok {
			continue
		}
		w, err := watcher.New(a, filepath.Join(rc.WorkingCopy, rc.JournalPath), &watcher.Config{
			DebounceInterval: 500 * time.Millisecond,
			Logger:           rt.logger,
		})
		if err != nil {
			return fmt.Errorf("failed to watch %s: %w", rc.Name, err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := w.Start(ctx); err != nil {
				rt.logger.Printf("Watcher for %s stopped: %v", rc.Name, err)
			}
		}()
	}

	srv := server.New(rt.registry, rt.cfg.DefaultRepo, []byte(rt.cfg.WebhookSecret), rt.logger)
	srv.Start()
	defer srv.Stop()

	httpSrv := &http.Server{
		Addr:              rt.cfg.ListenAddr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		rt.logger.Printf("Listening on %s", rt.cfg.ListenAddr)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		rt.logger.Println("Shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		rt.logger.Printf("HTTP shutdown: %v", err)
	}

	wg.Wait()
	rt.logger.Println("Daemon stopped")
	return nil
}
