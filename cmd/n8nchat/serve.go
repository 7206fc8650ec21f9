package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flintttan/n8n-chat-widget/pkg/config"
	"github.com/flintttan/n8n-chat-widget/pkg/webbridge"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newServeCommand(cfg func() *config.Config) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the chat controller to browser widgets over a websocket",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := cfg()
			if cmd.Flags().Changed("addr") {
				c.Server.Addr = addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, c)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	bridge := webbridge.NewServer(a.ctrl, a.bus)
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           bridge.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	if err := bridge.Start(gctx); err != nil {
		return err
	}
	g.Go(func() error {
		<-bridge.Done()
		return nil
	})
	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Msg("serving widget bridge")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "listen")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.ctrl.CancelCurrent()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
