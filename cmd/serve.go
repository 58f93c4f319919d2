package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"deepagent/internal/router"
)

const shutdownTimeout = 10 * time.Second

var noWorker bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API together with a dispatcher",
	RunE: func(cmd *cobra.Command, args []string) error {
		sc, logger, err := bootstrap()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if sc.Config.Server.Mode != "" {
			gin.SetMode(sc.Config.Server.Mode)
		}
		srv := &http.Server{
			Addr:              fmt.Sprintf("%s:%d", sc.Config.Server.Host, sc.Config.Server.Port),
			Handler:           router.SetupRouter(sc.Tasks),
			ReadHeaderTimeout: 10 * time.Second,
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			logger.Info("http server listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(sctx)
		})
		if !noWorker {
			g.Go(func() error { return sc.Dispatcher.Run(gctx) })
		}
		err = g.Wait()
		logger.Info("shutdown complete")
		return err
	},
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a dispatcher without the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		sc, _, err := bootstrap()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return sc.Dispatcher.Run(ctx)
	},
}

func init() {
	serveCmd.Flags().BoolVar(&noWorker, "no-worker", false, "serve the API only; tasks are run by separate workers")
	rootCmd.AddCommand(serveCmd, workerCmd)
}
