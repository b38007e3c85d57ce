package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newServeCmd() *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the maintenance scheduler",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			cfg := appInstance.Config()
			if port > 0 {
				cfg.Server.Port = port
			}
			return serve(cmd.Context(), appInstance, cfg.Server.Port, cfg.Server.ShutdownTimeout)
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "listen port (overrides server.port)")
	return cmd
}

// serve blocks until ctx is done or the listener fails, then drains in-flight
// requests for up to shutdownTimeout.
func serve(ctx context.Context, appInstance App, port int, shutdownTimeout time.Duration) error {
	logger := appInstance.Logger()
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           appInstance.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	appInstance.StartBackground()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server started", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			errCh <- err
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	default:
	}
	logger.Info("shutdown complete")
	return nil
}
