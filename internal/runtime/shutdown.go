package runtime

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

// SetupGracefulShutdown cancels the returned context on SIGINT or SIGTERM.
// A second signal exits immediately.
func SetupGracefulShutdown(parent context.Context, logger *slog.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case s := <-sigCh:
			logger.Info("received signal, shutting down", "signal", s.String())
			cancel()
		case <-ctx.Done():
			signal.Stop(sigCh)
			return
		}
		select {
		case s := <-sigCh:
			logger.Error("second signal, exiting", "signal", s.String())
			os.Exit(1)
		case <-parent.Done():
		}
	}()
	return ctx, func() {
		signal.Stop(sigCh)
		cancel()
	}
}
