package shutdown

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
)

func CreateGracefulShutdownChannel() chan os.Signal {
	gracefulShutdown := make(chan os.Signal, 1)
	signal.Notify(gracefulShutdown, syscall.SIGTERM, syscall.SIGINT)

	return gracefulShutdown
}

// ListenForShutdown blocks until a termination signal arrives or ctx is done, runs the
// handler and then waits up to timeToWait for drained to close.
func ListenForShutdown(
	ctx context.Context,
	signalChan chan os.Signal,
	signalHandler func(),
	drained <-chan struct{},
	timeToWait time.Duration,
	l *zap.Logger,
) {
	select {
	case sig := <-signalChan:
		l.Sugar().Infof("caught signal %v", sig)
	case <-ctx.Done():
		l.Info("context done, shutting down", zap.Error(ctx.Err()))
	}

	signalHandler()

	l.Sugar().Infof("Waiting up to %v seconds to exit...", timeToWait.Seconds())
	select {
	case <-drained:
	case <-time.After(timeToWait):
		l.Sugar().Warnw("Timed out waiting for shutdown")
	}
	l.Sugar().Infof("Exiting")
}
