package detrack

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

// SIGHUPReloader watches for SIGHUP signals and reloads the blocklist from
// its backing file, picking up out-of-band edits. Call Cancel to stop
// watching.
type SIGHUPReloader struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Cancel stops the SIGHUP watcher.
func (r *SIGHUPReloader) Cancel() {
	r.cancel()
	<-r.done
}

// WatchSIGHUP starts a goroutine that listens for SIGHUP signals and
// reloads the hub's blocklist. The returned SIGHUPReloader can be used to
// stop watching.
func WatchSIGHUP(hub *Hub, logger *slog.Logger) *SIGHUPReloader {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP)

	go func() {
		defer close(done)
		defer signal.Stop(sigCh)

		for {
			select {
			case <-ctx.Done():
				return
			case <-sigCh:
				logger.Info("received SIGHUP, reloading blocklist...")
				if err := hub.BlockList().Reload(); err != nil {
					logger.Error("blocklist reload failed", "error", err)
					continue
				}
				hub.AppendLog("Blocklist reloaded")
				logger.Info("blocklist reloaded", "domains", hub.BlockList().Count())
			}
		}
	}()

	return &SIGHUPReloader{cancel: cancel, done: done}
}
