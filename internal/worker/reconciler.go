package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/poolhall-waitlist/internal/config"
)

// PlayingStore resets playing flags from the seats held in one atomic step
type PlayingStore interface {
	ReconcilePlayingFlags(ctx context.Context) (int64, error)
}

// PlayingReconciler periodically realigns every user's playing flag with
// the seats actually held
type PlayingReconciler struct {
	store   PlayingStore
	config  *config.SyncConfig
	logger  *slog.Logger
	stopCh  chan struct{}
	doneCh  chan struct{}
	mu      sync.Mutex
	running bool
}

// NewPlayingReconciler creates a new reconciler
func NewPlayingReconciler(store PlayingStore, cfg *config.SyncConfig, logger *slog.Logger) *PlayingReconciler {
	return &PlayingReconciler{
		store:  store,
		config: cfg,
		logger: logger,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start runs one pass immediately and then one per interval
func (w *PlayingReconciler) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	w.logger.Info("playing reconciler started", "interval", w.config.Interval)

	go w.run(ctx)
	return nil
}

// Stop stops the background loop and waits for it to exit
func (w *PlayingReconciler) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh

	w.mu.Lock()
	w.running = false
	w.mu.Unlock()

	w.logger.Info("playing reconciler stopped")
	return nil
}

func (w *PlayingReconciler) run(ctx context.Context) {
	defer close(w.doneCh)

	w.reconcile(ctx)

	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.reconcile(ctx)
		}
	}
}

func (w *PlayingReconciler) reconcile(ctx context.Context) {
	start := time.Now()
	changed, err := w.RunOnce(ctx)
	if err != nil {
		w.logger.Error("playing reconciliation failed", "error", err)
		return
	}
	if changed > 0 {
		w.logger.Warn("corrected drifted playing flags", "changed", changed, "duration", time.Since(start))
		return
	}
	w.logger.Debug("playing flags consistent", "duration", time.Since(start))
}

// RunOnce performs a single reconciliation and reports how many users had
// their flag corrected
func (w *PlayingReconciler) RunOnce(ctx context.Context) (int64, error) {
	return w.store.ReconcilePlayingFlags(ctx)
}

// IsRunning returns whether the background loop is active
func (w *PlayingReconciler) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}
