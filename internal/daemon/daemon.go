// Package daemon composes the storage API, worker loop, and stale-claim
// reaper behind a single-instance lock.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"

	"veil/internal/blobstore"
	"veil/internal/config"
	"veil/internal/deps"
	"veil/internal/logging"
	"veil/internal/notify"
	"veil/internal/queue"
	"veil/internal/services/filter"
	"veil/internal/signer"
	"veil/internal/transfer"
	"veil/internal/worker"
)

// Daemon owns the long-running services and enforces single-instance
// execution through a file lock.
type Daemon struct {
	cfg         *config.Config
	logger      *slog.Logger
	store       *queue.Store
	coordinator notify.Coordinator
	server      *transfer.Server

	lockPath string
	lock     *flock.Flock

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New opens the queue store and wires the daemon's services. The caller owns
// the returned daemon and must Close it.
func New(cfg *config.Config, logger *slog.Logger) (*Daemon, error) {
	if cfg == nil || logger == nil {
		return nil, errors.New("daemon requires config and logger")
	}

	store, err := queue.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("open queue store: %w", err)
	}

	var coordinator notify.Coordinator
	if cfg.Bus.Broker != "" {
		coordinator = notify.NewKafkaBus(cfg.Bus.Broker, cfg.Bus.Topic, logger)
	} else {
		coordinator = notify.NewHub()
	}
	store.SetNotifier(coordinator)

	blobs, err := blobstore.New(cfg.Paths.BlobDir, logger)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("open blob store: %w", err)
	}
	sgnr, err := signer.New(cfg.Storage.Secret)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("construct signer: %w", err)
	}

	lockPath := filepath.Join(cfg.Paths.DataDir, "veild.lock")
	return &Daemon{
		cfg:         cfg,
		logger:      logging.NewComponentLogger(logger, "daemon"),
		store:       store,
		coordinator: coordinator,
		server:      transfer.NewServer(cfg, blobs, sgnr, logger),
		lockPath:    lockPath,
		lock:        flock.New(lockPath),
	}, nil
}

// Store exposes the queue store for CLI facade calls.
func (d *Daemon) Store() *queue.Store {
	return d.store
}

// BaseURL returns the transfer API base URL. Only meaningful after Start.
func (d *Daemon) BaseURL() string {
	return d.server.BaseURL()
}

// Start acquires the instance lock and launches the transfer API, the worker
// loop, and the reaper sweep.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another veil daemon instance is already running")
	}

	for _, status := range deps.CheckBinaries(deps.Requirements(d.cfg)) {
		if !status.Available {
			d.logger.Warn("external dependency unavailable",
				logging.String("name", status.Name),
				logging.Bool("optional", status.Optional),
				logging.String("detail", status.Detail))
		}
	}

	if err := d.server.Start(); err != nil {
		_ = d.lock.Unlock()
		return fmt.Errorf("start transfer server: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	transfers := transfer.NewClient(d.server.BaseURL(), d.cfg.Storage.APIToken)
	filterClient := filter.NewCLI(
		filter.WithBinary(d.cfg.Filter.Binary),
		filter.WithTimeout(d.cfg.FilterTimeout()),
	)
	w := worker.New(d.cfg, d.store, d.coordinator, transfers, filterClient, d.logger)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		_ = w.Run(runCtx)
	}()

	if threshold := d.cfg.StaleClaimTimeout(); threshold > 0 {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.runReaper(runCtx, threshold)
		}()
	}

	d.running.Store(true)
	d.logger.Info("veil daemon started",
		logging.String("lock", d.lockPath),
		logging.String("storage", d.server.BaseURL()))
	return nil
}

// Stop drains the worker, shuts the transfer API down, and releases the
// instance lock.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}

	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.wg.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.server.Shutdown(shutdownCtx); err != nil {
		d.logger.Warn("transfer server shutdown", logging.Error(err))
	}

	if closer, ok := d.coordinator.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			d.logger.Warn("coordinator close", logging.Error(err))
		}
	}

	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err))
	}
	d.running.Store(false)
	d.logger.Info("veil daemon stopped")
}

// Close stops the daemon and closes the queue store.
func (d *Daemon) Close() error {
	d.Stop()
	if d.store != nil {
		return d.store.Close()
	}
	return nil
}
