// Package worker runs the execution loop: claim queued items, fetch the
// original through the transfer API, run the anonymization filter, publish
// the result, and record the outcome on the queue.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"veil/internal/config"
	"veil/internal/logging"
	"veil/internal/notify"
	"veil/internal/queue"
	"veil/internal/services"
	"veil/internal/services/filter"
	"veil/internal/transfer"
)

// Worker drains the queue with bounded concurrency. Notifications wake it
// early; the poll ticker guarantees progress even when every notification is
// lost.
type Worker struct {
	id           string
	store        *queue.Store
	coordinator  notify.Coordinator
	transfers    *transfer.Client
	filter       filter.Client
	concurrency  int
	pollInterval time.Duration
	scratchDir   string
	logger       *slog.Logger

	inflight atomic.Int64
	done     chan struct{}
	wg       sync.WaitGroup
}

// New constructs a Worker from the configured collaborators.
func New(cfg *config.Config, store *queue.Store, coordinator notify.Coordinator, transfers *transfer.Client, filterClient filter.Client, logger *slog.Logger) *Worker {
	concurrency := cfg.Worker.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	id := "worker-" + uuid.NewString()[:8]
	return &Worker{
		id:           id,
		store:        store,
		coordinator:  coordinator,
		transfers:    transfers,
		filter:       filterClient,
		concurrency:  concurrency,
		pollInterval: cfg.PollInterval(),
		scratchDir:   cfg.Paths.ScratchDir,
		logger:       logging.NewComponentLogger(logger, "worker"),
		done:         make(chan struct{}, 1),
	}
}

// ID returns the identity recorded on claimed items.
func (w *Worker) ID() string {
	return w.id
}

// Inflight reports how many items are currently being processed.
func (w *Worker) Inflight() int {
	return int(w.inflight.Load())
}

// Run claims and processes items until ctx is canceled, then drains in-flight
// work before returning.
func (w *Worker) Run(ctx context.Context) error {
	wake, cancel := w.coordinator.Subscribe()
	defer cancel()

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	w.logger.Info("worker loop started",
		logging.String(logging.FieldWorkerID, w.id),
		logging.Int("concurrency", w.concurrency),
		logging.Duration("poll_interval", w.pollInterval))

	for {
		w.claimAvailable(ctx)

		select {
		case <-ctx.Done():
			w.logger.Info("worker loop stopping, draining in-flight work",
				logging.Int("inflight", w.Inflight()))
			w.wg.Wait()
			return ctx.Err()
		case <-wake:
		case <-w.done:
		case <-ticker.C:
		}
	}
}

// claimAvailable fills the free concurrency slots with claimed items.
func (w *Worker) claimAvailable(ctx context.Context) {
	free := w.concurrency - int(w.inflight.Load())
	if free <= 0 {
		return
	}
	items, err := w.store.ClaimBatch(ctx, w.id, free)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Error("claim failed", logging.Error(err))
		}
		return
	}
	for _, item := range items {
		w.inflight.Add(1)
		w.wg.Add(1)
		go func(item *queue.Item) {
			defer w.wg.Done()
			defer w.inflight.Add(-1)
			w.process(ctx, item)
			// A freed slot means another queued item may be claimable now.
			select {
			case w.done <- struct{}{}:
			default:
			}
		}(item)
	}
}

func (w *Worker) process(ctx context.Context, item *queue.Item) {
	ctx = services.WithWorkerID(ctx, w.id)
	ctx = services.WithItemID(ctx, item.ID)
	ctx = services.WithSubjectID(ctx, item.SubjectID)
	logger := logging.WithContext(ctx, w.logger)
	logger.Info("processing item", logging.Int("attempt", item.Attempts))

	resultPath, err := w.runPipeline(ctx, item)
	if err != nil {
		w.recordFailure(ctx, logger, item, err)
		return
	}

	applied, err := w.store.Complete(ctx, item.ID, resultPath)
	if err != nil {
		logger.Error("complete failed", logging.Error(err))
		return
	}
	if !applied {
		logger.Warn("item reached a terminal state while processing, result discarded")
		return
	}
	logger.Info("item completed", logging.String("result", resultPath))
}

// runPipeline moves the original into scratch, runs the filter, and publishes
// the result. It returns the blob path of the processed artifact.
func (w *Worker) runPipeline(ctx context.Context, item *queue.Item) (string, error) {
	subject, err := w.store.SubjectByID(ctx, item.SubjectID)
	if err != nil {
		return "", err
	}

	scratch, err := os.MkdirTemp(w.scratchDir, fmt.Sprintf("item-%d-", item.ID))
	if err != nil {
		return "", fmt.Errorf("create scratch dir: %w", err)
	}
	defer os.RemoveAll(scratch)

	ext := filepath.Ext(subject.OriginalPath)
	inputPath := filepath.Join(scratch, "input"+ext)
	if err := w.transfers.Download(ctx, subject.OriginalPath, inputPath); err != nil {
		return "", err
	}

	info, err := os.Stat(inputPath)
	if err != nil {
		return "", fmt.Errorf("stat downloaded input: %w", err)
	}
	hint := filter.HintForSize(info.Size())

	outputPath := filepath.Join(scratch, "output"+ext)
	if err := w.filter.Anonymize(ctx, filter.Request{
		InputPath:  inputPath,
		OutputPath: outputPath,
		Options:    subject.Options,
		Hint:       hint,
	}); err != nil {
		return "", err
	}

	resultPath := "processed/" + subject.ID + ext
	if err := w.transfers.UploadFile(ctx, resultPath, outputPath); err != nil {
		return "", err
	}
	return resultPath, nil
}

func (w *Worker) recordFailure(ctx context.Context, logger *slog.Logger, item *queue.Item, cause error) {
	// Failure bookkeeping must outlive a canceled run context.
	recordCtx := ctx
	if recordCtx.Err() != nil {
		var cancel context.CancelFunc
		recordCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
	}
	outcome, err := w.store.Fail(recordCtx, item.ID, cause.Error())
	if err != nil {
		logger.Error("recording failure failed",
			logging.Error(err),
			logging.String("cause", cause.Error()))
		return
	}
	switch outcome {
	case queue.FailRetry:
		logger.Warn("item failed, requeued",
			logging.Int("attempt", item.Attempts),
			logging.Error(cause))
	case queue.FailTerminal:
		logger.Error("item failed permanently",
			logging.Int("attempt", item.Attempts),
			logging.Error(cause))
	default:
		logger.Warn("failure on missing or terminal item ignored",
			logging.Any("outcome", outcome),
			logging.Error(cause))
	}
}
