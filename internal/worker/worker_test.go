package worker_test

import (
	"bytes"
	"context"
	"errors"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"veil/internal/blobstore"
	"veil/internal/config"
	"veil/internal/logging"
	"veil/internal/notify"
	"veil/internal/queue"
	"veil/internal/services/filter"
	"veil/internal/signer"
	"veil/internal/testsupport"
	"veil/internal/transfer"
	"veil/internal/worker"
)

type stubFilter struct {
	mu       sync.Mutex
	requests []filter.Request
	fail     bool
}

func (f *stubFilter) Anonymize(_ context.Context, req filter.Request) error {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	fail := f.fail
	f.mu.Unlock()
	if fail {
		return errors.New("detector crashed")
	}
	return os.WriteFile(req.OutputPath, []byte("anonymized:"+req.Hint), 0o644)
}

func (f *stubFilter) calls() []filter.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]filter.Request(nil), f.requests...)
}

type fixture struct {
	cfg    *config.Config
	store  *queue.Store
	hub    *notify.Hub
	client *transfer.Client
	blobs  *blobstore.Store
	filter *stubFilter
	worker *worker.Worker
}

func newFixture(t *testing.T, opts ...testsupport.ConfigOption) *fixture {
	t.Helper()
	cfg := testsupport.NewConfig(t, opts...)
	store := testsupport.MustOpenStore(t, cfg)
	hub := notify.NewHub()
	store.SetNotifier(hub)

	blobs, err := blobstore.New(cfg.Paths.BlobDir, logging.NewNop())
	if err != nil {
		t.Fatalf("blobstore.New: %v", err)
	}
	sgnr, err := signer.New(cfg.Storage.Secret)
	if err != nil {
		t.Fatalf("signer.New: %v", err)
	}
	srv := transfer.NewServer(cfg, blobs, sgnr, logging.NewNop())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	client := transfer.NewClient(ts.URL, cfg.Storage.APIToken)

	stub := &stubFilter{}
	if err := os.MkdirAll(cfg.Paths.ScratchDir, 0o755); err != nil {
		t.Fatalf("mkdir scratch: %v", err)
	}
	return &fixture{
		cfg:    cfg,
		store:  store,
		hub:    hub,
		client: client,
		blobs:  blobs,
		filter: stub,
		worker: worker.New(cfg, store, hub, client, stub, logging.NewNop()),
	}
}

// submit stores payload as an original blob and enqueues its subject.
func (f *fixture) submit(t *testing.T, fingerprint string, payload []byte) *queue.Subject {
	t.Helper()
	blobPath := "originals/" + fingerprint + ".jpg"
	if err := f.blobs.Write(blobPath, bytes.NewReader(payload)); err != nil {
		t.Fatalf("seed original blob: %v", err)
	}
	subject := testsupport.NewSubject(t, f.store, fingerprint, blobPath)
	if _, _, err := f.store.Enqueue(context.Background(), subject.ID, queue.KindAnonymize); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return subject
}

func (f *fixture) runUntil(t *testing.T, condition func() bool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = f.worker.Run(ctx)
	}()

	deadline := time.After(10 * time.Second)
	for !condition() {
		select {
		case <-deadline:
			cancel()
			<-done
			t.Fatal("condition not reached before deadline")
		case <-time.After(20 * time.Millisecond):
		}
	}
	cancel()
	<-done
}

func (f *fixture) subjectStatus(t *testing.T, id string) queue.SubjectStatus {
	t.Helper()
	subject, err := f.store.SubjectByID(context.Background(), id)
	if err != nil {
		t.Fatalf("subject by id: %v", err)
	}
	return subject.Status
}

func TestWorkerProcessesItemEndToEnd(t *testing.T) {
	f := newFixture(t)
	subject := f.submit(t, "fp-e2e", bytes.Repeat([]byte("x"), 512))

	f.runUntil(t, func() bool {
		return f.subjectStatus(t, subject.ID) == queue.SubjectDone
	})

	final, err := f.store.SubjectByID(context.Background(), subject.ID)
	if err != nil {
		t.Fatalf("subject by id: %v", err)
	}
	want := "processed/" + subject.ID + ".jpg"
	if final.ProcessedPath != want {
		t.Fatalf("processed path = %s, want %s", final.ProcessedPath, want)
	}
	result, err := f.blobs.Read(final.ProcessedPath)
	if err != nil {
		t.Fatalf("read result blob: %v", err)
	}
	if !bytes.Equal(result, []byte("anonymized:high")) {
		t.Fatalf("result blob = %q", result)
	}

	calls := f.filter.calls()
	if len(calls) != 1 {
		t.Fatalf("filter calls = %d, want 1", len(calls))
	}
	if calls[0].Hint != filter.HintHigh {
		t.Fatalf("hint = %s, want %s for a small payload", calls[0].Hint, filter.HintHigh)
	}
	if calls[0].Options.Method != "mosaic" {
		t.Fatalf("filter received method %s", calls[0].Options.Method)
	}
}

func TestWorkerUsesMediumHintForLargerPayloads(t *testing.T) {
	f := newFixture(t)
	subject := f.submit(t, "fp-medium", bytes.Repeat([]byte("y"), 3<<20))

	f.runUntil(t, func() bool {
		return f.subjectStatus(t, subject.ID) == queue.SubjectDone
	})

	calls := f.filter.calls()
	if len(calls) != 1 {
		t.Fatalf("filter calls = %d, want 1", len(calls))
	}
	if calls[0].Hint != filter.HintMedium {
		t.Fatalf("hint = %s, want %s", calls[0].Hint, filter.HintMedium)
	}
}

func TestWorkerRetriesUntilTerminalFailure(t *testing.T) {
	f := newFixture(t, testsupport.WithMaxAttempts(2))
	f.filter.fail = true
	subject := f.submit(t, "fp-fail", []byte("payload"))

	f.runUntil(t, func() bool {
		return f.subjectStatus(t, subject.ID) == queue.SubjectFailed
	})

	items, err := f.store.ItemsForSubject(context.Background(), subject.ID)
	if err != nil {
		t.Fatalf("items for subject: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("item count = %d, want 1", len(items))
	}
	item := items[0]
	if item.Status != queue.ItemFailed {
		t.Fatalf("item status = %s, want %s", item.Status, queue.ItemFailed)
	}
	if item.Attempts != 2 {
		t.Fatalf("attempts = %d, want 2", item.Attempts)
	}
	if item.ErrorLog == "" {
		t.Fatal("error log empty after terminal failure")
	}
}

func TestWorkerCleansScratchDirectories(t *testing.T) {
	f := newFixture(t)
	subject := f.submit(t, "fp-scratch", []byte("payload"))

	f.runUntil(t, func() bool {
		return f.subjectStatus(t, subject.ID) == queue.SubjectDone
	})

	entries, err := os.ReadDir(f.cfg.Paths.ScratchDir)
	if err != nil {
		t.Fatalf("read scratch dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("scratch dir not cleaned: %d entries remain", len(entries))
	}
}

func TestWorkerProcessesManyItemsConcurrently(t *testing.T) {
	f := newFixture(t, testsupport.WithConcurrency(4))

	subjects := make([]*queue.Subject, 0, 10)
	for i := 0; i < 10; i++ {
		subjects = append(subjects, f.submit(t, "fp-many-"+string(rune('a'+i)), []byte("payload")))
	}

	f.runUntil(t, func() bool {
		for _, subject := range subjects {
			if f.subjectStatus(t, subject.ID) != queue.SubjectDone {
				return false
			}
		}
		return true
	})

	if calls := f.filter.calls(); len(calls) != len(subjects) {
		t.Fatalf("filter calls = %d, want %d", len(calls), len(subjects))
	}
	if f.worker.Inflight() != 0 {
		t.Fatalf("inflight = %d after drain, want 0", f.worker.Inflight())
	}
}
