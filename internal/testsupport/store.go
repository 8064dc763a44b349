package testsupport

import (
	"context"
	"testing"

	"veil/internal/config"
	"veil/internal/queue"
)

// MustOpenStore opens a queue.Store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *queue.Store {
	t.Helper()

	store, err := queue.Open(cfg)
	if err != nil {
		t.Fatalf("queue.Open: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// NewSubject creates a subject for tests using the provided store. Options
// default to a valid mosaic configuration.
func NewSubject(t testing.TB, store *queue.Store, fingerprint, originalPath string) *queue.Subject {
	t.Helper()

	subject, err := store.CreateSubject(context.Background(), fingerprint, originalPath, queue.Options{
		Method:     "mosaic",
		MosaicSize: 16,
	})
	if err != nil {
		t.Fatalf("store.CreateSubject: %v", err)
	}
	return subject
}

// EnqueueSubject creates a subject and enqueues its anonymize item.
func EnqueueSubject(t testing.TB, store *queue.Store, fingerprint, originalPath string) (*queue.Subject, *queue.Item) {
	t.Helper()

	subject := NewSubject(t, store, fingerprint, originalPath)
	item, created, err := store.Enqueue(context.Background(), subject.ID, queue.KindAnonymize)
	if err != nil {
		t.Fatalf("store.Enqueue: %v", err)
	}
	if !created {
		t.Fatalf("expected a fresh work item for %s", fingerprint)
	}
	return subject, item
}
