package daemon_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"veil/internal/config"
	"veil/internal/daemon"
	"veil/internal/logging"
	"veil/internal/queue"
	"veil/internal/testsupport"
	"veil/internal/transfer"
)

// writeStubFilter installs a shell script that copies a marker payload to the
// requested output path, standing in for the anonymizer binary.
func writeStubFilter(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "anonymizer")
	script := `#!/bin/sh
out=""
while [ $# -gt 0 ]; do
  case "$1" in
    --output) out="$2"; shift 2 ;;
    *) shift ;;
  esac
done
printf 'stub-anonymized' > "$out"
`
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write stub filter: %v", err)
	}
	return path
}

func newDaemon(t *testing.T, cfg *config.Config) *daemon.Daemon {
	t.Helper()
	d, err := daemon.New(cfg, logging.NewNop())
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	t.Cleanup(func() {
		d.Close()
	})
	return d
}

func TestDaemonEnforcesSingleInstance(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	first := newDaemon(t, cfg)
	if err := first.Start(context.Background()); err != nil {
		t.Fatalf("start first daemon: %v", err)
	}

	secondCfg := *cfg
	secondCfg.Storage.Bind = "127.0.0.1:0"
	second, err := daemon.New(&secondCfg, logging.NewNop())
	if err != nil {
		t.Fatalf("construct second daemon: %v", err)
	}
	defer second.Close()
	if err := second.Start(context.Background()); err == nil {
		t.Fatal("second daemon acquired the instance lock")
	}

	first.Stop()
	if err := second.Start(context.Background()); err != nil {
		t.Fatalf("second daemon after release: %v", err)
	}
	second.Stop()
}

func TestDaemonStartStopIsIdempotent(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	d := newDaemon(t, cfg)

	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := d.Start(context.Background()); err == nil {
		t.Fatal("second start on a running daemon should fail")
	}
	d.Stop()
	d.Stop()
}

func TestDaemonProcessesSubmissionEndToEnd(t *testing.T) {
	stub := writeStubFilter(t)
	cfg := testsupport.NewConfig(t, testsupport.WithFilterBinary(stub))
	d := newDaemon(t, cfg)

	ctx := context.Background()
	if err := d.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer d.Stop()

	client := transfer.NewClient(d.BaseURL(), cfg.Storage.APIToken)
	blobPath := "originals/fp-daemon.jpg"
	if err := client.Upload(ctx, blobPath, bytes.NewReader([]byte("original"))); err != nil {
		t.Fatalf("upload original: %v", err)
	}

	subject := testsupport.NewSubject(t, d.Store(), "fp-daemon", blobPath)
	if _, _, err := d.Store().Enqueue(ctx, subject.ID, queue.KindAnonymize); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	deadline := time.After(15 * time.Second)
	for {
		current, err := d.Store().SubjectByID(ctx, subject.ID)
		if err != nil {
			t.Fatalf("subject by id: %v", err)
		}
		if current.Status == queue.SubjectDone {
			dest := filepath.Join(t.TempDir(), "result.jpg")
			if err := client.Download(ctx, current.ProcessedPath, dest); err != nil {
				t.Fatalf("download result: %v", err)
			}
			got, err := os.ReadFile(dest)
			if err != nil {
				t.Fatalf("read result: %v", err)
			}
			if string(got) != "stub-anonymized" {
				t.Fatalf("result = %q", got)
			}
			return
		}
		if current.Status == queue.SubjectFailed {
			items, _ := d.Store().ItemsForSubject(ctx, subject.ID)
			t.Fatalf("subject failed: %+v", items)
		}
		select {
		case <-deadline:
			t.Fatalf("subject stuck in %s", current.Status)
		case <-time.After(50 * time.Millisecond):
		}
	}
}
