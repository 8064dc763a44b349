package deps_test

import (
	"os"
	"path/filepath"
	"testing"

	"veil/internal/deps"
	"veil/internal/testsupport"
)

func TestCheckBinariesReportsMissing(t *testing.T) {
	statuses := deps.CheckBinaries([]deps.Requirement{
		{Name: "filter", Command: "definitely-not-installed-anywhere"},
	})
	if len(statuses) != 1 {
		t.Fatalf("status count = %d", len(statuses))
	}
	if statuses[0].Available {
		t.Fatal("missing binary reported as available")
	}
	if statuses[0].Detail == "" {
		t.Fatal("missing binary carries no detail")
	}
}

func TestCheckBinariesReportsUnconfigured(t *testing.T) {
	statuses := deps.CheckBinaries([]deps.Requirement{{Name: "filter"}})
	if statuses[0].Available {
		t.Fatal("empty command reported as available")
	}
	if statuses[0].Detail != "command not configured" {
		t.Fatalf("detail = %q", statuses[0].Detail)
	}
}

func TestCheckBinariesFindsStub(t *testing.T) {
	dir := t.TempDir()
	stub := filepath.Join(dir, "anonymizer")
	if err := os.WriteFile(stub, []byte("#!/bin/sh\nexit 0\n"), 0o755); err != nil {
		t.Fatalf("write stub: %v", err)
	}

	cfg := testsupport.NewConfig(t, testsupport.WithFilterBinary(stub))
	statuses := deps.CheckBinaries(deps.Requirements(cfg))
	if len(statuses) != 1 || !statuses[0].Available {
		t.Fatalf("stub binary not detected: %+v", statuses)
	}
}
