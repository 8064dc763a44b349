package transfer_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"veil/internal/blobstore"
	"veil/internal/logging"
	"veil/internal/services"
	"veil/internal/signer"
	"veil/internal/testsupport"
	"veil/internal/transfer"
)

func newTestServer(t *testing.T) (*transfer.Server, *signer.Signer, *blobstore.Store) {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	blobs, err := blobstore.New(cfg.Paths.BlobDir, logging.NewNop())
	if err != nil {
		t.Fatalf("blobstore.New: %v", err)
	}
	sgnr, err := signer.New(cfg.Storage.Secret)
	if err != nil {
		t.Fatalf("signer.New: %v", err)
	}
	return transfer.NewServer(cfg, blobs, sgnr, logging.NewNop()), sgnr, blobs
}

func mint(t *testing.T, ts *httptest.Server, token, method, path string) signer.Capability {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"method": method, "path": path})
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/capabilities", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("build mint request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("mint capability: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("mint status = %d", resp.StatusCode)
	}
	var capability signer.Capability
	if err := json.NewDecoder(resp.Body).Decode(&capability); err != nil {
		t.Fatalf("decode capability: %v", err)
	}
	return capability
}

func blobURL(ts *httptest.Server, path string, capability signer.Capability) string {
	return fmt.Sprintf("%s/blobs/%s?sig=%s&exp=%d", ts.URL, path, capability.Signature, capability.Expiry)
}

func TestMintRequiresBearerToken(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	body, _ := json.Marshal(map[string]string{"method": "PUT", "path": "originals/x.jpg"})
	for name, header := range map[string]string{
		"missing": "",
		"wrong":   "Bearer nope",
		"basic":   "Basic dGVzdA==",
	} {
		t.Run(name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodPost, ts.URL+"/api/capabilities", bytes.NewReader(body))
			if header != "" {
				req.Header.Set("Authorization", header)
			}
			resp, err := ts.Client().Do(req)
			if err != nil {
				t.Fatalf("request: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != http.StatusUnauthorized {
				t.Fatalf("status = %d, want 401", resp.StatusCode)
			}
		})
	}
}

func TestMintRejectsUngrantableMethods(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	body, _ := json.Marshal(map[string]string{"method": "DELETE", "path": "originals/x.jpg"})
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/api/capabilities", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer test-token")
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestPutAndGetRoundTrip(t *testing.T) {
	srv, _, blobs := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	payload := []byte("original image bytes")
	putCap := mint(t, ts, "test-token", "PUT", "originals/a.jpg")
	req, _ := http.NewRequest(http.MethodPut, blobURL(ts, "originals/a.jpg", putCap), bytes.NewReader(payload))
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("put status = %d, want 201", resp.StatusCode)
	}

	stored, err := blobs.Read("originals/a.jpg")
	if err != nil {
		t.Fatalf("read stored blob: %v", err)
	}
	if !bytes.Equal(stored, payload) {
		t.Fatal("stored blob differs from upload")
	}

	getCap := mint(t, ts, "test-token", "GET", "originals/a.jpg")
	getResp, err := ts.Client().Get(blobURL(ts, "originals/a.jpg", getCap))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer getResp.Body.Close()
	if getResp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d, want 200", getResp.StatusCode)
	}
}

func TestCapabilityBindsMethodAndPath(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	putCap := mint(t, ts, "test-token", "PUT", "originals/a.jpg")

	// A PUT capability does not grant GET of the same path.
	resp, err := ts.Client().Get(blobURL(ts, "originals/a.jpg", putCap))
	if err != nil {
		t.Fatalf("get with put capability: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("cross-method status = %d, want 403", resp.StatusCode)
	}

	// Nor a PUT of a different path.
	req, _ := http.NewRequest(http.MethodPut, blobURL(ts, "originals/b.jpg", putCap), strings.NewReader("x"))
	resp, err = ts.Client().Do(req)
	if err != nil {
		t.Fatalf("put other path: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("cross-path status = %d, want 403", resp.StatusCode)
	}
}

func TestExpiredCapabilityIsRejected(t *testing.T) {
	srv, sgnr, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	expired := sgnr.Issue("GET", "originals/a.jpg", -time.Minute)
	resp, err := ts.Client().Get(blobURL(ts, "originals/a.jpg", expired))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestUnsignedRequestsAreRejected(t *testing.T) {
	srv, _, blobs := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	if err := blobs.Write("originals/a.jpg", strings.NewReader("secret")); err != nil {
		t.Fatalf("seed blob: %v", err)
	}

	resp, err := ts.Client().Get(ts.URL + "/blobs/originals/a.jpg")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unsigned get status = %d, want 401", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodPut, ts.URL+"/blobs/originals/b.jpg", strings.NewReader("x"))
	resp, err = ts.Client().Do(req)
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unsigned put status = %d, want 401", resp.StatusCode)
	}
}

func TestProcessedBlobsAreServedUnsigned(t *testing.T) {
	srv, _, blobs := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	if err := blobs.Write("processed/a.jpg", strings.NewReader("anonymized")); err != nil {
		t.Fatalf("seed blob: %v", err)
	}

	resp, err := ts.Client().Get(ts.URL + "/blobs/processed/a.jpg")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestGetMissingBlobReturns404(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := ts.Client().Get(ts.URL + "/blobs/processed/ghost.jpg")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestDeleteRequiresBearerToken(t *testing.T) {
	srv, _, blobs := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	if err := blobs.Write("originals/d.jpg", strings.NewReader("x")); err != nil {
		t.Fatalf("seed blob: %v", err)
	}

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/blobs/originals/d.jpg", nil)
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated delete status = %d, want 401", resp.StatusCode)
	}
	if _, err := blobs.Stat("originals/d.jpg"); err != nil {
		t.Fatalf("blob removed by rejected delete: %v", err)
	}

	client := transfer.NewClient(ts.URL, "test-token")
	if err := client.Delete(context.Background(), "originals/d.jpg"); err != nil {
		t.Fatalf("authorized delete: %v", err)
	}
	if _, err := blobs.Stat("originals/d.jpg"); !errors.Is(err, blobstore.ErrNotFound) {
		t.Fatalf("blob survived delete: %v", err)
	}
}

func TestClientRoundTrip(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ctx := context.Background()
	client := transfer.NewClient(ts.URL, "test-token")

	payload := bytes.Repeat([]byte("img"), 1024)
	if err := client.Upload(ctx, "originals/rt.jpg", bytes.NewReader(payload)); err != nil {
		t.Fatalf("upload: %v", err)
	}

	dest := filepath.Join(t.TempDir(), "nested", "rt.jpg")
	if err := client.Download(ctx, "originals/rt.jpg", dest); err != nil {
		t.Fatalf("download: %v", err)
	}
	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("read download: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("downloaded bytes differ from upload")
	}

	err = client.Download(ctx, "originals/absent.jpg", filepath.Join(t.TempDir(), "x"))
	if !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("missing blob err = %v, want not found", err)
	}
}

func TestClientRejectsBadToken(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	client := transfer.NewClient(ts.URL, "wrong-token")
	err := client.Upload(context.Background(), "originals/x.jpg", strings.NewReader("x"))
	if !errors.Is(err, services.ErrUnauthorized) {
		t.Fatalf("err = %v, want unauthorized", err)
	}
}
