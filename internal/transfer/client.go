package transfer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"veil/internal/services"
	"veil/internal/signer"
)

// Client moves blobs through the transfer API on behalf of workers and the
// CLI. It holds the bearer token used to mint capabilities; the blobs
// themselves travel under the minted grants.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient constructs a Client for the given API base URL.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 2 * time.Minute},
	}
}

// RequestCapability mints a capability for one method+path operation.
func (c *Client) RequestCapability(ctx context.Context, method, path string) (signer.Capability, error) {
	body, err := json.Marshal(mintRequest{Method: method, Path: path})
	if err != nil {
		return signer.Capability{}, fmt.Errorf("encode capability request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/capabilities", bytes.NewReader(body))
	if err != nil {
		return signer.Capability{}, fmt.Errorf("build capability request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())

	resp, err := c.http.Do(req)
	if err != nil {
		return signer.Capability{}, services.Wrap(services.ErrTransient, "transfer", "request capability", "storage API unreachable", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized:
		return signer.Capability{}, services.Wrap(services.ErrUnauthorized, "transfer", "request capability", "bearer token rejected", nil)
	default:
		return signer.Capability{}, services.Wrap(services.ErrTransient, "transfer", "request capability",
			fmt.Sprintf("unexpected status %d", resp.StatusCode), nil)
	}

	var capability signer.Capability
	if err := json.NewDecoder(resp.Body).Decode(&capability); err != nil {
		return signer.Capability{}, fmt.Errorf("decode capability: %w", err)
	}
	return capability, nil
}

// Upload streams r into the blob store at path under a freshly minted
// capability.
func (c *Client) Upload(ctx context.Context, path string, r io.Reader) error {
	capability, err := c.RequestCapability(ctx, http.MethodPut, path)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.blobURL(path, &capability), r)
	if err != nil {
		return fmt.Errorf("build upload request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return services.Wrap(services.ErrTransient, "transfer", "upload", "storage API unreachable", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return services.Wrap(services.ErrTransient, "transfer", "upload",
			fmt.Sprintf("upload of %s returned status %d", path, resp.StatusCode), nil)
	}
	return nil
}

// UploadFile uploads the file at src to the blob store at path.
func (c *Client) UploadFile(ctx context.Context, path, src string) error {
	f, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer f.Close()
	return c.Upload(ctx, path, f)
}

// Download fetches the blob at path into destPath, creating parent
// directories as needed. Reads of processed results skip the capability
// round-trip.
func (c *Client) Download(ctx context.Context, path, destPath string) error {
	var capability *signer.Capability
	if !strings.HasPrefix(path, publicPrefix) {
		minted, err := c.RequestCapability(ctx, http.MethodGet, path)
		if err != nil {
			return err
		}
		capability = &minted
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.blobURL(path, capability), nil)
	if err != nil {
		return fmt.Errorf("build download request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return services.Wrap(services.ErrTransient, "transfer", "download", "storage API unreachable", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return services.Wrap(services.ErrNotFound, "transfer", "download",
			fmt.Sprintf("blob %s not found", path), nil)
	case http.StatusUnauthorized, http.StatusForbidden:
		return services.Wrap(services.ErrUnauthorized, "transfer", "download",
			fmt.Sprintf("access to %s denied", path), nil)
	default:
		return services.Wrap(services.ErrTransient, "transfer", "download",
			fmt.Sprintf("download of %s returned status %d", path, resp.StatusCode), nil)
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("create download dir: %w", err)
	}
	dest, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("create %s: %w", destPath, err)
	}
	if _, err := io.Copy(dest, resp.Body); err != nil {
		dest.Close()
		return fmt.Errorf("write %s: %w", destPath, err)
	}
	return dest.Close()
}

// Delete removes the blob at path. Best effort on the server side; a 200
// response does not guarantee the blob existed.
func (c *Client) Delete(ctx context.Context, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/blobs/"+path, nil)
	if err != nil {
		return fmt.Errorf("build delete request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	resp, err := c.http.Do(req)
	if err != nil {
		return services.Wrap(services.ErrTransient, "transfer", "delete", "storage API unreachable", err)
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusUnauthorized:
		return services.Wrap(services.ErrUnauthorized, "transfer", "delete", "bearer token rejected", nil)
	default:
		return services.Wrap(services.ErrTransient, "transfer", "delete",
			fmt.Sprintf("delete of %s returned status %d", path, resp.StatusCode), nil)
	}
}

func (c *Client) blobURL(path string, capability *signer.Capability) string {
	u := c.baseURL + "/blobs/" + path
	if capability == nil {
		return u
	}
	query := url.Values{}
	query.Set("sig", capability.Signature)
	query.Set("exp", strconv.FormatInt(capability.Expiry, 10))
	return u + "?" + query.Encode()
}
