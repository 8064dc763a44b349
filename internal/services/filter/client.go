package filter

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"veil/internal/queue"
	"veil/internal/services"
)

var commandContext = exec.CommandContext

// Inference hint tiers passed to the anonymizer. Smaller payloads can afford
// the slower, more accurate detector.
const (
	HintHigh   = "high"
	HintMedium = "medium"
	HintLow    = "low"
)

const (
	highHintMaxBytes   = 2 << 20
	mediumHintMaxBytes = 10 << 20
)

// HintForSize maps an input payload size to a detector accuracy tier.
func HintForSize(size int64) string {
	switch {
	case size <= highHintMaxBytes:
		return HintHigh
	case size <= mediumHintMaxBytes:
		return HintMedium
	default:
		return HintLow
	}
}

// Request describes one anonymization run.
type Request struct {
	InputPath  string
	OutputPath string
	Options    queue.Options
	Hint       string
}

// Client defines anonymizer behaviour.
type Client interface {
	Anonymize(ctx context.Context, req Request) error
}

// Option configures the CLI client.
type Option func(*CLI)

// WithBinary overrides the default binary name.
func WithBinary(binary string) Option {
	return func(c *CLI) {
		if binary != "" {
			c.binary = binary
		}
	}
}

// WithTimeout bounds a single anonymizer run. Zero disables the bound.
func WithTimeout(timeout time.Duration) Option {
	return func(c *CLI) {
		c.timeout = timeout
	}
}

// CLI wraps the anonymizer command-line filter.
type CLI struct {
	binary  string
	timeout time.Duration
}

// NewCLI constructs a CLI client using defaults.
func NewCLI(opts ...Option) *CLI {
	cli := &CLI{binary: "anonymizer"}
	for _, opt := range opts {
		opt(cli)
	}
	return cli
}

// Anonymize launches the filter and verifies it produced output. A run only
// succeeds when the process exits zero and the output file exists with a
// non-zero size; anything else is reported as an external tool failure.
func (c *CLI) Anonymize(ctx context.Context, req Request) error {
	if req.InputPath == "" {
		return services.Wrap(services.ErrValidation, "filter", "anonymize", "input path required", nil)
	}
	if req.OutputPath == "" {
		return services.Wrap(services.ErrValidation, "filter", "anonymize", "output path required", nil)
	}
	if err := req.Options.Validate(); err != nil {
		return err
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	args := []string{
		"--input", req.InputPath,
		"--output", req.OutputPath,
		"--method", req.Options.Method,
	}
	if req.Options.Method == "mosaic" {
		args = append(args, "--mosaic-size", strconv.Itoa(req.Options.MosaicSize))
	}
	if req.Options.Scale {
		args = append(args, "--scale")
	}
	if req.Hint != "" {
		args = append(args, "--hint", req.Hint)
	}

	cmd := commandContext(ctx, c.binary, args...) //nolint:gosec
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = err.Error()
		}
		if ctx.Err() != nil {
			detail = fmt.Sprintf("timed out: %s", detail)
		}
		return services.Wrap(services.ErrExternalTool, "filter", "anonymize", detail, err)
	}

	info, err := os.Stat(req.OutputPath)
	if err != nil {
		return services.Wrap(services.ErrExternalTool, "filter", "anonymize",
			fmt.Sprintf("filter exited cleanly but wrote no output at %s", req.OutputPath), err)
	}
	if info.Size() == 0 {
		return services.Wrap(services.ErrExternalTool, "filter", "anonymize",
			fmt.Sprintf("filter produced empty output at %s", req.OutputPath), nil)
	}
	return nil
}

var _ Client = (*CLI)(nil)
