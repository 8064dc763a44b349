package main

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"veil/internal/queue"
)

func newSubmitCommand(ctx *commandContext) *cobra.Command {
	var (
		method     string
		mosaicSize int
		scale      bool
	)

	cmd := &cobra.Command{
		Use:   "submit <file>...",
		Short: "Upload images and queue them for anonymization",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			defer ctx.close()
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			store, err := ctx.ensureStore()
			if err != nil {
				return err
			}
			client, err := ctx.transferClient()
			if err != nil {
				return err
			}

			if method == "" {
				method = cfg.Filter.Method
			}
			if mosaicSize == 0 {
				mosaicSize = cfg.Filter.MosaicSize
			}
			opts := queue.Options{Method: method, MosaicSize: mosaicSize, Scale: scale}
			if err := opts.Validate(); err != nil {
				return err
			}

			rows := make([][]string, 0, len(args))
			for _, path := range args {
				fingerprint, err := fingerprintFile(path)
				if err != nil {
					return err
				}

				blobPath := "originals/" + fingerprint + strings.ToLower(filepath.Ext(path))
				if err := client.UploadFile(cmd.Context(), blobPath, path); err != nil {
					return fmt.Errorf("upload %s: %w", path, err)
				}

				subject, err := store.CreateSubject(cmd.Context(), fingerprint, blobPath, opts)
				if err != nil {
					return err
				}
				item, created, err := store.Enqueue(cmd.Context(), subject.ID, queue.KindAnonymize)
				if err != nil {
					return err
				}

				note := "queued"
				if !created {
					note = fmt.Sprintf("already queued (item #%d)", item.ID)
				}
				rows = append(rows, []string{
					filepath.Base(path),
					subject.ID,
					shortFingerprint(fingerprint),
					note,
				})
			}

			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"File", "Subject", "Fingerprint", "Status"},
				rows,
				[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft},
			))
			return nil
		},
	}

	cmd.Flags().StringVar(&method, "method", "", "Anonymization method: mosaic, blur, or solid")
	cmd.Flags().IntVar(&mosaicSize, "mosaic-size", 0, "Mosaic cell size (mosaic method only)")
	cmd.Flags().BoolVar(&scale, "scale", false, "Scale detection regions before filtering")

	return cmd
}

// fingerprintFile hashes the file content; identical bytes always map to the
// same subject regardless of filename.
func fingerprintFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

func shortFingerprint(fingerprint string) string {
	if len(fingerprint) <= 12 {
		return fingerprint
	}
	return fingerprint[:12]
}
