package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"veil/internal/services"
)

// CreateSubject registers an uploaded image. When a subject with the same
// fingerprint already exists the existing row is returned unchanged, so
// repeated submissions of identical content are idempotent.
func (s *Store) CreateSubject(ctx context.Context, fingerprint, originalPath string, opts Options) (*Subject, error) {
	ctx = ensureContext(ctx)
	if fingerprint == "" {
		return nil, services.Wrap(services.ErrValidation, "queue", "create subject", "fingerprint is required", nil)
	}
	if originalPath == "" {
		return nil, services.Wrap(services.ErrValidation, "queue", "create subject", "original path is required", nil)
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	var subject *Subject
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		existing, err := subjectByFingerprintTx(ctx, tx, fingerprint)
		if err != nil && !errors.Is(err, services.ErrNotFound) {
			return err
		}
		if existing != nil {
			subject = existing
			return nil
		}

		now := time.Now().UTC()
		subject = &Subject{
			ID:           uuid.NewString(),
			Fingerprint:  fingerprint,
			OriginalPath: originalPath,
			Options:      opts,
			Status:       SubjectUploaded,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO subjects (id, fingerprint, original_path, processed_path, method, mosaic_size, scale, status, created_at, updated_at)
			VALUES (?, ?, ?, NULL, ?, ?, ?, ?, ?, ?)`,
			subject.ID, subject.Fingerprint, subject.OriginalPath,
			subject.Options.Method, subject.Options.MosaicSize, boolToInt(subject.Options.Scale),
			string(subject.Status), formatTime(now), formatTime(now),
		)
		if err != nil {
			return fmt.Errorf("insert subject: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return subject, nil
}

// SubjectByID returns the subject with the given identifier.
func (s *Store) SubjectByID(ctx context.Context, id string) (*Subject, error) {
	ctx = ensureContext(ctx)
	row := s.db.QueryRowContext(ctx,
		"SELECT "+subjectColumns+" FROM subjects WHERE id = ?", id)
	subject, err := scanSubject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, services.Wrap(services.ErrNotFound, "queue", "subject by id",
			fmt.Sprintf("subject %s not found", id), nil)
	}
	if err != nil {
		return nil, fmt.Errorf("query subject %s: %w", id, err)
	}
	return subject, nil
}

// SubjectByFingerprint returns the subject holding the given content hash.
func (s *Store) SubjectByFingerprint(ctx context.Context, fingerprint string) (*Subject, error) {
	ctx = ensureContext(ctx)
	row := s.db.QueryRowContext(ctx,
		"SELECT "+subjectColumns+" FROM subjects WHERE fingerprint = ?", fingerprint)
	subject, err := scanSubject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, services.Wrap(services.ErrNotFound, "queue", "subject by fingerprint",
			fmt.Sprintf("no subject with fingerprint %s", fingerprint), nil)
	}
	if err != nil {
		return nil, fmt.Errorf("query subject by fingerprint: %w", err)
	}
	return subject, nil
}

func subjectByFingerprintTx(ctx context.Context, tx *sql.Tx, fingerprint string) (*Subject, error) {
	row := tx.QueryRowContext(ctx,
		"SELECT "+subjectColumns+" FROM subjects WHERE fingerprint = ?", fingerprint)
	subject, err := scanSubject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, services.Wrap(services.ErrNotFound, "queue", "subject by fingerprint", "not found", nil)
	}
	if err != nil {
		return nil, fmt.Errorf("query subject by fingerprint: %w", err)
	}
	return subject, nil
}

// ListSubjects returns subjects filtered by status, newest first. An empty
// filter returns every subject.
func (s *Store) ListSubjects(ctx context.Context, statuses ...SubjectStatus) ([]*Subject, error) {
	ctx = ensureContext(ctx)
	query := "SELECT " + subjectColumns + " FROM subjects"
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		query += " WHERE status IN (" + makePlaceholders(len(statuses)) + ")"
		for _, status := range statuses {
			args = append(args, string(status))
		}
	}
	query += " ORDER BY created_at DESC, id DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list subjects: %w", err)
	}
	defer rows.Close()

	var subjects []*Subject
	for rows.Next() {
		subject, err := scanSubject(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subject: %w", err)
		}
		subjects = append(subjects, subject)
	}
	return subjects, rows.Err()
}

// RemoveSubject deletes a subject along with its work items and audit trail.
// Returns the removed subject so callers can clean up stored blobs.
func (s *Store) RemoveSubject(ctx context.Context, id string) (*Subject, error) {
	ctx = ensureContext(ctx)
	subject, err := s.SubjectByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := s.execWithRetry(ctx, "DELETE FROM subjects WHERE id = ?", id); err != nil {
		return nil, fmt.Errorf("delete subject %s: %w", id, err)
	}
	return subject, nil
}

// Clear removes all subjects, work items, and audit events.
func (s *Store) Clear(ctx context.Context) error {
	ctx = ensureContext(ctx)
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, stmt := range []string{
			"DELETE FROM audit_events",
			"DELETE FROM work_items",
			"DELETE FROM subjects",
		} {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("clear queue: %w", err)
			}
		}
		return nil
	})
}

func setSubjectStatusTx(ctx context.Context, tx *sql.Tx, id string, status SubjectStatus, now time.Time) error {
	_, err := tx.ExecContext(ctx,
		"UPDATE subjects SET status = ?, updated_at = ? WHERE id = ?",
		string(status), formatTime(now), id)
	if err != nil {
		return fmt.Errorf("update subject %s status: %w", id, err)
	}
	return nil
}
