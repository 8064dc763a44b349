package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"veil/internal/services"
)

// Enqueue adds a work item for a subject. At most one live item exists per
// (fingerprint, kind) pair: when an item with the same dedupe key already
// exists the call returns it with created=false and changes nothing.
func (s *Store) Enqueue(ctx context.Context, subjectID, kind string) (item *Item, created bool, err error) {
	ctx = ensureContext(ctx)
	if kind == "" {
		kind = KindAnonymize
	}

	err = s.inTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			"SELECT "+subjectColumns+" FROM subjects WHERE id = ?", subjectID)
		subject, scanErr := scanSubject(row)
		if errors.Is(scanErr, sql.ErrNoRows) {
			return services.Wrap(services.ErrNotFound, "queue", "enqueue",
				fmt.Sprintf("subject %s not found", subjectID), nil)
		}
		if scanErr != nil {
			return fmt.Errorf("query subject %s: %w", subjectID, scanErr)
		}

		key := DedupeKey(subject.Fingerprint, kind)

		// Writers are serialized by the immediate transaction, so checking
		// first is race-free and avoids decoding constraint errors.
		existingRow := tx.QueryRowContext(ctx,
			"SELECT "+itemColumns+" FROM work_items WHERE dedupe_key = ?", key)
		existing, existErr := scanItem(existingRow)
		if existErr != nil && !errors.Is(existErr, sql.ErrNoRows) {
			return fmt.Errorf("query item by dedupe key: %w", existErr)
		}
		if existing != nil {
			item = existing
			return nil
		}

		now := time.Now().UTC()
		res, insertErr := tx.ExecContext(ctx, `
			INSERT INTO work_items (subject_id, kind, dedupe_key, status, run_at, attempts, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, 0, ?, ?)`,
			subject.ID, kind, key, string(ItemQueued),
			formatTime(now), formatTime(now), formatTime(now))
		if insertErr != nil {
			return fmt.Errorf("insert work item: %w", insertErr)
		}
		id, idErr := res.LastInsertId()
		if idErr != nil {
			return fmt.Errorf("read work item id: %w", idErr)
		}

		if err := setSubjectStatusTx(ctx, tx, subject.ID, SubjectQueued, now); err != nil {
			return err
		}
		if err := appendAuditTx(ctx, tx, subject.ID, AuditQueued, map[string]any{
			"item_id": id,
			"kind":    kind,
		}); err != nil {
			return err
		}

		item = &Item{
			ID:        id,
			SubjectID: subject.ID,
			Kind:      kind,
			DedupeKey: key,
			Status:    ItemQueued,
			RunAt:     now,
			CreatedAt: now,
			UpdatedAt: now,
		}
		created = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if created {
		s.notifyAfterCommit(ctx)
	}
	return item, created, nil
}

// ClaimBatch atomically claims up to limit claimable items for workerID,
// oldest first. The select and update run in one immediate transaction, so
// two concurrent callers never receive the same item; a loser simply sees
// fewer rows. Returns an empty slice when nothing is claimable.
func (s *Store) ClaimBatch(ctx context.Context, workerID string, limit int) ([]*Item, error) {
	ctx = ensureContext(ctx)
	if limit <= 0 {
		return nil, nil
	}
	var claimed []*Item
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		claimed = nil
		now := time.Now().UTC()
		rows, err := tx.QueryContext(ctx,
			"SELECT "+itemColumns+" FROM work_items WHERE status = ? AND run_at <= ? ORDER BY run_at, id LIMIT ?",
			string(ItemQueued), formatTime(now), limit)
		if err != nil {
			return fmt.Errorf("select claimable items: %w", err)
		}
		ready, err := collectItems(rows)
		rows.Close()
		if err != nil {
			return err
		}

		for _, item := range ready {
			item.Status = ItemProcessing
			item.Attempts++
			item.ClaimedBy = workerID
			claimedAt := now
			item.ClaimedAt = &claimedAt
			item.UpdatedAt = now
			_, err := tx.ExecContext(ctx, `
				UPDATE work_items
				SET status = ?, attempts = ?, claimed_by = ?, claimed_at = ?, updated_at = ?
				WHERE id = ?`,
				string(ItemProcessing), item.Attempts, workerID,
				formatTime(now), formatTime(now), item.ID)
			if err != nil {
				return fmt.Errorf("claim item %d: %w", item.ID, err)
			}
			if err := setSubjectStatusTx(ctx, tx, item.SubjectID, SubjectProcessing, now); err != nil {
				return err
			}
			claimed = append(claimed, item)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// ClaimNext claims the single oldest claimable item, or nil when the queue
// holds nothing ready.
func (s *Store) ClaimNext(ctx context.Context, workerID string) (*Item, error) {
	items, err := s.ClaimBatch(ctx, workerID, 1)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}
	return items[0], nil
}

// Complete marks a claimed item done and records the processed artifact on the
// subject. Returns false when the item is missing or already terminal, which
// makes completion idempotent under worker races with the reaper.
func (s *Store) Complete(ctx context.Context, id int64, resultPath string) (bool, error) {
	ctx = ensureContext(ctx)
	var applied bool
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		applied = false
		item, err := itemByIDTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if item == nil || item.Status == ItemDone || item.Status == ItemFailed {
			return nil
		}

		now := time.Now().UTC()
		_, err = tx.ExecContext(ctx, `
			UPDATE work_items
			SET status = ?, claimed_by = NULL, claimed_at = NULL, error_log = NULL, updated_at = ?
			WHERE id = ?`,
			string(ItemDone), formatTime(now), id)
		if err != nil {
			return fmt.Errorf("complete item %d: %w", id, err)
		}

		if resultPath != "" {
			_, err = tx.ExecContext(ctx,
				"UPDATE subjects SET processed_path = ?, status = ?, updated_at = ? WHERE id = ?",
				resultPath, string(SubjectDone), formatTime(now), item.SubjectID)
		} else {
			err = setSubjectStatusTx(ctx, tx, item.SubjectID, SubjectDone, now)
		}
		if err != nil {
			return fmt.Errorf("finish subject %s: %w", item.SubjectID, err)
		}

		if err := appendAuditTx(ctx, tx, item.SubjectID, AuditJobCompleted, map[string]any{
			"item_id":     id,
			"attempts":    item.Attempts,
			"result_path": resultPath,
		}); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

// Fail records a processing failure. Items that have attempts left are
// requeued with a linearly growing delay; items at the attempt limit become
// terminal along with their subject. Missing or already-terminal items are
// left untouched and reported as FailMissing.
func (s *Store) Fail(ctx context.Context, id int64, reason string) (FailOutcome, error) {
	ctx = ensureContext(ctx)
	outcome := FailMissing
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		outcome = FailMissing
		item, err := itemByIDTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if item == nil || item.Status == ItemDone || item.Status == ItemFailed {
			return nil
		}

		now := time.Now().UTC()
		if item.Attempts >= s.maxAttempts {
			_, err = tx.ExecContext(ctx, `
				UPDATE work_items
				SET status = ?, claimed_by = NULL, claimed_at = NULL, error_log = ?, updated_at = ?
				WHERE id = ?`,
				string(ItemFailed), nullableString(reason), formatTime(now), id)
			if err != nil {
				return fmt.Errorf("fail item %d: %w", id, err)
			}
			if err := setSubjectStatusTx(ctx, tx, item.SubjectID, SubjectFailed, now); err != nil {
				return err
			}
			if err := appendAuditTx(ctx, tx, item.SubjectID, AuditJobFailed, map[string]any{
				"item_id":  id,
				"attempts": item.Attempts,
				"error":    reason,
			}); err != nil {
				return err
			}
			outcome = FailTerminal
			return nil
		}

		runAt := now.Add(time.Duration(item.Attempts) * s.backoff)
		_, err = tx.ExecContext(ctx, `
			UPDATE work_items
			SET status = ?, run_at = ?, claimed_by = NULL, claimed_at = NULL, error_log = ?, updated_at = ?
			WHERE id = ?`,
			string(ItemQueued), formatTime(runAt), nullableString(reason), formatTime(now), id)
		if err != nil {
			return fmt.Errorf("requeue item %d: %w", id, err)
		}
		if err := setSubjectStatusTx(ctx, tx, item.SubjectID, SubjectQueued, now); err != nil {
			return err
		}
		if err := appendAuditTx(ctx, tx, item.SubjectID, AuditJobRetry, map[string]any{
			"item_id":  id,
			"attempts": item.Attempts,
			"run_at":   formatTime(runAt),
			"error":    reason,
		}); err != nil {
			return err
		}
		outcome = FailRetry
		return nil
	})
	if err != nil {
		return FailMissing, err
	}
	if outcome == FailRetry {
		s.notifyAfterCommit(ctx)
	}
	return outcome, nil
}

// ReclaimStale requeues processing items whose claim is older than olderThan,
// recovering work abandoned by a crashed worker. Reclaimed items keep their
// attempt count, so repeated crashes still converge on a terminal failure.
// Returns how many items were requeued.
func (s *Store) ReclaimStale(ctx context.Context, olderThan time.Duration) (int, error) {
	ctx = ensureContext(ctx)
	reclaimed := 0
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		reclaimed = 0
		now := time.Now().UTC()
		cutoff := now.Add(-olderThan)
		rows, err := tx.QueryContext(ctx,
			"SELECT "+itemColumns+" FROM work_items WHERE status = ? AND claimed_at IS NOT NULL AND claimed_at <= ?",
			string(ItemProcessing), formatTime(cutoff))
		if err != nil {
			return fmt.Errorf("select stale items: %w", err)
		}
		stale, err := collectItems(rows)
		rows.Close()
		if err != nil {
			return err
		}

		for _, item := range stale {
			// A future run_at from an earlier retry stays in place; reclaiming
			// must never pull a delayed item forward.
			runAt := item.RunAt
			if runAt.Before(now) {
				runAt = now
			}
			_, err := tx.ExecContext(ctx, `
				UPDATE work_items
				SET status = ?, run_at = ?, claimed_by = NULL, claimed_at = NULL, updated_at = ?
				WHERE id = ?`,
				string(ItemQueued), formatTime(runAt), formatTime(now), item.ID)
			if err != nil {
				return fmt.Errorf("reclaim item %d: %w", item.ID, err)
			}
			if err := setSubjectStatusTx(ctx, tx, item.SubjectID, SubjectQueued, now); err != nil {
				return err
			}
			if err := appendAuditTx(ctx, tx, item.SubjectID, AuditJobReclaimed, map[string]any{
				"item_id":    item.ID,
				"claimed_by": item.ClaimedBy,
				"attempts":   item.Attempts,
			}); err != nil {
				return err
			}
			reclaimed++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if reclaimed > 0 {
		s.notifyAfterCommit(ctx)
	}
	return reclaimed, nil
}

// RetryFailed requeues a terminally failed item for one more run. The attempt
// count is preserved, so the retried run is the item's last unless it
// succeeds; the stored error is cleared.
func (s *Store) RetryFailed(ctx context.Context, id int64) (*Item, error) {
	ctx = ensureContext(ctx)
	var retried *Item
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		item, err := itemByIDTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if item == nil {
			return services.Wrap(services.ErrNotFound, "queue", "retry",
				fmt.Sprintf("item %d not found", id), nil)
		}
		if item.Status != ItemFailed {
			return services.Wrap(services.ErrValidation, "queue", "retry",
				fmt.Sprintf("item %d is %s, only failed items can be retried", id, item.Status), nil)
		}

		now := time.Now().UTC()
		_, err = tx.ExecContext(ctx, `
			UPDATE work_items
			SET status = ?, run_at = ?, error_log = NULL, updated_at = ?
			WHERE id = ?`,
			string(ItemQueued), formatTime(now), formatTime(now), id)
		if err != nil {
			return fmt.Errorf("retry item %d: %w", id, err)
		}
		if err := setSubjectStatusTx(ctx, tx, item.SubjectID, SubjectQueued, now); err != nil {
			return err
		}

		item.Status = ItemQueued
		item.RunAt = now
		item.ErrorLog = ""
		item.UpdatedAt = now
		retried = item
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.notifyAfterCommit(ctx)
	return retried, nil
}

// Stats summarizes work item counts by status. A positive window restricts
// the summary to items updated within that window.
type Stats struct {
	Total      int
	Queued     int
	Processing int
	Done       int
	Failed     int
}

// Stats reports queue depth per status. window <= 0 counts every item.
func (s *Store) Stats(ctx context.Context, window time.Duration) (Stats, error) {
	ctx = ensureContext(ctx)
	query := "SELECT status, COUNT(1) FROM work_items"
	var args []any
	if window > 0 {
		query += " WHERE updated_at >= ?"
		args = append(args, formatTime(time.Now().UTC().Add(-window)))
	}
	query += " GROUP BY status"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return Stats{}, fmt.Errorf("query stats: %w", err)
	}
	defer rows.Close()

	var stats Stats
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return Stats{}, fmt.Errorf("scan stats: %w", err)
		}
		stats.Total += count
		switch ItemStatus(status) {
		case ItemQueued:
			stats.Queued = count
		case ItemProcessing:
			stats.Processing = count
		case ItemDone:
			stats.Done = count
		case ItemFailed:
			stats.Failed = count
		}
	}
	return stats, rows.Err()
}
