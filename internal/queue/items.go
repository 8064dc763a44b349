package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// GetItem returns the work item with the given identifier, or nil when the
// item does not exist.
func (s *Store) GetItem(ctx context.Context, id int64) (*Item, error) {
	ctx = ensureContext(ctx)
	row := s.db.QueryRowContext(ctx,
		"SELECT "+itemColumns+" FROM work_items WHERE id = ?", id)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query item %d: %w", id, err)
	}
	return item, nil
}

// ItemsForSubject returns a subject's work items in creation order.
func (s *Store) ItemsForSubject(ctx context.Context, subjectID string) ([]*Item, error) {
	ctx = ensureContext(ctx)
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+itemColumns+" FROM work_items WHERE subject_id = ? ORDER BY id", subjectID)
	if err != nil {
		return nil, fmt.Errorf("list items for subject %s: %w", subjectID, err)
	}
	defer rows.Close()
	return collectItems(rows)
}

// ListItems returns work items filtered by status, oldest first. An empty
// filter returns every item.
func (s *Store) ListItems(ctx context.Context, statuses ...ItemStatus) ([]*Item, error) {
	ctx = ensureContext(ctx)
	query := "SELECT " + itemColumns + " FROM work_items"
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		query += " WHERE status IN (" + makePlaceholders(len(statuses)) + ")"
		for _, status := range statuses {
			args = append(args, string(status))
		}
	}
	query += " ORDER BY id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	defer rows.Close()
	return collectItems(rows)
}

func collectItems(rows *sql.Rows) ([]*Item, error) {
	var items []*Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func itemByIDTx(ctx context.Context, tx *sql.Tx, id int64) (*Item, error) {
	row := tx.QueryRowContext(ctx,
		"SELECT "+itemColumns+" FROM work_items WHERE id = ?", id)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query item %d: %w", id, err)
	}
	return item, nil
}
