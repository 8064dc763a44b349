package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

func appendAuditTx(ctx context.Context, tx *sql.Tx, subjectID, eventType string, payload map[string]any) error {
	encoded := "{}"
	if len(payload) > 0 {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode audit payload: %w", err)
		}
		encoded = string(raw)
	}
	_, err := tx.ExecContext(ctx,
		"INSERT INTO audit_events (subject_id, event_type, payload, created_at) VALUES (?, ?, ?, ?)",
		subjectID, eventType, encoded, formatTime(time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("append audit event %s: %w", eventType, err)
	}
	return nil
}

// AuditForSubject returns a subject's audit trail in the order events were
// recorded.
func (s *Store) AuditForSubject(ctx context.Context, subjectID string) ([]*AuditEvent, error) {
	ctx = ensureContext(ctx)
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, subject_id, event_type, payload, created_at FROM audit_events WHERE subject_id = ? ORDER BY id",
		subjectID)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()

	var events []*AuditEvent
	for rows.Next() {
		var (
			event      AuditEvent
			createdRaw string
		)
		if err := rows.Scan(&event.ID, &event.SubjectID, &event.Type, &event.Payload, &createdRaw); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		if created, err := parseTimeString(createdRaw); err == nil {
			event.CreatedAt = created
		}
		events = append(events, &event)
	}
	return events, rows.Err()
}
