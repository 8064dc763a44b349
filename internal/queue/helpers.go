package queue

import (
	"database/sql"
	"errors"
	"time"
)

const itemColumns = "id, subject_id, kind, dedupe_key, status, run_at, attempts, claimed_by, claimed_at, error_log, created_at, updated_at"

const subjectColumns = "id, fingerprint, original_path, processed_path, method, mosaic_size, scale, status, created_at, updated_at"

func scanItem(scanner interface{ Scan(dest ...any) error }) (*Item, error) {
	var (
		id           int64
		subjectID    string
		kind         string
		dedupeKey    string
		statusStr    string
		runAtRaw     string
		attempts     int
		claimedBy    sql.NullString
		claimedAtRaw sql.NullString
		errorLog     sql.NullString
		createdRaw   string
		updatedRaw   string
	)

	if err := scanner.Scan(
		&id,
		&subjectID,
		&kind,
		&dedupeKey,
		&statusStr,
		&runAtRaw,
		&attempts,
		&claimedBy,
		&claimedAtRaw,
		&errorLog,
		&createdRaw,
		&updatedRaw,
	); err != nil {
		return nil, err
	}

	item := &Item{
		ID:        id,
		SubjectID: subjectID,
		Kind:      kind,
		DedupeKey: dedupeKey,
		Status:    ItemStatus(statusStr),
		Attempts:  attempts,
		ClaimedBy: claimedBy.String,
		ErrorLog:  errorLog.String,
	}
	if runAt, err := parseTimeString(runAtRaw); err == nil {
		item.RunAt = runAt
	}
	if claimedAtRaw.Valid {
		if claimedAt, err := parseTimeString(claimedAtRaw.String); err == nil {
			item.ClaimedAt = &claimedAt
		}
	}
	if created, err := parseTimeString(createdRaw); err == nil {
		item.CreatedAt = created
	}
	if updated, err := parseTimeString(updatedRaw); err == nil {
		item.UpdatedAt = updated
	}
	return item, nil
}

func scanSubject(scanner interface{ Scan(dest ...any) error }) (*Subject, error) {
	var (
		id            string
		fingerprint   string
		originalPath  string
		processedPath sql.NullString
		method        string
		mosaicSize    int
		scale         int
		statusStr     string
		createdRaw    string
		updatedRaw    string
	)

	if err := scanner.Scan(
		&id,
		&fingerprint,
		&originalPath,
		&processedPath,
		&method,
		&mosaicSize,
		&scale,
		&statusStr,
		&createdRaw,
		&updatedRaw,
	); err != nil {
		return nil, err
	}

	subject := &Subject{
		ID:            id,
		Fingerprint:   fingerprint,
		OriginalPath:  originalPath,
		ProcessedPath: processedPath.String,
		Options: Options{
			Method:     method,
			MosaicSize: mosaicSize,
			Scale:      scale != 0,
		},
		Status: SubjectStatus(statusStr),
	}
	if created, err := parseTimeString(createdRaw); err == nil {
		subject.CreatedAt = created
	}
	if updated, err := parseTimeString(updatedRaw); err == nil {
		subject.UpdatedAt = updated
	}
	return subject, nil
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

func formatTime(value time.Time) string {
	return value.UTC().Format(time.RFC3339Nano)
}

func parseTimeString(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("empty")
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02 15:04:05", value)
}

func makePlaceholders(count int) string {
	if count <= 0 {
		return ""
	}
	placeholders := make([]byte, 0, count*2)
	for i := 0; i < count; i++ {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
	}
	return string(placeholders)
}
