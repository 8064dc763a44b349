package queue

import (
	"fmt"
	"strings"
	"time"

	"veil/internal/config"
	"veil/internal/services"
)

// SubjectStatus represents the lifecycle of an uploaded image.
type SubjectStatus string

const (
	SubjectUploaded   SubjectStatus = "uploaded"
	SubjectQueued     SubjectStatus = "queued"
	SubjectProcessing SubjectStatus = "processing"
	SubjectDone       SubjectStatus = "done"
	SubjectFailed     SubjectStatus = "failed"
)

// ItemStatus represents the lifecycle of a work item.
type ItemStatus string

const (
	ItemQueued     ItemStatus = "queued"
	ItemProcessing ItemStatus = "processing"
	ItemDone       ItemStatus = "done"
	ItemFailed     ItemStatus = "failed"
)

// KindAnonymize is the default processing pipeline.
const KindAnonymize = "anonymize"

var itemStatuses = map[ItemStatus]struct{}{
	ItemQueued:     {},
	ItemProcessing: {},
	ItemDone:       {},
	ItemFailed:     {},
}

// ParseItemStatus converts a string into a known ItemStatus.
func ParseItemStatus(value string) (ItemStatus, bool) {
	normalized := ItemStatus(strings.ToLower(strings.TrimSpace(value)))
	_, ok := itemStatuses[normalized]
	return normalized, ok
}

// Options are the declared processing parameters for a subject.
type Options struct {
	Method     string
	MosaicSize int
	Scale      bool
}

// Validate rejects option values the external filter would refuse. These are
// permanent input errors: they surface to the producer synchronously and
// never enter the queue.
func (o Options) Validate() error {
	if !config.ValidFilterMethod(o.Method) {
		return services.Wrap(services.ErrValidation, "queue", "options",
			fmt.Sprintf("method must be one of mosaic, blur, solid; got %q", o.Method), nil)
	}
	if o.Method == "mosaic" && (o.MosaicSize < 1 || o.MosaicSize > 120) {
		return services.Wrap(services.ErrValidation, "queue", "options",
			fmt.Sprintf("mosaic size must be between 1 and 120; got %d", o.MosaicSize), nil)
	}
	return nil
}

// Subject is an uploaded image awaiting or holding anonymization results.
type Subject struct {
	ID            string
	Fingerprint   string
	OriginalPath  string
	ProcessedPath string
	Options       Options
	Status        SubjectStatus
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Item is one unit of queued processing tied to a subject and pipeline kind.
type Item struct {
	ID        int64
	SubjectID string
	Kind      string
	DedupeKey string
	Status    ItemStatus
	RunAt     time.Time
	Attempts  int
	ClaimedBy string
	ClaimedAt *time.Time
	ErrorLog  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// AuditEvent is an append-only record of a state transition.
type AuditEvent struct {
	ID        int64
	SubjectID string
	Type      string
	Payload   string
	CreatedAt time.Time
}

// Audit event types written by engine transitions.
const (
	AuditQueued       = "queued"
	AuditJobCompleted = "job_completed"
	AuditJobRetry     = "job_retry"
	AuditJobFailed    = "job_failed"
	AuditJobReclaimed = "job_reclaimed"
)

// FailOutcome reports which branch a Fail call took.
type FailOutcome string

const (
	// FailRetry means the item was requeued with backoff.
	FailRetry FailOutcome = "retry"
	// FailTerminal means the item and its subject were marked failed.
	FailTerminal FailOutcome = "failed"
	// FailMissing means the item no longer exists or already reached a
	// terminal state; nothing was changed.
	FailMissing FailOutcome = "missing"
)

// DedupeKey builds the uniqueness key preventing duplicate live work for the
// same content and pipeline.
func DedupeKey(fingerprint, kind string) string {
	return fingerprint + ":" + kind
}
