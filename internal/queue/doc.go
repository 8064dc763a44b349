// Package queue persists subjects and work items in SQLite and implements
// the transactional job engine over them: idempotent enqueue, atomic claim,
// completion, failure with linear backoff, and stale-claim reclamation.
//
// The Store is the single source of truth for item state. Workers never
// mutate status fields directly; every transition goes through an engine
// operation that updates the item, keeps the parent subject's status
// consistent, and appends exactly one audit event, all in one transaction.
//
// Claim mutual exclusion rests on SQLite's writer serialization: ClaimNext
// runs its select-then-update inside a single immediate transaction, so two
// concurrent claimers can never both observe an item as queued. A claimer
// that loses the write lock retries briefly and simply sees fewer rows.
package queue
