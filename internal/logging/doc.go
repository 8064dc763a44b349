// Package logging centralizes slog construction for veil.
//
// It provides console and JSON handlers behind a shared Options surface,
// standardized field keys for queue and worker identifiers, attribute helper
// shims so call sites avoid importing slog directly, and context-derived
// logger augmentation for correlation across the daemon, workers, and the
// storage API.
package logging
