// Package services holds cross-cutting helpers shared by veil components:
// the sentinel error taxonomy that separates permanent input errors from
// transient processing failures, and context annotation for item, subject,
// worker, and correlation identifiers.
package services
