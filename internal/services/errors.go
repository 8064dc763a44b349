package services

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrExternalTool marks failures of the anonymization filter subprocess.
	ErrExternalTool = errors.New("external tool error")
	// ErrValidation marks permanent input errors that must never enter the queue.
	ErrValidation = errors.New("validation error")
	// ErrConfiguration marks errors caused by invalid or missing configuration.
	ErrConfiguration = errors.New("configuration error")
	// ErrNotFound marks lookups of subjects or items that do not exist.
	ErrNotFound = errors.New("not found")
	// ErrUnauthorized marks capability denials at the storage boundary.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrTransient marks failures that are safe to retry via the queue backoff path.
	ErrTransient = errors.New("transient failure")
)

// Wrap builds an error message that includes component context while tagging
// it with the provided marker for later classification. The marker should be
// one of the exported sentinel errors above.
func Wrap(marker error, component, operation, message string, err error) error {
	detail := buildDetail(component, operation, message)
	if marker == nil {
		marker = ErrTransient
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// IsPermanent reports whether an error should be surfaced to the producer
// synchronously instead of entering the queue's retry path.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrValidation) || errors.Is(err, ErrConfiguration) || errors.Is(err, ErrNotFound)
}

func buildDetail(component, operation, message string) string {
	parts := make([]string, 0, 3)
	if component = strings.TrimSpace(component); component != "" {
		parts = append(parts, component)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}
