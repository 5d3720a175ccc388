// Package progress fans build progress out to every configured sink.
// The SQLite log is the durable record; NATS carries live updates to
// whatever is rendering the user's chat.
package progress

import (
	"context"
	"errors"
	"log"

	"github.com/cerebrum-dev/cerebrum/internal/domain"
)

// Multi records each entry to all recorders. Every recorder is tried even
// when an earlier one fails.
type Multi []domain.ProgressRecorder

// Record implements domain.ProgressRecorder.
func (m Multi) Record(ctx context.Context, e domain.ProgressEntry) error {
	var errs []error
	for _, r := range m {
		if r == nil {
			continue
		}
		if err := r.Record(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Emit records e and logs, never returns, a failure.
func Emit(ctx context.Context, r domain.ProgressRecorder, e domain.ProgressEntry) {
	if r == nil {
		return
	}
	if err := r.Record(ctx, e); err != nil {
		log.Printf("[progress] record %s/%s %s failed: %v", e.ProjectID, e.Step, e.Status, err)
	}
}
