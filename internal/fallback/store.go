// Package fallback persists submissions that could not be delivered so an
// operator can replay them later. Every backend is bounded and evicts the
// oldest record first.
package fallback

import (
	"context"
	"errors"
	"fmt"

	"github.com/mechnerve/mechnerve-website/internal/models"
)

// DefaultCapacity is the number of records retained by default.
const DefaultCapacity = 100

// ErrStorage wraps every persistence failure.
var ErrStorage = errors.New("fallback: storage failure")

// Store is a bounded, append-only log of undelivered submissions.
type Store interface {
	// Append durably records rec. When the store is full the oldest record
	// is evicted.
	Append(ctx context.Context, rec models.FallbackRecord) error
	// ReadAll returns a consistent snapshot, oldest first.
	ReadAll(ctx context.Context) ([]models.FallbackRecord, error)
	// Len reports how many records are retained.
	Len(ctx context.Context) (int, error)
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
}

func cloneRecords(in []models.FallbackRecord) []models.FallbackRecord {
	out := make([]models.FallbackRecord, len(in))
	for i := range in {
		out[i] = in[i]
		out[i].Submission = in[i].Submission.Snapshot()
	}
	return out
}
