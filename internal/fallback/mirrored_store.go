package fallback

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/mechnerve/mechnerve-website/internal/logger"
	"github.com/mechnerve/mechnerve-website/internal/models"
)

// Publisher forwards stored records to an external consumer.
type Publisher interface {
	PublishFallback(ctx context.Context, rec models.FallbackRecord) error
}

// MirroredStore appends to a durable store and then forwards the record to
// a publisher. A publish failure is logged and never fails the append.
type MirroredStore struct {
	primary   Store
	publisher Publisher
	logger    zerolog.Logger
}

// NewMirroredStore returns primary unchanged when publisher is nil.
func NewMirroredStore(primary Store, publisher Publisher, log zerolog.Logger) Store {
	if publisher == nil {
		return primary
	}
	return &MirroredStore{
		primary:   primary,
		publisher: publisher,
		logger:    logger.Component(log, "fallback_mirror"),
	}
}

// Append implements Store.
func (m *MirroredStore) Append(ctx context.Context, rec models.FallbackRecord) error {
	if err := m.primary.Append(ctx, rec); err != nil {
		return err
	}
	if err := m.publisher.PublishFallback(ctx, rec); err != nil {
		m.logger.Warn().
			Err(err).
			Str("submission_id", rec.Submission.ID).
			Msg("failed to mirror fallback record")
	}
	return nil
}

// ReadAll implements Store.
func (m *MirroredStore) ReadAll(ctx context.Context) ([]models.FallbackRecord, error) {
	return m.primary.ReadAll(ctx)
}

// Len implements Store.
func (m *MirroredStore) Len(ctx context.Context) (int, error) {
	return m.primary.Len(ctx)
}
