package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"github.com/rs/zerolog"

	"github.com/mechnerve/mechnerve-website/internal/models"
)

var errProducerNotInitialised = errors.New("kafka publisher: producer not initialised")

// SyncProducer captures the subset of producer behaviour required by the publisher.
type SyncProducer interface {
	PublishSync(topic string, key []byte, headers map[string][]byte, payload []byte) error
}

// ErrProducerNotInitialised exposes the sentinel error for callers and tests.
func ErrProducerNotInitialised() error {
	return errProducerNotInitialised
}

// FallbackPublisher mirrors undelivered submissions to a Kafka topic so an
// external consumer can replay them.
type FallbackPublisher struct {
	producer SyncProducer
	topic    string
	logger   zerolog.Logger
}

// NewFallbackPublisher constructs a FallbackPublisher instance.
func NewFallbackPublisher(prod SyncProducer, topic string, logger zerolog.Logger) *FallbackPublisher {
	if prod == nil {
		return nil
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	return &FallbackPublisher{
		producer: prod,
		topic:    topic,
		logger:   logger,
	}
}

// PublishFallback writes rec to Kafka synchronously, keyed by submission id.
func (p *FallbackPublisher) PublishFallback(ctx context.Context, rec models.FallbackRecord) error {
	if p == nil || p.producer == nil {
		return errProducerNotInitialised
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("kafka publisher: %w", err)
	}

	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("kafka publisher: marshal fallback record: %w", err)
	}

	key := []byte(rec.Submission.ID)
	headers := map[string][]byte{
		"content-type":    []byte("application/json"),
		"submission-kind": []byte(rec.Submission.Kind),
		"outcome":         []byte(rec.Outcome.Status.String()),
	}

	if err := p.producer.PublishSync(p.topic, cloneBytes(key), headers, payload); err != nil {
		return fmt.Errorf("kafka publisher: publish fallback record: %w", err)
	}
	p.logger.Debug().
		Str("submission_id", rec.Submission.ID).
		Str("topic", p.topic).
		Msg("fallback record mirrored")
	return nil
}

func cloneBytes(src []byte) []byte {
	if len(src) == 0 {
		return nil
	}
	dst := make([]byte, len(src))
	copy(dst, src)
	return dst
}
