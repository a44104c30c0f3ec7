package delivery

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/mechnerve/mechnerve-website/internal/config"
	"github.com/mechnerve/mechnerve-website/internal/logger"
	"github.com/mechnerve/mechnerve-website/internal/models"
	emailprovider "github.com/mechnerve/mechnerve-website/internal/providers/email"
	"github.com/mechnerve/mechnerve-website/internal/sanitize"
)

// DefaultMaxAttempts bounds transport calls for one notification: the first
// send plus one retry of a transient failure.
const DefaultMaxAttempts = 2

// ErrStorage is returned when a failed submission could not be written to the
// fallback store. The submission is then unaccounted for.
var ErrStorage = errors.New("fallback storage failed")

// Config contains the runtime settings the dispatcher relies on.
type Config struct {
	Sender             string
	Recipient          string
	Configured         bool
	SendTimeout        time.Duration
	MaxAttempts        int
	RetryBackoff       time.Duration
	MaxConcurrentSends int
	SendConfirmation   bool
}

// ConfigFromMail derives dispatcher settings from the loaded mail section.
func ConfigFromMail(m config.MailConfig) Config {
	return Config{
		Sender:             m.Sender,
		Recipient:          m.Recipient,
		Configured:         m.Configured(),
		SendTimeout:        m.SendTimeout,
		MaxAttempts:        DefaultMaxAttempts,
		MaxConcurrentSends: m.MaxConcurrentSends,
		SendConfirmation:   m.SendConfirmation,
	}
}

// Store is the durable fallback the dispatcher writes undelivered
// submissions to.
type Store interface {
	Append(ctx context.Context, rec models.FallbackRecord) error
}

// Recorder receives delivery metrics.
type Recorder interface {
	AttemptFinished(kind models.Kind, err error)
	DeliveryFinished(kind models.Kind, outcome models.DeliveryOutcome, took time.Duration)
	ConfirmationFinished(kind models.Kind, sent bool)
	FallbackFinished(kind models.Kind, err error)
}

// Dependencies collects the runtime collaborators required by the dispatcher.
// Provider may be nil when the transport is not configured.
type Dependencies struct {
	Provider emailprovider.Provider
	Store    Store
	Recorder Recorder
	Logger   zerolog.Logger
	Now      func() time.Time
}

// Dispatcher sends operator notifications, classifies failures, retries
// transient ones once and stores every undelivered submission.
type Dispatcher struct {
	cfg      Config
	provider emailprovider.Provider
	store    Store
	recorder Recorder
	logger   zerolog.Logger

	semaphore *semaphore.Weighted

	now func() time.Time

	randMu sync.Mutex
	rnd    *rand.Rand
}

// NewDispatcher validates cfg and deps and returns a ready dispatcher.
func NewDispatcher(cfg Config, deps Dependencies) (*Dispatcher, error) {
	if deps.Store == nil {
		return nil, errors.New("delivery: fallback store dependency is required")
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.MaxConcurrentSends < 1 {
		return nil, errors.New("delivery: max concurrent sends must be >= 1")
	}
	if cfg.SendTimeout <= 0 {
		return nil, errors.New("delivery: send timeout must be > 0")
	}
	if deps.Provider == nil {
		cfg.Configured = false
	}
	if cfg.Configured && (strings.TrimSpace(cfg.Sender) == "" || strings.TrimSpace(cfg.Recipient) == "") {
		cfg.Configured = false
	}

	nowFunc := deps.Now
	if nowFunc == nil {
		nowFunc = time.Now
	}

	recorder := deps.Recorder
	if recorder == nil {
		recorder = nopRecorder{}
	}

	return &Dispatcher{
		cfg:       cfg,
		provider:  deps.Provider,
		store:     deps.Store,
		recorder:  recorder,
		logger:    logger.Component(deps.Logger, "dispatcher"),
		semaphore: semaphore.NewWeighted(int64(cfg.MaxConcurrentSends)),
		now:       nowFunc,
		rnd:       rand.New(rand.NewSource(time.Now().UnixNano())), // #nosec G404 -- jitter only.
	}, nil
}

// TransportConfigured reports whether sends will be attempted at all.
func (d *Dispatcher) TransportConfigured() bool {
	return d.cfg.Configured
}

// Dispatch delivers the operator notification for sub. Any outcome other
// than Delivered is appended to the fallback store before Dispatch returns.
// The returned error is non-nil only when that append failed, and wraps
// ErrStorage.
func (d *Dispatcher) Dispatch(ctx context.Context, sub *models.Submission) (models.DeliveryOutcome, error) {
	start := d.now()
	log := d.logger.With().
		Str("submission_id", sub.ID).
		Str("kind", string(sub.Kind)).
		Logger()

	outcome := d.deliver(ctx, sub, log)

	if outcome.Delivered() {
		if d.cfg.SendConfirmation {
			outcome.Confirmation = d.confirm(ctx, sub, log)
		}
		d.recorder.DeliveryFinished(sub.Kind, outcome, d.now().Sub(start))
		log.Info().
			Int("attempts", outcome.Attempts).
			Bool("confirmation_sent", outcome.Confirmation.Sent).
			Dur("duration", d.now().Sub(start)).
			Msg("submission delivered")
		return outcome, nil
	}

	d.recorder.DeliveryFinished(sub.Kind, outcome, d.now().Sub(start))

	rec := models.FallbackRecord{
		Submission: sub.Snapshot(),
		Outcome:    outcome,
		StoredAt:   d.now().UTC(),
	}
	// The submission must be stored even when the caller has gone away.
	err := d.store.Append(context.WithoutCancel(ctx), rec)
	d.recorder.FallbackFinished(sub.Kind, err)
	if err != nil {
		log.Error().
			Err(err).
			Str("outcome", outcome.Status.String()).
			Str("reason", outcome.Reason).
			Msg("failed to store undelivered submission")
		return outcome, fmt.Errorf("%w: %w", ErrStorage, err)
	}

	log.Warn().
		Str("outcome", outcome.Status.String()).
		Str("reason", outcome.Reason).
		Int("attempts", outcome.Attempts).
		Msg("submission stored for later delivery")
	return outcome, nil
}

func (d *Dispatcher) deliver(ctx context.Context, sub *models.Submission, log zerolog.Logger) models.DeliveryOutcome {
	if !d.cfg.Configured {
		return models.DeliveryOutcome{
			Status: models.PermanentFailure,
			Reason: ErrNotConfigured.Error(),
		}
	}

	acquireCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
	err := d.semaphore.Acquire(acquireCtx, 1)
	cancel()
	if err != nil {
		log.Warn().Err(err).Msg("no send slot freed within the send timeout")
		return models.DeliveryOutcome{
			Status: models.TransientFailure,
			Reason: Reason(WrapTransient(err)),
		}
	}
	defer d.semaphore.Release(1)

	payload := d.notificationPayload(sub)

	attempt := 1
	for {
		err := d.send(ctx, payload)
		d.recorder.AttemptFinished(sub.Kind, err)

		if err == nil {
			return models.DeliveryOutcome{Status: models.Delivered, Attempts: attempt}
		}

		logEvent := log.With().Int("attempt", attempt).Logger()
		logEvent.Warn().Err(err).Msg("notification send failed")

		if errors.Is(err, ErrPermanent) {
			return models.DeliveryOutcome{Status: models.PermanentFailure, Reason: Reason(err), Attempts: attempt}
		}
		if attempt >= d.cfg.MaxAttempts || ctx.Err() != nil {
			return models.DeliveryOutcome{Status: models.TransientFailure, Reason: Reason(err), Attempts: attempt}
		}

		if !d.wait(ctx, d.fullJitter(d.cfg.RetryBackoff)) {
			return models.DeliveryOutcome{Status: models.TransientFailure, Reason: Reason(err), Attempts: attempt}
		}
		attempt++
	}
}

// send performs one bounded transport call and returns a classified error.
func (d *Dispatcher) send(ctx context.Context, payload *emailprovider.Payload) error {
	sendCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
	defer cancel()

	raw, err := d.provider.Send(sendCtx, payload)
	if err == nil {
		return nil
	}
	return Classify(err, raw)
}

func (d *Dispatcher) confirm(ctx context.Context, sub *models.Submission, log zerolog.Logger) models.ConfirmationStatus {
	to := strings.TrimSpace(sanitize.Plain(sub.Field(models.FieldEmail)))
	if to == "" {
		return models.ConfirmationStatus{}
	}

	msg := RenderConfirmation(*sub)
	payload := &emailprovider.Payload{
		MessageID: messageID(sub.ID+".ack", d.cfg.Sender),
		From:      d.cfg.Sender,
		To:        []string{to},
		ReplyTo:   d.cfg.Recipient,
		Subject:   msg.Subject,
		TextBody:  msg.Text,
		HTMLBody:  msg.HTML,
	}

	status := models.ConfirmationStatus{Attempted: true}
	if err := d.send(ctx, payload); err != nil {
		status.Error = Reason(err)
		log.Warn().Err(err).Msg("confirmation email failed")
	} else {
		status.Sent = true
	}
	d.recorder.ConfirmationFinished(sub.Kind, status.Sent)
	return status
}

func (d *Dispatcher) notificationPayload(sub *models.Submission) *emailprovider.Payload {
	msg := RenderNotification(*sub)
	payload := &emailprovider.Payload{
		MessageID: messageID(sub.ID, d.cfg.Sender),
		From:      d.cfg.Sender,
		To:        []string{d.cfg.Recipient},
		ReplyTo:   sanitize.Plain(sub.Field(models.FieldEmail)),
		Subject:   msg.Subject,
		TextBody:  msg.Text,
		HTMLBody:  msg.HTML,
		Headers: map[string]string{
			"X-Submission-Kind": string(sub.Kind),
			"X-Submission-Id":   sub.ID,
		},
	}
	if att := sub.Attachment; att != nil && att.Path != "" {
		payload.Attachments = []emailprovider.Attachment{{
			Filename:    att.Filename,
			ContentType: att.ContentType,
			Path:        att.Path,
		}}
	}
	return payload
}

func (d *Dispatcher) fullJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}

	d.randMu.Lock()
	defer d.randMu.Unlock()

	return time.Duration(d.rnd.Int63n(int64(max) + 1))
}

func (d *Dispatcher) wait(ctx context.Context, dur time.Duration) bool {
	if dur <= 0 {
		return ctx.Err() == nil
	}

	timer := time.NewTimer(dur)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func messageID(id, sender string) string {
	domain := "localhost"
	if i := strings.LastIndex(sender, "@"); i >= 0 && i < len(sender)-1 {
		domain = strings.Trim(sender[i+1:], "> ")
	}
	return "<" + id + "@" + domain + ">"
}

type nopRecorder struct{}

func (nopRecorder) AttemptFinished(models.Kind, error)                                  {}
func (nopRecorder) DeliveryFinished(models.Kind, models.DeliveryOutcome, time.Duration) {}
func (nopRecorder) ConfirmationFinished(models.Kind, bool)                              {}
func (nopRecorder) FallbackFinished(models.Kind, error)                                 {}
