// Package pipeline runs one submission through sanitizing, validation,
// attachment staging and delivery, and turns the outcome into a caller
// facing result.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mechnerve/mechnerve-website/internal/attachment"
	"github.com/mechnerve/mechnerve-website/internal/logger"
	"github.com/mechnerve/mechnerve-website/internal/models"
	"github.com/mechnerve/mechnerve-website/internal/sanitize"
	"github.com/mechnerve/mechnerve-website/internal/validation"
)

// User facing copy. Internal error text never appears here.
const (
	MessageDelivered = "Thank you! Your submission has been sent. We will get back to you soon."
	MessageStored    = "Thank you! We have received your submission. If your request is urgent, please also contact us directly."
	MessageRejected  = "Please correct the highlighted fields and try again."
	MessageFailed    = "Something went wrong while processing your submission. Please try again later."
)

// Status is the variant of a Result.
type Status int

const (
	// StatusAccepted means the submission was delivered or durably stored.
	StatusAccepted Status = iota + 1
	// StatusRejected means the caller must correct the input.
	StatusRejected
	// StatusFailed means the submission could not be accounted for.
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusAccepted:
		return "accepted"
	case StatusRejected:
		return "rejected"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Result is what Handle reports to the transport layer. Success is true
// whenever the submission is accounted for; Delivered is true only when the
// operator notification was sent.
type Result struct {
	Status       Status
	Success      bool
	Delivered    bool
	UserMessage  string
	Errors       []validation.FieldError
	SubmissionID string
}

// Dispatcher delivers a submission or stores it for later.
type Dispatcher interface {
	Dispatch(ctx context.Context, sub *models.Submission) (models.DeliveryOutcome, error)
	TransportConfigured() bool
}

// Records exposes the fallback log for read-only surfaces.
type Records interface {
	ReadAll(ctx context.Context) ([]models.FallbackRecord, error)
	Len(ctx context.Context) (int, error)
}

// Recorder counts pipeline results.
type Recorder interface {
	SubmissionFinished(kind models.Kind, result string)
}

// Dependencies collects the collaborators required by the pipeline.
type Dependencies struct {
	Validator  *validation.Validator
	Stager     *attachment.Stager
	Dispatcher Dispatcher
	Records    Records
	Recorder   Recorder
	Logger     zerolog.Logger
	Now        func() time.Time
	NewID      func() string
}

// Pipeline handles submissions. It holds no per-request state and is safe
// for concurrent use.
type Pipeline struct {
	validator  *validation.Validator
	stager     *attachment.Stager
	dispatcher Dispatcher
	records    Records
	recorder   Recorder
	logger     zerolog.Logger
	now        func() time.Time
	newID      func() string
}

// New validates deps and returns a Pipeline.
func New(deps Dependencies) (*Pipeline, error) {
	if deps.Validator == nil {
		return nil, errors.New("pipeline: validator dependency is required")
	}
	if deps.Stager == nil {
		return nil, errors.New("pipeline: stager dependency is required")
	}
	if deps.Dispatcher == nil {
		return nil, errors.New("pipeline: dispatcher dependency is required")
	}
	if deps.Records == nil {
		return nil, errors.New("pipeline: records dependency is required")
	}

	p := &Pipeline{
		validator:  deps.Validator,
		stager:     deps.Stager,
		dispatcher: deps.Dispatcher,
		records:    deps.Records,
		recorder:   deps.Recorder,
		logger:     logger.Component(deps.Logger, "pipeline"),
		now:        deps.Now,
		newID:      deps.NewID,
	}
	if p.recorder == nil {
		p.recorder = nopRecorder{}
	}
	if p.now == nil {
		p.now = time.Now
	}
	if p.newID == nil {
		p.newID = uuid.NewString
	}
	return p, nil
}

// Handle processes one submission of kind. upload is nil when the request
// carried no file. Any staged file is removed before Handle returns.
func (p *Pipeline) Handle(ctx context.Context, kind models.Kind, raw map[string]string, upload *attachment.Upload) (res Result) {
	id := p.newID()
	log := p.logger.With().
		Str("submission_id", id).
		Str("kind", string(kind)).
		Logger()

	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("panic", fmt.Sprint(r)).
				Bytes("stack", debug.Stack()).
				Msg("recovered panic while handling submission")
			res = failed(id)
		}
		p.recorder.SubmissionFinished(kind, res.Status.String())
	}()

	fields := sanitize.Fields(kind, raw)

	var info *validation.AttachmentInfo
	if upload != nil {
		info = &validation.AttachmentInfo{Filename: upload.Filename}
	}
	if err := p.validator.Validate(kind, fields, info); err != nil {
		return rejectedFrom(id, err, log)
	}

	sub := &models.Submission{
		ID:         id,
		Kind:       kind,
		Fields:     fields,
		ReceivedAt: p.now().UTC(),
	}

	if upload != nil && kind.AcceptsAttachment() {
		staged, err := p.stager.Stage(ctx, *upload)
		if err != nil {
			return p.stagingFailed(id, err, log)
		}
		defer func() {
			if err := staged.Release(); err != nil {
				log.Error().Err(err).Msg("staged attachment not released")
			}
		}()
		ref := staged.Ref()
		sub.Attachment = &ref
	}

	outcome, err := p.dispatcher.Dispatch(ctx, sub)
	if err != nil {
		log.Error().
			Err(err).
			Str("outcome", outcome.Status.String()).
			Msg("submission could not be accounted for")
		return failed(id)
	}

	if outcome.Delivered() {
		return Result{
			Status:       StatusAccepted,
			Success:      true,
			Delivered:    true,
			UserMessage:  MessageDelivered,
			SubmissionID: id,
		}
	}
	return Result{
		Status:       StatusAccepted,
		Success:      true,
		UserMessage:  MessageStored,
		SubmissionID: id,
	}
}

// ReadAll returns the stored undelivered submissions, oldest first.
func (p *Pipeline) ReadAll(ctx context.Context) ([]models.FallbackRecord, error) {
	return p.records.ReadAll(ctx)
}

// StoredCount reports how many undelivered submissions are retained.
func (p *Pipeline) StoredCount(ctx context.Context) (int, error) {
	return p.records.Len(ctx)
}

// TransportConfigured reports whether delivery will be attempted.
func (p *Pipeline) TransportConfigured() bool {
	return p.dispatcher.TransportConfigured()
}

func (p *Pipeline) stagingFailed(id string, err error, log zerolog.Logger) Result {
	switch {
	case errors.Is(err, attachment.ErrTooLarge):
		return rejected(id, []validation.FieldError{{
			Field:   validation.FieldAttachment,
			Code:    validation.CodeTooLong,
			Message: "the attached file is too large",
		}})
	case errors.Is(err, attachment.ErrRejected):
		return rejected(id, []validation.FieldError{{
			Field:   validation.FieldAttachment,
			Code:    validation.CodeRequired,
			Message: "the attached file is empty",
		}})
	default:
		log.Error().Err(err).Msg("failed to stage attachment")
		return failed(id)
	}
}

func rejectedFrom(id string, err error, log zerolog.Logger) Result {
	rej, ok := validation.AsRejection(err)
	if !ok {
		log.Error().Err(err).Msg("validator returned an unexpected error")
		return failed(id)
	}
	return rejected(id, rej.Errors)
}

func rejected(id string, errs []validation.FieldError) Result {
	return Result{
		Status:       StatusRejected,
		UserMessage:  MessageRejected,
		Errors:       errs,
		SubmissionID: id,
	}
}

func failed(id string) Result {
	return Result{
		Status:       StatusFailed,
		UserMessage:  MessageFailed,
		SubmissionID: id,
	}
}

type nopRecorder struct{}

func (nopRecorder) SubmissionFinished(models.Kind, string) {}
