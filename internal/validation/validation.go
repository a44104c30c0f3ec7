package validation

import (
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/mechnerve/mechnerve-website/internal/models"
	"github.com/mechnerve/mechnerve-website/internal/sanitize"
)

// Error codes reported per field.
const (
	CodeRequired    = "required"
	CodeInvalid     = "invalid_format"
	CodeTooShort    = "too_short"
	CodeTooLong     = "too_long"
	CodeUnsupported = "unsupported_type"
	CodeNotAllowed  = "not_allowed"
)

// FieldAttachment is the pseudo field name used for attachment errors.
const FieldAttachment = "attachment"

var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[A-Za-z]{2,}$`)

// FieldError describes one failing field.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Rejection lists every failing field of a submission. It is returned as an
// error so callers can match it with errors.As.
type Rejection struct {
	Errors []FieldError
}

func (r *Rejection) Error() string {
	parts := make([]string, 0, len(r.Errors))
	for _, fe := range r.Errors {
		parts = append(parts, fe.Field+": "+fe.Code)
	}
	return "validation: " + strings.Join(parts, ", ")
}

// Fields returns the names of the failing fields in report order.
func (r *Rejection) Fields() []string {
	out := make([]string, 0, len(r.Errors))
	for _, fe := range r.Errors {
		out = append(out, fe.Field)
	}
	return out
}

// AsRejection extracts a Rejection from err.
func AsRejection(err error) (*Rejection, bool) {
	var rej *Rejection
	if errors.As(err, &rej) {
		return rej, true
	}
	return nil, false
}

// AttachmentInfo is what the validator needs to know about an upload before
// it is staged.
type AttachmentInfo struct {
	Filename string
	Size     int64
}

// Config holds the limits enforced by the validator.
type Config struct {
	MessageMin        int
	MessageMax        int
	AllowedExtensions []string
}

// DefaultConfig returns the production limits.
func DefaultConfig() Config {
	return Config{
		MessageMin:        10,
		MessageMax:        sanitize.MessageMax,
		AllowedExtensions: []string{"pdf", "doc", "docx"},
	}
}

// Validator checks sanitized submission fields against the rules for their
// kind.
type Validator struct {
	logger  zerolog.Logger
	cfg     Config
	allowed map[string]struct{}
}

// New constructs a Validator using the supplied configuration.
func New(cfg Config, logger zerolog.Logger) *Validator {
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	allowed := make(map[string]struct{}, len(cfg.AllowedExtensions))
	for _, ext := range cfg.AllowedExtensions {
		allowed[strings.ToLower(strings.TrimPrefix(ext, "."))] = struct{}{}
	}
	return &Validator{logger: logger, cfg: cfg, allowed: allowed}
}

// Validate returns nil when fields are acceptable for kind, otherwise a
// *Rejection naming every failing field. A missing required field is
// reported once and not checked further.
func (v *Validator) Validate(kind models.Kind, fields map[string]string, att *AttachmentInfo) error {
	spec := kind.Spec()
	var errs []FieldError

	required := make(map[string]bool, len(spec.Required))
	for _, name := range spec.Required {
		required[name] = true
	}

	for _, name := range spec.Fields() {
		value := strings.TrimSpace(fields[name])
		if value == "" {
			if required[name] {
				errs = append(errs, FieldError{Field: name, Code: CodeRequired, Message: fmt.Sprintf("%s is required", name)})
			}
			continue
		}

		switch name {
		case models.FieldEmail:
			if err := EnsureEmailShape(sanitize.Plain(value)); err != nil {
				errs = append(errs, FieldError{Field: name, Code: CodeInvalid, Message: "email address is not valid"})
			}
		case models.FieldMessage:
			if fe, ok := v.checkMessage(value); !ok {
				errs = append(errs, fe)
			}
		}
	}

	if fe, ok := v.checkAttachment(kind, att); !ok {
		errs = append(errs, fe)
	}

	if len(errs) == 0 {
		return nil
	}

	v.logger.Debug().
		Str("kind", string(kind)).
		Int("error_count", len(errs)).
		Msg("submission rejected by validator")
	return &Rejection{Errors: errs}
}

func (v *Validator) checkMessage(value string) (FieldError, bool) {
	length := utf8.RuneCountInString(sanitize.Plain(value))
	if v.cfg.MessageMin > 0 && length < v.cfg.MessageMin {
		return FieldError{
			Field:   models.FieldMessage,
			Code:    CodeTooShort,
			Message: fmt.Sprintf("message must be at least %d characters", v.cfg.MessageMin),
		}, false
	}
	if v.cfg.MessageMax > 0 && length > v.cfg.MessageMax {
		return FieldError{
			Field:   models.FieldMessage,
			Code:    CodeTooLong,
			Message: fmt.Sprintf("message must be at most %d characters", v.cfg.MessageMax),
		}, false
	}
	return FieldError{}, true
}

func (v *Validator) checkAttachment(kind models.Kind, att *AttachmentInfo) (FieldError, bool) {
	if !kind.AcceptsAttachment() {
		if att != nil {
			return FieldError{Field: FieldAttachment, Code: CodeNotAllowed, Message: "attachments are not accepted for this form"}, false
		}
		return FieldError{}, true
	}

	if att == nil || strings.TrimSpace(att.Filename) == "" {
		return FieldError{Field: FieldAttachment, Code: CodeRequired, Message: "a resume document is required"}, false
	}

	ext := Extension(att.Filename)
	if _, ok := v.allowed[ext]; !ok {
		return FieldError{
			Field:   FieldAttachment,
			Code:    CodeUnsupported,
			Message: fmt.Sprintf("allowed file types: %s", strings.Join(v.cfg.AllowedExtensions, ", ")),
		}, false
	}
	return FieldError{}, true
}

// ErrInvalidEmail is returned when an address does not look like
// local@domain.tld.
var ErrInvalidEmail = errors.New("invalid email address")

// EnsureEmailShape checks the syntactic shape of an address. No DNS or
// deliverability check is made.
func EnsureEmailShape(value string) error {
	if !emailPattern.MatchString(strings.TrimSpace(value)) {
		return fmt.Errorf("%w: %q", ErrInvalidEmail, value)
	}
	return nil
}

// Extension returns the lowercased extension of a declared filename without
// the dot.
func Extension(filename string) string {
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(strings.TrimSpace(filename)), "."))
}
