// Package attachment stages uploaded documents in a private scratch directory
// for the duration of a single request.
package attachment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mechnerve/mechnerve-website/internal/logger"
	"github.com/mechnerve/mechnerve-website/internal/models"
)

const maxBaseLen = 64

var (
	// ErrRejected is returned for uploads that cannot be staged, such as an
	// empty body.
	ErrRejected = errors.New("attachment: upload rejected")
	// ErrTooLarge is returned when the upload exceeds the configured limit.
	ErrTooLarge = errors.New("attachment: upload exceeds size limit")
)

// Upload is an inbound document before staging.
type Upload struct {
	Filename    string
	ContentType string
	Reader      io.Reader
}

// ScopedFile is a staged document. Release removes it and is safe to call
// more than once.
type ScopedFile struct {
	ref    models.AttachmentRef
	once   sync.Once
	err    error
	logger zerolog.Logger
}

// Ref describes the staged document.
func (f *ScopedFile) Ref() models.AttachmentRef {
	return f.ref
}

// Path is the location of the staged bytes.
func (f *ScopedFile) Path() string {
	return f.ref.Path
}

// Release removes the staged document. A missing file is not an error.
func (f *ScopedFile) Release() error {
	if f == nil {
		return nil
	}
	f.once.Do(func() {
		err := os.Remove(f.ref.Path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			f.err = fmt.Errorf("attachment: release %s: %w", f.ref.Path, err)
			f.logger.Error().Err(err).Str("path", f.ref.Path).Msg("failed to release staged attachment")
			return
		}
		f.logger.Debug().Str("path", f.ref.Path).Msg("staged attachment released")
	})
	return f.err
}

// Option configures a Stager.
type Option func(*Stager)

// WithLogger sets the logger used by the stager and the files it produces.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Stager) {
		s.logger = logger.Component(l, "attachment_stager")
	}
}

// WithClock overrides the time source used for scratch names.
func WithClock(now func() time.Time) Option {
	return func(s *Stager) {
		if now != nil {
			s.now = now
		}
	}
}

// Stager writes uploads to uniquely named files under dir.
type Stager struct {
	dir      string
	maxBytes int64
	logger   zerolog.Logger
	now      func() time.Time
}

// NewStager creates dir if needed with owner-only permissions.
func NewStager(dir string, maxBytes int64, opts ...Option) (*Stager, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("attachment: scratch directory must be provided")
	}
	if maxBytes <= 0 {
		return nil, errors.New("attachment: max bytes must be positive")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("attachment: create scratch dir: %w", err)
	}

	s := &Stager{
		dir:      dir,
		maxBytes: maxBytes,
		logger:   zerolog.Nop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Dir returns the scratch directory.
func (s *Stager) Dir() string {
	return s.dir
}

// Stage copies the upload into a new scratch file. On any failure the
// partial file is removed before returning.
func (s *Stager) Stage(ctx context.Context, up Upload) (*ScopedFile, error) {
	if up.Reader == nil {
		return nil, fmt.Errorf("%w: no content", ErrRejected)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	base := SafeBase(up.Filename)
	name := s.scratchName(base)
	path := filepath.Join(s.dir, name)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("attachment: create scratch file: %w", err)
	}

	n, copyErr := io.Copy(f, io.LimitReader(&ctxReader{ctx: ctx, r: up.Reader}, s.maxBytes+1))
	closeErr := f.Close()

	fail := func(err error) (*ScopedFile, error) {
		_ = os.Remove(path)
		s.logger.Warn().Err(err).Str("filename", base).Msg("attachment staging failed")
		return nil, err
	}

	switch {
	case copyErr != nil:
		return fail(fmt.Errorf("attachment: write scratch file: %w", copyErr))
	case closeErr != nil:
		return fail(fmt.Errorf("attachment: close scratch file: %w", closeErr))
	case n == 0:
		return fail(fmt.Errorf("%w: empty upload", ErrRejected))
	case n > s.maxBytes:
		return fail(fmt.Errorf("%w: limit %d bytes", ErrTooLarge, s.maxBytes))
	}

	s.logger.Debug().Str("path", path).Int64("size", n).Msg("attachment staged")

	return &ScopedFile{
		ref: models.AttachmentRef{
			Path:        path,
			Filename:    base,
			ContentType: contentType(up.ContentType),
			Size:        n,
		},
		logger: s.logger,
	}, nil
}

func (s *Stager) scratchName(base string) string {
	return strconv.FormatInt(s.now().UnixNano(), 10) + "-" + uuid.NewString() + "-" + base
}

// SafeBase reduces a client supplied filename to its final element using only
// ASCII letters, digits, dot, dash and underscore.
func SafeBase(filename string) string {
	filename = strings.ReplaceAll(filename, "\\", "/")
	if i := strings.LastIndex(filename, "/"); i >= 0 {
		filename = filename[i+1:]
	}

	var b strings.Builder
	for _, r := range filename {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}

	out := strings.TrimLeft(b.String(), ".")
	if len(out) > maxBaseLen {
		out = out[len(out)-maxBaseLen:]
	}
	if out == "" {
		return "upload"
	}
	return out
}

func contentType(declared string) string {
	mediaType, _, err := mime.ParseMediaType(strings.TrimSpace(declared))
	if err != nil || mediaType == "" {
		return "application/octet-stream"
	}
	return mediaType
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
