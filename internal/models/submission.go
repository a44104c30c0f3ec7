package models

import (
	"fmt"
	"strings"
	"time"
)

// Kind identifies which form produced a submission. It determines the
// required field set.
type Kind string

const (
	KindContact       Kind = "contact"
	KindCareer        Kind = "career"
	KindCollaboration Kind = "collaboration"
)

// Field names shared by every form.
const (
	FieldName    = "name"
	FieldEmail   = "email"
	FieldSubject = "subject"
	FieldService = "service"
	FieldPhone   = "phone"
	FieldRole    = "role"
	FieldMessage = "message"
)

// FieldSpec lists the fields accepted for a kind, in the order they are
// rendered in notifications.
type FieldSpec struct {
	Required []string
	Optional []string
}

// Fields returns required followed by optional field names.
func (s FieldSpec) Fields() []string {
	out := make([]string, 0, len(s.Required)+len(s.Optional))
	out = append(out, s.Required...)
	return append(out, s.Optional...)
}

var fieldSpecs = map[Kind]FieldSpec{
	KindContact: {
		Required: []string{FieldName, FieldEmail, FieldMessage},
		Optional: []string{FieldSubject, FieldService},
	},
	KindCareer: {
		Required: []string{FieldName, FieldEmail, FieldPhone, FieldRole, FieldMessage},
	},
	KindCollaboration: {
		Required: []string{FieldName, FieldEmail, FieldMessage},
		Optional: []string{FieldPhone},
	},
}

// ParseKind maps a raw value onto a known kind.
func ParseKind(raw string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := fieldSpecs[k]; !ok {
		return "", fmt.Errorf("models: unknown submission kind %q", raw)
	}
	return k, nil
}

// Spec returns the field specification for the kind. Unknown kinds yield an
// empty spec.
func (k Kind) Spec() FieldSpec {
	return fieldSpecs[k]
}

// AcceptsAttachment reports whether submissions of this kind carry a document.
func (k Kind) AcceptsAttachment() bool {
	return k == KindCareer
}

// Label is the human readable form name used in notification subjects.
func (k Kind) Label() string {
	switch k {
	case KindContact:
		return "Contact"
	case KindCareer:
		return "Career Application"
	case KindCollaboration:
		return "Collaboration Request"
	default:
		return string(k)
	}
}

// AttachmentRef points at a staged document on local disk. Path is owned by
// the attachment handler; the submission only borrows it until release.
type AttachmentRef struct {
	Path        string `json:"-"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type,omitempty"`
	Size        int64  `json:"size"`
}

// Submission is one validated unit of inbound form data.
type Submission struct {
	ID         string            `json:"id"`
	Kind       Kind              `json:"kind"`
	Fields     map[string]string `json:"fields"`
	Attachment *AttachmentRef    `json:"attachment,omitempty"`
	ReceivedAt time.Time         `json:"received_at"`
}

// Field returns the sanitized value for name or an empty string.
func (s *Submission) Field(name string) string {
	if s == nil || s.Fields == nil {
		return ""
	}
	return s.Fields[name]
}

// Snapshot returns a deep copy suitable for persistence. The attachment path
// is dropped because the staged file never outlives the request.
func (s *Submission) Snapshot() Submission {
	snap := Submission{
		ID:         s.ID,
		Kind:       s.Kind,
		ReceivedAt: s.ReceivedAt,
		Fields:     make(map[string]string, len(s.Fields)),
	}
	for k, v := range s.Fields {
		snap.Fields[k] = v
	}
	if s.Attachment != nil {
		snap.Attachment = &AttachmentRef{
			Filename:    s.Attachment.Filename,
			ContentType: s.Attachment.ContentType,
			Size:        s.Attachment.Size,
		}
	}
	return snap
}
