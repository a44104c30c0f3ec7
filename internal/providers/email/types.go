package email

import (
	"context"
	"time"
)

// Attachment references a document on disk. Providers read it while the
// message is being written and never copy it elsewhere.
type Attachment struct {
	Filename    string
	ContentType string
	Path        string
}

// Payload is the canonical representation of an outbound email passed to the
// provider. TextBody and HTMLBody are alternative renderings of the same
// content; either may be empty but not both.
type Payload struct {
	MessageID   string
	From        string
	To          []string
	ReplyTo     string
	Subject     string
	TextBody    string
	HTMLBody    string
	Headers     map[string]string
	Attachments []Attachment
}

// RawResponse mirrors the low level provider response used to classify the
// outcome of a send.
type RawResponse struct {
	ID        string
	Code      int
	Body      string
	Timestamp time.Time
}

// Provider is the contract exposed by the email provider implementation.
type Provider interface {
	Send(ctx context.Context, payload *Payload) (*RawResponse, error)
}
