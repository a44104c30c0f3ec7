package delivery

import (
	"fmt"
	"strings"
	"time"

	"github.com/mechnerve/mechnerve-website/internal/models"
	"github.com/mechnerve/mechnerve-website/internal/sanitize"
)

const brand = "MechNerve"

var fieldLabels = map[string]string{
	models.FieldName:    "Name",
	models.FieldEmail:   "Email",
	models.FieldSubject: "Subject",
	models.FieldService: "Service",
	models.FieldPhone:   "Phone",
	models.FieldRole:    "Role",
	models.FieldMessage: "Message",
}

// Message is a rendered email in both plain text and HTML form. Both
// renderings carry the same information.
type Message struct {
	Subject string
	Text    string
	HTML    string
}

// RenderNotification builds the operator notification for sub. Field values
// are sanitized already; the HTML rendering uses them as is and the text
// rendering unescapes them.
func RenderNotification(sub models.Submission) Message {
	label := sub.Kind.Label()
	name := sanitize.Plain(sub.Field(models.FieldName))

	var text, body strings.Builder

	fmt.Fprintf(&text, "New %s from %s website\n\n", label, brand)
	fmt.Fprintf(&text, "Submission ID: %s\n", sub.ID)
	fmt.Fprintf(&text, "Received: %s\n\n", formatTime(sub.ReceivedAt))

	fmt.Fprintf(&body, "<h2>New %s from %s website</h2>\n", label, brand)
	body.WriteString("<table cellpadding=\"4\">\n")
	fmt.Fprintf(&body, "<tr><td><strong>Submission ID</strong></td><td>%s</td></tr>\n", sub.ID)
	fmt.Fprintf(&body, "<tr><td><strong>Received</strong></td><td>%s</td></tr>\n", formatTime(sub.ReceivedAt))

	for _, field := range sub.Kind.Spec().Fields() {
		if field == models.FieldMessage {
			continue
		}
		value := sub.Field(field)
		if value == "" {
			continue
		}
		fmt.Fprintf(&text, "%s: %s\n", fieldLabels[field], sanitize.Plain(value))
		fmt.Fprintf(&body, "<tr><td><strong>%s</strong></td><td>%s</td></tr>\n", fieldLabels[field], value)
	}
	body.WriteString("</table>\n")

	message := sub.Field(models.FieldMessage)
	fmt.Fprintf(&text, "\nMessage:\n%s\n", sanitize.Plain(message))
	fmt.Fprintf(&body, "<h3>Message</h3>\n<div style=\"white-space:pre-wrap\">%s</div>\n", message)

	if att := sub.Attachment; att != nil {
		fmt.Fprintf(&text, "\nAttachment: %s (%s)\n", att.Filename, formatSize(att.Size))
		fmt.Fprintf(&body, "<p><strong>Attachment:</strong> %s (%s)</p>\n", sanitize.String(att.Filename, 0, false), formatSize(att.Size))
	}

	subject := fmt.Sprintf("New %s Submission - %s", label, brand)
	if name != "" {
		subject += ": " + name
	}

	return Message{
		Subject: subject,
		Text:    text.String(),
		HTML:    wrapHTML(body.String()),
	}
}

// RenderConfirmation builds the acknowledgement sent to the submitter. It
// never includes the attachment.
func RenderConfirmation(sub models.Submission) Message {
	label := strings.ToLower(sub.Kind.Label())
	name := sub.Field(models.FieldName)

	var text, body strings.Builder
	fmt.Fprintf(&text, "Hi %s,\n\n", sanitize.Plain(name))
	fmt.Fprintf(&text, "Thank you for contacting %s. We received your %s and will get back to you soon.\n\n", brand, label)
	fmt.Fprintf(&text, "Reference: %s\n\n%s Solutions\n", sub.ID, brand)

	fmt.Fprintf(&body, "<p>Hi %s,</p>\n", name)
	fmt.Fprintf(&body, "<p>Thank you for contacting %s. We received your %s and will get back to you soon.</p>\n", brand, label)
	fmt.Fprintf(&body, "<p>Reference: %s</p>\n<p>%s Solutions</p>\n", sub.ID, brand)

	return Message{
		Subject: fmt.Sprintf("We received your %s - %s", label, brand),
		Text:    text.String(),
		HTML:    wrapHTML(body.String()),
	}
}

func wrapHTML(inner string) string {
	return "<!DOCTYPE html>\n<html><body style=\"font-family:sans-serif\">\n" + inner + "</body></html>\n"
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "unknown"
	}
	return t.UTC().Format("2006-01-02 15:04:05 MST")
}

func formatSize(n int64) string {
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}
