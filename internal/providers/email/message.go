package email

import (
	"bufio"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"net/textproto"
	"os"
	"sort"
	"strings"
	"time"
)

const (
	contentTypeText   = "text/plain; charset=UTF-8"
	contentTypeHTML   = "text/html; charset=UTF-8"
	contentTypeBinary = "application/octet-stream"
	base64LineLen     = 76
)

type message struct {
	payload *Payload
	from    string
	date    time.Time
}

// writeTo renders the message in RFC 5322 form. Bodies are quoted-printable
// and attachments are base64 encoded while being read from disk.
func (m *message) writeTo(w io.Writer) error {
	bw := bufio.NewWriter(w)
	headers := m.headers()
	p := m.payload

	switch {
	case len(p.Attachments) > 0:
		mixed := multipart.NewWriter(bw)
		headers["Content-Type"] = mime.FormatMediaType("multipart/mixed", map[string]string{"boundary": mixed.Boundary()})
		writeHeaders(bw, headers)
		if err := writeBodies(mixed, p.TextBody, p.HTMLBody); err != nil {
			return err
		}
		for _, att := range p.Attachments {
			if err := writeAttachment(mixed, att); err != nil {
				return err
			}
		}
		if err := mixed.Close(); err != nil {
			return err
		}
	case p.TextBody != "" && p.HTMLBody != "":
		alt := multipart.NewWriter(bw)
		headers["Content-Type"] = mime.FormatMediaType("multipart/alternative", map[string]string{"boundary": alt.Boundary()})
		writeHeaders(bw, headers)
		if err := writeAlternative(alt, p.TextBody, p.HTMLBody); err != nil {
			return err
		}
	default:
		ctype, body := contentTypeText, p.TextBody
		if body == "" {
			ctype, body = contentTypeHTML, p.HTMLBody
		}
		headers["Content-Type"] = ctype
		headers["Content-Transfer-Encoding"] = "quoted-printable"
		writeHeaders(bw, headers)
		if err := writeQuotedPrintable(bw, body); err != nil {
			return err
		}
	}

	return bw.Flush()
}

func (m *message) headers() map[string]string {
	p := m.payload
	headers := make(map[string]string, len(p.Headers)+8)
	for key, value := range p.Headers {
		canonical := textproto.CanonicalMIMEHeaderKey(strings.TrimSpace(key))
		if canonical == "" || strings.TrimSpace(value) == "" {
			continue
		}
		headers[canonical] = sanitizeHeaderValue(value)
	}
	delete(headers, "Cc")
	delete(headers, "Bcc")
	delete(headers, "Content-Transfer-Encoding")

	headers["From"] = formatAddress(m.from)

	to := make([]string, 0, len(p.To))
	for _, addr := range uniqueAddresses(p.To) {
		to = append(to, formatAddress(addr))
	}
	headers["To"] = strings.Join(to, ", ")

	delete(headers, "Reply-To")
	if replyTo := strings.TrimSpace(p.ReplyTo); replyTo != "" {
		if addr, err := mail.ParseAddress(replyTo); err == nil {
			headers["Reply-To"] = addr.String()
		}
	}

	if _, ok := headers["Date"]; !ok {
		headers["Date"] = m.date.UTC().Format(time.RFC1123Z)
	}
	if p.Subject != "" {
		headers["Subject"] = mime.QEncoding.Encode("UTF-8", sanitizeHeaderValue(p.Subject))
	}
	if p.MessageID != "" {
		if _, exists := headers["Message-Id"]; !exists {
			headers["Message-Id"] = sanitizeHeaderValue(p.MessageID)
		}
	}
	headers["MIME-Version"] = "1.0"

	return headers
}

func writeHeaders(w *bufio.Writer, headers map[string]string) {
	keys := make([]string, 0, len(headers))
	for key := range headers {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		value := headers[key]
		if value == "" {
			continue
		}
		w.WriteString(key)
		w.WriteString(": ")
		w.WriteString(value)
		w.WriteString("\r\n")
	}
	w.WriteString("\r\n")
}

func writeBodies(mixed *multipart.Writer, text, html string) error {
	if text != "" && html != "" {
		boundary := multipart.NewWriter(io.Discard).Boundary()
		part, err := mixed.CreatePart(textproto.MIMEHeader{
			"Content-Type": {mime.FormatMediaType("multipart/alternative", map[string]string{"boundary": boundary})},
		})
		if err != nil {
			return err
		}
		alt := multipart.NewWriter(part)
		if err := alt.SetBoundary(boundary); err != nil {
			return err
		}
		return writeAlternative(alt, text, html)
	}

	ctype, body := contentTypeText, text
	if body == "" {
		ctype, body = contentTypeHTML, html
	}
	return writeTextPart(mixed, ctype, body)
}

func writeAlternative(alt *multipart.Writer, text, html string) error {
	if err := writeTextPart(alt, contentTypeText, text); err != nil {
		return err
	}
	if err := writeTextPart(alt, contentTypeHTML, html); err != nil {
		return err
	}
	return alt.Close()
}

func writeTextPart(mw *multipart.Writer, ctype, body string) error {
	part, err := mw.CreatePart(textproto.MIMEHeader{
		"Content-Type":              {ctype},
		"Content-Transfer-Encoding": {"quoted-printable"},
	})
	if err != nil {
		return err
	}
	return writeQuotedPrintable(part, body)
}

func writeQuotedPrintable(w io.Writer, body string) error {
	qp := quotedprintable.NewWriter(w)
	if _, err := io.WriteString(qp, normalizeBody(body)); err != nil {
		return err
	}
	return qp.Close()
}

func writeAttachment(mw *multipart.Writer, att Attachment) error {
	f, err := os.Open(att.Path)
	if err != nil {
		return fmt.Errorf("open attachment: %w", err)
	}
	defer f.Close()

	name := sanitizeHeaderValue(att.Filename)
	if name == "" {
		name = "attachment"
	}
	ctype := mime.FormatMediaType(strings.TrimSpace(att.ContentType), map[string]string{"name": name})
	if ctype == "" {
		ctype = mime.FormatMediaType(contentTypeBinary, map[string]string{"name": name})
	}

	header := textproto.MIMEHeader{}
	header.Set("Content-Type", ctype)
	header.Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
	header.Set("Content-Transfer-Encoding", "base64")

	part, err := mw.CreatePart(header)
	if err != nil {
		return err
	}

	enc := base64.NewEncoder(base64.StdEncoding, &lineWrapper{w: part})
	if _, err := io.Copy(enc, f); err != nil {
		return fmt.Errorf("stream attachment: %w", err)
	}
	return enc.Close()
}

// lineWrapper breaks base64 output into 76 character lines.
type lineWrapper struct {
	w io.Writer
	n int
}

func (l *lineWrapper) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		chunk := p
		if room := base64LineLen - l.n; len(chunk) > room {
			chunk = chunk[:room]
		}
		n, err := l.w.Write(chunk)
		written += n
		l.n += n
		if err != nil {
			return written, err
		}
		p = p[n:]
		if l.n == base64LineLen {
			if _, err := io.WriteString(l.w, "\r\n"); err != nil {
				return written, err
			}
			l.n = 0
		}
	}
	return written, nil
}

func formatAddress(value string) string {
	addr, err := mail.ParseAddress(value)
	if err != nil {
		return sanitizeHeaderValue(value)
	}
	if addr.Name == "" {
		return addr.Address
	}
	return addr.String()
}

func normalizeBody(body string) string {
	if body == "" {
		return ""
	}
	normalized := strings.ReplaceAll(body, "\r\n", "\n")
	normalized = strings.ReplaceAll(normalized, "\r", "\n")
	return strings.ReplaceAll(normalized, "\n", "\r\n")
}

func sanitizeHeaderValue(value string) string {
	clean := strings.ReplaceAll(value, "\r", " ")
	clean = strings.ReplaceAll(clean, "\n", " ")
	return strings.TrimSpace(clean)
}
