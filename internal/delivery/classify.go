package delivery

import (
	"context"
	"errors"
	"net"
	"net/textproto"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	emailprovider "github.com/mechnerve/mechnerve-website/internal/providers/email"
)

// MaxReasonRunes bounds the failure text kept on an outcome.
const MaxReasonRunes = 512

var smtpErrPattern = regexp.MustCompile(`smtp\s+(\d{3})`)

// Classify wraps a transport error with ErrPermanent or ErrTransient.
// Sender configuration errors, authentication and mailbox rejections are
// permanent; timeouts and everything unrecognised are transient.
func Classify(err error, raw *emailprovider.RawResponse) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrPermanent) || errors.Is(err, ErrTransient) {
		return err
	}
	if errors.Is(err, emailprovider.ErrConfig) {
		return WrapPermanent(err)
	}

	code, ok := SMTPCode(err)
	if !ok && raw != nil && raw.Code > 0 {
		code, ok = raw.Code, true
	}

	switch {
	case ok && isPermanentCode(code):
		return WrapPermanent(err)
	case isTimeout(err):
		return WrapTransient(err)
	default:
		return WrapTransient(err)
	}
}

// SMTPCode extracts a reply code from err, either from a textproto error or
// from an "smtp NNN" marker in the message.
func SMTPCode(err error) (int, bool) {
	if err == nil {
		return 0, false
	}
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		return tpErr.Code, true
	}
	matches := smtpErrPattern.FindStringSubmatch(err.Error())
	if len(matches) != 2 {
		return 0, false
	}
	code, convErr := strconv.Atoi(matches[1])
	if convErr != nil {
		return 0, false
	}
	return code, true
}

func isTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	return strings.Contains(strings.ToLower(err.Error()), "timeout")
}

func isPermanentCode(code int) bool {
	switch code {
	case 530, 534, 535, 550, 551, 553, 554:
		return true
	default:
		return false
	}
}

// Reason renders err for an outcome, trimmed to MaxReasonRunes.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	return truncate(err.Error(), MaxReasonRunes)
}

func truncate(raw string, limit int) string {
	if limit <= 0 {
		return ""
	}
	if utf8.RuneCountInString(raw) <= limit {
		return raw
	}
	return string([]rune(raw)[:limit])
}
