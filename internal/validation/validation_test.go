package validation

import (
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/mechnerve/mechnerve-website/internal/models"
	"github.com/mechnerve/mechnerve-website/internal/sanitize"
)

func newValidator() *Validator {
	return New(DefaultConfig(), zerolog.Nop())
}

func TestValidateContactAccepted(t *testing.T) {
	fields := sanitize.Fields(models.KindContact, map[string]string{
		"name":    "Asha",
		"email":   "asha@x.co",
		"message": "Need 50 units of part A",
	})

	if err := newValidator().Validate(models.KindContact, fields, nil); err != nil {
		t.Fatalf("expected valid submission, got %v", err)
	}
}

func TestValidateCollectsEveryFailingField(t *testing.T) {
	fields := sanitize.Fields(models.KindContact, map[string]string{
		"name":    "",
		"email":   "bad",
		"message": "hi",
	})

	err := newValidator().Validate(models.KindContact, fields, nil)
	rej, ok := AsRejection(err)
	if !ok {
		t.Fatalf("expected rejection, got %v", err)
	}

	want := []FieldError{
		{Field: "name", Code: CodeRequired},
		{Field: "email", Code: CodeInvalid},
		{Field: "message", Code: CodeTooShort},
	}
	if len(rej.Errors) != len(want) {
		t.Fatalf("expected %d errors, got %+v", len(want), rej.Errors)
	}
	for i, fe := range rej.Errors {
		if fe.Field != want[i].Field || fe.Code != want[i].Code {
			t.Fatalf("error %d = %s/%s, want %s/%s", i, fe.Field, fe.Code, want[i].Field, want[i].Code)
		}
		if fe.Message == "" {
			t.Fatalf("expected message for %s", fe.Field)
		}
	}
}

func TestValidateMissingFieldReportedOnce(t *testing.T) {
	err := newValidator().Validate(models.KindContact, map[string]string{
		"name":    "Asha",
		"email":   "",
		"message": "This message is fine",
	}, nil)

	rej, ok := AsRejection(err)
	if !ok {
		t.Fatalf("expected rejection, got %v", err)
	}
	if got := rej.Fields(); !reflect.DeepEqual(got, []string{"email"}) {
		t.Fatalf("expected only email reported, got %v", got)
	}
	if rej.Errors[0].Code != CodeRequired {
		t.Fatalf("expected required code, got %s", rej.Errors[0].Code)
	}
}

func TestValidateMessageBounds(t *testing.T) {
	v := newValidator()
	base := map[string]string{"name": "Asha", "email": "asha@x.co"}

	cases := []struct {
		name    string
		message string
		code    string
	}{
		{name: "nine_runes", message: strings.Repeat("a", 9), code: CodeTooShort},
		{name: "ten_runes", message: strings.Repeat("a", 10)},
		{name: "max_runes", message: strings.Repeat("a", sanitize.MessageMax)},
		{name: "over_max", message: strings.Repeat("a", sanitize.MessageMax+1), code: CodeTooLong},
		{name: "multibyte_counts_runes", message: strings.Repeat("é", 10)},
		{name: "escaped_entities_count_once", message: "&lt;&lt;&lt;&lt;&lt;", code: CodeTooShort},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			fields := map[string]string{"message": tc.message}
			for k, val := range base {
				fields[k] = val
			}
			err := v.Validate(models.KindContact, fields, nil)
			if tc.code == "" {
				if err != nil {
					t.Fatalf("expected valid, got %v", err)
				}
				return
			}
			rej, ok := AsRejection(err)
			if !ok {
				t.Fatalf("expected rejection, got %v", err)
			}
			if rej.Errors[0].Code != tc.code {
				t.Fatalf("expected %s, got %s", tc.code, rej.Errors[0].Code)
			}
		})
	}
}

func TestValidateEmailShape(t *testing.T) {
	good := []string{"a@b.co", "first.last+tag@example.org", "ASHA@X.IO"}
	bad := []string{"bad", "a@b", "a@b.c", "a b@c.com", "@x.co", "a@@x.co"}

	for _, addr := range good {
		if err := EnsureEmailShape(addr); err != nil {
			t.Fatalf("expected %q accepted, got %v", addr, err)
		}
	}
	for _, addr := range bad {
		if err := EnsureEmailShape(addr); !errors.Is(err, ErrInvalidEmail) {
			t.Fatalf("expected %q rejected, got %v", addr, err)
		}
	}
}

func TestValidateCareerAttachment(t *testing.T) {
	v := newValidator()
	fields := map[string]string{
		"name":    "Ravi",
		"email":   "ravi@x.io",
		"phone":   "+91 98765 43210",
		"role":    "Design Engineer",
		"message": "I would like to apply for the role.",
	}

	if err := v.Validate(models.KindCareer, fields, &AttachmentInfo{Filename: "cv.pdf", Size: 1024}); err != nil {
		t.Fatalf("expected pdf accepted, got %v", err)
	}
	if err := v.Validate(models.KindCareer, fields, &AttachmentInfo{Filename: "CV.DOCX", Size: 1024}); err != nil {
		t.Fatalf("expected uppercase docx accepted, got %v", err)
	}

	cases := map[string]*AttachmentInfo{
		"missing":      nil,
		"no_extension": {Filename: "resume"},
		"executable":   {Filename: "cv.exe"},
		"double_ext":   {Filename: "cv.pdf.sh"},
	}
	for name, att := range cases {
		att := att
		t.Run(name, func(t *testing.T) {
			rej, ok := AsRejection(v.Validate(models.KindCareer, fields, att))
			if !ok {
				t.Fatalf("expected rejection")
			}
			if got := rej.Fields(); !reflect.DeepEqual(got, []string{FieldAttachment}) {
				t.Fatalf("expected attachment error only, got %v", got)
			}
		})
	}
}

func TestValidateRejectsAttachmentOnContact(t *testing.T) {
	fields := map[string]string{"name": "Asha", "email": "asha@x.co", "message": "Need 50 units of part A"}
	rej, ok := AsRejection(newValidator().Validate(models.KindContact, fields, &AttachmentInfo{Filename: "x.pdf"}))
	if !ok {
		t.Fatalf("expected rejection")
	}
	if rej.Errors[0].Code != CodeNotAllowed {
		t.Fatalf("expected not_allowed, got %s", rej.Errors[0].Code)
	}
}

func TestValidateOptionalFieldsMayBeEmpty(t *testing.T) {
	fields := map[string]string{
		"name":    "Lee",
		"email":   "lee@x.org",
		"phone":   "",
		"message": "Let us build a rover together.",
	}
	if err := newValidator().Validate(models.KindCollaboration, fields, nil); err != nil {
		t.Fatalf("expected optional phone to be skipped, got %v", err)
	}
}

func TestExtension(t *testing.T) {
	cases := map[string]string{
		"cv.PDF":         "pdf",
		" resume.docx ":  "docx",
		"archive.tar.gz": "gz",
		"noext":          "",
	}
	for in, want := range cases {
		if got := Extension(in); got != want {
			t.Fatalf("Extension(%q) = %q, want %q", in, got, want)
		}
	}
}
