package email_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	emailprovider "github.com/mechnerve/mechnerve-website/internal/providers/email"
)

func newPayload() *emailprovider.Payload {
	return &emailprovider.Payload{
		MessageID: "message-123",
		From:      "site@mechnerve.com",
		To:        []string{"ops@mechnerve.com"},
		Subject:   "New Contact: Asha",
		TextBody:  "hello",
		Headers:   map[string]string{},
	}
}

func TestMockProviderSuccess(t *testing.T) {
	fixed := time.Date(2025, time.October, 11, 10, 0, 0, 0, time.UTC)
	provider := emailprovider.NewMockProvider(
		zerolog.Nop(),
		emailprovider.WithLatencyRange(0, 0),
		emailprovider.WithClock(func() time.Time { return fixed }),
	)

	payload := newPayload()
	resp, err := provider.Send(context.Background(), payload)
	if err != nil {
		t.Fatalf("expected success, got error %v", err)
	}
	if resp == nil || resp.Code != 250 {
		t.Fatalf("expected SMTP 250, got %+v", resp)
	}
	if resp.Body != "mock: message queued" {
		t.Fatalf("unexpected body %q", resp.Body)
	}
	if resp.Timestamp != fixed {
		t.Fatalf("expected fixed timestamp, got %v", resp.Timestamp)
	}
	if resp.ID != payload.MessageID {
		t.Fatalf("expected response id to match message id, got %q", resp.ID)
	}

	delivered := provider.Delivered()
	if len(delivered) != 1 || delivered[0].Payload.Subject != payload.Subject {
		t.Fatalf("expected delivery recorded, got %+v", delivered)
	}
	if provider.Calls() != 1 {
		t.Fatalf("expected one call, got %d", provider.Calls())
	}
}

func TestMockProviderFailureScenarios(t *testing.T) {
	cases := []struct {
		scenario emailprovider.Scenario
		code     int
	}{
		{emailprovider.ScenarioPermanent, 550},
		{emailprovider.ScenarioAuth, 535},
		{emailprovider.ScenarioTransient, 451},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(string(tc.scenario), func(t *testing.T) {
			provider := emailprovider.NewMockProvider(zerolog.Nop(), emailprovider.WithLatencyRange(0, 0))
			payload := newPayload()
			payload.Headers["X-Mock-Provider-Scenario"] = string(tc.scenario)

			resp, err := provider.Send(context.Background(), payload)
			if err == nil {
				t.Fatalf("expected error for %s scenario", tc.scenario)
			}
			if resp == nil || resp.Code != tc.code {
				t.Fatalf("expected SMTP %d, got %+v", tc.code, resp)
			}
			if !strings.Contains(err.Error(), "smtp") {
				t.Fatalf("expected error to contain smtp code, got %v", err)
			}
			if len(provider.Delivered()) != 0 {
				t.Fatalf("expected no delivery recorded on failure")
			}
		})
	}
}

func TestMockProviderScenarioSequence(t *testing.T) {
	provider := emailprovider.NewMockProvider(zerolog.Nop(),
		emailprovider.WithLatencyRange(0, 0),
		emailprovider.WithScenarioSequence(emailprovider.ScenarioTransient),
	)

	if _, err := provider.Send(context.Background(), newPayload()); err == nil {
		t.Fatalf("expected queued transient failure first")
	}
	if _, err := provider.Send(context.Background(), newPayload()); err != nil {
		t.Fatalf("expected default success after queue drained, got %v", err)
	}
	if provider.Calls() != 2 {
		t.Fatalf("expected two calls, got %d", provider.Calls())
	}
}

func TestMockProviderTimeoutHonoursContext(t *testing.T) {
	provider := emailprovider.NewMockProvider(zerolog.Nop(),
		emailprovider.WithLatencyRange(0, time.Second),
		emailprovider.WithDefaultScenario(emailprovider.ScenarioTimeout),
		emailprovider.WithRandomSeed(1),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := provider.Send(ctx, newPayload())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("expected send to stop at context deadline, took %v", elapsed)
	}
}

func TestMockProviderReadsAttachments(t *testing.T) {
	provider := emailprovider.NewMockProvider(zerolog.Nop(), emailprovider.WithLatencyRange(0, 0))

	path := filepath.Join(t.TempDir(), "cv.pdf")
	if err := os.WriteFile(path, []byte("%PDF"), 0o600); err != nil {
		t.Fatalf("write attachment: %v", err)
	}

	payload := newPayload()
	payload.Attachments = []emailprovider.Attachment{{Filename: "cv.pdf", Path: path}}
	if _, err := provider.Send(context.Background(), payload); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := string(provider.Delivered()[0].Attachments["cv.pdf"]); got != "%PDF" {
		t.Fatalf("expected attachment bytes captured, got %q", got)
	}

	payload.Attachments[0].Path = filepath.Join(t.TempDir(), "missing.pdf")
	if _, err := provider.Send(context.Background(), payload); err == nil {
		t.Fatalf("expected error when staged attachment is missing")
	}
}

func TestParseScenario(t *testing.T) {
	if got := emailprovider.ParseScenario(" AUTH "); got != emailprovider.ScenarioAuth {
		t.Fatalf("expected auth scenario, got %s", got)
	}
	if got := emailprovider.ParseScenario("bogus"); got != emailprovider.ScenarioSuccess {
		t.Fatalf("expected success fallback, got %s", got)
	}
}
