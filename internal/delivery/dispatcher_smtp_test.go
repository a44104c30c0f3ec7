package delivery

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/mechnerve/mechnerve-website/internal/config"
	"github.com/mechnerve/mechnerve-website/internal/models"
	emailprovider "github.com/mechnerve/mechnerve-website/internal/providers/email"
)

type countingProvider struct {
	inner emailprovider.Provider
	mu    sync.Mutex
	calls int
}

func (c *countingProvider) Send(ctx context.Context, payload *emailprovider.Payload) (*emailprovider.RawResponse, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return c.inner.Send(ctx, payload)
}

func (c *countingProvider) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type pipeDialer struct {
	serve func(conn net.Conn)
	wg    sync.WaitGroup
	mu    sync.Mutex
	dials int
}

func (d *pipeDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	d.mu.Lock()
	d.dials++
	d.mu.Unlock()

	server, client := net.Pipe()
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer server.Close()
		d.serve(server)
	}()
	return client, nil
}

func (d *pipeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// serveAuthOnly greets, advertises AUTH PLAIN and answers QUIT.
func serveAuthOnly(conn net.Conn) {
	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)
	reply := func(lines ...string) bool {
		for _, line := range lines {
			if _, err := fmt.Fprintf(writer, "%s\r\n", line); err != nil {
				return false
			}
		}
		return writer.Flush() == nil
	}

	if !reply("220 smtp.example.com ready") {
		return
	}
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		upper := strings.ToUpper(strings.TrimSpace(line))
		switch {
		case strings.HasPrefix(upper, "EHLO"), strings.HasPrefix(upper, "HELO"):
			if !reply("250-smtp.example.com", "250-AUTH PLAIN", "250 OK") {
				return
			}
		case strings.HasPrefix(upper, "QUIT"):
			reply("221 bye")
			return
		default:
			if !reply("502 not implemented") {
				return
			}
		}
	}
}

func newSMTPDispatcher(t *testing.T, cfg Config, smtpCfg config.SMTPConfig, dialer emailprovider.Dialer, store Store) (*Dispatcher, *countingProvider) {
	t.Helper()
	provider, err := emailprovider.NewSMTPProvider(smtpCfg, zerolog.New(io.Discard),
		emailprovider.WithSMTPTLSConfig(nil),
		emailprovider.WithSMTPDialer(dialer),
	)
	if err != nil {
		t.Fatalf("NewSMTPProvider: %v", err)
	}
	counting := &countingProvider{inner: provider}
	return newTestDispatcher(t, cfg, counting, store), counting
}

func TestDispatchMalformedSenderIsPermanent(t *testing.T) {
	dialer := &pipeDialer{serve: serveAuthOnly}
	cfg := testConfig()
	cfg.Sender = "MechNerve Ops"
	store := &storeStub{}
	d, provider := newSMTPDispatcher(t, cfg, config.SMTPConfig{
		Host: "smtp.example.com",
		Port: 587,
		From: "MechNerve Ops",
	}, dialer, store)

	outcome, err := d.Dispatch(context.Background(), contactSubmission())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Status != models.PermanentFailure || outcome.Attempts != 1 {
		t.Fatalf("expected permanent failure after one attempt, got %+v", outcome)
	}
	if provider.count() != 1 {
		t.Fatalf("expected one transport call, got %d", provider.count())
	}
	if dialer.dialCount() != 0 {
		t.Fatalf("expected no connection for an invalid sender, got %d dials", dialer.dialCount())
	}
	if !strings.Contains(outcome.Reason, "invalid from address") {
		t.Fatalf("expected reason to name the sender, got %q", outcome.Reason)
	}
	if store.count() != 1 {
		t.Fatalf("expected submission stored, got %d", store.count())
	}
}

func TestDispatchCleartextAuthRefusalIsPermanent(t *testing.T) {
	dialer := &pipeDialer{serve: serveAuthOnly}
	store := &storeStub{}
	d, provider := newSMTPDispatcher(t, testConfig(), config.SMTPConfig{
		Host: "smtp.example.com",
		Port: 587,
		User: "site",
		Pass: "secret",
		From: "site@mechnerve.com",
	}, dialer, store)

	outcome, err := d.Dispatch(context.Background(), contactSubmission())
	dialer.wg.Wait()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Status != models.PermanentFailure || outcome.Attempts != 1 {
		t.Fatalf("expected permanent failure after one attempt, got %+v", outcome)
	}
	if provider.count() != 1 || dialer.dialCount() != 1 {
		t.Fatalf("expected a single call and dial, got calls=%d dials=%d", provider.count(), dialer.dialCount())
	}
	if !strings.Contains(outcome.Reason, "auth") {
		t.Fatalf("expected auth reason, got %q", outcome.Reason)
	}
}

func TestSMTPProviderConfigErrorsClassifyPermanent(t *testing.T) {
	d := &pipeDialer{serve: serveAuthOnly}
	provider, err := emailprovider.NewSMTPProvider(config.SMTPConfig{
		Host: "smtp.example.com",
		Port: 587,
		From: "site@mechnerve.com",
	}, zerolog.Nop(), emailprovider.WithSMTPTLSConfig(nil), emailprovider.WithSMTPDialer(d))
	if err != nil {
		t.Fatalf("NewSMTPProvider: %v", err)
	}

	raw, sendErr := provider.Send(context.Background(), &emailprovider.Payload{
		To:      []string{"not an address"},
		Subject: "x",
	})
	if !errors.Is(sendErr, emailprovider.ErrConfig) {
		t.Fatalf("expected ErrConfig, got %v", sendErr)
	}
	if got := Classify(sendErr, raw); !errors.Is(got, ErrPermanent) {
		t.Fatalf("expected permanent classification, got %v", got)
	}
}
