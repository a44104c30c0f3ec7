package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/mechnerve/mechnerve-website/internal/models"
	emailprovider "github.com/mechnerve/mechnerve-website/internal/providers/email"
)

type providerStub struct {
	mu       sync.Mutex
	calls    []*emailprovider.Payload
	results  []error
	block    bool
	inFlight int
	maxSeen  int
	delay    time.Duration
}

func (p *providerStub) Send(ctx context.Context, payload *emailprovider.Payload) (*emailprovider.RawResponse, error) {
	p.mu.Lock()
	p.calls = append(p.calls, payload)
	idx := len(p.calls) - 1
	p.inFlight++
	if p.inFlight > p.maxSeen {
		p.maxSeen = p.inFlight
	}
	var err error
	if idx < len(p.results) {
		err = p.results[idx]
	}
	block, delay := p.block, p.delay
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.inFlight--
		p.mu.Unlock()
	}()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if delay > 0 {
		time.Sleep(delay)
	}
	if err != nil {
		return &emailprovider.RawResponse{Code: 0, Body: err.Error()}, err
	}
	return &emailprovider.RawResponse{Code: 250, Body: "ok"}, nil
}

func (p *providerStub) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

type storeStub struct {
	mu      sync.Mutex
	records []models.FallbackRecord
	err     error
	ctxErrs []error
}

func (s *storeStub) Append(ctx context.Context, rec models.FallbackRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctxErrs = append(s.ctxErrs, ctx.Err())
	if s.err != nil {
		return s.err
	}
	s.records = append(s.records, rec)
	return nil
}

func (s *storeStub) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func testConfig() Config {
	return Config{
		Sender:             "site@mechnerve.com",
		Recipient:          "ops@mechnerve.com",
		Configured:         true,
		SendTimeout:        time.Second,
		MaxAttempts:        DefaultMaxAttempts,
		MaxConcurrentSends: 4,
	}
}

func newTestDispatcher(t *testing.T, cfg Config, provider emailprovider.Provider, store Store) *Dispatcher {
	t.Helper()
	d, err := NewDispatcher(cfg, Dependencies{Provider: provider, Store: store, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}
	return d
}

func contactSubmission() *models.Submission {
	return &models.Submission{
		ID:   "sub-1",
		Kind: models.KindContact,
		Fields: map[string]string{
			"name":    "Asha",
			"email":   "asha@x.co",
			"subject": "Quote",
			"service": "CNC",
			"message": "Need a quote for 50 units",
		},
		ReceivedAt: time.Date(2025, 3, 1, 9, 30, 0, 0, time.UTC),
	}
}

func TestDispatchDelivered(t *testing.T) {
	provider := &providerStub{}
	store := &storeStub{}
	d := newTestDispatcher(t, testConfig(), provider, store)

	outcome, err := d.Dispatch(context.Background(), contactSubmission())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !outcome.Delivered() || outcome.Attempts != 1 {
		t.Fatalf("expected delivered on first attempt, got %+v", outcome)
	}
	if store.count() != 0 {
		t.Fatalf("expected no fallback record for delivered submission")
	}
	if outcome.Confirmation.Attempted {
		t.Fatalf("confirmation disabled but attempted")
	}

	payload := provider.calls[0]
	if payload.To[0] != "ops@mechnerve.com" || payload.From != "site@mechnerve.com" {
		t.Fatalf("unexpected identities %+v", payload)
	}
	if payload.ReplyTo != "asha@x.co" {
		t.Fatalf("expected Reply-To set to submitter, got %q", payload.ReplyTo)
	}
	if !strings.Contains(payload.Subject, "Asha") || !strings.Contains(payload.TextBody, "Need a quote for 50 units") {
		t.Fatalf("unexpected rendering %+v", payload)
	}
	if payload.MessageID != "<sub-1@mechnerve.com>" {
		t.Fatalf("unexpected message id %q", payload.MessageID)
	}
}

func TestDispatchAuthFailureIsNotRetried(t *testing.T) {
	provider := &providerStub{results: []error{errors.New("smtp 535: authentication failed")}}
	store := &storeStub{}
	d := newTestDispatcher(t, testConfig(), provider, store)

	outcome, err := d.Dispatch(context.Background(), contactSubmission())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Status != models.PermanentFailure || outcome.Attempts != 1 {
		t.Fatalf("expected permanent failure after one attempt, got %+v", outcome)
	}
	if provider.callCount() != 1 {
		t.Fatalf("expected exactly one transport call, got %d", provider.callCount())
	}
	if store.count() != 1 {
		t.Fatalf("expected exactly one fallback record, got %d", store.count())
	}
	if store.records[0].Outcome.Status != models.PermanentFailure {
		t.Fatalf("expected stored outcome to carry the failure, got %+v", store.records[0].Outcome)
	}
}

func TestDispatchTransientFailureRetriesOnce(t *testing.T) {
	transient := errors.New("smtp 421: service not available")
	provider := &providerStub{results: []error{transient, transient, transient}}
	store := &storeStub{}
	d := newTestDispatcher(t, testConfig(), provider, store)

	outcome, err := d.Dispatch(context.Background(), contactSubmission())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Status != models.TransientFailure || outcome.Attempts != 2 {
		t.Fatalf("expected transient failure after two attempts, got %+v", outcome)
	}
	if provider.callCount() != 2 {
		t.Fatalf("expected two transport calls, got %d", provider.callCount())
	}
	if store.count() != 1 {
		t.Fatalf("expected exactly one fallback record, got %d", store.count())
	}
}

func TestDispatchTransientThenDelivered(t *testing.T) {
	provider := &providerStub{results: []error{errors.New("connection reset by peer")}}
	store := &storeStub{}
	d := newTestDispatcher(t, testConfig(), provider, store)

	outcome, err := d.Dispatch(context.Background(), contactSubmission())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !outcome.Delivered() || outcome.Attempts != 2 {
		t.Fatalf("expected delivery on retry, got %+v", outcome)
	}
	if store.count() != 0 {
		t.Fatalf("expected no fallback record")
	}
}

func TestDispatchTimeoutIsTransient(t *testing.T) {
	provider := &providerStub{block: true}
	store := &storeStub{}
	cfg := testConfig()
	cfg.SendTimeout = 20 * time.Millisecond
	d := newTestDispatcher(t, cfg, provider, store)

	start := time.Now()
	outcome, err := d.Dispatch(context.Background(), contactSubmission())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Status != models.TransientFailure || provider.callCount() != 2 {
		t.Fatalf("expected two timed out attempts, got %+v with %d calls", outcome, provider.callCount())
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("dispatch should be bounded by send timeout, took %v", elapsed)
	}
	if store.count() != 1 {
		t.Fatalf("expected fallback record, got %d", store.count())
	}
}

func TestDispatchNotConfiguredFailsClosed(t *testing.T) {
	provider := &providerStub{}
	store := &storeStub{}
	cfg := testConfig()
	cfg.Configured = false
	d := newTestDispatcher(t, cfg, provider, store)

	if d.TransportConfigured() {
		t.Fatalf("expected transport reported as not configured")
	}

	outcome, err := d.Dispatch(context.Background(), contactSubmission())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Status != models.PermanentFailure || outcome.Attempts != 0 {
		t.Fatalf("expected permanent failure without attempts, got %+v", outcome)
	}
	if provider.callCount() != 0 {
		t.Fatalf("expected no transport calls, got %d", provider.callCount())
	}
	if store.count() != 1 {
		t.Fatalf("expected fallback record, got %d", store.count())
	}
}

func TestDispatchMissingIdentityFailsClosed(t *testing.T) {
	cfg := testConfig()
	cfg.Recipient = ""
	d := newTestDispatcher(t, cfg, &providerStub{}, &storeStub{})
	if d.TransportConfigured() {
		t.Fatalf("expected missing recipient to disable the transport")
	}

	d = newTestDispatcher(t, testConfig(), nil, &storeStub{})
	if d.TransportConfigured() {
		t.Fatalf("expected nil provider to disable the transport")
	}
}

func TestDispatchStorageFailure(t *testing.T) {
	provider := &providerStub{results: []error{errors.New("smtp 535: bad credentials")}}
	store := &storeStub{err: errors.New("disk full")}
	d := newTestDispatcher(t, testConfig(), provider, store)

	outcome, err := d.Dispatch(context.Background(), contactSubmission())
	if !errors.Is(err, ErrStorage) {
		t.Fatalf("expected ErrStorage, got %v", err)
	}
	if outcome.Delivered() {
		t.Fatalf("outcome must not report delivery")
	}
}

func TestDispatchStoresEvenWhenCallerCancelled(t *testing.T) {
	provider := &providerStub{block: true}
	store := &storeStub{}
	d := newTestDispatcher(t, testConfig(), provider, store)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	outcome, err := d.Dispatch(ctx, contactSubmission())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Status != models.TransientFailure {
		t.Fatalf("expected transient failure, got %+v", outcome)
	}
	if provider.callCount() != 1 {
		t.Fatalf("expected no retry after caller cancellation, got %d calls", provider.callCount())
	}
	if store.count() != 1 || store.ctxErrs[0] != nil {
		t.Fatalf("expected append with a live context, got %d records and %v", store.count(), store.ctxErrs)
	}
}

func TestDispatchConfirmation(t *testing.T) {
	cfg := testConfig()
	cfg.SendConfirmation = true

	provider := &providerStub{}
	d := newTestDispatcher(t, cfg, provider, &storeStub{})

	outcome, err := d.Dispatch(context.Background(), contactSubmission())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !outcome.Confirmation.Attempted || !outcome.Confirmation.Sent {
		t.Fatalf("expected confirmation sent, got %+v", outcome.Confirmation)
	}
	if provider.callCount() != 2 {
		t.Fatalf("expected notification plus confirmation, got %d calls", provider.callCount())
	}
	ack := provider.calls[1]
	if ack.To[0] != "asha@x.co" || len(ack.Attachments) != 0 {
		t.Fatalf("unexpected confirmation payload %+v", ack)
	}
}

func TestDispatchConfirmationFailureKeepsDelivered(t *testing.T) {
	cfg := testConfig()
	cfg.SendConfirmation = true

	provider := &providerStub{results: []error{nil, errors.New("smtp 550: no such user")}}
	store := &storeStub{}
	d := newTestDispatcher(t, cfg, provider, store)

	outcome, err := d.Dispatch(context.Background(), contactSubmission())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !outcome.Delivered() {
		t.Fatalf("confirmation failure must not downgrade delivery, got %+v", outcome)
	}
	if !outcome.Confirmation.Attempted || outcome.Confirmation.Sent || outcome.Confirmation.Error == "" {
		t.Fatalf("expected failed confirmation recorded, got %+v", outcome.Confirmation)
	}
	if provider.callCount() != 2 {
		t.Fatalf("confirmation should be a single attempt, got %d calls", provider.callCount())
	}
	if store.count() != 0 {
		t.Fatalf("delivered submission must not be stored")
	}
}

func TestDispatchNoConfirmationAfterFailure(t *testing.T) {
	cfg := testConfig()
	cfg.SendConfirmation = true

	provider := &providerStub{results: []error{errors.New("smtp 535: bad credentials")}}
	d := newTestDispatcher(t, cfg, provider, &storeStub{})

	outcome, _ := d.Dispatch(context.Background(), contactSubmission())
	if outcome.Confirmation.Attempted || provider.callCount() != 1 {
		t.Fatalf("confirmation must only follow a delivered notification")
	}
}

func TestDispatchCarriesAttachment(t *testing.T) {
	provider := &providerStub{}
	d := newTestDispatcher(t, testConfig(), provider, &storeStub{})

	sub := &models.Submission{
		ID:   "sub-2",
		Kind: models.KindCareer,
		Fields: map[string]string{
			"name": "Ravi", "email": "ravi@x.io", "phone": "123", "role": "Engineer", "message": "Please consider me",
		},
		Attachment: &models.AttachmentRef{Path: "/scratch/1-abc-cv.pdf", Filename: "cv.pdf", ContentType: "application/pdf", Size: 2048},
	}
	if _, err := d.Dispatch(context.Background(), sub); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	atts := provider.calls[0].Attachments
	if len(atts) != 1 || atts[0].Path != "/scratch/1-abc-cv.pdf" || atts[0].Filename != "cv.pdf" {
		t.Fatalf("expected staged attachment forwarded, got %+v", atts)
	}
}

func TestDispatchStoredSnapshotDropsPath(t *testing.T) {
	provider := &providerStub{results: []error{errors.New("smtp 535: bad credentials")}}
	store := &storeStub{}
	d := newTestDispatcher(t, testConfig(), provider, store)

	sub := contactSubmission()
	sub.Kind = models.KindCareer
	sub.Attachment = &models.AttachmentRef{Path: "/scratch/x-cv.pdf", Filename: "cv.pdf", Size: 10}
	if _, err := d.Dispatch(context.Background(), sub); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	stored := store.records[0].Submission
	if stored.Attachment == nil || stored.Attachment.Path != "" || stored.Attachment.Filename != "cv.pdf" {
		t.Fatalf("expected attachment metadata without path, got %+v", stored.Attachment)
	}
}

func TestDispatchBoundsConcurrentSends(t *testing.T) {
	provider := &providerStub{delay: 20 * time.Millisecond}
	cfg := testConfig()
	cfg.MaxConcurrentSends = 2
	d := newTestDispatcher(t, cfg, provider, &storeStub{})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sub := contactSubmission()
			sub.ID = fmt.Sprintf("sub-%d", i)
			if _, err := d.Dispatch(context.Background(), sub); err != nil {
				t.Errorf("dispatch %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	provider.mu.Lock()
	defer provider.mu.Unlock()
	if provider.maxSeen > 2 {
		t.Fatalf("expected at most 2 concurrent sends, saw %d", provider.maxSeen)
	}
	if len(provider.calls) != 8 {
		t.Fatalf("expected 8 sends, got %d", len(provider.calls))
	}
}

func TestDispatchSlotWaitIsBounded(t *testing.T) {
	provider := &providerStub{block: true}
	cfg := testConfig()
	cfg.MaxConcurrentSends = 1
	cfg.SendTimeout = 100 * time.Millisecond
	d := newTestDispatcher(t, cfg, provider, &storeStub{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = d.Dispatch(context.Background(), contactSubmission())
	}()
	for provider.callCount() == 0 {
		time.Sleep(time.Millisecond)
	}

	sub := contactSubmission()
	sub.ID = "sub-queued"
	outcome, err := d.Dispatch(context.Background(), sub)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Status != models.TransientFailure || outcome.Attempts != 0 {
		t.Fatalf("expected transient failure without a send, got %+v", outcome)
	}
	if !strings.Contains(outcome.Reason, context.DeadlineExceeded.Error()) {
		t.Fatalf("expected deadline reason, got %q", outcome.Reason)
	}
	<-done
}

func TestNewDispatcherValidation(t *testing.T) {
	if _, err := NewDispatcher(testConfig(), Dependencies{Provider: &providerStub{}}); err == nil {
		t.Fatalf("expected error without store")
	}
	cfg := testConfig()
	cfg.SendTimeout = 0
	if _, err := NewDispatcher(cfg, Dependencies{Provider: &providerStub{}, Store: &storeStub{}}); err == nil {
		t.Fatalf("expected error without send timeout")
	}
}
