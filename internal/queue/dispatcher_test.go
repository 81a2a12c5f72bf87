package queue

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sungwon/mailqueue/internal/email"
	"github.com/sungwon/mailqueue/internal/provider"
)

var testNow = time.Date(2024, 3, 10, 8, 0, 0, 0, time.UTC)

// memStore is an in-memory Store that applies the same eligibility and
// ordering rules as the PostgreSQL store.
type memStore struct {
	mu          sync.Mutex
	records     []*email.Record
	claimed     map[uuid.UUID]bool
	updates     []email.Status
	selectCalls int
	claimCalls  int
	updateErr   error
}

func newMemStore(recs ...*email.Record) *memStore {
	return &memStore{records: recs, claimed: make(map[uuid.UUID]bool)}
}

func (s *memStore) pick(now time.Time) *email.Record {
	var eligible []*email.Record
	for _, r := range s.records {
		if r.Eligible(now) && !s.claimed[r.ID] {
			eligible = append(eligible, r)
		}
	}
	if len(eligible) == 0 {
		return nil
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		if eligible[i].Raw.Priority != eligible[j].Raw.Priority {
			return eligible[i].Raw.Priority < eligible[j].Raw.Priority
		}
		return eligible[i].InsertedAt.Before(eligible[j].InsertedAt)
	})
	return eligible[0]
}

func (s *memStore) SelectNext(_ context.Context, now time.Time) (*email.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selectCalls++
	return s.pick(now), nil
}

func (s *memStore) ClaimNext(_ context.Context, now time.Time, _ time.Duration) (*email.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.claimCalls++
	rec := s.pick(now)
	if rec != nil {
		s.claimed[rec.ID] = true
	}
	return rec, nil
}

func (s *memStore) UpdateEmail(_ context.Context, rec *email.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updateErr != nil {
		return s.updateErr
	}
	delete(s.claimed, rec.ID)
	s.updates = append(s.updates, rec.Status)
	return nil
}

// fakeBuilder rebuilds messages straight from the raw payload unless err or
// panicMsg is set.
type fakeBuilder struct {
	mu       sync.Mutex
	err      error
	panicMsg string
	released []uuid.UUID
}

func (b *fakeBuilder) ToMessage(_ context.Context, rec *email.Record) (*provider.Message, error) {
	if b.panicMsg != "" {
		panic(b.panicMsg)
	}
	if b.err != nil {
		return nil, b.err
	}
	m := provider.NewMessage()
	m.ID = rec.ID.String()
	m.From = rec.Raw.From
	m.To = rec.Raw.To
	m.Subject = rec.Raw.Subject
	m.TextBody = rec.Raw.TextBody
	m.HTMLBody = rec.Raw.HTMLBody
	return m, nil
}

func (b *fakeBuilder) Release(_ context.Context, rec *email.Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.released = append(b.released, rec.ID)
	return nil
}

type recordingProvider struct {
	mu   sync.Mutex
	err  error
	sent []*provider.Message
}

func (p *recordingProvider) Send(ctx context.Context, msg *provider.Message) (*provider.DeliveryResult, error) {
	if _, ok := ctx.Deadline(); !ok {
		return nil, errors.New("send called without a deadline")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	p.sent = append(p.sent, msg)
	return &provider.DeliveryResult{Status: provider.StatusSent, Timestamp: testNow}, nil
}

func (p *recordingProvider) GetName() string { return "recording" }

func (p *recordingProvider) HealthCheck(context.Context) error { return nil }

func (p *recordingProvider) subjects() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.sent))
	for _, m := range p.sent {
		out = append(out, m.Subject)
	}
	return out
}

func newTestRecord(priority int, text string) *email.Record {
	raw := &email.RawPayload{
		From:     "shop@example.com",
		To:       []string{"a@example.com"},
		Subject:  "priority",
		TextBody: text,
	}
	raw.SetPriority(priority)
	return email.NewRecord(raw, testNow.Add(-time.Hour))
}

func newTestDispatcher(store Store, b Builder, p provider.Provider, cfg Config) *Dispatcher {
	return NewDispatcher(store, b, p, cfg, zerolog.Nop(), WithClock(func() time.Time { return testNow }))
}

func TestProcessOne_Sent(t *testing.T) {
	rec := newTestRecord(3, "Hello")
	rec.Claim(testNow.Add(5 * time.Minute))
	store := newMemStore(rec)
	b := &fakeBuilder{}
	p := &recordingProvider{}
	d := newTestDispatcher(store, b, p, DefaultConfig())

	if err := d.ProcessOne(context.Background(), rec); err != nil {
		t.Fatalf("ProcessOne() error = %v", err)
	}

	if rec.Status != email.StatusSent {
		t.Errorf("Status = %q, want %q", rec.Status, email.StatusSent)
	}
	if rec.ClaimedUntil != nil {
		t.Errorf("ClaimedUntil = %v, want the claim released", rec.ClaimedUntil)
	}
	if rec.SentAt == nil || !rec.SentAt.Equal(testNow) {
		t.Errorf("SentAt = %v, want %v", rec.SentAt, testNow)
	}
	if rec.PreparingDuration == nil || rec.SendingDuration == nil {
		t.Error("durations were not recorded")
	}
	if len(p.sent) != 1 {
		t.Fatalf("provider received %d messages, want 1", len(p.sent))
	}
	if len(store.updates) != 1 || store.updates[0] != email.StatusSent {
		t.Errorf("updates = %v, want [sent]", store.updates)
	}
	if len(b.released) != 1 || b.released[0] != rec.ID {
		t.Errorf("released = %v, want [%s]", b.released, rec.ID)
	}
}

func TestProcessOne_TransportFailure(t *testing.T) {
	sendErr := &provider.TransportError{Provider: "smtp", Code: 451, Message: "try later"}

	tests := []struct {
		name         string
		attempts     int
		template     *email.Template
		defaultMax   int
		wantStatus   email.Status
		wantAttempts int
	}{
		{
			name:         "no template retries forever",
			attempts:     40,
			wantStatus:   email.StatusWaitingForNextAttempt,
			wantAttempts: 41,
		},
		{
			name:         "template with room",
			attempts:     4,
			template:     &email.Template{MaxAllowedAttempts: 5},
			wantStatus:   email.StatusWaitingForNextAttempt,
			wantAttempts: 5,
		},
		{
			name:         "template exhausted",
			attempts:     5,
			template:     &email.Template{MaxAllowedAttempts: 5},
			wantStatus:   email.StatusSendingError,
			wantAttempts: 6,
		},
		{
			name:         "default limit exhausted",
			attempts:     3,
			defaultMax:   3,
			wantStatus:   email.StatusSendingError,
			wantAttempts: 4,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := newTestRecord(3, "Hello")
			rec.FailedAttemptsCount = tt.attempts
			rec.Template = tt.template
			store := newMemStore(rec)
			b := &fakeBuilder{}
			cfg := DefaultConfig()
			cfg.DefaultMaxAttempts = tt.defaultMax
			d := newTestDispatcher(store, b, &recordingProvider{err: sendErr}, cfg)

			err := d.ProcessOne(context.Background(), rec)
			if !provider.IsTransportError(err) {
				t.Fatalf("ProcessOne() error = %v, want transport error", err)
			}
			if rec.Status != tt.wantStatus {
				t.Errorf("Status = %q, want %q", rec.Status, tt.wantStatus)
			}
			if rec.FailedAttemptsCount != tt.wantAttempts {
				t.Errorf("FailedAttemptsCount = %d, want %d", rec.FailedAttemptsCount, tt.wantAttempts)
			}
			if len(b.released) != 0 {
				t.Errorf("released = %v, want none", b.released)
			}

			if tt.wantStatus == email.StatusWaitingForNextAttempt {
				want := testNow.Add(15 * time.Minute)
				if rec.SendEarliestNextAttemptAt == nil || !rec.SendEarliestNextAttemptAt.Equal(want) {
					t.Errorf("SendEarliestNextAttemptAt = %v, want %v", rec.SendEarliestNextAttemptAt, want)
				}
				if len(rec.Notes) != 0 {
					t.Errorf("Notes = %v, want none", rec.Notes)
				}
				return
			}

			if rec.SendEarliestNextAttemptAt != nil {
				t.Errorf("SendEarliestNextAttemptAt = %v, want nil", rec.SendEarliestNextAttemptAt)
			}
			wantNote := "2024-03-10T08:00:00Z - smtp: 451 try later"
			if len(rec.Notes) != 1 || rec.Notes[0] != wantNote {
				t.Errorf("Notes = %q, want [%q]", rec.Notes, wantNote)
			}
			if rec.PreparingDuration == nil || rec.SendingDuration == nil {
				t.Error("durations were not recorded on terminal failure")
			}
		})
	}
}

func TestProcessOne_PreparingFailure(t *testing.T) {
	tests := []struct {
		name    string
		builder *fakeBuilder
		sendErr error
		wantMsg string
	}{
		{
			name:    "builder error",
			builder: &fakeBuilder{err: errors.New(`attachment "a.pdf" not found`)},
			wantMsg: `prepare message: attachment "a.pdf" not found`,
		},
		{
			name:    "builder panic",
			builder: &fakeBuilder{panicMsg: "nil template"},
			wantMsg: "prepare message: panic: nil template",
		},
		{
			name:    "non-transport send error",
			builder: &fakeBuilder{},
			sendErr: errors.New(`parse from "bad": mail: no address`),
			wantMsg: `parse from "bad": mail: no address`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := newTestRecord(3, "Hello")
			rec.FailedAttemptsCount = 1
			rec.Template = &email.Template{MaxAllowedAttempts: 1}
			d := newTestDispatcher(newMemStore(rec), tt.builder, &recordingProvider{err: tt.sendErr}, DefaultConfig())

			err := d.ProcessOne(context.Background(), rec)
			if err == nil {
				t.Fatal("ProcessOne() error = nil, want error")
			}
			if provider.IsTransportError(err) {
				t.Errorf("ProcessOne() error = %v, want non-transport error", err)
			}
			if rec.Status != email.StatusPreparingError {
				t.Errorf("Status = %q, want %q", rec.Status, email.StatusPreparingError)
			}
			if rec.FailedAttemptsCount != 2 {
				t.Errorf("FailedAttemptsCount = %d, want 2", rec.FailedAttemptsCount)
			}
			if len(rec.Notes) != 1 || !strings.HasSuffix(rec.Notes[0], " - "+tt.wantMsg) {
				t.Errorf("Notes = %q, want suffix %q", rec.Notes, tt.wantMsg)
			}
		})
	}
}

func TestProcessOne_EmptyBody(t *testing.T) {
	rec := newTestRecord(3, "  \n ")
	store := newMemStore(rec)
	p := &recordingProvider{}
	d := newTestDispatcher(store, &fakeBuilder{}, p, DefaultConfig())

	err := d.ProcessOne(context.Background(), rec)
	if !errors.Is(err, ErrEmptyBody) {
		t.Fatalf("ProcessOne() error = %v, want ErrEmptyBody", err)
	}
	if rec.Status != email.StatusPreparingError {
		t.Errorf("Status = %q, want %q", rec.Status, email.StatusPreparingError)
	}
	if rec.FailedAttemptsCount != 0 {
		t.Errorf("FailedAttemptsCount = %d, want 0", rec.FailedAttemptsCount)
	}
	if len(rec.Notes) != 1 || !strings.HasSuffix(rec.Notes[0], email.EmptyBodyNote) {
		t.Errorf("Notes = %q, want %q note", rec.Notes, email.EmptyBodyNote)
	}
	if len(p.sent) != 0 {
		t.Errorf("provider received %d messages, want 0", len(p.sent))
	}
	if len(store.updates) != 1 {
		t.Errorf("updates = %d, want 1", len(store.updates))
	}
}

func TestProcessOne_UpdateFailureSkipsRelease(t *testing.T) {
	rec := newTestRecord(3, "Hello")
	store := newMemStore(rec)
	store.updateErr = errors.New("connection reset")
	b := &fakeBuilder{}
	d := newTestDispatcher(store, b, &recordingProvider{}, DefaultConfig())

	err := d.ProcessOne(context.Background(), rec)
	if err == nil || !strings.Contains(err.Error(), "connection reset") {
		t.Fatalf("ProcessOne() error = %v, want update error", err)
	}
	if len(b.released) != 0 {
		t.Errorf("released = %v, want none", b.released)
	}
}

func TestProcessOne_CancelledContextStillCompletes(t *testing.T) {
	rec := newTestRecord(3, "Hello")
	p := &recordingProvider{}
	d := newTestDispatcher(newMemStore(rec), &fakeBuilder{}, p, DefaultConfig())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := d.ProcessOne(ctx, rec); err != nil {
		t.Fatalf("ProcessOne() error = %v", err)
	}
	if rec.Status != email.StatusSent {
		t.Errorf("Status = %q, want %q", rec.Status, email.StatusSent)
	}
}

func runConfig(claim bool) Config {
	return Config{
		Timeout:             100 * time.Millisecond,
		CheckIterationDelay: 5 * time.Millisecond,
		Claim:               claim,
	}
}

func TestRun_SendsByPriority(t *testing.T) {
	for _, claim := range []bool{true, false} {
		name := "select"
		if claim {
			name = "claim"
		}
		t.Run(name, func(t *testing.T) {
			low := newTestRecord(90, "low")
			low.Raw.Subject = "low"
			high := newTestRecord(10, "high")
			high.Raw.Subject = "high"
			future := time.Now().Add(24 * time.Hour)
			later := newTestRecord(1, "later")
			later.SendEarliestAt = &future

			store := newMemStore(low, high, later)
			p := &recordingProvider{}
			d := NewDispatcher(store, &fakeBuilder{}, p, runConfig(claim), zerolog.Nop())

			sent, err := d.Run(context.Background())
			if err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			if sent != 2 {
				t.Errorf("Run() sent = %d, want 2", sent)
			}
			got := strings.Join(p.subjects(), ",")
			if got != "high,low" {
				t.Errorf("send order = %q, want %q", got, "high,low")
			}
			if later.Status != email.StatusInQueue {
				t.Errorf("deferred record status = %q, want %q", later.Status, email.StatusInQueue)
			}
			if claim && store.selectCalls != 0 {
				t.Errorf("SelectNext called %d times in claim mode", store.selectCalls)
			}
			if !claim && store.claimCalls != 0 {
				t.Errorf("ClaimNext called %d times in select mode", store.claimCalls)
			}
		})
	}
}

func TestRun_FailuresDoNotStopLoop(t *testing.T) {
	rec := newTestRecord(3, "")
	ok := newTestRecord(5, "fine")
	store := newMemStore(rec, ok)
	p := &recordingProvider{}
	d := NewDispatcher(store, &fakeBuilder{}, p, runConfig(true), zerolog.Nop())

	sent, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if sent != 1 {
		t.Errorf("Run() sent = %d, want 1", sent)
	}
	if rec.Status != email.StatusPreparingError {
		t.Errorf("empty record status = %q, want %q", rec.Status, email.StatusPreparingError)
	}
	if ok.Status != email.StatusSent {
		t.Errorf("valid record status = %q, want %q", ok.Status, email.StatusSent)
	}
}

func TestRun_CancelledContext(t *testing.T) {
	store := newMemStore(newTestRecord(3, "Hello"))
	d := NewDispatcher(store, &fakeBuilder{}, &recordingProvider{}, runConfig(true), zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sent, err := d.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Run() error = %v, want context.Canceled", err)
	}
	if sent != 0 {
		t.Errorf("Run() sent = %d, want 0", sent)
	}
}

type countingWaiter struct {
	mu    sync.Mutex
	calls int
}

func (w *countingWaiter) Wait(ctx context.Context, timeout time.Duration) {
	w.mu.Lock()
	w.calls++
	w.mu.Unlock()
	sleep(ctx, timeout)
}

func TestRun_UsesWaiterWhenIdle(t *testing.T) {
	w := &countingWaiter{}
	d := NewDispatcher(newMemStore(), &fakeBuilder{}, &recordingProvider{}, runConfig(true), zerolog.Nop(), WithWaiter(w))

	if _, err := d.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if w.calls == 0 {
		t.Error("waiter was never used while the queue was empty")
	}
}
