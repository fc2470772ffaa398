package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/xulili-samrt/auto-send-apply-rm-mail/internal/backend"
	"github.com/xulili-samrt/auto-send-apply-rm-mail/internal/eventbus"
	"github.com/xulili-samrt/auto-send-apply-rm-mail/internal/mailer"
	"github.com/xulili-samrt/auto-send-apply-rm-mail/pkg/logx"
)

type fakeBackend struct {
	mu     sync.Mutex
	logins int

	loginErr   error
	fetch      func(callsSoFar int) ([]backend.RequisitionItem, error)
	copyEmails []string
	copyErr    error
	report     func(callsSoFar int) error

	fetchCalls  int
	reportCalls int
}

func (f *fakeBackend) Login(ctx context.Context, creds backend.Credentials) (*backend.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logins++
	if f.loginErr != nil {
		return nil, f.loginErr
	}
	return &backend.Session{Token: "tok"}, nil
}

func (f *fakeBackend) FetchRequisitions(ctx context.Context, sess *backend.Session) ([]backend.RequisitionItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchCalls++
	if f.fetch == nil {
		return nil, nil
	}
	return f.fetch(f.fetchCalls)
}

func (f *fakeBackend) FetchCopyEmails(ctx context.Context, sess *backend.Session) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.copyEmails, f.copyErr
}

func (f *fakeBackend) ReportCompletion(ctx context.Context, sess *backend.Session, submitDate time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reportCalls++
	if f.report == nil {
		return nil
	}
	return f.report(f.reportCalls)
}

func (f *fakeBackend) loginCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.logins
}

type fakeDispatcher struct {
	mu      sync.Mutex
	sends   []mailer.Recipients
	docs    []mailer.Document
	err     error
	block   chan struct{} // when non-nil, Send waits here
	entered chan struct{}
}

func (d *fakeDispatcher) Send(ctx context.Context, doc mailer.Document, rcpt mailer.Recipients) error {
	if d.entered != nil {
		d.entered <- struct{}{}
	}
	if d.block != nil {
		<-d.block
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.sends = append(d.sends, rcpt)
	d.docs = append(d.docs, doc)
	return nil
}

func (d *fakeDispatcher) sendCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sends)
}

func items(n int) []backend.RequisitionItem {
	out := make([]backend.RequisitionItem, n)
	for i := range out {
		out[i] = backend.RequisitionItem{
			ApplyDate:     "2026-03-02",
			MaterialID:    "RM-" + string(rune('1'+i)),
			ApplicantName: "applicant-" + string(rune('a'+i)),
		}
	}
	return out
}

func newTestPipeline(api Backend, mail mailer.Dispatcher) *Pipeline {
	return New(api, mail, eventbus.New(), logx.Nop(), Settings{
		Credentials: backend.Credentials{LoginURL: "http://login", Username: "u", Password: "p"},
		Recipient:   "team@example.com",
	})
}

func TestRunSuccess(t *testing.T) {
	t.Parallel()
	api := &fakeBackend{
		fetch:      func(int) ([]backend.RequisitionItem, error) { return items(2), nil },
		copyEmails: []string{"cc1@example.com", "cc2@example.com"},
	}
	mail := &fakeDispatcher{}
	p := newTestPipeline(api, mail)

	out := p.Run(context.Background())
	if out.Status != StatusSuccess {
		t.Fatalf("status = %s, want success (detail: %s)", out.Status, out.ErrorDetail)
	}
	if out.ItemCount != 2 {
		t.Fatalf("item count = %d, want 2", out.ItemCount)
	}
	if out.Timestamp.IsZero() {
		t.Fatal("outcome timestamp not set")
	}
	if api.loginCount() != 1 {
		t.Fatalf("logins = %d, want 1", api.loginCount())
	}
	if mail.sendCount() != 1 {
		t.Fatalf("sends = %d, want 1", mail.sendCount())
	}
	rcpt := mail.sends[0]
	if len(rcpt.To) != 1 || rcpt.To[0] != "team@example.com" {
		t.Fatalf("to = %v", rcpt.To)
	}
	if len(rcpt.CC) != 2 {
		t.Fatalf("cc = %v", rcpt.CC)
	}
	if api.reportCalls != 1 {
		t.Fatalf("report calls = %d, want 1", api.reportCalls)
	}
}

func TestRunNoPendingItems(t *testing.T) {
	t.Parallel()
	api := &fakeBackend{fetch: func(int) ([]backend.RequisitionItem, error) { return nil, nil }}
	mail := &fakeDispatcher{}
	p := newTestPipeline(api, mail)

	out := p.Run(context.Background())
	if out.Status != StatusNoPendingItems {
		t.Fatalf("status = %s, want no_pending_items", out.Status)
	}
	if mail.sendCount() != 0 {
		t.Fatal("dispatcher called despite empty fetch")
	}
	if api.reportCalls != 0 {
		t.Fatal("completion reported despite empty fetch")
	}
}

func TestRunReauthOnceOnReportUnauthorized(t *testing.T) {
	t.Parallel()
	api := &fakeBackend{
		fetch: func(int) ([]backend.RequisitionItem, error) { return items(1), nil },
		report: func(calls int) error {
			if calls == 1 {
				return backend.ErrUnauthorized
			}
			return nil
		},
	}
	mail := &fakeDispatcher{}
	p := newTestPipeline(api, mail)

	out := p.Run(context.Background())
	if out.Status != StatusSuccess {
		t.Fatalf("status = %s, want success (detail: %s)", out.Status, out.ErrorDetail)
	}
	// Initial login plus exactly one refresh.
	if api.loginCount() != 2 {
		t.Fatalf("logins = %d, want 2", api.loginCount())
	}
	if api.reportCalls != 2 {
		t.Fatalf("report calls = %d, want 2", api.reportCalls)
	}
}

func TestRunReportFailsAfterRetry(t *testing.T) {
	t.Parallel()
	api := &fakeBackend{
		fetch:  func(int) ([]backend.RequisitionItem, error) { return items(1), nil },
		report: func(int) error { return backend.ErrUnauthorized },
	}
	mail := &fakeDispatcher{}
	p := newTestPipeline(api, mail)

	out := p.Run(context.Background())
	if out.Status != StatusFailure {
		t.Fatalf("status = %s, want failure", out.Status)
	}
	if !strings.Contains(out.ErrorDetail, "StatusReportFailed") {
		t.Fatalf("detail = %q, want StatusReportFailed", out.ErrorDetail)
	}
	// One refresh only, no retry loop.
	if api.loginCount() != 2 {
		t.Fatalf("logins = %d, want 2", api.loginCount())
	}
}

func TestRunMailDispatchFailure(t *testing.T) {
	t.Parallel()
	api := &fakeBackend{fetch: func(int) ([]backend.RequisitionItem, error) { return items(3), nil }}
	mail := &fakeDispatcher{err: errors.New("relay refused")}
	p := newTestPipeline(api, mail)

	out := p.Run(context.Background())
	if out.Status != StatusFailure {
		t.Fatalf("status = %s, want failure", out.Status)
	}
	if !strings.Contains(out.ErrorDetail, "MailDispatchFailed") {
		t.Fatalf("detail = %q, want MailDispatchFailed", out.ErrorDetail)
	}
	if out.ItemCount != 3 {
		t.Fatalf("item count = %d, want 3", out.ItemCount)
	}
	if api.reportCalls != 0 {
		t.Fatal("completion reported after failed dispatch")
	}
}

func TestRunAuthFailure(t *testing.T) {
	t.Parallel()
	api := &fakeBackend{loginErr: backend.ErrAuthenticationFailed}
	p := newTestPipeline(api, &fakeDispatcher{})

	out := p.Run(context.Background())
	if out.Status != StatusFailure {
		t.Fatalf("status = %s, want failure", out.Status)
	}
	if !strings.Contains(out.ErrorDetail, "AuthenticationFailed") {
		t.Fatalf("detail = %q", out.ErrorDetail)
	}
}

func TestTryRunRejectsWhileBusy(t *testing.T) {
	t.Parallel()
	block := make(chan struct{})
	entered := make(chan struct{}, 1)
	api := &fakeBackend{fetch: func(int) ([]backend.RequisitionItem, error) { return items(1), nil }}
	mail := &fakeDispatcher{block: block, entered: entered}
	p := newTestPipeline(api, mail)

	done := make(chan RunOutcome, 1)
	go func() { done <- p.Run(context.Background()) }()

	<-entered // scheduled run is inside the send step

	if _, err := p.TryRun(context.Background()); !errors.Is(err, ErrPipelineBusy) {
		t.Fatalf("TryRun error = %v, want ErrPipelineBusy", err)
	}

	close(block)
	out := <-done
	if out.Status != StatusSuccess {
		t.Fatalf("status = %s, want success (detail: %s)", out.Status, out.ErrorDetail)
	}
	if mail.sendCount() != 1 {
		t.Fatalf("sends = %d, want exactly 1", mail.sendCount())
	}
}

func TestRunRecoversPanic(t *testing.T) {
	t.Parallel()
	api := &fakeBackend{fetch: func(int) ([]backend.RequisitionItem, error) { panic("backend exploded") }}
	p := newTestPipeline(api, &fakeDispatcher{})

	out := p.Run(context.Background())
	if out.Status != StatusFailure {
		t.Fatalf("status = %s, want failure", out.Status)
	}
	if !strings.Contains(out.ErrorDetail, "panic") {
		t.Fatalf("detail = %q, want panic note", out.ErrorDetail)
	}
}

func TestRunPublishesOutcome(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(4)
	defer unsub()

	api := &fakeBackend{fetch: func(int) ([]backend.RequisitionItem, error) { return items(2), nil }}
	p := New(api, &fakeDispatcher{}, bus, logx.Nop(), Settings{Recipient: "t@example.com"})

	p.Run(context.Background())

	select {
	case ev := <-ch:
		if ev.Type != eventbus.TypeRunOutcome {
			t.Fatalf("event type = %s", ev.Type)
		}
		out, ok := ev.Data.(RunOutcome)
		if !ok {
			t.Fatalf("event data type %T", ev.Data)
		}
		if out.Status != StatusSuccess || out.ItemCount != 2 {
			t.Fatalf("published outcome = %+v", out)
		}
	case <-time.After(time.Second):
		t.Fatal("no outcome published")
	}
}
