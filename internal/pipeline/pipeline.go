// Package pipeline orchestrates one notification cycle: authenticate, fetch
// pending requisitions, render, dispatch mail, report completion. A run
// always produces a RunOutcome; no step failure escapes the pipeline
// boundary.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/xulili-samrt/auto-send-apply-rm-mail/internal/backend"
	"github.com/xulili-samrt/auto-send-apply-rm-mail/internal/eventbus"
	"github.com/xulili-samrt/auto-send-apply-rm-mail/internal/mailer"
	"github.com/xulili-samrt/auto-send-apply-rm-mail/pkg/logx"
)

var (
	// ErrPipelineBusy is returned by TryRun while another run holds the
	// gate. Manual triggers are rejected rather than queued; see DESIGN.md.
	ErrPipelineBusy = errors.New("pipeline busy")
	// ErrMailDispatchFailed classifies any error raised by the mail
	// transport collaborator.
	ErrMailDispatchFailed = errors.New("mail dispatch failed")
	// ErrStatusReportFailed classifies a completion report that failed even
	// after the single re-authentication retry.
	ErrStatusReportFailed = errors.New("status report failed")
)

// Status is the coarse result of one run.
type Status string

const (
	StatusSuccess        Status = "success"
	StatusNoPendingItems Status = "no_pending_items"
	StatusFailure        Status = "failure"
)

// RunOutcome is the single structured result of one pipeline execution,
// scheduled or manual. It is published on the event bus and logged.
type RunOutcome struct {
	Status      Status
	ItemCount   int
	ErrorDetail string
	Timestamp   time.Time
}

// Settings are the per-run inputs that may change under config reload.
type Settings struct {
	Credentials backend.Credentials
	Recipient   string
}

// Backend is the slice of the requisition service the pipeline needs.
// *backend.Client satisfies it.
type Backend interface {
	Login(ctx context.Context, creds backend.Credentials) (*backend.Session, error)
	FetchRequisitions(ctx context.Context, sess *backend.Session) ([]backend.RequisitionItem, error)
	FetchCopyEmails(ctx context.Context, sess *backend.Session) ([]string, error)
	ReportCompletion(ctx context.Context, sess *backend.Session, submitDate time.Time) error
}

type Pipeline struct {
	api  Backend
	mail mailer.Dispatcher
	bus  eventbus.Bus
	log  logx.Logger

	// gate serializes pipeline execution process-wide. The scheduled path
	// blocks on it (a deferred fire runs after the current one finishes);
	// the manual path uses TryLock and rejects.
	gate sync.Mutex

	// session is touched only while gate is held.
	session *backend.Session

	setMu    sync.RWMutex
	settings Settings

	now func() time.Time
}

func New(api Backend, mail mailer.Dispatcher, bus eventbus.Bus, log logx.Logger, settings Settings) *Pipeline {
	return &Pipeline{
		api:      api,
		mail:     mail,
		bus:      bus,
		log:      log,
		settings: settings,
		now:      time.Now,
	}
}

// Apply swaps per-run settings (hot config reload). Takes effect on the next
// run; an in-flight run keeps the settings it started with.
func (p *Pipeline) Apply(settings Settings) {
	p.setMu.Lock()
	p.settings = settings
	p.setMu.Unlock()
}

func (p *Pipeline) currentSettings() Settings {
	p.setMu.RLock()
	defer p.setMu.RUnlock()
	return p.settings
}

// Run executes one cycle, waiting for any in-flight run to finish first.
// This is the scheduled-fire entry point.
func (p *Pipeline) Run(ctx context.Context) RunOutcome {
	p.gate.Lock()
	defer p.gate.Unlock()
	return p.runLocked(ctx)
}

// TryRun is the manual-trigger entry point. It rejects with ErrPipelineBusy
// when a run is already executing instead of stacking a second send.
func (p *Pipeline) TryRun(ctx context.Context) (RunOutcome, error) {
	if !p.gate.TryLock() {
		return RunOutcome{}, ErrPipelineBusy
	}
	defer p.gate.Unlock()
	return p.runLocked(ctx), nil
}

func (p *Pipeline) runLocked(ctx context.Context) (out RunOutcome) {
	start := p.now()
	defer func() {
		if r := recover(); r != nil {
			out = p.fail(start, 0, fmt.Errorf("panic during run: %v", r))
		}
		out.Timestamp = p.now()
		p.publish(out)
	}()

	settings := p.currentSettings()
	p.log.Info("pipeline run started")

	// Fetch pending requisitions, refreshing the session once on an
	// authorization-class failure.
	var items []backend.RequisitionItem
	err := p.withReauth(ctx, settings, func(sess *backend.Session) error {
		var ferr error
		items, ferr = p.api.FetchRequisitions(ctx, sess)
		return ferr
	})
	if err != nil {
		return p.fail(start, 0, err)
	}

	if len(items) == 0 {
		p.log.Info("no pending requisitions")
		return RunOutcome{Status: StatusNoPendingItems}
	}
	p.log.Info("pending requisitions fetched", logx.Int("count", len(items)))

	var cc []string
	err = p.withReauth(ctx, settings, func(sess *backend.Session) error {
		var ferr error
		cc, ferr = p.api.FetchCopyEmails(ctx, sess)
		return ferr
	})
	if err != nil {
		return p.fail(start, len(items), err)
	}

	doc, err := mailer.Render(items, p.now())
	if err != nil {
		return p.fail(start, len(items), err)
	}

	rcpt := mailer.Recipients{
		To: mailer.SplitAddressList(settings.Recipient),
		CC: cc,
	}
	if err := p.mail.Send(ctx, doc, rcpt); err != nil {
		return p.fail(start, len(items), fmt.Errorf("%w: %v", ErrMailDispatchFailed, err))
	}
	p.log.Info("mail dispatched", logx.Int("to", len(rcpt.To)), logx.Int("cc", len(rcpt.CC)))

	err = p.withReauth(ctx, settings, func(sess *backend.Session) error {
		return p.api.ReportCompletion(ctx, sess, p.now())
	})
	if err != nil {
		return p.fail(start, len(items), fmt.Errorf("%w: %v", ErrStatusReportFailed, err))
	}

	p.log.Info("pipeline run finished",
		logx.Int("items", len(items)),
		logx.Duration("took", p.now().Sub(start)))
	return RunOutcome{Status: StatusSuccess, ItemCount: len(items)}
}

// withReauth runs fn with a valid session, re-authenticating exactly once if
// fn reports an authorization failure. Any other error passes through.
func (p *Pipeline) withReauth(ctx context.Context, settings Settings, fn func(sess *backend.Session) error) error {
	sess, err := p.ensureSession(ctx, settings)
	if err != nil {
		return err
	}
	err = fn(sess)
	if !errors.Is(err, backend.ErrUnauthorized) {
		return err
	}

	p.log.Warn("authorization rejected, refreshing session", logx.Err(err))
	p.session = nil
	sess, err = p.ensureSession(ctx, settings)
	if err != nil {
		return err
	}
	return fn(sess)
}

func (p *Pipeline) ensureSession(ctx context.Context, settings Settings) (*backend.Session, error) {
	if p.session != nil {
		return p.session, nil
	}
	sess, err := p.api.Login(ctx, settings.Credentials)
	if err != nil {
		return nil, err
	}
	p.session = sess
	return sess, nil
}

func (p *Pipeline) fail(start time.Time, itemCount int, err error) RunOutcome {
	detail := Classify(err)
	p.log.Error("pipeline run failed",
		logx.String("detail", detail),
		logx.Int("items", itemCount),
		logx.Duration("took", p.now().Sub(start)))
	return RunOutcome{Status: StatusFailure, ItemCount: itemCount, ErrorDetail: detail}
}

func (p *Pipeline) publish(out RunOutcome) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(eventbus.Event{Type: eventbus.TypeRunOutcome, Data: out})
}

// Classify maps an error onto the failure taxonomy, keeping the underlying
// message for the log stream.
func Classify(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrMailDispatchFailed):
		return fmt.Sprintf("MailDispatchFailed: %v", err)
	case errors.Is(err, ErrStatusReportFailed):
		return fmt.Sprintf("StatusReportFailed: %v", err)
	case errors.Is(err, backend.ErrAuthenticationFailed):
		return fmt.Sprintf("AuthenticationFailed: %v", err)
	case errors.Is(err, backend.ErrMalformedAuthResponse):
		return fmt.Sprintf("MalformedAuthResponse: %v", err)
	case errors.Is(err, backend.ErrUnauthorized):
		return fmt.Sprintf("AuthenticationFailed: %v", err)
	case errors.Is(err, backend.ErrNetwork):
		return fmt.Sprintf("NetworkError: %v", err)
	default:
		return err.Error()
	}
}
