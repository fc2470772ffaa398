// Package app wires the daemon together: config, logging, event bus,
// backend client, mailer, pipeline, registry, and the optional notifier.
package app

import (
	"context"
	"fmt"
	"sync"

	"github.com/xulili-samrt/auto-send-apply-rm-mail/internal/backend"
	"github.com/xulili-samrt/auto-send-apply-rm-mail/internal/config"
	"github.com/xulili-samrt/auto-send-apply-rm-mail/internal/eventbus"
	"github.com/xulili-samrt/auto-send-apply-rm-mail/internal/mailer"
	"github.com/xulili-samrt/auto-send-apply-rm-mail/internal/notify"
	"github.com/xulili-samrt/auto-send-apply-rm-mail/internal/pipeline"
	"github.com/xulili-samrt/auto-send-apply-rm-mail/internal/registry"
	"github.com/xulili-samrt/auto-send-apply-rm-mail/internal/schedule"
	"github.com/xulili-samrt/auto-send-apply-rm-mail/pkg/logx"
)

type App struct {
	cfgMgr *config.Manager
	logSvc *logx.Service
	log    logx.Logger
	bus    eventbus.Bus

	client   *backend.Client
	dispatch *swappableDispatcher
	pipe     *pipeline.Pipeline
	reg      *registry.Registry
	notifier *notify.Service

	sup *supervisor
}

func New(ctx context.Context, cfgPath string) (*App, error) {
	boot := logx.NewConsole("info")
	cfgMgr := config.NewManager(cfgPath, boot)

	cfg, err := cfgMgr.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})

	bus := eventbus.New()

	client := backend.New(backend.Config{
		RequisitionsURL: cfg.Server.RequisitionsURL,
		CopyListURL:     cfg.Server.CopyListURL,
		Timeout:         cfg.Server.ParsedTimeout(),
	}, log.With(logx.String("component", "backend")))

	dispatch := &swappableDispatcher{}
	dispatch.swap(mailer.NewSMTP(smtpConfig(cfg), log.With(logx.String("component", "mailer"))))

	pipe := pipeline.New(client, dispatch, bus,
		log.With(logx.String("component", "pipeline")),
		pipelineSettings(cfg))

	reg := registry.New(ctx, pipe.Run, bus, log.With(logx.String("component", "registry")))

	notifier, err := notify.New(notify.Config{
		Enabled:    cfg.Notify.Telegram.Enabled,
		Token:      cfg.Notify.Telegram.Token,
		ChatID:     cfg.Notify.Telegram.ChatID,
		RatePerSec: cfg.Notify.Telegram.RatePerSec,
	}, bus, log.With(logx.String("component", "notify")))
	if err != nil {
		return nil, err
	}

	return &App{
		cfgMgr:   cfgMgr,
		logSvc:   logSvc,
		log:      log,
		bus:      bus,
		client:   client,
		dispatch: dispatch,
		pipe:     pipe,
		reg:      reg,
		notifier: notifier,
		sup:      newSupervisor(ctx, log),
	}, nil
}

func (a *App) Logger() logx.Logger { return a.log }
func (a *App) Bus() eventbus.Bus   { return a.bus }

// Start brings up the background pieces: notifier, config watcher, and the
// recurring job when auto_start is set.
func (a *App) Start(ctx context.Context) error {
	a.notifier.Start(ctx)

	a.sup.Go("config-watch", a.cfgMgr.Watch)
	a.sup.Go("config-apply", func(ctx context.Context) error {
		ch := a.cfgMgr.Subscribe(4)
		for {
			select {
			case <-ctx.Done():
				return nil
			case cfg := <-ch:
				a.applyConfig(cfg)
			}
		}
	})

	cfg := a.cfgMgr.Get()
	if cfg.Schedule.AutoStart {
		if _, err := a.StartSchedule(); err != nil {
			// A broken schedule should not keep the daemon from starting;
			// the user can fix the config and it will be picked up live.
			a.log.Error("auto-start failed", logx.Err(err))
		}
	}
	return nil
}

// StartSchedule translates the configured cadence and (re)registers the job.
func (a *App) StartSchedule() (registry.JobHandle, error) {
	cfg := a.cfgMgr.Get()
	spec, err := schedule.Translate(cfg.Schedule)
	if err != nil {
		return registry.JobHandle{}, err
	}
	return a.reg.Start(spec)
}

func (a *App) StopSchedule() { a.reg.Stop() }

func (a *App) ScheduleStatus() *registry.JobHandle { return a.reg.Status() }

// TriggerNow runs the pipeline outside the schedule, rejecting with
// pipeline.ErrPipelineBusy when a run is already in flight.
func (a *App) TriggerNow(ctx context.Context) (pipeline.RunOutcome, error) {
	return a.pipe.TryRun(ctx)
}

// RunOnce executes a single blocking pipeline run (the -once flag).
func (a *App) RunOnce(ctx context.Context) pipeline.RunOutcome {
	return a.pipe.Run(ctx)
}

// applyConfig pushes a reloaded config into the running services. The job is
// rescheduled only when it is currently registered.
func (a *App) applyConfig(cfg *config.Config) {
	a.logSvc.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	a.client.Apply(backend.Config{
		RequisitionsURL: cfg.Server.RequisitionsURL,
		CopyListURL:     cfg.Server.CopyListURL,
		Timeout:         cfg.Server.ParsedTimeout(),
	})
	a.pipe.Apply(pipelineSettings(cfg))
	a.dispatch.swap(mailer.NewSMTP(smtpConfig(cfg), a.log.With(logx.String("component", "mailer"))))

	if a.reg.Status() != nil {
		if _, err := a.StartSchedule(); err != nil {
			a.log.Error("reschedule after config reload failed", logx.Err(err))
		}
	}
	a.bus.Publish(eventbus.Event{Type: eventbus.TypeConfigSaved, Data: a.cfgMgr.Path()})
	a.log.Info("config applied")
}

func (a *App) Stop(ctx context.Context) error {
	a.reg.Stop()
	a.notifier.Stop(ctx)
	err := a.sup.Stop(ctx)
	_ = a.logSvc.Close()
	return err
}

func pipelineSettings(cfg *config.Config) pipeline.Settings {
	return pipeline.Settings{
		Credentials: backend.Credentials{
			LoginURL: cfg.Server.LoginURL,
			Username: cfg.Server.Username,
			Password: cfg.Server.Password,
		},
		Recipient: cfg.Mail.Recipient,
	}
}

func smtpConfig(cfg *config.Config) mailer.SMTPConfig {
	return mailer.SMTPConfig{
		Host:     cfg.Mail.SMTP.Host,
		Port:     cfg.Mail.SMTP.Port,
		From:     cfg.Mail.SMTP.From,
		Username: cfg.Mail.SMTP.Username,
		Password: cfg.Mail.SMTP.Password,
	}
}

// swappableDispatcher lets config reloads replace the SMTP transport without
// rebuilding the pipeline (which owns the run gate).
type swappableDispatcher struct {
	mu    sync.RWMutex
	inner mailer.Dispatcher
}

func (d *swappableDispatcher) swap(inner mailer.Dispatcher) {
	d.mu.Lock()
	d.inner = inner
	d.mu.Unlock()
}

func (d *swappableDispatcher) Send(ctx context.Context, doc mailer.Document, rcpt mailer.Recipients) error {
	d.mu.RLock()
	inner := d.inner
	d.mu.RUnlock()
	return inner.Send(ctx, doc, rcpt)
}
