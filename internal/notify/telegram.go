// Package notify forwards run outcomes and job transitions to a Telegram
// chat. It is optional; when disabled the bus simply has one fewer
// subscriber.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"github.com/xulili-samrt/auto-send-apply-rm-mail/internal/eventbus"
	"github.com/xulili-samrt/auto-send-apply-rm-mail/internal/pipeline"
	"github.com/xulili-samrt/auto-send-apply-rm-mail/pkg/logx"
)

type Config struct {
	Enabled    bool
	Token      string
	ChatID     int64
	RatePerSec int
}

type Service struct {
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	bot     *tele.Bot
	limiter *rate.Limiter

	runMu   sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func New(cfg Config, bus eventbus.Bus, log logx.Logger) (*Service, error) {
	s := &Service{cfg: cfg, bus: bus, log: log}
	if !cfg.Enabled {
		return s, nil
	}
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram notify enabled but token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram notify enabled but chat_id is not set")
	}

	// Send-only: no poller is attached, the bot never consumes updates.
	b, err := tele.NewBot(tele.Settings{Token: cfg.Token})
	if err != nil {
		return nil, fmt.Errorf("telegram bot init: %w", err)
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 1
	}
	s.bot = b
	s.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	return s, nil
}

// Start subscribes to the event bus and forwards events until ctx ends.
func (s *Service) Start(ctx context.Context) {
	if s.bot == nil {
		return
	}
	s.runMu.Lock()
	if s.running {
		s.runMu.Unlock()
		return
	}
	s.running = true
	rctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.runMu.Unlock()

	ch, unsub := s.bus.Subscribe(32)
	go func() {
		defer close(s.done)
		defer unsub()
		for {
			select {
			case <-rctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				s.handle(ev)
			}
		}
	}()
	s.log.Info("telegram notifier started", logx.Int64("chat_id", s.cfg.ChatID))
}

func (s *Service) Stop(ctx context.Context) {
	s.runMu.Lock()
	cancel := s.cancel
	done := s.done
	s.cancel = nil
	s.running = false
	s.runMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (s *Service) handle(ev eventbus.Event) {
	msg := format(ev)
	if msg == "" {
		return
	}
	if !s.limiter.Allow() {
		// Status messages are advisory; dropping beats blocking the bus.
		return
	}
	_, err := s.bot.Send(&tele.Chat{ID: s.cfg.ChatID}, msg, &tele.SendOptions{DisableWebPagePreview: true})
	if err != nil {
		s.log.Warn("telegram notify failed", logx.Err(err))
	}
}

func format(ev eventbus.Event) string {
	switch ev.Type {
	case eventbus.TypeRunOutcome:
		out, ok := ev.Data.(pipeline.RunOutcome)
		if !ok {
			return ""
		}
		switch out.Status {
		case pipeline.StatusSuccess:
			return fmt.Sprintf("✅ requisition mail sent (%d items)", out.ItemCount)
		case pipeline.StatusNoPendingItems:
			return "ℹ️ no pending requisitions this cycle"
		default:
			return "🚨 requisition mail run failed: " + out.ErrorDetail
		}
	case eventbus.TypeJobStarted:
		if next, ok := ev.Data.(time.Time); ok {
			return "▶️ schedule started, next fire " + next.Format("2006-01-02 15:04")
		}
		return "▶️ schedule started"
	case eventbus.TypeJobStopped:
		return "⏹ schedule stopped"
	default:
		return ""
	}
}
