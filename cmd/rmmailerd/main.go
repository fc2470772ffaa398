// Command rmmailerd is the raw-material requisition mail daemon: on the
// configured weekly cadence it fetches pending requisitions from the
// backend, mails the summary, and reports completion.
//
// Signals: SIGUSR1 triggers a manual send; SIGINT/SIGTERM stop the daemon,
// letting an in-flight run finish.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/joho/godotenv"

	"github.com/xulili-samrt/auto-send-apply-rm-mail/internal/app"
	"github.com/xulili-samrt/auto-send-apply-rm-mail/internal/pipeline"
	"github.com/xulili-samrt/auto-send-apply-rm-mail/pkg/logx"
)

func main() {
	var (
		cfgPath string
		once    bool
	)
	flag.StringVar(&cfgPath, "config", "./config.json", "path to config file (json or yaml)")
	flag.BoolVar(&once, "once", false, "run the dispatch pipeline a single time and exit")
	flag.Parse()

	// Optional .env next to the binary; real env still wins.
	_ = godotenv.Load()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(ctx, cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
	log := a.Logger()

	if once {
		out := a.RunOnce(ctx)
		_ = a.Stop(context.Background())
		if out.Status == pipeline.StatusFailure {
			fmt.Fprintln(os.Stderr, "run failed:", out.ErrorDetail)
			os.Exit(1)
		}
		fmt.Printf("run finished: %s (%d items)\n", out.Status, out.ItemCount)
		return
	}

	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		os.Exit(1)
	}

	// SIGUSR1 fires the pipeline on demand without touching the schedule.
	manual := make(chan os.Signal, 1)
	signal.Notify(manual, syscall.SIGUSR1)
	go func() {
		for range manual {
			out, err := a.TriggerNow(ctx)
			if err != nil {
				log.Warn("manual trigger rejected", logx.Err(err))
				continue
			}
			log.Info("manual run finished",
				logx.String("status", string(out.Status)),
				logx.Int("items", out.ItemCount))
		}
	}()

	notifySystemd(ctx, log)

	<-ctx.Done()
	log.Info("shutting down")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx); err != nil {
		log.Warn("shutdown incomplete", logx.Err(err))
	}
}

// notifySystemd reports readiness and keeps the watchdog fed when running
// under systemd; both calls are no-ops otherwise.
func notifySystemd(ctx context.Context, log logx.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		log.Warn("sd_notify failed", logx.Err(err))
		return
	}
	if !sent {
		return
	}

	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval == 0 {
		return
	}
	go func() {
		t := time.NewTicker(interval / 2)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			}
		}
	}()
}
