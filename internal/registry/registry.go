// Package registry owns the single named recurring job. It replaces any
// previous registration on start (never stacks triggers) and drives fires
// through a self-rescheduling single-shot timer computed from the trigger
// rule, so the next fire time is always deterministic and inspectable.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/xulili-samrt/auto-send-apply-rm-mail/internal/eventbus"
	"github.com/xulili-samrt/auto-send-apply-rm-mail/internal/pipeline"
	"github.com/xulili-samrt/auto-send-apply-rm-mail/internal/schedule"
	"github.com/xulili-samrt/auto-send-apply-rm-mail/pkg/logx"
)

// JobID is the fixed identifier of the one job slot this registry manages.
const JobID = "raw_material_mail_job"

// ErrSchedulerRegistrationFailed is returned when a trigger cannot be
// registered. The registry never partially registers: on failure the prior
// registration, if any, is untouched.
var ErrSchedulerRegistrationFailed = errors.New("scheduler registration failed")

// JobHandle describes the current registration.
type JobHandle struct {
	ID       string
	Trigger  schedule.TriggerSpec
	NextFire time.Time
}

// Runner executes one pipeline cycle, blocking until it completes. It is the
// blocking Pipeline.Run entry point, so a fire that lands during an active
// run is deferred behind it rather than overlapped.
type Runner func(ctx context.Context) pipeline.RunOutcome

type Registry struct {
	run Runner
	bus eventbus.Bus
	log logx.Logger

	// now and ctx are fixed at construction; now is swappable for tests.
	now func() time.Time
	ctx context.Context

	mu     sync.Mutex
	handle *JobHandle
	timer  *time.Timer
	gen    uint64 // bumps on every Start/Stop; stale timers check it and bail
}

func New(ctx context.Context, run Runner, bus eventbus.Bus, log logx.Logger) *Registry {
	return &Registry{
		run: run,
		bus: bus,
		log: log,
		now: time.Now,
		ctx: ctx,
	}
}

// Start registers spec under the fixed job id, replacing any existing
// registration atomically. Validation happens before the old trigger is
// removed, so a failed Start leaves the previous job running.
func (r *Registry) Start(spec schedule.TriggerSpec) (JobHandle, error) {
	if r.run == nil {
		return JobHandle{}, fmt.Errorf("%w: no runner bound", ErrSchedulerRegistrationFailed)
	}
	if spec.IntervalWeeks < 1 {
		return JobHandle{}, fmt.Errorf("%w: trigger has no cadence", ErrSchedulerRegistrationFailed)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	next := spec.Next(r.now())
	if next.IsZero() {
		return JobHandle{}, fmt.Errorf("%w: trigger computes no future fire time", ErrSchedulerRegistrationFailed)
	}

	// Replace, not stack: invalidate any previous timer before arming.
	r.stopLocked()
	r.gen++
	r.handle = &JobHandle{ID: JobID, Trigger: spec, NextFire: next}
	r.armLocked(next)

	r.log.Info("job registered",
		logx.String("job", JobID),
		logx.String("trigger", spec.String()),
		logx.Time("next_fire", next))
	if r.bus != nil {
		r.bus.Publish(eventbus.Event{Type: eventbus.TypeJobStarted, Data: next})
	}
	return *r.handle, nil
}

// Stop removes the job if present. Calling it when nothing is registered is
// a no-op, not an error. An in-flight run is allowed to finish; only future
// fires are cancelled.
func (r *Registry) Stop() {
	r.mu.Lock()
	wasRunning := r.handle != nil
	r.stopLocked()
	r.gen++
	r.mu.Unlock()

	if wasRunning {
		r.log.Info("job removed", logx.String("job", JobID))
		if r.bus != nil {
			r.bus.Publish(eventbus.Event{Type: eventbus.TypeJobStopped})
		}
	}
}

// Status returns the current registration with its next fire time, or nil
// when stopped.
func (r *Registry) Status() *JobHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.handle == nil {
		return nil
	}
	h := *r.handle
	return &h
}

func (r *Registry) stopLocked() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.handle = nil
}

func (r *Registry) armLocked(next time.Time) {
	gen := r.gen
	delay := next.Sub(r.now())
	if delay < 0 {
		delay = 0
	}
	r.timer = time.AfterFunc(delay, func() { r.fire(gen) })
}

// fire runs one cycle and re-arms for the following one. Pipeline.Run blocks
// while a previous cycle is still executing, which gives the required
// defer-until-done behavior for back-to-back fires.
func (r *Registry) fire(gen uint64) {
	r.mu.Lock()
	if gen != r.gen || r.handle == nil {
		r.mu.Unlock()
		return
	}
	spec := r.handle.Trigger
	r.mu.Unlock()

	r.log.Info("job fired", logx.String("job", JobID))
	out := r.run(r.ctx)
	r.log.Info("job run completed", logx.String("status", string(out.Status)), logx.Int("items", out.ItemCount))

	r.mu.Lock()
	defer r.mu.Unlock()
	if gen != r.gen || r.handle == nil {
		// Stopped or replaced while running; do not re-arm.
		return
	}
	next := spec.Next(r.now())
	r.handle.NextFire = next
	r.armLocked(next)
	r.log.Info("job re-armed", logx.Time("next_fire", next))
}
