// Package schedule runs collection cycles on fixed interval until stopped.
//
// Idle -> Running -> Sleeping -> Running ... -> Stopped
// Cycle failure (error or panic escaping the cycle) shortens next sleep to RetryDelay.
package schedule

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/juju/errors"
	"github.com/minerfleet/hive2mqtt/helpers"
	"github.com/minerfleet/hive2mqtt/internal/collect"
	"github.com/minerfleet/hive2mqtt/log2"
	"github.com/temoto/alive/v2"
	"github.com/temoto/atomic_clock"
)

const (
	DefaultInterval   = time.Minute
	DefaultRetryDelay = 30 * time.Second

	StatusStarted = "started"
	StatusStopped = "stopped"
)

var ErrStopped = errors.New("scheduler stopped")

type State int32

const (
	StateIdle State = iota
	StateRunning
	StateSleeping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateSleeping:
		return "sleeping"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

type Cycler interface {
	Cycle(ctx context.Context) (collect.Report, error)
}

type Options struct {
	Interval   time.Duration
	RetryDelay time.Duration
	Cycler     Cycler
	// Status receives started/stopped messages, nil to skip.
	Status collect.Publisher
	// OnCycle is called after every cycle, err is cycle failure.
	OnCycle func(r collect.Report, err error)
	Log     *log2.Log
}

type Scheduler struct {
	// wall clock unix nanoseconds, first for 64-bit atomic alignment
	beginNano int64
	endNano   int64

	opt   Options
	alive *alive.Alive
	state int32

	lastBegin atomic_clock.Clock
	cycles    uint32
}

func New(opt Options) *Scheduler {
	if opt.Interval <= 0 {
		opt.Interval = DefaultInterval
	}
	if opt.RetryDelay <= 0 {
		opt.RetryDelay = DefaultRetryDelay
	}
	return &Scheduler{
		opt:   opt,
		alive: alive.NewAlive(),
	}
}

func (s *Scheduler) State() State { return State(atomic.LoadInt32(&s.state)) }
func (s *Scheduler) Cycles() int  { return int(atomic.LoadUint32(&s.cycles)) }

// LastCycle returns begin/end of last started cycle, zero time if none.
// end before begin means cycle is in progress.
func (s *Scheduler) LastCycle() (begin, end time.Time) {
	return nanoTime(&s.beginNano), nanoTime(&s.endNano)
}

// Run blocks until Stop or ctx is done.
// Returns nil after Stop, ctx error after cancel.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.alive.Add(1) {
		return ErrStopped
	}
	defer s.alive.Done()
	defer s.setState(StateStopped)

	s.status(ctx, StatusStarted)
	defer s.status(context.Background(), StatusStopped)
	s.opt.Log.Infof("scheduler started interval=%v", s.opt.Interval)

	for s.alive.IsRunning() {
		delay := s.opt.Interval
		if _, err := s.cycle(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.opt.Log.Errorf("cycle failed, retry in %v: %v", s.opt.RetryDelay, err)
			delay = s.opt.RetryDelay
		}

		s.setState(StateSleeping)
		if err := s.sleep(ctx, delay); err != nil {
			if err == ErrStopped {
				return nil
			}
			return err
		}
	}
	return nil
}

// Once runs single cycle without loop and status messages.
func (s *Scheduler) Once(ctx context.Context) (collect.Report, error) {
	defer s.setState(StateStopped)
	return s.cycle(ctx)
}

// Stop makes Run return after current cycle or immediately from sleep.
func (s *Scheduler) Stop() { s.alive.Stop() }

// Wait until Run returned.
func (s *Scheduler) Wait() { s.alive.Wait() }

func (s *Scheduler) cycle(ctx context.Context) (r collect.Report, err error) {
	s.setState(StateRunning)
	s.lastBegin.SetNow()
	atomic.StoreInt64(&s.beginNano, time.Now().UnixNano())
	defer func() {
		if perr := helpers.PanicError(recover()); perr != nil {
			s.opt.Log.Errorf("cycle %s", errors.ErrorStack(perr))
			err = perr
		}
		atomic.StoreInt64(&s.endNano, time.Now().UnixNano())
		atomic.AddUint32(&s.cycles, 1)
		s.opt.Log.Debugf("cycle %s duration=%v", r.String(), atomic_clock.Since(&s.lastBegin))
		if s.opt.OnCycle != nil {
			s.opt.OnCycle(r, err)
		}
	}()
	return s.opt.Cycler.Cycle(ctx)
}

func (s *Scheduler) sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.alive.StopChan():
		return ErrStopped
	}
}

func (s *Scheduler) status(ctx context.Context, message string) {
	if s.opt.Status == nil {
		return
	}
	defer s.opt.Status.Release()
	if err := s.opt.Status.Publish(ctx, collect.TopicStatus, message); err != nil {
		s.opt.Log.Errorf("publish status=%s: %v", message, err)
	}
}

func (s *Scheduler) setState(st State) { atomic.StoreInt32(&s.state, int32(st)) }

func nanoTime(p *int64) time.Time {
	n := atomic.LoadInt64(p)
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
