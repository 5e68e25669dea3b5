package fiber

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/joeycumines/go-catrate"
)

// logFailure is the default uncaught handler. Failures are rate limited per
// task name, so a hot loop of failing fibers cannot flood the log.
func (s *Scheduler) logFailure(t *Task, err error) {
	if next, ok := s.failureLimiter.Allow(t.Name()); !ok {
		s.dropped.Add(1)
		s.logger.Debug().
			Str("task", t.Name()).
			Time("next", next).
			Log("fiber: failure log rate limited")
		return
	}

	b := s.logger.Err()
	if b == nil {
		return
	}
	b = b.Err(err).
		Str("scheduler", s.name).
		Str("task", t.Name()).
		Uint64("id", t.ID())
	if d := s.dropped.Swap(0); d != 0 {
		b = b.Uint64("suppressed", d)
	}
	var pe *PanicError
	if errors.As(err, &pe) && len(pe.Stack) != 0 {
		b = b.Str("stack", string(pe.Stack))
	}
	b.Log("fiber: uncaught failure")
}

// logCritical reports a failure of the scheduler machinery itself. A
// panicking logger falls back to the standard logger.
func (s *Scheduler) logCritical(msg string, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("CRITICAL: %s: %s: %v (logger panicked: %v)", s.name, msg, err, r)
		}
	}()
	s.logger.Crit().
		Err(err).
		Str("scheduler", s.name).
		Log(msg)
}

// newFailureLimiter returns nil, i.e. unlimited, for empty rates.
func newFailureLimiter(rates map[time.Duration]int) (limiter *catrate.Limiter, err error) {
	if len(rates) == 0 {
		return nil, nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("fiber: invalid failure log rates: %v", r)
		}
	}()
	return catrate.NewLimiter(rates), nil
}
