// Package pwm generates software PWM bursts on a single output line.
//
// Every cycle is anchored to the burst start on a monotonic clock: cycle n
// starts at start+n*period and each phase ends at an absolute deadline, so
// scheduling jitter in one cycle never accumulates into the next.
package pwm

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"
)

// DefaultFrequency is the standard hobby servo refresh rate.
const DefaultFrequency = 50 * physic.Hertz

// Output is a line a burst can drive.
type Output interface {
	Set(level gpio.Level) error
}

// Request is one burst addressed to a line. It is a value type: copies are
// handed around, nothing holds a pointer to a shared request.
type Request struct {
	Line              int
	PulseWidth        time.Duration
	Duration          time.Duration
	ReturnToNeutral   bool
	NeutralPulseWidth time.Duration
}

func (r Request) String() string {
	s := fmt.Sprintf("line %d pulse %v for %v", r.Line, r.PulseWidth, r.Duration)
	if r.ReturnToNeutral {
		s += fmt.Sprintf(" then neutral %v", r.NeutralPulseWidth)
	}
	return s
}

// InvalidPulseConfiguration reports a pulse width that is not strictly inside
// (0, period). Such a pulse would leave the line permanently low or high.
type InvalidPulseConfiguration struct {
	PulseWidth time.Duration
	Period     time.Duration
}

func (e *InvalidPulseConfiguration) Error() string {
	return fmt.Sprintf("invalid pulse width %v: must be greater than 0 and less than the %v period", e.PulseWidth, e.Period)
}

// Engine emits fixed-frequency bursts. It holds no per-burst state and may be
// shared by any number of goroutines driving distinct outputs.
type Engine struct {
	period time.Duration
	clock  clock.Clock
}

// NewEngine returns an engine running at freq. A nil clock uses the wall clock.
func NewEngine(freq physic.Frequency, clk clock.Clock) (*Engine, error) {
	if freq <= 0 {
		return nil, errors.Errorf("invalid PWM frequency %s", freq)
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Engine{period: freq.Period(), clock: clk}, nil
}

// Period returns the length of one PWM cycle.
func (e *Engine) Period() time.Duration {
	return e.period
}

// Validate checks that pulse fits inside one period.
func (e *Engine) Validate(pulse time.Duration) error {
	if pulse <= 0 || pulse >= e.period {
		return &InvalidPulseConfiguration{PulseWidth: pulse, Period: e.period}
	}
	return nil
}

// ValidateRequest checks every pulse width the request would emit.
func (e *Engine) ValidateRequest(req Request) error {
	if req.Duration < 0 {
		return errors.Errorf("negative burst duration %v", req.Duration)
	}
	if err := e.Validate(req.PulseWidth); err != nil {
		return err
	}
	if req.ReturnToNeutral {
		return e.Validate(req.NeutralPulseWidth)
	}
	return nil
}

// Burst runs req on out: the active phase, then the neutral phase of the same
// duration when requested. The caller holds out for both phases so nothing can
// interleave between them. The line is left low.
func (e *Engine) Burst(ctx context.Context, out Output, req Request) error {
	if err := e.ValidateRequest(req); err != nil {
		return err
	}
	if err := e.Run(ctx, out, req.PulseWidth, req.Duration); err != nil {
		return err
	}
	if !req.ReturnToNeutral {
		return nil
	}
	return e.Run(ctx, out, req.NeutralPulseWidth, req.Duration)
}

// Run drives out high for pulse and low for the rest of each period until
// duration has elapsed. A zero duration emits nothing. Cancelling ctx stops
// the burst at the next phase boundary with the line low.
func (e *Engine) Run(ctx context.Context, out Output, pulse, duration time.Duration) error {
	if err := e.Validate(pulse); err != nil {
		return err
	}
	if duration <= 0 {
		return nil
	}

	start := e.clock.Now()
	end := start.Add(duration)
	for n := int64(0); ; n++ {
		cycleStart := start.Add(time.Duration(n) * e.period)
		// Too late to fit a whole pulse into this slot: drop the missed
		// cycles and wait for the next slot that has room.
		if late := e.clock.Now().Sub(cycleStart); late >= pulse {
			n += int64(late / e.period)
			if late%e.period >= pulse {
				n++
			}
			cycleStart = start.Add(time.Duration(n) * e.period)
			if !cycleStart.Before(end) {
				return nil
			}
			e.sleepUntil(cycleStart)
		}
		if !cycleStart.Before(end) {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return e.abort(out, err)
		}
		rise := e.clock.Now()
		if err := out.Set(gpio.High); err != nil {
			return e.abort(out, errors.Wrap(err, "set high"))
		}
		e.sleepUntil(rise.Add(pulse))
		if err := out.Set(gpio.Low); err != nil {
			return errors.Wrap(err, "set low")
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		e.sleepUntil(cycleStart.Add(e.period))
	}
}

func (e *Engine) abort(out Output, err error) error {
	_ = out.Set(gpio.Low)
	return err
}

func (e *Engine) sleepUntil(deadline time.Time) {
	if d := deadline.Sub(e.clock.Now()); d > 0 {
		e.clock.Sleep(d)
	}
}
