package io

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/warthog618/go-gpiocdev"
	"go.uber.org/multierr"
	"periph.io/x/conn/v3/gpio"
)

// Handle is exclusive, time-bounded control of one output line. It is created
// by IO.Acquire and must be given back with Release.
type Handle struct {
	io     *IO
	offset int
	line   Line

	releaseOnce sync.Once
	releaseErr  error
}

// Offset returns the line offset the handle controls.
func (h *Handle) Offset() int {
	return h.offset
}

// Set drives the line to the given level.
func (h *Handle) Set(level gpio.Level) error {
	v := 0
	if level == gpio.High {
		v = 1
	}
	return h.line.SetValue(v)
}

// Release drives the line low, returns it to input and closes it. The line is
// released exactly once no matter how often Release is called.
func (h *Handle) Release() error {
	h.releaseOnce.Do(func() {
		err := h.line.SetValue(0)
		err = multierr.Append(err, h.line.Reconfigure(gpiocdev.AsInput))
		err = multierr.Append(err, h.line.Close())
		if err != nil {
			err = errors.Wrapf(err, "release line %d", h.offset)
		}
		h.releaseErr = err
		h.io.forget(h.offset)
		h.io.logger.Debugw("line released", "line", h.offset)
	})
	return h.releaseErr
}
