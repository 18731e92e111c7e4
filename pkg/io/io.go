package io

import (
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// ErrLineBusy is returned when a line is requested while another handle still owns it.
var ErrLineBusy = errors.New("gpio line busy")

// IO is the single owner of the GPIO chip. Pin handles are borrowed from it for
// the lifetime of one burst and given back with Handle.Release.
type IO struct {
	chip   Chip
	logger *zap.SugaredLogger

	mu     sync.Mutex
	lines  map[int]*Handle
	closed bool

	closeOnce sync.Once
	closeErr  error
}

func New(chip Chip, logger *zap.SugaredLogger) *IO {
	return &IO{
		chip:   chip,
		logger: logger,
		lines:  make(map[int]*Handle),
	}
}

// Acquire requests the line at offset as an output driven low. Only one live
// handle may exist per offset.
func (io *IO) Acquire(offset int) (*Handle, error) {
	io.mu.Lock()
	defer io.mu.Unlock()
	if io.closed {
		return nil, errors.New("gpio chip closed")
	}
	if _, ok := io.lines[offset]; ok {
		return nil, errors.Wrapf(ErrLineBusy, "line %d", offset)
	}
	l, err := io.chip.RequestLine(offset)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to request GPIO line %d", offset)
	}
	h := &Handle{io: io, offset: offset, line: l}
	io.lines[offset] = h
	io.logger.Debugw("line acquired", "line", offset)
	return h, nil
}

// Live returns the offsets that currently have a live handle.
func (io *IO) Live() []int {
	io.mu.Lock()
	defer io.mu.Unlock()
	offsets := make([]int, 0, len(io.lines))
	for k := range io.lines {
		offsets = append(offsets, k)
	}
	return offsets
}

func (io *IO) forget(offset int) {
	io.mu.Lock()
	delete(io.lines, offset)
	io.mu.Unlock()
}

// Close releases every handle still live and closes the chip. Only the first
// call does any work; later calls return the same result.
func (io *IO) Close() error {
	io.closeOnce.Do(func() {
		io.mu.Lock()
		io.closed = true
		live := make([]*Handle, 0, len(io.lines))
		for _, h := range io.lines {
			live = append(live, h)
		}
		io.mu.Unlock()

		var err error
		for _, h := range live {
			io.logger.Warnw("releasing line still held at shutdown", "line", h.offset)
			err = multierr.Append(err, h.Release())
		}
		err = multierr.Append(err, io.chip.Close())
		io.closeErr = err
	})
	return io.closeErr
}
