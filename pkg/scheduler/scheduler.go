// Package scheduler serializes bursts per output line. Each line gets its own
// worker goroutine and FIFO queue, so at most one burst owns a line at any
// instant while bursts on different lines run fully in parallel.
package scheduler

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Seann-Moser/rccar/pkg/pwm"
)

// ErrClosed is returned for requests submitted to, or still queued in, a
// closed scheduler.
var ErrClosed = errors.New("scheduler closed")

// Pin is a line owned for the length of one burst.
type Pin interface {
	pwm.Output
	Release() error
}

// Acquirer hands out exclusive pins.
type Acquirer interface {
	Acquire(line int) (Pin, error)
}

// AcquirerFunc adapts a function to Acquirer.
type AcquirerFunc func(line int) (Pin, error)

func (f AcquirerFunc) Acquire(line int) (Pin, error) {
	return f(line)
}

// PinAcquisitionError means the line could not be requested for a burst. Only
// that burst fails; the line's queue moves on.
type PinAcquisitionError struct {
	Line int
	Err  error
}

func (e *PinAcquisitionError) Error() string {
	return fmt.Sprintf("failed to acquire line %d: %v", e.Line, e.Err)
}

func (e *PinAcquisitionError) Unwrap() error {
	return e.Err
}

// Burster runs one burst on an owned output.
type Burster interface {
	ValidateRequest(req pwm.Request) error
	Burst(ctx context.Context, out pwm.Output, req pwm.Request) error
}

type Scheduler struct {
	pins   Acquirer
	engine Burster
	logger *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	workers map[int]*worker
	closed  bool
}

func New(pins Acquirer, engine Burster, logger *zap.SugaredLogger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		pins:    pins,
		engine:  engine,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		workers: make(map[int]*worker),
	}
}

// Submit queues req behind any work already queued for its line. Requests
// are never dropped. A request with an invalid pulse width is rejected here
// and never queued.
func (s *Scheduler) Submit(req pwm.Request) (*Completion, error) {
	return s.submit(req, false)
}

// SubmitCoalesced is Submit, except that when the last request waiting on the
// line is identical to req the existing completion is returned instead of
// queueing a duplicate. It keeps key repeat from growing the queue.
func (s *Scheduler) SubmitCoalesced(req pwm.Request) (*Completion, error) {
	return s.submit(req, true)
}

func (s *Scheduler) submit(req pwm.Request, coalesce bool) (*Completion, error) {
	if err := s.engine.ValidateRequest(req); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	c, queued := s.workerLocked(req.Line).enqueue(req, coalesce)
	s.mu.Unlock()

	if !queued {
		s.logger.Debugw("coalesced burst", "burst", c.ID, "line", req.Line)
	} else {
		s.logger.Debugw("queued burst", "burst", c.ID, "line", req.Line, "pulse", req.PulseWidth, "duration", req.Duration)
	}
	return c, nil
}

// Pending returns how many requests are waiting, not yet started, on line.
func (s *Scheduler) Pending(line int) int {
	s.mu.Lock()
	w, ok := s.workers[line]
	s.mu.Unlock()
	if !ok {
		return 0
	}
	return w.pending()
}

// workerLocked returns the worker of line, starting it on first use. s.mu
// must be held.
func (s *Scheduler) workerLocked(line int) *worker {
	if w, ok := s.workers[line]; ok {
		return w
	}
	w := newWorker(line)
	s.workers[line] = w
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop(w)
	}()
	return w
}

func (s *Scheduler) loop(w *worker) {
	for {
		c, ok := w.next(s.ctx)
		if !ok {
			w.drain(ErrClosed)
			return
		}
		c.finish(s.run(c))
	}
}

// run owns the line for the whole request, both phases included.
func (s *Scheduler) run(c *Completion) (err error) {
	req := c.Request
	pin, err := s.pins.Acquire(req.Line)
	if err != nil {
		s.logger.Warnw("could not acquire line", "burst", c.ID, "line", req.Line, "error", err)
		return &PinAcquisitionError{Line: req.Line, Err: err}
	}
	defer func() {
		if rerr := pin.Release(); rerr != nil {
			s.logger.Warnw("release failed", "burst", c.ID, "line", req.Line, "error", rerr)
			if err == nil {
				err = rerr
			}
		}
	}()

	s.logger.Debugw("burst started", "burst", c.ID, "line", req.Line)
	if err := s.engine.Burst(s.ctx, pin, req); err != nil {
		if s.ctx.Err() != nil {
			return ErrClosed
		}
		return errors.Wrapf(err, "burst on line %d", req.Line)
	}
	s.logger.Debugw("burst finished", "burst", c.ID, "line", req.Line)
	return nil
}

// Close stops accepting requests, cuts in-flight bursts short at the next
// phase boundary, fails queued requests with ErrClosed and waits for every
// worker to give its line back.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	return nil
}

// Completion tracks one submitted request.
type Completion struct {
	ID      uuid.UUID
	Request pwm.Request

	done chan struct{}
	err  error
}

func newCompletion(req pwm.Request) *Completion {
	return &Completion{ID: uuid.New(), Request: req, done: make(chan struct{})}
}

// Done is closed once the request has finished or been abandoned.
func (c *Completion) Done() <-chan struct{} {
	return c.done
}

// Err returns the outcome. It is only meaningful after Done is closed.
func (c *Completion) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Wait blocks until the request has finished or ctx is done.
func (c *Completion) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return c.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Completion) finish(err error) {
	c.err = err
	close(c.done)
}
