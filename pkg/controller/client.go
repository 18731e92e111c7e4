package controller

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/Seann-Moser/rccar/pkg/command"
	"github.com/Seann-Moser/rccar/pkg/config"
	"github.com/Seann-Moser/rccar/pkg/io"
	"github.com/Seann-Moser/rccar/pkg/pwm"
	"github.com/Seann-Moser/rccar/pkg/scheduler"
)

// FakeChip selects the in-memory chip instead of real hardware.
const FakeChip = "fake"

// ShutdownSignal tells the session loop to stop.
type ShutdownSignal struct {
	Status string
}

// Controller wires the command interpreter to the pin scheduler. It owns the
// GPIO chip; Close gives every line back and closes the chip.
type Controller struct {
	Config config.Config

	gpio        *io.IO
	scheduler   *scheduler.Scheduler
	interpreter *command.Interpreter
	logger      *zap.SugaredLogger

	status   chan string
	mu       sync.Mutex
	closed   bool
	watchers sync.WaitGroup

	closeOnce sync.Once
	closeErr  error
}

// Open opens the chip named in cfg, or a fake chip when it is "fake".
func Open(cfg config.Config, logger *zap.SugaredLogger) (*Controller, error) {
	var (
		chip io.Chip
		err  error
	)
	if cfg.Chip == FakeChip {
		chip = io.NewFakeChip()
	} else {
		chip, err = io.OpenChip(cfg.Chip)
		if err != nil {
			return nil, err
		}
	}
	c, err := New(cfg, chip, logger)
	if err != nil {
		return nil, multierr.Append(err, chip.Close())
	}
	return c, nil
}

// New builds a controller around an open chip. The controller takes ownership
// of chip only when New succeeds.
func New(cfg config.Config, chip io.Chip, logger *zap.SugaredLogger) (*Controller, error) {
	engine, err := pwm.NewEngine(cfg.Frequency.Physic(), nil)
	if err != nil {
		return nil, err
	}
	interpreter, err := command.New(cfg)
	if err != nil {
		return nil, err
	}
	gpio := io.New(chip, logger.Named("io"))
	pins := scheduler.AcquirerFunc(func(line int) (scheduler.Pin, error) {
		h, err := gpio.Acquire(line)
		if err != nil {
			return nil, err
		}
		return h, nil
	})
	return &Controller{
		Config:      cfg,
		gpio:        gpio,
		scheduler:   scheduler.New(pins, engine, logger.Named("scheduler")),
		interpreter: interpreter,
		logger:      logger,
		status:      make(chan string, 16),
	}, nil
}

// Status delivers messages about commands that failed after they were
// accepted, such as a line that could not be acquired.
func (c *Controller) Status() <-chan string {
	return c.status
}

// Buffer returns the partially typed line command.
func (c *Controller) Buffer() string {
	return c.interpreter.Buffer()
}

// OnDiscreteEvent runs the burst bound to ev. The error is only set for
// failures the session cannot recover from.
func (c *Controller) OnDiscreteEvent(ev command.Event) (string, error) {
	a, err := c.interpreter.Discrete(ev)
	if err != nil {
		return err.Error(), nil
	}
	return c.dispatch(a, true)
}

// OnChar feeds one typed rune. ok is false while a command is still being
// typed. Parse failures are returned as the message, not as an error.
func (c *Controller) OnChar(r rune) (msg string, ok bool, err error) {
	a, done, perr := c.interpreter.Feed(r)
	if !done {
		return "", false, nil
	}
	if perr != nil {
		c.logger.Debugw("rejected command", "error", perr)
		return perr.Error(), true, nil
	}
	msg, err = c.dispatch(a, false)
	return msg, true, err
}

// Execute runs one complete line command. A *command.ParseError is returned
// alongside its message.
func (c *Controller) Execute(line string) (string, error) {
	a, err := c.interpreter.Parse(line)
	if err != nil {
		return err.Error(), err
	}
	return c.dispatch(a, false)
}

// OnQuit ends the session.
func (c *Controller) OnQuit() ShutdownSignal {
	c.logger.Info("quit requested")
	return ShutdownSignal{Status: "Exiting..."}
}

func (c *Controller) dispatch(a command.Action, coalesce bool) (string, error) {
	submit := c.scheduler.Submit
	if coalesce {
		submit = c.scheduler.SubmitCoalesced
	}
	done, err := submit(a.Request)
	if err != nil {
		var ipc *pwm.InvalidPulseConfiguration
		if errors.As(err, &ipc) {
			return "", errors.Wrapf(err, "preset for line %d", a.Request.Line)
		}
		return fmt.Sprintf("Command not accepted: %v", err), nil
	}
	c.logger.Infow(a.Status, "burst", done.ID, "request", a.Request.String())
	c.watch(done)
	return a.Status, nil
}

func (c *Controller) watch(done *scheduler.Completion) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.watchers.Add(1)
	go func() {
		defer c.watchers.Done()
		<-done.Done()
		err := done.Err()
		if err == nil || errors.Is(err, scheduler.ErrClosed) {
			return
		}
		c.logger.Warnw("burst failed", "burst", done.ID, "error", err)
		select {
		case c.status <- fmt.Sprintf("Command failed: %v", err):
		default:
			c.logger.Warnw("status channel full, dropping message", "burst", done.ID)
		}
	}()
}

// Pending returns the number of queued bursts per servo id.
func (c *Controller) Pending() map[string]int {
	pending := make(map[string]int, len(c.Config.Servos))
	for _, s := range c.Config.Servos {
		pending[s.ID] = c.scheduler.Pending(s.Line)
	}
	return pending
}

// Close stops the scheduler, then releases every line and closes the chip.
// It runs once; later calls return the first result.
func (c *Controller) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		err := c.scheduler.Close()
		c.watchers.Wait()
		err = multierr.Append(err, c.gpio.Close())
		if err != nil {
			c.logger.Errorw("shutdown", "error", err)
		} else {
			c.logger.Info("GPIO resources released")
		}
		c.closeErr = err
	})
	return c.closeErr
}
