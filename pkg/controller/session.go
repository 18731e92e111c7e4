package controller

import (
	"context"

	"github.com/Seann-Moser/rccar/pkg/command"
	"github.com/Seann-Moser/rccar/pkg/terminal"
)

// Display is what the session loop draws on.
type Display interface {
	Status(msg string)
	Prompt(buffer string)
}

var keyEvents = map[terminal.Key]command.Event{
	terminal.KeyUp:    command.Up,
	terminal.KeyDown:  command.Down,
	terminal.KeyLeft:  command.Left,
	terminal.KeyRight: command.Right,
}

// Run is the session loop. It only decodes input and queues bursts; the GPIO
// work happens on the scheduler's workers. It returns when ctx is done, the
// input ends, the user quits, or a request turns out to be unrunnable.
func (c *Controller) Run(ctx context.Context, events <-chan terminal.Event, display Display) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-c.status:
			display.Status(msg)
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if ev.Key == terminal.KeyRune {
				if command.IsQuit(ev.Rune) {
					display.Status(c.OnQuit().Status)
					return nil
				}
				msg, ok, err := c.OnChar(ev.Rune)
				if err != nil {
					return err
				}
				if ok {
					display.Status(msg)
				}
				display.Prompt(c.Buffer())
				continue
			}
			dev, ok := keyEvents[ev.Key]
			if !ok {
				continue
			}
			msg, err := c.OnDiscreteEvent(dev)
			if err != nil {
				return err
			}
			display.Status(msg)
		}
	}
}
