package io

import (
	"syscall"

	"github.com/pkg/errors"
	"github.com/warthog618/go-gpiocdev"
)

const consumer = "rccar"

// Line is the part of a requested GPIO line a Handle drives.
type Line interface {
	SetValue(value int) error
	Reconfigure(options ...gpiocdev.LineConfigOption) error
	Close() error
}

// Chip hands out output lines. It is safe to request distinct lines
// concurrently but a line may only be requested once until it is closed.
type Chip interface {
	RequestLine(offset int) (Line, error)
	Close() error
}

type cdevChip struct {
	c *gpiocdev.Chip
}

// OpenChip opens a GPIO character device such as "gpiochip0".
func OpenChip(name string) (Chip, error) {
	c, err := gpiocdev.NewChip(name, gpiocdev.WithConsumer(consumer))
	if err != nil {
		return nil, errors.Wrapf(err, "opening chip %s", name)
	}
	return &cdevChip{c: c}, nil
}

func (c *cdevChip) RequestLine(offset int) (Line, error) {
	l, err := c.c.RequestLine(offset, gpiocdev.AsOutput(0))
	if err != nil {
		if errors.Is(err, syscall.EBUSY) {
			return nil, errors.Wrapf(ErrLineBusy, "line %d held by another consumer", offset)
		}
		return nil, err
	}
	return l, nil
}

func (c *cdevChip) Close() error {
	return c.c.Close()
}
