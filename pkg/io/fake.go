package io

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/warthog618/go-gpiocdev"
)

// Edge is one recorded write to a FakeChip line.
type Edge struct {
	Value int
	At    time.Time
}

// FakeChip is an in-memory Chip. It records every level written to each line
// and counts requests, releases and chip closes.
type FakeChip struct {
	// Now stamps recorded edges; defaults to time.Now.
	Now func() time.Time

	mu         sync.Mutex
	open       map[int]*fakeLine
	edges      map[int][]Edge
	requests   map[int]int
	releases   map[int]int
	failures   map[int][]error
	violations int
	closes     int
}

func NewFakeChip() *FakeChip {
	return &FakeChip{
		Now:      time.Now,
		open:     make(map[int]*fakeLine),
		edges:    make(map[int][]Edge),
		requests: make(map[int]int),
		releases: make(map[int]int),
		failures: make(map[int][]error),
	}
}

// FailNext makes the next request for offset fail with err.
func (c *FakeChip) FailNext(offset int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[offset] = append(c.failures[offset], err)
}

func (c *FakeChip) RequestLine(offset int) (Line, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closes > 0 {
		return nil, errors.New("chip closed")
	}
	if errs := c.failures[offset]; len(errs) > 0 {
		c.failures[offset] = errs[1:]
		return nil, errs[0]
	}
	if _, ok := c.open[offset]; ok {
		c.violations++
		return nil, errors.Wrapf(ErrLineBusy, "line %d", offset)
	}
	l := &fakeLine{chip: c, offset: offset}
	c.open[offset] = l
	c.requests[offset]++
	return l, nil
}

func (c *FakeChip) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	return nil
}

// Edges returns a copy of every value written to offset, in order.
func (c *FakeChip) Edges(offset int) []Edge {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Edge(nil), c.edges[offset]...)
}

// Requests returns how many times offset was requested.
func (c *FakeChip) Requests(offset int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requests[offset]
}

// Releases returns how many times a line at offset was closed.
func (c *FakeChip) Releases(offset int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.releases[offset]
}

// Open reports whether offset is currently requested.
func (c *FakeChip) Open(offset int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.open[offset]
	return ok
}

// Violations counts requests made for a line that was already open.
func (c *FakeChip) Violations() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.violations
}

// Closes returns how many times the chip was closed.
func (c *FakeChip) Closes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

type fakeLine struct {
	chip   *FakeChip
	offset int
	closed bool
}

func (l *fakeLine) SetValue(value int) error {
	c := l.chip
	c.mu.Lock()
	defer c.mu.Unlock()
	if l.closed {
		return errors.Errorf("line %d closed", l.offset)
	}
	c.edges[l.offset] = append(c.edges[l.offset], Edge{Value: value, At: c.Now()})
	return nil
}

func (l *fakeLine) Reconfigure(options ...gpiocdev.LineConfigOption) error {
	c := l.chip
	c.mu.Lock()
	defer c.mu.Unlock()
	if l.closed {
		return errors.Errorf("line %d closed", l.offset)
	}
	return nil
}

func (l *fakeLine) Close() error {
	c := l.chip
	c.mu.Lock()
	defer c.mu.Unlock()
	if l.closed {
		return errors.Errorf("line %d already closed", l.offset)
	}
	l.closed = true
	delete(c.open, l.offset)
	c.releases[l.offset]++
	return nil
}
