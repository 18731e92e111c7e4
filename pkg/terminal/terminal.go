// Package terminal reads keys from a raw-mode terminal and draws the small
// text UI of the interactive session.
package terminal

import (
	"io"
	"os"
	"sync"
	"unicode/utf8"

	"github.com/pkg/errors"
	"golang.org/x/term"
)

// Key identifies a decoded key press.
type Key int

const (
	KeyRune Key = iota
	KeyUp
	KeyDown
	KeyLeft
	KeyRight
)

// Event is one key press. Rune is set for KeyRune.
type Event struct {
	Key  Key
	Rune rune
}

// Terminal puts a tty into raw mode and delivers key events until its input
// ends.
type Terminal struct {
	in     *os.File
	state  *term.State
	events chan Event

	mu  sync.Mutex
	err error
}

// Open switches in to raw mode. Close restores it.
func Open(in *os.File) (*Terminal, error) {
	fd := int(in.Fd())
	if !term.IsTerminal(fd) {
		return nil, errors.New("stdin is not a terminal")
	}
	state, err := term.MakeRaw(fd)
	if err != nil {
		return nil, errors.Wrap(err, "failed to enter raw mode")
	}
	t := &Terminal{in: in, state: state, events: make(chan Event, 16)}
	go t.read(in)
	return t, nil
}

func (t *Terminal) read(r io.Reader) {
	err := Decode(r, t.events)
	t.mu.Lock()
	t.err = err
	t.mu.Unlock()
	close(t.events)
}

// Events is closed when input ends.
func (t *Terminal) Events() <-chan Event {
	return t.events
}

// Err returns the error that ended input. It is nil while input is still
// being read and after a clean end of input.
func (t *Terminal) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return errors.Wrap(t.err, "reading terminal")
}

func (t *Terminal) Close() error {
	return term.Restore(int(t.in.Fd()), t.state)
}

// Decode reads r until it fails and sends a key event for every key press.
// Input is UTF-8. Arrow keys arrive as ESC [ A..D (or ESC O A..D in
// application mode); any other escape sequence is dropped. A sequence or rune
// split across reads is completed by the next read. io.EOF is not reported as
// an error.
func Decode(r io.Reader, out chan<- Event) error {
	var d decoder
	buf := make([]byte, 64)
	for {
		n, err := r.Read(buf)
		for _, ev := range d.decode(buf[:n]) {
			out <- ev
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

var arrows = map[byte]Key{'A': KeyUp, 'B': KeyDown, 'C': KeyRight, 'D': KeyLeft}

// decoder holds the unfinished tail of the previous read.
type decoder struct {
	pending []byte
}

func (d *decoder) decode(b []byte) []Event {
	data := append(d.pending, b...)
	d.pending = nil
	var events []Event
	for i := 0; i < len(data); {
		if data[i] == 0x1b {
			if i+1 >= len(data) {
				d.hold(data[i:])
				break
			}
			if data[i+1] != '[' && data[i+1] != 'O' {
				i++
				continue
			}
			// Skip parameters up to the final byte of the sequence.
			j := i + 2
			for j < len(data) && (data[j] < 0x40 || data[j] > 0x7e) {
				j++
			}
			if j >= len(data) {
				d.hold(data[i:])
				break
			}
			if k, ok := arrows[data[j]]; ok {
				events = append(events, Event{Key: k})
			}
			i = j + 1
			continue
		}
		if !utf8.FullRune(data[i:]) {
			d.hold(data[i:])
			break
		}
		r, size := utf8.DecodeRune(data[i:])
		i += size
		if r == utf8.RuneError && size == 1 {
			continue
		}
		events = append(events, Event{Key: KeyRune, Rune: r})
	}
	return events
}

func (d *decoder) hold(tail []byte) {
	d.pending = append([]byte(nil), tail...)
}
