package terminal

import (
	"fmt"
	"io"
	"sync"
)

const (
	clearLine = "\r\x1b[K"
	prompt    = "Enter command or use arrow keys: "
)

// Help is the banner shown when a session starts.
var Help = []string{
	"Servo Control Commands:",
	"- Servo 1 (Steering): '1 left', '1 center', '1 right'",
	"- Servo 2 (Speed): '2 central', '2 partial', '2 max'",
	"- Arrow keys: Up forward, Down reverse, Left/Right steer",
	"- Quit: 'q'",
}

// Screen draws a status line above an input prompt. Raw mode needs explicit
// carriage returns, so every line ends in \r\n.
type Screen struct {
	mu     sync.Mutex
	w      io.Writer
	buffer string
}

func NewScreen(w io.Writer) *Screen {
	return &Screen{w: w}
}

// Banner prints lines followed by the prompt.
func (s *Screen) Banner(lines []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range lines {
		fmt.Fprint(s.w, l, "\r\n")
	}
	fmt.Fprint(s.w, "\r\n", prompt)
}

// Status prints msg on its own line and redraws the prompt below it.
func (s *Screen) Status(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprint(s.w, clearLine, msg, "\r\n", prompt, s.buffer)
}

// Prompt redraws the input line with the current command buffer.
func (s *Screen) Prompt(buffer string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buffer = buffer
	fmt.Fprint(s.w, clearLine, prompt, buffer)
}
