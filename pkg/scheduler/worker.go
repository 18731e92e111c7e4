package scheduler

import (
	"context"
	"sync"

	"github.com/Seann-Moser/rccar/pkg/pwm"
)

// worker is the queue of one line. Only its own goroutine takes requests off
// the queue.
type worker struct {
	line int

	mu     sync.Mutex
	queue  []*Completion
	wakeup chan struct{}
}

func newWorker(line int) *worker {
	return &worker{line: line, wakeup: make(chan struct{}, 1)}
}

// enqueue appends req. With coalesce set, an identical request at the tail of
// the queue is reused and false is returned.
func (w *worker) enqueue(req pwm.Request, coalesce bool) (*Completion, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if coalesce && len(w.queue) > 0 {
		if last := w.queue[len(w.queue)-1]; last.Request == req {
			return last, false
		}
	}
	c := newCompletion(req)
	w.queue = append(w.queue, c)
	select {
	case w.wakeup <- struct{}{}:
	default:
	}
	return c, true
}

// next blocks until a request is queued or ctx is done.
func (w *worker) next(ctx context.Context) (*Completion, bool) {
	for {
		if ctx.Err() != nil {
			return nil, false
		}
		w.mu.Lock()
		if len(w.queue) > 0 {
			c := w.queue[0]
			w.queue[0] = nil
			w.queue = w.queue[1:]
			w.mu.Unlock()
			return c, true
		}
		w.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, false
		case <-w.wakeup:
		}
	}
}

func (w *worker) pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queue)
}

func (w *worker) drain(err error) {
	w.mu.Lock()
	queue := w.queue
	w.queue = nil
	w.mu.Unlock()
	for _, c := range queue {
		c.finish(err)
	}
}
