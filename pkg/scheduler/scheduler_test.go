package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"
	"periph.io/x/conn/v3/physic"

	"github.com/Seann-Moser/rccar/pkg/io"
	"github.com/Seann-Moser/rccar/pkg/pwm"
)

// 500 Hz keeps the tests quick: 2ms periods.
const testFrequency = 500 * physic.Hertz

type run struct {
	req        pwm.Request
	start, end time.Time
}

// recorder wraps the engine and remembers when each burst held its line.
type recorder struct {
	*pwm.Engine

	mu   sync.Mutex
	runs []run
}

func (r *recorder) Burst(ctx context.Context, out pwm.Output, req pwm.Request) error {
	start := time.Now()
	err := r.Engine.Burst(ctx, out, req)
	r.mu.Lock()
	r.runs = append(r.runs, run{req: req, start: start, end: time.Now()})
	r.mu.Unlock()
	return err
}

func (r *recorder) snapshot() []run {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]run(nil), r.runs...)
}

func newTestScheduler(t *testing.T) (*Scheduler, *io.FakeChip, *recorder) {
	t.Helper()
	logger := zaptest.NewLogger(t).Sugar()
	chip := io.NewFakeChip()
	gpio := io.New(chip, logger)
	engine, err := pwm.NewEngine(testFrequency, nil)
	require.NoError(t, err)
	rec := &recorder{Engine: engine}
	s := New(AcquirerFunc(func(line int) (Pin, error) {
		h, err := gpio.Acquire(line)
		if err != nil {
			return nil, err
		}
		return h, nil
	}), rec, logger)
	t.Cleanup(func() {
		require.NoError(t, s.Close())
		require.NoError(t, gpio.Close())
	})
	return s, chip, rec
}

func burst(line int, pulse, duration time.Duration) pwm.Request {
	return pwm.Request{Line: line, PulseWidth: pulse, Duration: duration}
}

func TestSamePinRequestsNeverOverlap(t *testing.T) {
	s, chip, rec := newTestScheduler(t)
	first := pwm.Request{
		Line:              18,
		PulseWidth:        time.Millisecond,
		Duration:          30 * time.Millisecond,
		ReturnToNeutral:   true,
		NeutralPulseWidth: 500 * time.Microsecond,
	}
	second := burst(18, 1500*time.Microsecond, 30*time.Millisecond)

	var g errgroup.Group
	for _, req := range []pwm.Request{first, second} {
		req := req
		g.Go(func() error {
			c, err := s.Submit(req)
			if err != nil {
				return err
			}
			return c.Wait(context.Background())
		})
	}
	require.NoError(t, g.Wait())

	runs := rec.snapshot()
	require.Len(t, runs, 2)
	assert.False(t, runs[1].start.Before(runs[0].end), "second burst started before the first finished")
	assert.Zero(t, chip.Violations())
	assert.Equal(t, 2, chip.Requests(18))
	assert.Equal(t, 2, chip.Releases(18))
}

func TestSamePinRunsInSubmissionOrder(t *testing.T) {
	s, _, rec := newTestScheduler(t)
	pulses := []time.Duration{
		200 * time.Microsecond,
		400 * time.Microsecond,
		600 * time.Microsecond,
		800 * time.Microsecond,
	}
	var completions []*Completion
	for _, p := range pulses {
		c, err := s.Submit(burst(23, p, 6*time.Millisecond))
		require.NoError(t, err)
		completions = append(completions, c)
	}
	for _, c := range completions {
		require.NoError(t, c.Wait(context.Background()))
	}

	runs := rec.snapshot()
	require.Len(t, runs, len(pulses))
	for i, r := range runs {
		assert.Equal(t, pulses[i], r.req.PulseWidth)
		if i > 0 {
			assert.False(t, r.start.Before(runs[i-1].end))
		}
	}
}

func TestDistinctPinsRunConcurrently(t *testing.T) {
	s, chip, _ := newTestScheduler(t)
	start := time.Now()
	a, err := s.Submit(burst(18, time.Millisecond, 100*time.Millisecond))
	require.NoError(t, err)
	b, err := s.Submit(burst(23, time.Millisecond, 100*time.Millisecond))
	require.NoError(t, err)

	require.NoError(t, a.Wait(context.Background()))
	require.NoError(t, b.Wait(context.Background()))
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
	assert.Less(t, elapsed, 180*time.Millisecond, "bursts on distinct lines were serialized")
	assert.NotEmpty(t, chip.Edges(18))
	assert.NotEmpty(t, chip.Edges(23))
}

func TestAcquisitionErrorDoesNotPoisonQueue(t *testing.T) {
	s, chip, _ := newTestScheduler(t)
	chip.FailNext(18, errors.New("chip fault"))

	failed, err := s.Submit(burst(18, time.Millisecond, 4*time.Millisecond))
	require.NoError(t, err)
	ok, err := s.Submit(burst(18, time.Millisecond, 4*time.Millisecond))
	require.NoError(t, err)

	err = failed.Wait(context.Background())
	var pae *PinAcquisitionError
	require.True(t, errors.As(err, &pae))
	assert.Equal(t, 18, pae.Line)
	assert.Contains(t, err.Error(), "chip fault")

	require.NoError(t, ok.Wait(context.Background()))
	assert.Equal(t, 1, chip.Requests(18))
	assert.Equal(t, 1, chip.Releases(18))
	assert.NotEmpty(t, chip.Edges(18))
}

func TestInvalidPulseRejected(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	_, err := s.Submit(burst(18, 0, 10*time.Millisecond))
	var ipc *pwm.InvalidPulseConfiguration
	require.True(t, errors.As(err, &ipc))

	_, err = s.Submit(pwm.Request{Line: 18, PulseWidth: time.Millisecond, Duration: time.Millisecond, ReturnToNeutral: true, NeutralPulseWidth: 2 * time.Millisecond})
	require.True(t, errors.As(err, &ipc))
	assert.Equal(t, 2*time.Millisecond, ipc.PulseWidth)
	assert.Zero(t, s.Pending(18))
}

func TestSubmitCoalesced(t *testing.T) {
	s, _, rec := newTestScheduler(t)
	blocker, err := s.Submit(burst(23, time.Millisecond, 200*time.Millisecond))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.Pending(23) == 0 }, time.Second, time.Millisecond)

	repeat := burst(23, 1500*time.Microsecond, 4*time.Millisecond)
	first, err := s.SubmitCoalesced(repeat)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		again, err := s.SubmitCoalesced(repeat)
		require.NoError(t, err)
		assert.Same(t, first, again)
	}
	assert.Equal(t, 1, s.Pending(23))

	plain, err := s.Submit(repeat)
	require.NoError(t, err)
	assert.NotSame(t, first, plain)
	assert.Equal(t, 2, s.Pending(23))

	require.NoError(t, blocker.Wait(context.Background()))
	require.NoError(t, first.Wait(context.Background()))
	require.NoError(t, plain.Wait(context.Background()))
	assert.Len(t, rec.snapshot(), 3)
}

func TestCloseAbandonsQueuedWork(t *testing.T) {
	logger := zaptest.NewLogger(t).Sugar()
	chip := io.NewFakeChip()
	gpio := io.New(chip, logger)
	engine, err := pwm.NewEngine(testFrequency, nil)
	require.NoError(t, err)
	s := New(AcquirerFunc(func(line int) (Pin, error) {
		h, err := gpio.Acquire(line)
		if err != nil {
			return nil, err
		}
		return h, nil
	}), engine, logger)

	inFlight, err := s.Submit(burst(18, time.Millisecond, time.Second))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return chip.Open(18) }, time.Second, time.Millisecond)
	queued, err := s.Submit(burst(18, time.Millisecond, time.Second))
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, s.Close())
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	assert.ErrorIs(t, inFlight.Err(), ErrClosed)
	assert.ErrorIs(t, queued.Err(), ErrClosed)
	assert.False(t, chip.Open(18))
	assert.Equal(t, 1, chip.Releases(18))
	edges := chip.Edges(18)
	assert.Equal(t, 0, edges[len(edges)-1].Value)

	_, err = s.Submit(burst(18, time.Millisecond, time.Millisecond))
	assert.ErrorIs(t, err, ErrClosed)
	assert.NoError(t, s.Close())

	require.NoError(t, gpio.Close())
	assert.Equal(t, 1, chip.Closes())
}

func TestCompletionWaitHonorsContext(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	c, err := s.Submit(burst(18, time.Millisecond, 200*time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.Wait(ctx), context.DeadlineExceeded)
	assert.NoError(t, c.Err(), "not finished yet")
	require.NoError(t, c.Wait(context.Background()))
}
