package pwm

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Seann-Moser/rccar/pkg/io"
)

// virtualClock advances instantly on Sleep. oversleep is added to every
// sleep to model scheduler jitter.
type virtualClock struct {
	*clock.Mock

	mu        sync.Mutex
	now       time.Time
	oversleep time.Duration
	onSleep   func(n int) time.Duration
	sleeps    int
}

func newVirtualClock() *virtualClock {
	return &virtualClock{Mock: clock.NewMock(), now: time.Unix(1700000000, 0)}
}

func (c *virtualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *virtualClock) Sleep(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps++
	extra := c.oversleep
	if c.onSleep != nil {
		extra += c.onSleep(c.sleeps)
	}
	c.now = c.now.Add(d + extra)
}

type span struct {
	start, end time.Time
}

// highSpans pairs every rising write with the following low write.
func highSpans(edges []io.Edge) []span {
	var spans []span
	high := false
	var start time.Time
	for _, e := range edges {
		switch {
		case e.Value == 1 && !high:
			high, start = true, e.At
		case e.Value == 0 && high:
			high = false
			spans = append(spans, span{start, e.At})
		}
	}
	return spans
}

func setup(t *testing.T) (*Engine, *virtualClock, *io.FakeChip, *io.Handle) {
	t.Helper()
	clk := newVirtualClock()
	chip := io.NewFakeChip()
	chip.Now = clk.Now
	e, err := NewEngine(DefaultFrequency, clk)
	require.NoError(t, err)
	h, err := io.New(chip, zaptest.NewLogger(t).Sugar()).Acquire(18)
	require.NoError(t, err)
	return e, clk, chip, h
}

func TestEnginePeriod(t *testing.T) {
	e, err := NewEngine(DefaultFrequency, nil)
	require.NoError(t, err)
	assert.Equal(t, 20*time.Millisecond, e.Period())

	_, err = NewEngine(0, nil)
	assert.Error(t, err)
}

func TestRunCycles(t *testing.T) {
	for _, pulse := range []time.Duration{
		500 * time.Microsecond,
		900 * time.Microsecond,
		1350 * time.Microsecond,
		2 * time.Millisecond,
		19 * time.Millisecond,
	} {
		t.Run(pulse.String(), func(t *testing.T) {
			e, _, chip, h := setup(t)
			require.NoError(t, e.Run(context.Background(), h, pulse, 500*time.Millisecond))

			spans := highSpans(chip.Edges(18))
			require.Len(t, spans, 25)
			for i, s := range spans {
				assert.Equal(t, pulse, s.end.Sub(s.start), "cycle %d high time", i)
				if i > 0 {
					assert.Equal(t, e.Period(), s.start.Sub(spans[i-1].start), "cycle %d period", i)
				}
			}
		})
	}
}

func TestRunPartialDuration(t *testing.T) {
	e, _, chip, h := setup(t)
	require.NoError(t, e.Run(context.Background(), h, time.Millisecond, 50*time.Millisecond))
	// floor(50/20) = 2, plus the cycle that starts before the end.
	assert.Len(t, highSpans(chip.Edges(18)), 3)
}

func TestRunZeroDuration(t *testing.T) {
	e, _, chip, h := setup(t)
	require.NoError(t, e.Run(context.Background(), h, time.Millisecond, 0))
	assert.Empty(t, chip.Edges(18))
}

func TestRunDoesNotDrift(t *testing.T) {
	e, clk, chip, h := setup(t)
	clk.oversleep = 300 * time.Microsecond
	start := clk.Now()

	require.NoError(t, e.Run(context.Background(), h, 1500*time.Microsecond, 500*time.Millisecond))

	spans := highSpans(chip.Edges(18))
	require.Len(t, spans, 25)
	for i, s := range spans {
		want := start.Add(time.Duration(i) * e.Period())
		assert.WithinDuration(t, want, s.start, 300*time.Microsecond, "cycle %d start", i)
	}
}

func TestRunSkipsMissedCycles(t *testing.T) {
	e, clk, chip, h := setup(t)
	// The fourth sleep stalls for three periods.
	clk.onSleep = func(n int) time.Duration {
		if n == 4 {
			return 60 * time.Millisecond
		}
		return 0
	}
	start := clk.Now()

	require.NoError(t, e.Run(context.Background(), h, time.Millisecond, 200*time.Millisecond))

	spans := highSpans(chip.Edges(18))
	require.NotEmpty(t, spans)
	assert.Less(t, len(spans), 10)
	for i, s := range spans {
		offset := s.start.Sub(start)
		assert.Zero(t, offset%e.Period(), "cycle %d off the period grid", i)
		assert.Equal(t, time.Millisecond, s.end.Sub(s.start), "cycle %d high time", i)
		if i > 0 {
			assert.GreaterOrEqual(t, s.start.Sub(spans[i-1].start), e.Period())
		}
	}
}

func TestRunShortStallKeepsFullPulses(t *testing.T) {
	e, clk, chip, h := setup(t)
	// The first low phase overruns by 5ms, past where the next pulse should
	// have ended.
	clk.onSleep = func(n int) time.Duration {
		if n == 2 {
			return 5 * time.Millisecond
		}
		return 0
	}
	start := clk.Now()
	pulse := 1300 * time.Microsecond

	require.NoError(t, e.Run(context.Background(), h, pulse, 100*time.Millisecond))

	spans := highSpans(chip.Edges(18))
	require.Len(t, spans, 4)
	for i, s := range spans {
		assert.Equal(t, pulse, s.end.Sub(s.start), "cycle %d high time", i)
		assert.Zero(t, s.start.Sub(start)%e.Period(), "cycle %d off the period grid", i)
	}
	assert.Equal(t, 2*e.Period(), spans[1].start.Sub(spans[0].start))
}

func TestValidate(t *testing.T) {
	e, err := NewEngine(DefaultFrequency, nil)
	require.NoError(t, err)

	for _, pulse := range []time.Duration{0, -time.Millisecond, 20 * time.Millisecond, 25 * time.Millisecond} {
		err := e.Validate(pulse)
		var ipc *InvalidPulseConfiguration
		require.True(t, errors.As(err, &ipc), "pulse %v", pulse)
		assert.Equal(t, pulse, ipc.PulseWidth)
		assert.Equal(t, 20*time.Millisecond, ipc.Period)
	}
	assert.NoError(t, e.Validate(time.Millisecond))

	err = e.ValidateRequest(Request{PulseWidth: time.Millisecond, ReturnToNeutral: true})
	assert.Error(t, err, "neutral pulse of zero")
}

func TestBurstReturnsToNeutral(t *testing.T) {
	e, _, chip, h := setup(t)
	req := Request{
		Line:              18,
		PulseWidth:        2 * time.Millisecond,
		Duration:          100 * time.Millisecond,
		ReturnToNeutral:   true,
		NeutralPulseWidth: 1300 * time.Microsecond,
	}
	require.NoError(t, e.Burst(context.Background(), h, req))

	spans := highSpans(chip.Edges(18))
	require.Len(t, spans, 10)
	for _, s := range spans[:5] {
		assert.Equal(t, 2*time.Millisecond, s.end.Sub(s.start))
	}
	for _, s := range spans[5:] {
		assert.Equal(t, 1300*time.Microsecond, s.end.Sub(s.start))
	}
	edges := chip.Edges(18)
	assert.Equal(t, 0, edges[len(edges)-1].Value)
}

func TestBurstWithoutNeutral(t *testing.T) {
	e, _, chip, h := setup(t)
	req := Request{Line: 18, PulseWidth: time.Millisecond, Duration: 100 * time.Millisecond, NeutralPulseWidth: 1300 * time.Microsecond}
	require.NoError(t, e.Burst(context.Background(), h, req))
	assert.Len(t, highSpans(chip.Edges(18)), 5)
}

func TestRunCancelled(t *testing.T) {
	e, _, chip, h := setup(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := e.Run(ctx, h, time.Millisecond, 500*time.Millisecond)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, highSpans(chip.Edges(18)))
	edges := chip.Edges(18)
	require.NotEmpty(t, edges)
	assert.Equal(t, 0, edges[len(edges)-1].Value)
}

func TestRequestString(t *testing.T) {
	r := Request{Line: 23, PulseWidth: 1700 * time.Microsecond, Duration: 500 * time.Millisecond, ReturnToNeutral: true, NeutralPulseWidth: 1300 * time.Microsecond}
	assert.Equal(t, "line 23 pulse 1.7ms for 500ms then neutral 1.3ms", r.String())
}
