package hallbar

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gotmc/hallbar/lib/scpisim"
)

// smu is a single-channel source over the test instrument.
type smu struct{ in *Instrument }

func (s smu) Level(int) (float64, error)      { return s.in.GetFloat("source_voltage_level") }
func (s smu) SetLevel(_ int, v float64) error { return s.in.SetFloat("source_voltage_level", v) }

// dac is a three channel source.
type dac struct{ in *Instrument }

func (d dac) Channels() int { return 3 }
func (d dac) Level(ch int) (float64, error) {
	return d.in.GetFloat(ChannelParam("v", ch))
}
func (d dac) SetLevel(ch int, v float64) error {
	return d.in.SetFloat(ChannelParam("v", ch), v)
}

type fakeClock struct {
	sleeps []time.Duration
	hook   func(n int)
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.sleeps = append(c.sleeps, d)
	if c.hook != nil {
		c.hook(len(c.sleeps))
	}
	return ctx.Err()
}

func (c *fakeClock) total() time.Duration {
	var sum time.Duration
	for _, d := range c.sleeps {
		sum += d
	}
	return sum
}

func newSMU(t *testing.T, start string) (smu, *scpisim.Instrument) {
	t.Helper()
	in, sim := newTestInstrument(t)
	sim.Set(":SOUR:VOLT:LEV", start)
	return smu{in}, sim
}

func TestSteps(t *testing.T) {
	tests := []struct {
		name                string
		start, target, step float64
		want                []float64
	}{
		{"up", 0, 1, 0.3, []float64{0, 0.25, 0.5, 0.75, 1}},
		{"down", 5, -3, 2, []float64{5, 3, 1, -1, -3}},
		{"equal", 1.5, 1.5, 0.1, []float64{1.5}},
		{"single step", 0, 0.1, 1, []float64{0, 0.1}},
		{"exact multiple", 0, 1, 0.5, []float64{0, 0.5, 1}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Steps(tc.start, tc.target, tc.step)
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestStepsAreMonotonicAndBounded(t *testing.T) {
	got, err := Steps(-0.7, 2.3, 0.07)
	require.NoError(t, err)
	require.Equal(t, -0.7, got[0])
	require.Equal(t, 2.3, got[len(got)-1])
	for i := 1; i < len(got); i++ {
		require.Greater(t, got[i], got[i-1])
		require.LessOrEqual(t, got[i]-got[i-1], 0.07+1e-12)
	}
}

func TestStepsRejectsInvalidStep(t *testing.T) {
	for _, step := range []float64{0, -0.1} {
		_, err := Steps(0, 1, step)
		require.ErrorIs(t, err, ErrInvalidStep)
	}
}

func TestStepsRejectsExcessiveCount(t *testing.T) {
	for _, step := range []float64{1e-300, 1e-9, 1.0 / (MaxSteps + 1)} {
		require.NotPanics(t, func() {
			_, err := Steps(0, 1, step)
			require.ErrorIs(t, err, ErrInvalidStep)
		})
	}

	require.NotPanics(t, func() {
		_, err := Steps(-1e308, 1e308, 1)
		require.ErrorIs(t, err, ErrOutOfRange)
	})

	got, err := Steps(0, MaxSteps-1, 1)
	require.NoError(t, err)
	require.Len(t, got, MaxSteps)
}

func TestRampRejectsExcessiveCountBeforeWriting(t *testing.T) {
	src, sim := newSMU(t, "0")
	sim.Reset()

	err := Ramp(context.Background(), src, Request{Target: 1, Step: 1e-300}, WithSleeper(&fakeClock{}))
	require.ErrorIs(t, err, ErrInvalidStep)
	require.Empty(t, sim.Commands())
}

func TestRampWritesEvenSteps(t *testing.T) {
	src, sim := newSMU(t, "0")
	clock := &fakeClock{}

	err := Ramp(context.Background(), src, Request{Target: 1, Step: 0.3},
		WithSleeper(clock), WithDelay(10*time.Millisecond))
	require.NoError(t, err)

	require.Equal(t, []string{
		":SOUR:VOLT:LEV 0.25",
		":SOUR:VOLT:LEV 0.5",
		":SOUR:VOLT:LEV 0.75",
		":SOUR:VOLT:LEV 1",
		":SOUR:VOLT:LEV 1",
	}, sim.Commands())
	require.Equal(t, []string{":SOUR:VOLT:LEV?"}, sim.Queries())
	require.Equal(t, 40*time.Millisecond, clock.total())
}

func TestRampDownwardDuplicatesFinalWrite(t *testing.T) {
	src, sim := newSMU(t, "5.0")
	clock := &fakeClock{}

	err := Ramp(context.Background(), src, Request{Target: -3, Step: 2},
		WithSleeper(clock), WithDelay(50*time.Millisecond))
	require.NoError(t, err)

	require.Equal(t, []string{
		":SOUR:VOLT:LEV 3",
		":SOUR:VOLT:LEV 1",
		":SOUR:VOLT:LEV -1",
		":SOUR:VOLT:LEV -3",
		":SOUR:VOLT:LEV -3",
	}, sim.Commands())
	require.Len(t, clock.sleeps, 4)
	require.Equal(t, 200*time.Millisecond, clock.total())
}

func TestRampAtTargetWritesOnce(t *testing.T) {
	src, sim := newSMU(t, "2.5")
	clock := &fakeClock{}

	require.NoError(t, Ramp(context.Background(), src, Request{Target: 2.5, Step: 0.1}, WithSleeper(clock)))
	require.Equal(t, []string{":SOUR:VOLT:LEV 2.5"}, sim.Commands())
	require.Empty(t, clock.sleeps)
}

func TestRampInvalidStepTouchesNothing(t *testing.T) {
	for _, step := range []float64{0, -1} {
		src, sim := newSMU(t, "0")
		err := Ramp(context.Background(), src, Request{Target: 1, Step: step})
		require.ErrorIs(t, err, ErrInvalidStep)
		require.Empty(t, sim.Commands())
		require.Empty(t, sim.Queries())
	}
}

func TestRampChannelOnSingleChannelSource(t *testing.T) {
	src, sim := newSMU(t, "0")
	err := Ramp(context.Background(), src, Request{Target: 1, Step: 0.5, Channel: 2})
	require.ErrorIs(t, err, ErrUnsupportedChannel)
	require.Empty(t, sim.Commands())
	require.Empty(t, sim.Queries())
}

func TestRampMultiChannel(t *testing.T) {
	sim := scpisim.New()
	sim.HandleIndexed("set", "get", " ")
	sim.SetIndexed("get", 2, "0")
	in := New("qdac", sim)
	require.NoError(t, in.DeclareChannels("v", 1, 3, Float, GetSet,
		WithQuery("get %d"), WithCommand("set %d %s"), WithBounds(-10, 10)))
	src := dac{in}

	err := Ramp(context.Background(), src, Request{Target: -1, Step: 0.5, Channel: 2},
		WithSleeper(&fakeClock{}))
	require.NoError(t, err)
	require.Equal(t, []string{"set 2 -0.5", "set 2 -1", "set 2 -1"}, sim.Commands())

	for _, ch := range []int{0, 4} {
		err = Ramp(context.Background(), src, Request{Target: 1, Step: 0.5, Channel: ch})
		require.ErrorIs(t, err, ErrUnsupportedChannel)
	}
}

func TestRampOutOfRangeTargetStopsBeforeWriting(t *testing.T) {
	src, sim := newSMU(t, "19")
	err := Ramp(context.Background(), src, Request{Target: 25, Step: 2}, WithSleeper(&fakeClock{}))
	require.ErrorIs(t, err, ErrOutOfRange)

	var rerr *RampError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, 19.0, rerr.Last)
	assert.Equal(t, 0, rerr.Written)
	require.Empty(t, sim.Commands())
}

func TestRampFailureReportsLastLevel(t *testing.T) {
	src, sim := newSMU(t, "0")
	lost := errors.New("gpib timeout")
	sim.FailAfterWrites(2, lost)

	err := Ramp(context.Background(), src, Request{Target: 1, Step: 0.3}, WithSleeper(&fakeClock{}))
	require.ErrorIs(t, err, ErrCommunication)
	require.ErrorIs(t, err, lost)

	var rerr *RampError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, 0.5, rerr.Last)
	assert.Equal(t, 2, rerr.Written)
	assert.Equal(t, 1.0, rerr.Target)
}

func TestRampStepFuncAborts(t *testing.T) {
	src, sim := newSMU(t, "0")
	compliance := errors.New("leakage above compliance")
	var seen []Step

	err := Ramp(context.Background(), src, Request{Target: 1, Step: 0.3},
		WithSleeper(&fakeClock{}),
		WithStepFunc(func(_ context.Context, s Step) error {
			seen = append(seen, s)
			if s.Index == 2 {
				return compliance
			}
			return nil
		}))
	require.ErrorIs(t, err, compliance)
	require.Equal(t, []Step{{Index: 1, Count: 5, Value: 0.25}, {Index: 2, Count: 5, Value: 0.5}}, seen)
	require.Len(t, sim.Commands(), 2)

	var rerr *RampError
	require.ErrorAs(t, err, &rerr)
	require.Equal(t, 0.5, rerr.Last)
}

func TestRampCancelledBetweenSteps(t *testing.T) {
	src, sim := newSMU(t, "0")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	clock := &fakeClock{hook: func(n int) {
		if n == 1 {
			cancel()
		}
	}}

	err := Ramp(ctx, src, Request{Target: 1, Step: 0.3}, WithSleeper(clock))
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, []string{":SOUR:VOLT:LEV 0.25"}, sim.Commands())
}

func TestRampReadbackFailure(t *testing.T) {
	src, sim := newSMU(t, "0")
	sim.Fail(":SOUR:VOLT:LEV?", 1, errors.New("no listener"))

	err := Ramp(context.Background(), src, Request{Target: 1, Step: 0.3})
	require.ErrorIs(t, err, ErrCommunication)
	require.Empty(t, sim.Commands())
}

func TestTimerSleeperHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, timerSleeper{}.Sleep(ctx, time.Hour), context.Canceled)
	require.NoError(t, timerSleeper{}.Sleep(context.Background(), time.Microsecond))
}
