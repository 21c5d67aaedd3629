package sr830

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gotmc/hallbar"
	"github.com/gotmc/hallbar/lib/scpisim"
)

var _ hallbar.MultiChannel = (*LockIn)(nil)

func newLockIn(t *testing.T) (*LockIn, *scpisim.Instrument) {
	t.Helper()
	sim := scpisim.New()
	sim.HandleIndexed("AUXV", "AUXV?", ",")
	for ch := 1; ch <= NumAuxOutputs; ch++ {
		sim.SetIndexed("AUXV?", ch, "0.000")
	}
	li, err := New(sim)
	require.NoError(t, err)
	return li, sim
}

func TestOptions(t *testing.T) {
	li, sim := newLockIn(t)
	require.NoError(t, li.SetOption(TimeConstant, "300ms"))
	require.NoError(t, li.SetOption(Sensitivity, "1V"))
	require.ErrorIs(t, li.SetOption(Sensitivity, "2V"), hallbar.ErrUnknownOption)
	assert.Equal(t, []string{"OFLT 9", "SENS 26"}, sim.Commands())

	tc, err := li.GetOption(TimeConstant)
	require.NoError(t, err)
	assert.Equal(t, "300ms", tc)
	assert.Equal(t, 20, len(TimeConstants.Symbols()))
	assert.Equal(t, 27, len(Sensitivities.Symbols()))
}

func TestOutputs(t *testing.T) {
	li, sim := newLockIn(t)
	sim.Handle("OUTP?", func(args string) (string, error) {
		return map[string]string{"1": "1.5e-6", "2": "-2e-7", "3": "1.513e-6", "4": "-7.6"}[args], nil
	})
	sim.Handle("SNAP?", func(args string) (string, error) { return "1.5e-6,-2e-7", nil })

	r, err := li.GetFloat(R)
	require.NoError(t, err)
	assert.InDelta(t, 1.513e-6, r, 1e-15)
	theta, err := li.GetFloat(Theta)
	require.NoError(t, err)
	assert.Equal(t, -7.6, theta)

	x, y, err := li.Snap()
	require.NoError(t, err)
	assert.InDelta(t, 1.5e-6, x, 1e-15)
	assert.InDelta(t, -2e-7, y, 1e-15)
	assert.Equal(t, []string{"OUTP? 3", "OUTP? 4", "SNAP? 1,2"}, sim.Queries())
}

func TestRampAuxOutput(t *testing.T) {
	li, sim := newLockIn(t)
	sleep := hallbar.SleeperFunc(func(context.Context, time.Duration) error { return nil })
	err := hallbar.Ramp(context.Background(), li, hallbar.Request{Target: 1, Step: 0.5, Channel: 2}, hallbar.WithSleeper(sleep))
	require.NoError(t, err)
	assert.Equal(t, []string{"AUXV 2,0.5", "AUXV 2,1", "AUXV 2,1"}, sim.Commands())

	err = hallbar.Ramp(context.Background(), li, hallbar.Request{Target: 1, Step: 0.5, Channel: 5})
	require.ErrorIs(t, err, hallbar.ErrUnsupportedChannel)
	require.ErrorIs(t, li.SetLevel(1, 11), hallbar.ErrOutOfRange)
}

func TestErrorStatusByte(t *testing.T) {
	li, sim := newLockIn(t)
	status := []string{"4", "0"}
	sim.Handle("ERRS?", func(string) (string, error) {
		s := status[0]
		status = status[1:]
		return s, nil
	})
	err := li.Errors()
	var ie *hallbar.InstrumentError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, 4, ie.Code)
	assert.Equal(t, "sr830", ie.Instrument)
}
