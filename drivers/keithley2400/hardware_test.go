package keithley2400

import (
	"context"
	"os"
	"strconv"
	"testing"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/gotmc/hallbar"
	"github.com/gotmc/hallbar/lib/connutil"
)

// TestHardware talks to a real 2400. It needs K2400_PORT and K2400_PAD, set
// in the environment or in a .env file next to this test.
func TestHardware(t *testing.T) {
	_ = godotenv.Load()
	port, ok := os.LookupEnv("K2400_PORT")
	if !ok {
		t.Skip("K2400_PORT not set")
	}
	pad, err := strconv.Atoi(os.Getenv("K2400_PAD"))
	require.NoError(t, err, "K2400_PAD")

	conn := &connutil.Conn{SerialPort: port, GpibPAD: pad, Baud: 115200}
	gpib, cleanup, err := conn.Setup(zerolog.Nop())
	require.NoError(t, err)
	defer func() { require.NoError(t, cleanup()) }()

	smu, err := New(gpib)
	require.NoError(t, err)
	require.NoError(t, smu.Invoke(Reset))
	require.NoError(t, smu.SourceVoltage(0, 1e-6))
	require.NoError(t, smu.SetOption(Output, "on"))
	defer func() { require.NoError(t, smu.SetOption(Output, "off")) }()

	require.NoError(t, hallbar.Ramp(context.Background(), smu, hallbar.Request{Target: 0.1, Step: 0.02}))
	v, _, err := smu.Measure()
	require.NoError(t, err)
	require.InDelta(t, 0.1, v, 1e-3)
	require.NoError(t, hallbar.Ramp(context.Background(), smu, hallbar.Request{Target: 0, Step: 0.02}))
	require.NoError(t, smu.Errors())
}
