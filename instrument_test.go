package hallbar

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gotmc/hallbar/lib/scpisim"
)

func newTestInstrument(t *testing.T) (*Instrument, *scpisim.Instrument) {
	t.Helper()
	sim := scpisim.New()
	in := New("smu", sim)
	require.NoError(t, in.Declare("source_voltage_level", Float, GetSet,
		WithPath(":SOUR:VOLT:LEV"), WithBounds(-20, 20), WithUnit("V")))
	require.NoError(t, in.Declare("nplc", Float, GetSet, WithPath(":SENS:CURR:NPLC")))
	require.NoError(t, in.Declare("output", Option, GetSet, WithPath(":OUTP"), WithOptions(OnOff)))
	require.NoError(t, in.Declare("sense_remote", Bool, GetSet, WithPath(":SYST:RSEN")))
	require.NoError(t, in.Declare("averages", Int, GetSet, WithPath(":SENS:AVER:COUN"), WithBounds(1, 100)))
	require.NoError(t, in.Declare("label", String, GetSet, WithPath(":DISP:TEXT")))
	require.NoError(t, in.Declare("reading", FloatList, GetOnly, WithQuery(":READ?")))
	require.NoError(t, in.Declare("trigger_source", String, SetOnly, WithCommand(":TRIG:SOUR %s")))
	require.NoError(t, in.DeclareFunction("reset", "*RST"))
	require.NoError(t, in.DeclareFunction("beep", ":SYST:BEEP %g,%g"))
	return in, sim
}

func TestDeclareRejectsDuplicates(t *testing.T) {
	in, _ := newTestInstrument(t)

	err := in.Declare("nplc", Float, GetSet, WithPath(":SENS:VOLT:NPLC"))
	require.ErrorIs(t, err, ErrDuplicateParameter)

	var perr *ParamError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "declare", perr.Op)
	assert.Equal(t, "nplc", perr.Param)

	require.ErrorIs(t, in.DeclareFunction("nplc", "X"), ErrDuplicateParameter)
	require.ErrorIs(t, in.Declare("reset", Bool, GetSet, WithPath("X")), ErrDuplicateParameter)
}

func TestDeclareRejectsInconsistentDescriptors(t *testing.T) {
	in := New("x", scpisim.New())

	tests := map[string]error{
		"bounds on string": in.Declare("a", String, GetSet, WithPath("A"), WithBounds(0, 1)),
		"inverted bounds":  in.Declare("b", Float, GetSet, WithPath("B"), WithBounds(1, 0)),
		"option no table":  in.Declare("c", Option, GetSet, WithPath("C")),
		"table no option":  in.Declare("d", String, GetSet, WithPath("D"), WithOptions(OnOff)),
		"no query":         in.Declare("e", Float, GetOnly, WithCommand("E %s")),
		"no command":       in.Declare("f", Float, SetOnly, WithQuery("F?")),
		"empty name":       in.Declare("", Float, GetSet, WithPath("G")),
		"bad kind":         in.Declare("h", Kind(42), GetSet, WithPath("H")),
	}
	for name, err := range tests {
		assert.ErrorIs(t, err, ErrInvalidDeclaration, name)
	}
	assert.Empty(t, in.Params())
}

func TestParamsKeepDeclarationOrder(t *testing.T) {
	in, _ := newTestInstrument(t)
	var names []string
	for _, p := range in.Params() {
		names = append(names, p.Name)
	}
	require.Equal(t, []string{
		"source_voltage_level", "nplc", "output", "sense_remote",
		"averages", "label", "reading", "trigger_source",
	}, names)

	p, ok := in.Param("source_voltage_level")
	require.True(t, ok)
	assert.True(t, p.Bounded)
	assert.Equal(t, "V", p.Unit)
}

func TestSetThenGetRoundTrips(t *testing.T) {
	in, sim := newTestInstrument(t)

	require.NoError(t, in.SetFloat("source_voltage_level", 0.3))
	v, err := in.GetFloat("source_voltage_level")
	require.NoError(t, err)
	require.InDelta(t, 0.3, v, 1e-12)

	require.NoError(t, in.SetBool("sense_remote", true))
	b, err := in.GetBool("sense_remote")
	require.NoError(t, err)
	require.True(t, b)

	require.NoError(t, in.SetInt("averages", 10))
	i, err := in.GetInt("averages")
	require.NoError(t, err)
	require.Equal(t, 10, i)

	require.NoError(t, in.SetString("label", "HB-7"))
	s, err := in.GetString("label")
	require.NoError(t, err)
	require.Equal(t, "HB-7", s)

	require.Equal(t, []string{
		":SOUR:VOLT:LEV 0.3",
		":SYST:RSEN 1",
		":SENS:AVER:COUN 10",
		":DISP:TEXT HB-7",
	}, sim.Commands())
}

func TestOptionRoundTripIsExact(t *testing.T) {
	in, sim := newTestInstrument(t)

	require.NoError(t, in.SetOption("output", "on"))
	wire, _ := sim.Value(":OUTP")
	require.Equal(t, "1", wire)

	sym, err := in.GetOption("output")
	require.NoError(t, err)
	require.Equal(t, "on", sym)
}

func TestGetUnknownWireValueIsProtocolMismatch(t *testing.T) {
	in, sim := newTestInstrument(t)

	sim.Set(":OUTP", "2")
	_, err := in.GetOption("output")
	require.ErrorIs(t, err, ErrProtocolMismatch)

	sim.Set(":SOUR:VOLT:LEV", "overload")
	_, err = in.GetFloat("source_voltage_level")
	require.ErrorIs(t, err, ErrProtocolMismatch)

	sim.Set(":SYST:RSEN", "maybe")
	_, err = in.GetBool("sense_remote")
	require.ErrorIs(t, err, ErrProtocolMismatch)

	sim.Set(":SENS:AVER:COUN", "2.5")
	_, err = in.GetInt("averages")
	require.ErrorIs(t, err, ErrProtocolMismatch)

	for _, raw := range []string{"1e30", "-1E+30", "9.3e18", "+Inf", "NaN"} {
		sim.Set(":SENS:AVER:COUN", raw)
		_, err = in.GetInt("averages")
		require.ErrorIs(t, err, ErrProtocolMismatch, raw)
	}
}

func TestGetParsesInstrumentNumberFormats(t *testing.T) {
	in, sim := newTestInstrument(t)

	sim.Set(":SOUR:VOLT:LEV", "+1.000000E-01")
	v, err := in.GetFloat("source_voltage_level")
	require.NoError(t, err)
	require.InDelta(t, 0.1, v, 1e-12)

	sim.Set(":SENS:AVER:COUN", "+5.0")
	i, err := in.GetInt("averages")
	require.NoError(t, err)
	require.Equal(t, 5, i)

	sim.Set(":SYST:RSEN", "ON")
	b, err := in.GetBool("sense_remote")
	require.NoError(t, err)
	require.True(t, b)

	sim.Set(":DISP:TEXT", `"quoted"`)
	s, err := in.GetString("label")
	require.NoError(t, err)
	require.Equal(t, "quoted", s)
}

func TestGetFloatList(t *testing.T) {
	in, sim := newTestInstrument(t)

	sim.Set(":READ", "+1.0E-01,-2.5E-09,+0.0E+00")
	fs, err := in.GetFloats("reading")
	require.NoError(t, err)
	require.Equal(t, []float64{0.1, -2.5e-09, 0}, fs)

	sim.Set(":READ", "#18\x3f\xc0\x00\x00\xbe\x80\x00\x00")
	fs, err = in.GetFloats("reading")
	require.NoError(t, err)
	require.Equal(t, []float64{1.5, -0.25}, fs)

	sim.Set(":READ", "1.0,abc")
	_, err = in.GetFloats("reading")
	require.ErrorIs(t, err, ErrProtocolMismatch)
}

func TestAccessViolations(t *testing.T) {
	in, sim := newTestInstrument(t)

	_, err := in.Get("trigger_source")
	require.ErrorIs(t, err, ErrAccessViolation)

	err = in.Set("reading", []float64{1})
	require.ErrorIs(t, err, ErrAccessViolation)

	require.NoError(t, in.SetString("trigger_source", "IMM"))
	require.Equal(t, []string{":TRIG:SOUR IMM"}, sim.Commands())
	require.Empty(t, sim.Queries())
}

func TestOutOfRangeNeverWrites(t *testing.T) {
	in, sim := newTestInstrument(t)

	for _, v := range []float64{20.000001, -21, 1e9} {
		err := in.SetFloat("source_voltage_level", v)
		require.ErrorIs(t, err, ErrOutOfRange)
	}
	require.ErrorIs(t, in.SetInt("averages", 0), ErrOutOfRange)
	require.NoError(t, in.SetFloat("source_voltage_level", 20))
	require.Equal(t, []string{":SOUR:VOLT:LEV 20"}, sim.Commands())
}

func TestUnknownOptionNeverWrites(t *testing.T) {
	in, sim := newTestInstrument(t)

	err := in.SetOption("output", "1")
	require.ErrorIs(t, err, ErrUnknownOption)
	require.Empty(t, sim.Commands())
}

func TestTypeMismatch(t *testing.T) {
	in, sim := newTestInstrument(t)

	require.ErrorIs(t, in.Set("source_voltage_level", "1.0"), ErrTypeMismatch)
	require.ErrorIs(t, in.SetBool("source_voltage_level", true), ErrTypeMismatch)
	_, err := in.GetOption("source_voltage_level")
	require.ErrorIs(t, err, ErrTypeMismatch)
	require.Empty(t, sim.Commands())
	require.Empty(t, sim.Queries())
}

func TestUnknownParameter(t *testing.T) {
	in, _ := newTestInstrument(t)

	_, err := in.Get("frequency")
	require.ErrorIs(t, err, ErrUnknownParameter)
	require.ErrorIs(t, in.Set("frequency", 1.0), ErrUnknownParameter)
	require.ErrorIs(t, in.Invoke("frequency"), ErrUnknownParameter)
}

func TestInvoke(t *testing.T) {
	in, sim := newTestInstrument(t)

	require.NoError(t, in.Invoke("reset"))
	require.NoError(t, in.Invoke("beep", 440.0, 0.5))
	require.Equal(t, []string{"*RST", ":SYST:BEEP 440,0.5"}, sim.Commands())
}

func TestBusFailuresAreCommunicationErrors(t *testing.T) {
	in, sim := newTestInstrument(t)
	timeout := errors.New("read timeout")

	sim.Fail(":SOUR:VOLT:LEV?", 1, timeout)
	_, err := in.GetFloat("source_voltage_level")
	require.ErrorIs(t, err, ErrCommunication)
	require.ErrorIs(t, err, timeout)

	sim.Fail(":SOUR:VOLT:LEV", 1, timeout)
	err = in.SetFloat("source_voltage_level", 1)
	require.ErrorIs(t, err, ErrCommunication)

	var perr *ParamError
	require.ErrorAs(t, err, &perr)
	require.Equal(t, "set", perr.Op)
	require.Equal(t, "smu", perr.Instrument)
}

func TestDeclareChannels(t *testing.T) {
	sim := scpisim.New()
	sim.HandleIndexed("set", "get", " ")
	in := New("qdac", sim)
	require.NoError(t, in.DeclareChannels("v", 1, 3, Float, GetSet,
		WithQuery("get %d"), WithCommand("set %d %s"), WithBounds(-10, 10)))

	require.NoError(t, in.SetFloat(ChannelParam("v", 2), -1.25))
	require.Equal(t, []string{"set 2 -1.25"}, sim.Commands())

	v, err := in.GetFloat("ch2_v")
	require.NoError(t, err)
	require.Equal(t, -1.25, v)

	p, ok := in.Param("ch3_v")
	require.True(t, ok)
	require.Equal(t, 3, p.Channel)

	require.ErrorIs(t, in.DeclareChannels("i", 0, 3, Float, GetOnly, WithQuery("cur %d")), ErrInvalidDeclaration)
}

func TestErrorsDrainsQueue(t *testing.T) {
	in, sim := newTestInstrument(t)
	require.NoError(t, in.Errors())

	sim.PushError(-222, "Data out of range")
	sim.PushError(-113, "Undefined header")

	err := in.Errors()
	require.Error(t, err)

	var ie *InstrumentError
	require.ErrorAs(t, err, &ie)
	require.Equal(t, -222, ie.Code)
	require.Equal(t, "Data out of range", ie.Message)
	require.Contains(t, err.Error(), "Undefined header")

	require.NoError(t, in.Errors(), "queue is empty after a drain")
}

func TestParseErrorEntry(t *testing.T) {
	e, err := parseErrorEntry("k", `+0,"No error"`)
	require.NoError(t, err)
	require.Nil(t, e)

	_, err = parseErrorEntry("k", "garbage")
	require.ErrorIs(t, err, ErrProtocolMismatch)
}

type recorder struct {
	ops []string
}

func (r *recorder) ObserveRoundTrip(instrument, op string, _ time.Duration, _ error) {
	r.ops = append(r.ops, instrument+" "+op)
}
func (r *recorder) IncRampStep(string)            {}
func (r *recorder) SetLevel(string, int, float64) {}

func TestInstrumentOptions(t *testing.T) {
	sim := scpisim.New()
	rec := &recorder{}
	in := New("k2400", sim, WithName("gate"), WithCollector(rec))
	require.Equal(t, "gate", in.Name())
	require.NoError(t, in.Declare("nplc", Float, GetSet, WithPath(":SENS:CURR:NPLC")))
	require.NoError(t, in.DeclareFunction("reset", "*RST"))

	require.NoError(t, in.SetFloat("nplc", 1))
	_, err := in.GetFloat("nplc")
	require.NoError(t, err)
	require.NoError(t, in.Invoke("reset"))
	require.NoError(t, in.Errors())
	require.Equal(t, []string{"gate set", "gate get", "gate invoke", "gate errors"}, rec.ops)

	err = in.Set("nplc", "fast")
	var perr *ParamError
	require.ErrorAs(t, err, &perr)
	require.Equal(t, "gate", perr.Instrument)
}

func TestEchoPrefixIsStripped(t *testing.T) {
	sim := scpisim.New()
	sim.Set("R7", "R+0.1234")
	in := New("ips", sim)
	require.NoError(t, in.Declare("field", Float, GetOnly, WithQuery("R7"), WithEcho("R")))

	v, err := in.GetFloat("field")
	require.NoError(t, err)
	require.InDelta(t, 0.1234, v, 1e-12)
}

func TestEmptyErrorQueryDisablesErrors(t *testing.T) {
	sim := scpisim.New()
	sim.PushError(-100, "Command error")
	in := New("ips", sim, WithErrorQuery(""))

	require.NoError(t, in.Errors())
	require.Empty(t, sim.Queries())
}

func TestPrecisionRoundsBeforeBoundsCheck(t *testing.T) {
	sim := scpisim.New()
	in := New("dac", sim)
	require.NoError(t, in.Declare("level", Float, GetSet,
		WithPath("LEV"), WithBounds(-1, 1), WithPrecision(3)))
	require.NoError(t, in.Declare("levels", FloatList, SetOnly,
		WithCommand("LIST %s"), WithPrecision(1)))

	require.NoError(t, in.SetFloat("level", 0.1234567))
	require.NoError(t, in.SetFloat("level", 1.0004))
	require.ErrorIs(t, in.SetFloat("level", 1.0006), ErrOutOfRange)
	require.NoError(t, in.SetFloats("levels", []float64{0.14, -2.26}))
	require.Equal(t, []string{"LEV 0.123", "LEV 1", "LIST 0.1,-2.3"}, sim.Commands())

	require.ErrorIs(t, in.Declare("name", String, GetSet, WithPath("NAME"), WithPrecision(2)), ErrInvalidDeclaration)
}
