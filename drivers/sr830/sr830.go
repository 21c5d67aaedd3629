// Copyright (c) 2020–2024 The hallbar developers. All rights reserved.
// Project site: https://github.com/gotmc/hallbar
// Use of this source code is governed by a MIT-style license that
// can be found in the LICENSE.txt file for the project.

// Package sr830 drives a Stanford Research Systems SR830 lock-in amplifier.
// The four rear-panel auxiliary outputs are rampable channels.
package sr830

import (
	"fmt"
	"strconv"

	"github.com/gotmc/hallbar"
)

// NumAuxOutputs is the number of auxiliary DC outputs.
const NumAuxOutputs = 4

// Parameter names. Auxiliary channels are named with hallbar.ChannelParam,
// e.g. "ch2_aux_out".
const (
	Frequency    = "frequency"
	Amplitude    = "amplitude"
	TimeConstant = "time_constant"
	Sensitivity  = "sensitivity"
	X            = "x"
	Y            = "y"
	R            = "r"
	Theta        = "theta"
	XY           = "xy"
	AuxOut       = "aux_out"
	AuxIn        = "aux_in"

	AutoGain  = "auto_gain"
	AutoPhase = "auto_phase"
	Reset     = "reset"
)

// TimeConstants maps the OFLT codes to their durations.
var TimeConstants = indexed(
	"10us", "30us", "100us", "300us", "1ms", "3ms", "10ms", "30ms", "100ms", "300ms",
	"1s", "3s", "10s", "30s", "100s", "300s", "1ks", "3ks", "10ks", "30ks",
)

// Sensitivities maps the SENS codes to full-scale sensitivities.
var Sensitivities = indexed(
	"2nV", "5nV", "10nV", "20nV", "50nV", "100nV", "200nV", "500nV",
	"1uV", "2uV", "5uV", "10uV", "20uV", "50uV", "100uV", "200uV", "500uV",
	"1mV", "2mV", "5mV", "10mV", "20mV", "50mV", "100mV", "200mV", "500mV", "1V",
)

// indexed builds a table whose wire tokens are the symbol positions.
func indexed(symbols ...string) *hallbar.Options {
	pairs := make([]hallbar.OptionPair, len(symbols))
	for i, s := range symbols {
		pairs[i] = hallbar.Opt(s, strconv.Itoa(i))
	}
	return hallbar.MustOptions(pairs...)
}

// LockIn is an SR830.
type LockIn struct {
	*hallbar.Instrument
}

// New declares the SR830 parameters on an instrument named "sr830". The
// SR830 has no SCPI error queue; Errors reads and clears the ERRS? status
// byte instead.
func New(bus hallbar.Bus, opts ...hallbar.InstrumentOption) (*LockIn, error) {
	opts = append([]hallbar.InstrumentOption{hallbar.WithErrorQuery("ERRS?")}, opts...)
	in := hallbar.New("sr830", bus, opts...)

	type decl struct {
		name   string
		kind   hallbar.Kind
		access hallbar.Access
		opts   []hallbar.ParamOption
	}
	decls := []decl{
		{Frequency, hallbar.Float, hallbar.GetSet, []hallbar.ParamOption{
			hallbar.WithPath("FREQ"), hallbar.WithBounds(0.001, 102000), hallbar.WithUnit("Hz")}},
		{Amplitude, hallbar.Float, hallbar.GetSet, []hallbar.ParamOption{
			hallbar.WithPath("SLVL"), hallbar.WithBounds(0.004, 5), hallbar.WithUnit("V")}},
		{TimeConstant, hallbar.Option, hallbar.GetSet, []hallbar.ParamOption{
			hallbar.WithPath("OFLT"), hallbar.WithOptions(TimeConstants)}},
		{Sensitivity, hallbar.Option, hallbar.GetSet, []hallbar.ParamOption{
			hallbar.WithPath("SENS"), hallbar.WithOptions(Sensitivities)}},
		{XY, hallbar.FloatList, hallbar.GetOnly, []hallbar.ParamOption{
			hallbar.WithQuery("SNAP? 1,2")}},
	}
	for i, name := range []string{X, Y, R, Theta} {
		unit := "V"
		if name == Theta {
			unit = "deg"
		}
		decls = append(decls, decl{name, hallbar.Float, hallbar.GetOnly, []hallbar.ParamOption{
			hallbar.WithQuery(fmt.Sprintf("OUTP? %d", i+1)), hallbar.WithUnit(unit)}})
	}
	for _, d := range decls {
		if err := in.Declare(d.name, d.kind, d.access, d.opts...); err != nil {
			return nil, err
		}
	}
	if err := in.DeclareChannels(AuxOut, 1, NumAuxOutputs, hallbar.Float, hallbar.GetSet,
		hallbar.WithQuery("AUXV? %d"), hallbar.WithCommand("AUXV %d,%s"),
		hallbar.WithBounds(-10.5, 10.5), hallbar.WithUnit("V")); err != nil {
		return nil, err
	}
	if err := in.DeclareChannels(AuxIn, 1, NumAuxOutputs, hallbar.Float, hallbar.GetOnly,
		hallbar.WithQuery("OAUX? %d"), hallbar.WithUnit("V")); err != nil {
		return nil, err
	}
	for name, cmd := range map[string]string{AutoGain: "AGAN", AutoPhase: "APHS", Reset: "*RST"} {
		if err := in.DeclareFunction(name, cmd); err != nil {
			return nil, err
		}
	}
	return &LockIn{Instrument: in}, nil
}

// Channels implements hallbar.MultiChannel over the auxiliary outputs.
func (l *LockIn) Channels() int { return NumAuxOutputs }

func (l *LockIn) check(ch int) error {
	if ch < 1 || ch > NumAuxOutputs {
		return fmt.Errorf("%w: %s aux output %d outside 1-%d", hallbar.ErrUnsupportedChannel, l.Name(), ch, NumAuxOutputs)
	}
	return nil
}

// Level implements hallbar.Rampable.
func (l *LockIn) Level(ch int) (float64, error) {
	if err := l.check(ch); err != nil {
		return 0, err
	}
	return l.GetFloat(hallbar.ChannelParam(AuxOut, ch))
}

// SetLevel implements hallbar.Rampable.
func (l *LockIn) SetLevel(ch int, v float64) error {
	if err := l.check(ch); err != nil {
		return err
	}
	return l.SetFloat(hallbar.ChannelParam(AuxOut, ch), v)
}

// Snap reads X and Y at a single instant.
func (l *LockIn) Snap() (x, y float64, err error) {
	xy, err := l.GetFloats(XY)
	if err != nil {
		return 0, 0, err
	}
	if len(xy) != 2 {
		return 0, 0, fmt.Errorf("%w: SNAP? returned %d values", hallbar.ErrProtocolMismatch, len(xy))
	}
	return xy[0], xy[1], nil
}
