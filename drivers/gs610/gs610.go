// Copyright (c) 2020–2024 The hallbar developers. All rights reserved.
// Project site: https://github.com/gotmc/hallbar
// Use of this source code is governed by a MIT-style license that
// can be found in the LICENSE.txt file for the project.

// Package gs610 drives a Yokogawa GS610 source measure unit.
package gs610

import (
	"fmt"

	"github.com/gotmc/hallbar"
)

// Parameter names.
const (
	SourceFunction     = "source_function"
	SourceVoltageLevel = "source_voltage_level"
	SourceCurrentLevel = "source_current_level"
	Output             = "output"
	VoltageLimit       = "voltage_limit"
	CurrentLimit       = "current_limit"
	Measured           = "measured"

	Reset = "reset"
)

// SourceFunctions maps the source modes to their SCPI mnemonics.
var SourceFunctions = hallbar.MustOptions(
	hallbar.Opt("voltage", "VOLT"),
	hallbar.Opt("current", "CURR"),
)

// SMU is a GS610. It ramps its voltage level unless RampCurrent has been
// called.
type SMU struct {
	*hallbar.Instrument
	level string
}

// New declares the GS610 parameters on an instrument named "gs610".
func New(bus hallbar.Bus, opts ...hallbar.InstrumentOption) (*SMU, error) {
	in := hallbar.New("gs610", bus, opts...)
	err := firstErr(
		in.Declare(SourceFunction, hallbar.Option, hallbar.GetSet,
			hallbar.WithPath(":SOUR:FUNC"), hallbar.WithOptions(SourceFunctions)),
		in.Declare(SourceVoltageLevel, hallbar.Float, hallbar.GetSet,
			hallbar.WithPath(":SOUR:VOLT:LEV"), hallbar.WithBounds(-110, 110), hallbar.WithUnit("V")),
		in.Declare(SourceCurrentLevel, hallbar.Float, hallbar.GetSet,
			hallbar.WithPath(":SOUR:CURR:LEV"), hallbar.WithBounds(-3.2, 3.2), hallbar.WithUnit("A")),
		in.Declare(Output, hallbar.Option, hallbar.GetSet,
			hallbar.WithPath(":OUTP"), hallbar.WithOptions(hallbar.OnOff)),
		in.Declare(VoltageLimit, hallbar.Float, hallbar.GetSet,
			hallbar.WithPath(":SOUR:PROT:VOLT"), hallbar.WithBounds(1, 110), hallbar.WithUnit("V")),
		in.Declare(CurrentLimit, hallbar.Float, hallbar.GetSet,
			hallbar.WithPath(":SOUR:PROT:CURR"), hallbar.WithBounds(1e-3, 3.2), hallbar.WithUnit("A")),
		in.Declare(Measured, hallbar.Float, hallbar.GetOnly,
			hallbar.WithQuery(":MEAS?")),
		in.DeclareFunction(Reset, "*RST"),
	)
	if err != nil {
		return nil, err
	}
	return &SMU{Instrument: in, level: SourceVoltageLevel}, nil
}

// RampCurrent selects whether Level and SetLevel act on the current level
// instead of the voltage level.
func (s *SMU) RampCurrent(enable bool) {
	if enable {
		s.level = SourceCurrentLevel
		return
	}
	s.level = SourceVoltageLevel
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// Level implements hallbar.Rampable.
func (s *SMU) Level(ch int) (float64, error) {
	if ch != 0 {
		return 0, fmt.Errorf("%w: %s has no channel %d", hallbar.ErrUnsupportedChannel, s.Name(), ch)
	}
	return s.GetFloat(s.level)
}

// SetLevel implements hallbar.Rampable.
func (s *SMU) SetLevel(ch int, v float64) error {
	if ch != 0 {
		return fmt.Errorf("%w: %s has no channel %d", hallbar.ErrUnsupportedChannel, s.Name(), ch)
	}
	return s.SetFloat(s.level, v)
}

// Measure triggers a single measurement of the sensed quantity.
func (s *SMU) Measure() (float64, error) {
	return s.GetFloat(Measured)
}
