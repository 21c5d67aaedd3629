// Copyright (c) 2020–2024 The hallbar developers. All rights reserved.
// Project site: https://github.com/gotmc/hallbar
// Use of this source code is governed by a MIT-style license that
// can be found in the LICENSE.txt file for the project.

// Package keithley2400 drives a Keithley 2400 SourceMeter.
//
// Manual: https://download.tek.com/manual/2400S-900-01_K-Sep2011_User.pdf
package keithley2400

import (
	"fmt"
	"math"

	"github.com/gotmc/hallbar"
)

// Parameter names.
const (
	SourceFunction     = "source_function"
	SourceVoltageLevel = "source_voltage_level"
	SourceCurrentLevel = "source_current_level"
	SourceVoltageRange = "source_voltage_range"
	SourceCurrentRange = "source_current_range"
	ComplianceCurrent  = "compliance_current"
	ComplianceVoltage  = "compliance_voltage"
	Output             = "output"
	NPLC               = "nplc"
	SenseRemote        = "sense_remote"
	Reading            = "reading"

	Reset       = "reset"
	ClearStatus = "clear_status"
)

// SourceFunctions maps the source modes to their SCPI mnemonics.
var SourceFunctions = hallbar.MustOptions(
	hallbar.Opt("voltage", "VOLT"),
	hallbar.Opt("current", "CURR"),
)

var (
	voltageRanges = []float64{0.2, 2, 20, 200}
	currentRanges = []float64{1e-6, 10e-6, 100e-6, 1e-3, 10e-3, 100e-3, 1}
)

// SMU is a Keithley 2400. It ramps its voltage level unless RampCurrent has
// been enabled.
type SMU struct {
	*hallbar.Instrument
	level string
}

// New declares the 2400 parameters on an instrument named "keithley2400". No
// bus traffic happens until the first Get or Set.
func New(bus hallbar.Bus, opts ...hallbar.InstrumentOption) (*SMU, error) {
	in := hallbar.New("keithley2400", bus, opts...)
	decls := []struct {
		name   string
		kind   hallbar.Kind
		access hallbar.Access
		opts   []hallbar.ParamOption
	}{
		{SourceFunction, hallbar.Option, hallbar.GetSet, []hallbar.ParamOption{
			hallbar.WithPath(":SOUR:FUNC"), hallbar.WithOptions(SourceFunctions)}},
		{SourceVoltageLevel, hallbar.Float, hallbar.GetSet, []hallbar.ParamOption{
			hallbar.WithPath(":SOUR:VOLT:LEV"), hallbar.WithBounds(-210, 210), hallbar.WithUnit("V")}},
		{SourceCurrentLevel, hallbar.Float, hallbar.GetSet, []hallbar.ParamOption{
			hallbar.WithPath(":SOUR:CURR:LEV"), hallbar.WithBounds(-1.05, 1.05), hallbar.WithUnit("A")}},
		{SourceVoltageRange, hallbar.Float, hallbar.GetSet, []hallbar.ParamOption{
			hallbar.WithPath(":SOUR:VOLT:RANG"), hallbar.WithBounds(-210, 210), hallbar.WithUnit("V")}},
		{SourceCurrentRange, hallbar.Float, hallbar.GetSet, []hallbar.ParamOption{
			hallbar.WithPath(":SOUR:CURR:RANG"), hallbar.WithBounds(-1.05, 1.05), hallbar.WithUnit("A")}},
		{ComplianceCurrent, hallbar.Float, hallbar.GetSet, []hallbar.ParamOption{
			hallbar.WithPath(":SENS:CURR:PROT"), hallbar.WithBounds(-1.05, 1.05), hallbar.WithUnit("A")}},
		{ComplianceVoltage, hallbar.Float, hallbar.GetSet, []hallbar.ParamOption{
			hallbar.WithPath(":SENS:VOLT:PROT"), hallbar.WithBounds(-210, 210), hallbar.WithUnit("V")}},
		{Output, hallbar.Option, hallbar.GetSet, []hallbar.ParamOption{
			hallbar.WithPath(":OUTP"), hallbar.WithOptions(hallbar.OnOff)}},
		{NPLC, hallbar.Float, hallbar.GetSet, []hallbar.ParamOption{
			hallbar.WithPath(":SENS:CURR:NPLC"), hallbar.WithBounds(0.01, 10)}},
		{SenseRemote, hallbar.Bool, hallbar.GetSet, []hallbar.ParamOption{
			hallbar.WithPath(":SYST:RSEN")}},
		{Reading, hallbar.FloatList, hallbar.GetOnly, []hallbar.ParamOption{
			hallbar.WithQuery(":READ?")}},
	}
	for _, d := range decls {
		if err := in.Declare(d.name, d.kind, d.access, d.opts...); err != nil {
			return nil, err
		}
	}
	if err := in.DeclareFunction(Reset, "*RST"); err != nil {
		return nil, err
	}
	if err := in.DeclareFunction(ClearStatus, "*CLS"); err != nil {
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

// Measure triggers a reading and returns the measured voltage and current,
// the first two elements of the default :FORM:ELEM list.
func (s *SMU) Measure() (voltage, current float64, err error) {
	r, err := s.GetFloats(Reading)
	if err != nil {
		return 0, 0, err
	}
	if len(r) < 2 {
		return 0, 0, fmt.Errorf("%w: %s returned %d elements, want at least 2",
			hallbar.ErrProtocolMismatch, Reading, len(r))
	}
	return r[0], r[1], nil
}

// SourceVoltage configures a fixed-range voltage source at v with the given
// current compliance. The output state is left unchanged.
func (s *SMU) SourceVoltage(v, compliance float64) error {
	steps := []struct {
		name  string
		value any
	}{
		{SourceFunction, "voltage"},
		{SourceVoltageRange, SuitableVoltageRange(v)},
		{SourceVoltageLevel, v},
		{ComplianceCurrent, compliance},
	}
	for _, st := range steps {
		if err := s.Set(st.name, st.value); err != nil {
			return err
		}
	}
	s.level = SourceVoltageLevel
	return nil
}

// SourceCurrent configures a fixed-range current source at i with the given
// voltage compliance.
func (s *SMU) SourceCurrent(i, compliance float64) error {
	steps := []struct {
		name  string
		value any
	}{
		{SourceFunction, "current"},
		{SourceCurrentRange, SuitableCurrentRange(i)},
		{SourceCurrentLevel, i},
		{ComplianceVoltage, compliance},
	}
	for _, st := range steps {
		if err := s.Set(st.name, st.value); err != nil {
			return err
		}
	}
	s.level = SourceCurrentLevel
	return nil
}

// SuitableVoltageRange returns the smallest source voltage range that holds v.
func SuitableVoltageRange(v float64) float64 { return suitableRange(voltageRanges, v) }

// SuitableCurrentRange returns the smallest source current range that holds i.
func SuitableCurrentRange(i float64) float64 { return suitableRange(currentRanges, i) }

// suitableRange picks the first range at least |target|, or the largest range
// when target exceeds them all. ranges must be sorted ascending.
func suitableRange(ranges []float64, target float64) float64 {
	abs := math.Abs(target)
	for _, r := range ranges {
		if abs <= r {
			return r
		}
	}
	return ranges[len(ranges)-1]
}
