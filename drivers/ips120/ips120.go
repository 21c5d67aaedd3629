// Copyright (c) 2020–2024 The hallbar developers. All rights reserved.
// Project site: https://github.com/gotmc/hallbar
// Use of this source code is governed by a MIT-style license that
// can be found in the LICENSE.txt file for the project.

// Package ips120 drives an Oxford Instruments IPS120-10 superconducting magnet
// power supply over its ISOBUS command set.
//
// Commands prefixed with '$' suppress the echo, so they can be sent with
// Bus.Command. Read commands (R7, R8, ...) echo their letter before the value.
package ips120

import (
	"fmt"
	"strings"

	"github.com/gotmc/hallbar"
)

// Parameter names.
const (
	Field         = "field"
	FieldSetpoint = "field_setpoint"
	SweepRate     = "sweep_rate"
	Activity      = "activity"
	Remote        = "remote"
	Heater        = "heater"
)

// Activities maps the sweep activities to their A command codes.
var Activities = hallbar.MustOptions(
	hallbar.Opt("hold", "0"),
	hallbar.Opt("to_set", "1"),
	hallbar.Opt("to_zero", "2"),
	hallbar.Opt("clamp", "4"),
)

// RemoteModes maps the C command codes.
var RemoteModes = hallbar.MustOptions(
	hallbar.Opt("local_locked", "0"),
	hallbar.Opt("remote_locked", "1"),
	hallbar.Opt("local_unlocked", "2"),
	hallbar.Opt("remote_unlocked", "3"),
)

// Magnet is an IPS120. Its ramped level is the field in tesla: SetLevel
// writes the setpoint and starts a sweep to it, Level reads the present field.
type Magnet struct {
	*hallbar.Instrument
}

// New declares the IPS120 parameters on an instrument named "ips120". The
// IPS120 has no error queue, so Errors always returns nil.
func New(bus hallbar.Bus, opts ...hallbar.InstrumentOption) (*Magnet, error) {
	opts = append([]hallbar.InstrumentOption{hallbar.WithErrorQuery("")}, opts...)
	in := hallbar.New("ips120", bus, opts...)
	decls := []struct {
		name   string
		kind   hallbar.Kind
		access hallbar.Access
		opts   []hallbar.ParamOption
	}{
		{Field, hallbar.Float, hallbar.GetOnly, []hallbar.ParamOption{
			hallbar.WithQuery("R7"), hallbar.WithEcho("R"), hallbar.WithUnit("T")}},
		{FieldSetpoint, hallbar.Float, hallbar.GetSet, []hallbar.ParamOption{
			hallbar.WithQuery("R8"), hallbar.WithEcho("R"), hallbar.WithCommand("$J%s"),
			hallbar.WithBounds(-12, 12), hallbar.WithPrecision(4), hallbar.WithUnit("T")}},
		{SweepRate, hallbar.Float, hallbar.GetSet, []hallbar.ParamOption{
			hallbar.WithQuery("R9"), hallbar.WithEcho("R"), hallbar.WithCommand("$T%s"),
			hallbar.WithBounds(0, 2), hallbar.WithPrecision(4), hallbar.WithUnit("T/min")}},
		{Activity, hallbar.Option, hallbar.SetOnly, []hallbar.ParamOption{
			hallbar.WithCommand("$A%s"), hallbar.WithOptions(Activities)}},
		{Remote, hallbar.Option, hallbar.SetOnly, []hallbar.ParamOption{
			hallbar.WithCommand("$C%s"), hallbar.WithOptions(RemoteModes)}},
		{Heater, hallbar.Option, hallbar.SetOnly, []hallbar.ParamOption{
			hallbar.WithCommand("$H%s"), hallbar.WithOptions(hallbar.OnOff)}},
	}
	for _, d := range decls {
		if err := in.Declare(d.name, d.kind, d.access, d.opts...); err != nil {
			return nil, err
		}
	}
	return &Magnet{Instrument: in}, nil
}

// Level implements hallbar.Rampable.
func (m *Magnet) Level(ch int) (float64, error) {
	if ch != 0 {
		return 0, fmt.Errorf("%w: %s has no channel %d", hallbar.ErrUnsupportedChannel, m.Name(), ch)
	}
	return m.GetFloat(Field)
}

// SetLevel implements hallbar.Rampable.
func (m *Magnet) SetLevel(ch int, v float64) error {
	if ch != 0 {
		return fmt.Errorf("%w: %s has no channel %d", hallbar.ErrUnsupportedChannel, m.Name(), ch)
	}
	if err := m.SetFloat(FieldSetpoint, v); err != nil {
		return err
	}
	return m.SetOption(Activity, "to_set")
}

// Status is the decoded reply to the X command.
type Status struct {
	System   string
	Activity string
	Remote   string
	Heater   string
	Mode     string
}

// Status reads the examine-status string, e.g. "X00A1C3H1M00P03".
func (m *Magnet) Status() (Status, error) {
	raw, err := m.Bus().Query("X")
	if err != nil {
		return Status{}, fmt.Errorf("%w: %q: %w", hallbar.ErrCommunication, "X", err)
	}
	return parseStatus(strings.TrimSpace(raw))
}

func parseStatus(s string) (Status, error) {
	var st Status
	if len(s) < 15 || s[0] != 'X' || s[3] != 'A' || s[5] != 'C' || s[7] != 'H' || s[9] != 'M' {
		return st, fmt.Errorf("%w: status %q", hallbar.ErrProtocolMismatch, s)
	}
	var ok bool
	st.System = s[1:3]
	if st.Activity, ok = Activities.Symbol(s[4:5]); !ok {
		return st, fmt.Errorf("%w: activity %q", hallbar.ErrProtocolMismatch, s[4:5])
	}
	if st.Remote, ok = RemoteModes.Symbol(s[6:7]); !ok {
		return st, fmt.Errorf("%w: remote mode %q", hallbar.ErrProtocolMismatch, s[6:7])
	}
	switch s[8] {
	case '0', '2':
		st.Heater = "off"
	case '1':
		st.Heater = "on"
	default:
		st.Heater = "fault"
	}
	st.Mode = s[10:12]
	return st, nil
}
