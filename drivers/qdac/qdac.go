// Copyright (c) 2020–2024 The hallbar developers. All rights reserved.
// Project site: https://github.com/gotmc/hallbar
// Use of this source code is governed by a MIT-style license that
// can be found in the LICENSE.txt file for the project.

// Package qdac drives a QDevil QDAC 24-channel voltage source, typically used
// for gate electrodes.
package qdac

import (
	"fmt"

	"github.com/gotmc/hallbar"
)

// NumChannels is the number of DAC outputs.
const NumChannels = 24

// Per-channel parameter suffixes. The full name of channel 3's voltage is
// hallbar.ChannelParam(Voltage, 3), i.e. "ch3_v".
const (
	Voltage      = "v"
	Current      = "i"
	VoltageRange = "vrange"
)

// VoltageRanges maps the output ranges to their wire codes.
var VoltageRanges = hallbar.MustOptions(
	hallbar.Opt("10V", "0"),
	hallbar.Opt("1V", "1"),
)

// DAC is a QDAC. Channels are numbered 1 to NumChannels.
type DAC struct {
	*hallbar.Instrument
}

// New declares the per-channel parameters on an instrument named "qdac".
func New(bus hallbar.Bus, opts ...hallbar.InstrumentOption) (*DAC, error) {
	in := hallbar.New("qdac", bus, opts...)
	if err := in.DeclareChannels(Voltage, 1, NumChannels, hallbar.Float, hallbar.GetSet,
		hallbar.WithQuery("get %d"), hallbar.WithCommand("set %d %s"),
		hallbar.WithBounds(-10, 10), hallbar.WithUnit("V")); err != nil {
		return nil, err
	}
	if err := in.DeclareChannels(Current, 1, NumChannels, hallbar.Float, hallbar.GetOnly,
		hallbar.WithQuery("iget %d"), hallbar.WithUnit("A")); err != nil {
		return nil, err
	}
	if err := in.DeclareChannels(VoltageRange, 1, NumChannels, hallbar.Option, hallbar.GetSet,
		hallbar.WithQuery("vol %d"), hallbar.WithCommand("vol %d %s"),
		hallbar.WithOptions(VoltageRanges)); err != nil {
		return nil, err
	}
	return &DAC{Instrument: in}, nil
}

// Channels implements hallbar.MultiChannel.
func (d *DAC) Channels() int { return NumChannels }

func (d *DAC) check(ch int) error {
	if ch < 1 || ch > NumChannels {
		return fmt.Errorf("%w: %s channel %d outside 1-%d", hallbar.ErrUnsupportedChannel, d.Name(), ch, NumChannels)
	}
	return nil
}

// Level implements hallbar.Rampable.
func (d *DAC) Level(ch int) (float64, error) {
	if err := d.check(ch); err != nil {
		return 0, err
	}
	return d.GetFloat(hallbar.ChannelParam(Voltage, ch))
}

// SetLevel implements hallbar.Rampable.
func (d *DAC) SetLevel(ch int, v float64) error {
	if err := d.check(ch); err != nil {
		return err
	}
	return d.SetFloat(hallbar.ChannelParam(Voltage, ch), v)
}

// Leakage returns the current flowing out of channel ch.
func (d *DAC) Leakage(ch int) (float64, error) {
	if err := d.check(ch); err != nil {
		return 0, err
	}
	return d.GetFloat(hallbar.ChannelParam(Current, ch))
}
