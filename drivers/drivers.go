// Copyright (c) 2020–2024 The hallbar developers. All rights reserved.
// Project site: https://github.com/gotmc/hallbar
// Use of this source code is governed by a MIT-style license that
// can be found in the LICENSE.txt file for the project.

// Package drivers opens a rampable source by driver name, for programs that
// choose their hardware from flags or configuration.
package drivers

import (
	"fmt"
	"strings"

	"github.com/gotmc/hallbar"
	"github.com/gotmc/hallbar/drivers/gs610"
	"github.com/gotmc/hallbar/drivers/ips120"
	"github.com/gotmc/hallbar/drivers/keithley2400"
	"github.com/gotmc/hallbar/drivers/qdac"
	"github.com/gotmc/hallbar/drivers/sr830"
	"github.com/gotmc/hallbar/lib/scpisim"
)

// Names lists the drivers Open knows.
var Names = []string{"keithley2400", "gs610", "qdac", "sr830", "ips120"}

// Open creates the named driver on bus.
func Open(name string, bus hallbar.Bus, opts ...hallbar.InstrumentOption) (hallbar.Rampable, error) {
	switch name {
	case "keithley2400":
		return open(keithley2400.New(bus, opts...))
	case "gs610":
		return open(gs610.New(bus, opts...))
	case "qdac":
		return open(qdac.New(bus, opts...))
	case "sr830":
		return open(sr830.New(bus, opts...))
	case "ips120":
		return open(ips120.New(bus, opts...))
	}
	return nil, fmt.Errorf("unknown driver %q (want one of %s)", name, strings.Join(Names, ", "))
}

func open[T hallbar.Rampable](src T, err error) (hallbar.Rampable, error) {
	if err != nil {
		return nil, err
	}
	return src, nil
}

// Simulator returns a simulated instrument answering the named driver's
// commands, with every source level at zero.
func Simulator(name string) (*scpisim.Instrument, error) {
	sim := scpisim.New()
	switch name {
	case "keithley2400":
		sim.Set(":SOUR:FUNC", "VOLT")
		sim.Set(":SOUR:VOLT:LEV", "0")
		sim.Set(":SOUR:CURR:LEV", "0")
		sim.Set(":OUTP", "0")
		sim.Set(":READ", "0,0,9.91E37,0,0")
	case "gs610":
		sim.Set(":SOUR:FUNC", "VOLT")
		sim.Set(":SOUR:VOLT:LEV", "0")
		sim.Set(":SOUR:CURR:LEV", "0")
		sim.Set(":OUTP", "0")
		sim.Set(":MEAS", "0")
	case "qdac":
		sim.HandleIndexed("set", "get", " ")
		sim.HandleIndexed("vol", "vol", " ")
		for ch := 1; ch <= qdac.NumChannels; ch++ {
			sim.SetIndexed("get", ch, "0")
			sim.SetIndexed("vol", ch, "0")
		}
		sim.Handle("iget", func(string) (string, error) { return "1E-12", nil })
	case "sr830":
		sim.HandleIndexed("AUXV", "AUXV?", ",")
		for ch := 1; ch <= sr830.NumAuxOutputs; ch++ {
			sim.SetIndexed("AUXV?", ch, "0")
		}
		sim.Handle("ERRS?", func(string) (string, error) { return "0", nil })
	case "ips120":
		sim.Set("R7", "R+0.0000")
		sim.Set("R8", "R+0.0000")
		sim.Set("R9", "R+0.1000")
	default:
		return nil, fmt.Errorf("unknown driver %q (want one of %s)", name, strings.Join(Names, ", "))
	}
	return sim, nil
}
