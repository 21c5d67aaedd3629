// Copyright (c) 2020–2024 The hallbar developers. All rights reserved.
// Project site: https://github.com/gotmc/hallbar
// Use of this source code is governed by a MIT-style license that
// can be found in the LICENSE.txt file for the project.

package prologix

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/gotmc/query"
)

// controllerQuerier routes queries to the Prologix itself rather than to the
// instrument, so the gotmc/query helpers can parse controller responses.
type controllerQuerier struct{ c *Controller }

func (q controllerQuerier) Query(cmd string) (string, error) {
	s, err := q.c.QueryController(cmd)
	return strings.TrimSpace(s), err
}

// MustQuery queries the instrument and panics on error. It is meant for
// interactive exploration in example programs.
func (c *Controller) MustQuery(cmd string) string {
	s, err := c.Query(cmd)
	if err != nil {
		panic(fmt.Sprintf("query %q: %s", cmd, err))
	}
	return s
}

// ClearDevice sends the Selected Device Clear (SDC) message to the currently
// specified GPIB address.
func (c *Controller) ClearDevice() error {
	return c.CommandController("clr")
}

// FrontPanel returns the instrument at the current address to local control
// when local is true, enabling its front panel.
func (c *Controller) FrontPanel(local bool) error {
	if local {
		return c.CommandController("loc")
	}
	return c.CommandController("llo")
}

// Version returns the version string of the Prologix controller.
func (c *Controller) Version() (string, error) {
	return query.String(controllerQuerier{c}, "ver")
}

// InstrumentAddress returns the primary and, if set, secondary GPIB address
// the controller is talking to.
func (c *Controller) InstrumentAddress() (primary, secondary int, err error) {
	s, err := controllerQuerier{c}.Query("addr")
	if err != nil {
		return 0, 0, err
	}
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return 0, 0, fmt.Errorf("empty address response")
	}
	primary, err = strconv.Atoi(fields[0])
	if err != nil {
		return 0, 0, fmt.Errorf("parse primary address %q: %w", fields[0], err)
	}
	if len(fields) > 1 {
		secondary, err = strconv.Atoi(fields[1])
		if err != nil {
			return 0, 0, fmt.Errorf("parse secondary address %q: %w", fields[1], err)
		}
	}
	return primary, secondary, nil
}

// ReadAfterWrite reports whether the controller automatically addresses the
// instrument to talk after each command.
func (c *Controller) ReadAfterWrite() (bool, error) {
	auto, err := query.Int(controllerQuerier{c}, "auto")
	return auto == 1, err
}

// SetReadAfterWrite enables or disables read-after-write.
func (c *Controller) SetReadAfterWrite(enable bool) error {
	cmd := "auto 0"
	if enable {
		cmd = "auto 1"
	}
	if err := c.CommandController(cmd); err != nil {
		return err
	}
	c.auto = enable
	return nil
}

// ReadTimeout returns the controller read timeout in milliseconds.
func (c *Controller) ReadTimeout() (int, error) {
	return query.Int(controllerQuerier{c}, "read_tmo_ms")
}

// ServiceRequest reports whether the SRQ line is asserted.
func (c *Controller) ServiceRequest() (bool, error) {
	srq, err := query.Int(controllerQuerier{c}, "srq")
	return srq == 1, err
}

// GPIBTermination returns the terminator appended to instrument commands.
func (c *Controller) GPIBTermination() (GpibTerm, error) {
	term, err := query.Int(controllerQuerier{c}, "eos")
	return GpibTerm(term), err
}

// SetGPIBTermination sets the terminator appended to instrument commands.
func (c *Controller) SetGPIBTermination(term GpibTerm) error {
	return c.CommandController(fmt.Sprintf("eos %d", term))
}
