// Copyright (c) 2020–2024 The hallbar developers. All rights reserved.
// Project site: https://github.com/gotmc/hallbar
// Use of this source code is governed by a MIT-style license that
// can be found in the LICENSE.txt file for the project.

package hallbar

import (
	"errors"
	"fmt"
)

// Sentinel errors. Every error returned by an Instrument or by Ramp matches
// exactly one of these with errors.Is.
var (
	// ErrCommunication is returned when the bus fails to write a command or
	// deliver a response.
	ErrCommunication = errors.New("communication error")

	// ErrUnknownParameter is returned for a name the instrument never declared.
	ErrUnknownParameter = errors.New("unknown parameter")

	// ErrDuplicateParameter is returned when a name is declared twice.
	ErrDuplicateParameter = errors.New("duplicate parameter")

	// ErrAccessViolation is returned for a get of a set-only parameter or a set
	// of a get-only parameter.
	ErrAccessViolation = errors.New("access violation")

	// ErrOutOfRange is returned when a numeric value lies outside the declared
	// bounds.
	ErrOutOfRange = errors.New("value out of range")

	// ErrUnknownOption is returned when a value is not a symbol of the
	// parameter's option table.
	ErrUnknownOption = errors.New("unknown option")

	// ErrProtocolMismatch is returned when the instrument answers with a value
	// the driver cannot interpret.
	ErrProtocolMismatch = errors.New("protocol mismatch")

	// ErrInvalidStep is returned for a ramp step that is zero, negative or not
	// finite.
	ErrInvalidStep = errors.New("invalid ramp step")

	// ErrUnsupportedChannel is returned when a channel is given to a
	// single-channel source, or a channel outside the source's range.
	ErrUnsupportedChannel = errors.New("unsupported channel")

	// ErrTypeMismatch is returned when a Go value does not match the
	// parameter's kind, e.g. a string given to a float parameter.
	ErrTypeMismatch = errors.New("type mismatch")

	// ErrInvalidDeclaration is returned when a parameter declaration is
	// inconsistent, e.g. bounds on a string parameter.
	ErrInvalidDeclaration = errors.New("invalid declaration")
)

// ParamError records the operation, instrument and parameter that failed.
type ParamError struct {
	Op         string // "declare", "get", "set" or "invoke"
	Instrument string
	Param      string
	Err        error
}

func (e *ParamError) Error() string {
	return fmt.Sprintf("%s %s.%s: %v", e.Op, e.Instrument, e.Param, e.Err)
}

func (e *ParamError) Unwrap() error { return e.Err }

// InstrumentError is a single entry of an instrument's SCPI error queue.
type InstrumentError struct {
	Instrument string
	Code       int
	Message    string
}

func (e *InstrumentError) Error() string {
	return fmt.Sprintf("%s: instrument error %d, %q", e.Instrument, e.Code, e.Message)
}

// RampError reports a ramp that stopped before reaching its target. Last is
// the level the source was left at: the last value successfully written, or
// the starting level when nothing was written.
type RampError struct {
	Target  float64
	Last    float64
	Written int
	Err     error
}

func (e *RampError) Error() string {
	return fmt.Sprintf("ramp to %g stopped at %g after %d writes: %v",
		e.Target, e.Last, e.Written, e.Err)
}

func (e *RampError) Unwrap() error { return e.Err }

// commError wraps a bus failure so it matches ErrCommunication while keeping
// the underlying cause reachable.
func commError(cmd string, err error) error {
	return fmt.Errorf("%w: %q: %w", ErrCommunication, cmd, err)
}
