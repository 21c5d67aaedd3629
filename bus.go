// Copyright (c) 2020–2024 The hallbar developers. All rights reserved.
// Project site: https://github.com/gotmc/hallbar
// Use of this source code is governed by a MIT-style license that
// can be found in the LICENSE.txt file for the project.

package hallbar

// Bus is a request/response SCPI session to a single instrument. A
// prologix.Controller satisfies it, as does scpisim.Instrument.
//
// A Bus is not safe for concurrent use; each Instrument owns its own.
type Bus interface {
	// Command formats and sends a command that produces no response.
	Command(format string, a ...any) error
	// Query sends cmd and returns the instrument's response.
	Query(cmd string) (string, error)
}
