// Copyright (c) 2020–2024 The hallbar developers. All rights reserved.
// Project site: https://github.com/gotmc/hallbar
// Use of this source code is governed by a MIT-style license that
// can be found in the LICENSE.txt file for the project.

package prologix

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Controller models a GPIB controller-in-charge. It implements hallbar.Bus
// for the instrument at its configured address.
type Controller struct {
	rw               io.ReadWriter
	rd               *bufio.Reader
	primaryAddr      int
	hasSecondaryAddr bool
	secondaryAddr    int
	auto             bool
	usbTerm          byte
	eotChar          byte
	readTimeoutMS    int
	writeDelay       time.Duration
	lastWrite        time.Time
	debug            bool // if true, log controller commands before sending. Set via WithDebug().
	ar488            bool // compatibility with Arduino AR488 - see WithAR488 documentation for details.
	log              zerolog.Logger
}

// ControllerOption applies an option to the controller.
type ControllerOption func(*Controller)

// NewController creates a GPIB controller-in-charge at the given address using
// the given Prologix connection, which can either be a Virtual COM Port (VCP),
// USB direct, or Ethernet. Enable clear to send the Selected Device Clear
// (SDC) message to the GPIB address. Optionally controller configuration can
// be included using a ControllerOption.
func NewController(
	rw io.ReadWriter,
	addr int,
	clear bool,
	opts ...ControllerOption,
) (*Controller, error) {
	c := Controller{
		rw:            rw,
		rd:            bufio.NewReader(rw),
		primaryAddr:   addr,
		auto:          false,
		usbTerm:       '\n',
		eotChar:       '\n',
		readTimeoutMS: 500,
		log:           zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(&c)
	}

	if !isPrimaryAddressValid(c.primaryAddr) {
		return nil, fmt.Errorf("invalid primary address %d (must be 0-30)", c.primaryAddr)
	}

	addrCmd := fmt.Sprintf("addr %d", c.primaryAddr)
	if c.hasSecondaryAddr {
		if !isSecondaryAddressValid(c.secondaryAddr) {
			return nil, fmt.Errorf("invalid secondary address %d (must be 96-126)", c.secondaryAddr)
		}
		addrCmd = fmt.Sprintf("addr %d %d", c.primaryAddr, c.secondaryAddr)
	}
	cmds := []string{}
	if !c.ar488 {
		cmds = append(cmds,
			"verbose 0", // turn off verbosity if on
			"savecfg 0", // Disable saving of configuration parameters in EPROM
		)
	}
	cmds = append(cmds,
		addrCmd,  // Set the primary address.
		"mode 1", // Switch to controller mode.
		"auto 0", // Turn off read-after-write and address instrument to listen.
		"eoi 1",  // Enable EOI assertion with last character.
		"eos 0",  // Set GPIB termination.
		fmt.Sprintf("read_tmo_ms %d", c.readTimeoutMS),
		fmt.Sprintf("eot_char %d", c.eotChar),
		"eot_enable 1", // Append character when EOI detected.
	)
	if !c.ar488 {
		cmds = append(cmds, "savecfg 1")
	}
	if clear {
		cmds = append(cmds, "clr")
	}
	for _, cmd := range cmds {
		if err := c.CommandController(cmd); err != nil {
			return nil, err
		}
	}

	return &c, nil
}

// WithSecondaryAddress sets a secondary address, which must be in the range of
// 96 and 126, inclusive.
func WithSecondaryAddress(addr int) ControllerOption {
	return func(c *Controller) {
		c.hasSecondaryAddr = true
		c.secondaryAddr = addr
	}
}

// WithDebug causes commands and responses to be logged at debug level.
func WithDebug() ControllerOption { return func(c *Controller) { c.debug = true } }

// WithAR488 slightly alters the init commands, for compatibility with the
// Arduino-based AR488. Specifically, we do not emit 'verbose 0', nor do
// we toggle savecfg.
func WithAR488() ControllerOption { return func(c *Controller) { c.ar488 = true } }

// WithWriteDelay enforces a minimum delay between consecutive writes. Some
// adapters and older instruments drop commands sent back to back.
func WithWriteDelay(d time.Duration) ControllerOption {
	return func(c *Controller) { c.writeDelay = d }
}

// WithReadTimeout sets the controller's GPIB read timeout in milliseconds,
// 1-3000.
func WithReadTimeout(ms int) ControllerOption {
	return func(c *Controller) {
		if ms > 0 && ms <= 3000 {
			c.readTimeoutMS = ms
		}
	}
}

// WithLogger sets the logger used for debug output.
func WithLogger(l zerolog.Logger) ControllerOption {
	return func(c *Controller) { c.log = l }
}

func (c *Controller) write(s string) error {
	if c.writeDelay > 0 && !c.lastWrite.IsZero() {
		if wait := c.writeDelay - time.Since(c.lastWrite); wait > 0 {
			time.Sleep(wait)
		}
	}
	_, err := io.WriteString(c.rw, s)
	c.lastWrite = time.Now()
	return err
}

// Write writes the given data to the instrument at the currently assigned GPIB
// address.
func (c *Controller) Write(p []byte) (n int, err error) {
	return c.rw.Write(p)
}

// Read reads from the instrument at the currently assigned GPIB address into
// the given byte slice.
func (c *Controller) Read(p []byte) (n int, err error) {
	return c.rd.Read(p)
}

// WriteString writes a string to the instrument at the currently assigned GPIB
// address.
func (c *Controller) WriteString(s string) (n int, err error) {
	cmd := fmt.Sprintf("%s%c", strings.TrimSpace(s), c.usbTerm)
	if err := c.write(cmd); err != nil {
		return 0, err
	}
	return len(cmd), nil
}

// Command formats according to a format specifier if provided and sends a
// SCPI/ASCII command to the instrument at the currently assigned GPIB address.
// All leading and trailing whitespace is removed before appending the USB
// terminator to the command sent to the Prologix.
func (c *Controller) Command(format string, a ...any) error {
	cmd := format
	if a != nil {
		cmd = fmt.Sprintf(format, a...)
	}
	cmd = fmt.Sprintf("%s%c", escape(strings.TrimSpace(cmd)), c.usbTerm)
	if c.debug {
		c.log.Debug().Str("cmd", cmd).Msg("prologix command")
	}
	return c.write(cmd)
}

// Query queries the instrument at the currently assigned GPIB using the given
// SCPI/ASCII command. The cmd string does not need to include a new line
// character, since all leading and trailing whitespace is removed before
// appending the USB terminator to the command sent to the Prologix. The
// response is returned including its EOT character.
func (c *Controller) Query(cmd string) (string, error) {
	cmd = fmt.Sprintf("%s%c", escape(strings.TrimSpace(cmd)), c.usbTerm)
	if c.debug {
		c.log.Debug().Str("query", cmd).Msg("prologix query")
	}
	if err := c.write(cmd); err != nil {
		return "", fmt.Errorf("error writing command: %w", err)
	}
	// If read-after-write is disabled, need to tell the Prologix controller to
	// read.
	if !c.auto {
		readCmd := "++read eoi"
		if err := c.write(fmt.Sprintf("%s%c", readCmd, c.usbTerm)); err != nil {
			return "", fmt.Errorf("error sending `%s` command: %w", readCmd, err)
		}
	}
	s, err := c.rd.ReadString(c.eotChar)
	if c.debug {
		c.log.Debug().Str("response", s).Msg("prologix response")
	}
	if err == io.EOF && s != "" {
		return s, nil
	}
	return s, err
}

// QueryController sends the given command to the Prologix controller and
// returns its response as a string. To indicate this is a command for the
// Prologix controller, thereby not transmitting over GPIB, two plus signs `++`
// are prepended. Additionally, a new line is appended to act as the USB
// termination character.
func (c *Controller) QueryController(cmd string) (string, error) {
	if err := c.CommandController(cmd); err != nil {
		return "", err
	}
	s, err := c.rd.ReadString(c.eotChar)
	if c.debug {
		c.log.Debug().Str("response", s).Msg("prologix controller response")
	}
	return s, err
}

// CommandController sends the given command to the Prologix controller. To
// indicate this is a command for the Prologix controller, thereby not
// transmitting to the instrument over GPIB, two plus signs `++` are prepended.
// Additionally, a new line is appended to act as the USB termination character.
func (c *Controller) CommandController(cmd string) error {
	cmd = fmt.Sprintf("++%s%c", strings.ToLower(strings.TrimSpace(cmd)), c.usbTerm)
	if c.debug {
		c.log.Debug().Str("cmd", cmd).Msg("prologix controller command")
	}
	return c.write(cmd)
}

// escape prefixes the characters the Prologix would otherwise strip or
// interpret (CR, LF, ESC and '+') with ESC so they reach the instrument.
func escape(s string) string {
	if !strings.ContainsAny(s, "\r\n\x1b+") {
		return s
	}
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '\r', '\n', 0x1b, '+':
			b.WriteByte(0x1b)
		}
		b.WriteRune(r)
	}
	return b.String()
}

// GpibTerm provides the type for the available GPIB terminators.
type GpibTerm int

// Available GPIB terminators for the Prologix Controller.
const (
	AppendCRLF GpibTerm = iota
	AppendCR
	AppendLF
	AppendNothing
)

var gpibTermDesc = map[GpibTerm]string{
	AppendCRLF:    `Append CR+LF (\r\n) to instrument commands`,
	AppendCR:      `Append CR (\r) to instrument commands`,
	AppendLF:      `Append LF (\n) to instrument commands`,
	AppendNothing: `Do not append anything to instrument commands`,
}

func (term GpibTerm) String() string {
	return gpibTermDesc[term]
}

// isPrimaryAddressValid checks that the primary GPIB address is between 0 and
// 30, inclusive.
func isPrimaryAddressValid(addr int) bool {
	return addr >= 0 && addr <= 30
}

// isSecondaryAddressValid checks that the secondary GPIB address is between 96
// and 126, inclusive.
func isSecondaryAddressValid(addr int) bool {
	return addr >= 96 && addr <= 126
}
