// Package connutil opens the serial port of a Prologix-compatible adapter and
// sets up a GPIB controller on it, from flags or from configuration.
package connutil

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	"go.bug.st/serial"
	"go.uber.org/multierr"

	"github.com/gotmc/hallbar/lib/config"
	"github.com/gotmc/hallbar/lib/find"
	"github.com/gotmc/hallbar/prologix"
)

// ErrDiagnosed is returned by Setup after running the adapter diagnostics
// requested with Diag.
var ErrDiagnosed = errors.New("diagnostics run, no controller")

// DefaultReadTimeout is the serial read timeout used when Conn leaves it
// unset. A zero timeout makes every read return at once with no data.
const DefaultReadTimeout = 3 * time.Second

type Conn struct {
	SerialPort  string
	USBSerial   string
	Baud        int
	GpibPAD     int
	GpibSAD     int // 0 for none
	Delay       time.Duration
	ReadTimeout time.Duration
	AR488       bool
	Diag        bool
}

// Port is the part of serial.Port a controller needs.
type Port interface {
	io.ReadWriteCloser
	ResetInputBuffer() error
}

// openPort is replaced in tests.
var openPort = func(name string, baud int, timeout time.Duration) (Port, error) {
	p, err := serial.Open(name, &serial.Mode{BaudRate: baud})
	if err != nil {
		return nil, err
	}
	if err := p.SetReadTimeout(timeout); err != nil {
		return nil, multierr.Append(err, p.Close())
	}
	return p, nil
}

// FromConfig builds a Conn for inst on the configured bus.
func FromConfig(bus config.BusConfig, inst config.InstrumentConfig) *Conn {
	return &Conn{
		SerialPort:  bus.Port,
		USBSerial:   bus.Serial,
		Baud:        bus.Baud,
		GpibPAD:     inst.Address,
		GpibSAD:     inst.Secondary,
		Delay:       bus.WriteDelay.Duration,
		ReadTimeout: bus.ReadTimeout.Duration,
		AR488:       bus.AR488,
	}
}

// AddFlags registers flags overriding the fields of c. It is to be called
// before [flag.FlagSet.Parse].
func (c *Conn) AddFlags(fs *flag.FlagSet) {
	if c.Baud == 0 {
		c.Baud = 115200
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	fs.StringVar(&c.SerialPort, "port", c.SerialPort, "Serial port for Prologix VCP GPIB controller (empty to search by -usb-serial)")
	fs.StringVar(&c.USBSerial, "usb-serial", c.USBSerial, "USB serial number of the GPIB adapter")
	fs.IntVar(&c.Baud, "baud", c.Baud, "serial baud rate")
	fs.IntVar(&c.GpibPAD, "pad", c.GpibPAD, "GPIB primary address for the device")
	fs.IntVar(&c.GpibSAD, "sad", c.GpibSAD, "GPIB secondary address for the device (0 for none)")
	fs.DurationVar(&c.Delay, "write-delay", c.Delay, "minimum delay between writes")
	fs.BoolVar(&c.AR488, "ar488", c.AR488, "adapter runs the AR488 firmware")
	fs.BoolVar(&c.Diag, "diag", c.Diag, "run the adapter line diagnostics and exit")
}

// ResolvePort returns the serial port, searching USB devices when none was
// given.
func (c *Conn) ResolvePort() (string, error) {
	if c.SerialPort != "" {
		return c.SerialPort, nil
	}
	filter := find.PrologixFilter
	if c.USBSerial != "" {
		filter = find.SerialFilter(c.USBSerial)
	} else if c.AR488 {
		filter = find.ArduinoFilter
	}
	dev, err := find.Find(filter)
	if err != nil {
		return "", fmt.Errorf("locate GPIB adapter: %w", err)
	}
	return dev, nil
}

// Setup opens the serial port and initializes a controller addressing the
// configured instrument. cleanup returns the instrument to local control and
// closes the port.
func (c *Conn) Setup(log zerolog.Logger, opts ...prologix.ControllerOption) (gpib *prologix.Controller, cleanup func() error, err error) {
	name, err := c.ResolvePort()
	if err != nil {
		return nil, nil, err
	}
	log.Info().Str("port", name).Int("pad", c.GpibPAD).Int("sad", c.GpibSAD).Msg("opening GPIB adapter")

	if c.ReadTimeout <= 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	if c.Baud <= 0 {
		c.Baud = 115200
	}
	port, err := openPort(name, c.Baud, c.ReadTimeout)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", name, err)
	}

	opts = append(opts, prologix.WithLogger(log))
	if c.Delay > 0 {
		opts = append(opts, prologix.WithWriteDelay(c.Delay))
	}
	if c.GpibSAD != 0 {
		opts = append(opts, prologix.WithSecondaryAddress(c.GpibSAD))
	}
	if c.AR488 {
		opts = append(opts, prologix.WithAR488())
	}

	gpib, err = prologix.NewController(port, c.GpibPAD, false, opts...)
	if err != nil {
		return nil, nil, multierr.Append(err, port.Close())
	}

	cleanup = func() error {
		// Return local control to the front panel, then discard any unread
		// data before closing.
		err := gpib.FrontPanel(true)
		err = multierr.Append(err, port.ResetInputBuffer())
		return multierr.Append(err, port.Close())
	}

	if c.Diag {
		log.Info().Msg("diag starting")
		err := multierr.Combine(
			gpib.CommandController("xdiag 1 255"),
			pause(time.Millisecond),
			gpib.CommandController("xdiag 0 255"),
			pause(100*time.Millisecond),
			gpib.CommandController("xdiag 0 0"),
			gpib.CommandController("xdiag 1 0"),
		)
		return nil, nil, multierr.Combine(ErrDiagnosed, err, cleanup())
	}

	return gpib, cleanup, nil
}

func pause(d time.Duration) error {
	time.Sleep(d)
	return nil
}
