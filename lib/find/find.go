// Package find locates the USB serial adapter a Prologix-compatible GPIB
// controller is attached to.
package find

import (
	"fmt"
	"strings"

	"go.bug.st/serial/enumerator"
)

type FilterFn func(*Usbtty) bool

// PrologixFilter matches the FTDI bridge of the Prologix GPIB-USB controller.
func PrologixFilter(ut *Usbtty) bool {
	return strings.EqualFold(ut.IDv, "0403") && strings.EqualFold(ut.IDp, "6001")
}

// ArduinoFilter matches Arduino boards, which host the AR488 firmware.
func ArduinoFilter(ut *Usbtty) bool {
	return strings.EqualFold(ut.IDv, "2341") || strings.Contains(ut.Prod, "Arduino")
}

func PiPicoFilter(ut *Usbtty) bool {
	return strings.EqualFold(ut.IDv, "2e8a")
}

func SerialFilter(s string) func(ut *Usbtty) bool {
	return func(ut *Usbtty) bool { return ut.Serial == s }
}

// lister is replaced in tests.
var lister = enumerator.GetDetailedPortsList

// Find searches for a usb serial device. If filter is not nil,
// it is used to narrow choices down. The first device for which
// it returns true (if any) is chosen.
func Find(filter FilterFn) (string, error) {
	ttys, err := AllUsbTtys()
	if err != nil {
		return "", err
	}
	if filter != nil {
		var matched Usbttys
		for i := range ttys {
			if filter(&ttys[i]) {
				matched = Usbttys{ttys[i]}
				break
			}
		}
		ttys = matched
	}

	if len(ttys) == 0 {
		return "", fmt.Errorf("no matching ttys found")
	}
	if len(ttys) == 1 {
		return ttys[0].Dev, nil
	}
	return "", fmt.Errorf("multiple ttys:\n%s", ttys)
}

type Usbtty struct {
	Dev      string
	IDp, IDv string
	Prod     string
	Serial   string
}

func (u Usbtty) String() string {
	return fmt.Sprintf("dev %s pid/vid %s/%s prod %s serial %s", u.Dev, u.IDp, u.IDv, u.Prod, u.Serial)
}

type Usbttys []Usbtty

func (uts Usbttys) String() string {
	s := make([]string, 0, len(uts))
	for _, ut := range uts {
		s = append(s, ut.String())
	}
	return strings.Join(s, "\n")
}

// AllUsbTtys lists the serial ports backed by a USB device.
func AllUsbTtys() (Usbttys, error) {
	ports, err := lister()
	if err != nil {
		return nil, fmt.Errorf("enumerate serial ports: %w", err)
	}
	var devs Usbttys
	for _, p := range ports {
		if !p.IsUSB {
			continue
		}
		devs = append(devs, Usbtty{
			Dev:    p.Name,
			IDp:    p.PID,
			IDv:    p.VID,
			Prod:   p.Product,
			Serial: p.SerialNumber,
		})
	}
	return devs, nil
}
