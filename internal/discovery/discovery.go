// Package discovery picks the serial port most likely to be the attached
// display out of whatever the OS currently enumerates.
package discovery

import (
	"runtime"
	"strings"

	"codeberg.org/mutker/statlink/internal/errors"
	"codeberg.org/mutker/statlink/internal/logger"
	"go.bug.st/serial/enumerator"
)

// PortInfo describes one enumerated serial device.
type PortInfo struct {
	Name        string
	Description string
	VendorID    string
	ProductID   string
	IsUSB       bool
}

// Candidate is a discovery result. Matched is false when the port was only
// found by the conventional-name fallback.
type Candidate struct {
	Name        string
	Description string
	Matched     bool
}

// Lister enumerates the system's serial devices.
type Lister func() ([]PortInfo, error)

// USB-to-serial bridge vendors commonly found on ESP32-class boards.
var bridgeVendorIDs = []string{
	"1A86", // WCH CH340/CH9102
	"10C4", // Silicon Labs CP210x
	"0403", // FTDI
	"303A", // Espressif native USB
}

var descriptionKeywords = []string{
	"CH340", "CH910", "CP210", "FTDI", "USB-SERIAL", "USB SERIAL", "UART", "ESP32",
}

type Finder struct {
	list      Lister
	vendorID  string
	productID string
}

// NewFinder builds a Finder backed by the OS port enumerator. vendorID and
// productID are optional hex hints checked before the built-in allow-list.
func NewFinder(vendorID, productID string) *Finder {
	return NewFinderWithLister(vendorID, productID, systemPorts)
}

// NewFinderWithLister injects the enumeration source.
func NewFinderWithLister(vendorID, productID string, list Lister) *Finder {
	return &Finder{
		list:      list,
		vendorID:  vendorID,
		productID: productID,
	}
}

// Find returns the best candidate port, or false when nothing plausible is
// currently attached. It never blocks on the device and treats enumeration
// failure the same as an empty port list.
func (f *Finder) Find() (Candidate, bool) {
	ports, err := f.list()
	if err != nil {
		logger.Warn().Err(err).Msg("serial port enumeration failed")
		ports = nil
	}

	if c, ok := f.matchHint(ports); ok {
		return c, true
	}
	if c, ok := matchAllowList(ports); ok {
		return c, true
	}
	if c, ok := matchKeywords(ports); ok {
		return c, true
	}

	return matchConventional(ports)
}

func (f *Finder) matchHint(ports []PortInfo) (Candidate, bool) {
	if f.vendorID == "" {
		return Candidate{}, false
	}

	for _, p := range ports {
		if !strings.EqualFold(p.VendorID, f.vendorID) && !containsFold(p.Description, f.vendorID) {
			continue
		}
		if f.productID != "" && p.ProductID != "" && !strings.EqualFold(p.ProductID, f.productID) {
			continue
		}
		return candidateFor(p), true
	}

	return Candidate{}, false
}

func matchAllowList(ports []PortInfo) (Candidate, bool) {
	for _, p := range ports {
		for _, vid := range bridgeVendorIDs {
			if strings.EqualFold(p.VendorID, vid) {
				return candidateFor(p), true
			}
		}
	}

	return Candidate{}, false
}

func matchKeywords(ports []PortInfo) (Candidate, bool) {
	for _, p := range ports {
		for _, kw := range descriptionKeywords {
			if containsFold(p.Description, kw) {
				return candidateFor(p), true
			}
		}
	}

	return Candidate{}, false
}

// matchConventional checks whether any conventional port name exists among
// the enumerated devices. Existence only; the port is never opened here.
func matchConventional(ports []PortInfo) (Candidate, bool) {
	for _, name := range conventionalPortNames() {
		for _, p := range ports {
			if p.Name == name {
				return Candidate{Name: p.Name, Description: p.Description}, true
			}
		}
	}

	return Candidate{}, false
}

func candidateFor(p PortInfo) Candidate {
	return Candidate{
		Name:        p.Name,
		Description: p.Description,
		Matched:     true,
	}
}

func conventionalPortNames() []string {
	switch runtime.GOOS {
	case "windows":
		return []string{"COM3", "COM4", "COM5", "COM6"}
	case "darwin":
		return []string{"/dev/tty.usbserial-0001", "/dev/tty.usbmodem01"}
	default:
		return []string{"/dev/ttyUSB0", "/dev/ttyUSB1", "/dev/ttyACM0", "/dev/ttyACM1"}
	}
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToUpper(s), strings.ToUpper(substr))
}

func systemPorts() ([]PortInfo, error) {
	errFactory := errors.New()

	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, errFactory.Wrap(ErrEnumerationFailed, err)
	}

	ports := make([]PortInfo, 0, len(details))
	for _, d := range details {
		ports = append(ports, PortInfo{
			Name:        d.Name,
			Description: d.Product,
			VendorID:    d.VID,
			ProductID:   d.PID,
			IsUSB:       d.IsUSB,
		})
	}

	return ports, nil
}
