package actuator

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.bug.st/serial/enumerator"
)

// AutoPort selects discovery instead of a fixed device.
const AutoPort = "auto"

// ErrNoPort is returned when discovery finds no candidate.
var ErrNoPort = errors.New("no matching serial port")

// DefaultHints match common USB serial bridges on Arduino-class boards.
var DefaultHints = []string{"usb", "ttyacm", "wch", "ch340"}

// PortInfo describes one enumerated port.
type PortInfo struct {
	Name    string `json:"name"`
	IsUSB   bool   `json:"is_usb"`
	VID     string `json:"vid,omitempty"`
	PID     string `json:"pid,omitempty"`
	Product string `json:"product,omitempty"`
}

// Lister enumerates ports.
type Lister func() ([]PortInfo, error)

// SystemPorts enumerates the host's serial ports.
func SystemPorts() ([]PortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("enumerate serial ports: %w", err)
	}
	out := make([]PortInfo, 0, len(details))
	for _, d := range details {
		out = append(out, PortInfo{
			Name:    d.Name,
			IsUSB:   d.IsUSB,
			VID:     d.VID,
			PID:     d.PID,
			Product: d.Product,
		})
	}
	return out, nil
}

// Matches reports whether p looks like a controller port for hints.
func (p PortInfo) Matches(hints []string) bool {
	hay := strings.ToLower(p.Name + " " + p.Product)
	for _, h := range hints {
		h = strings.ToLower(strings.TrimSpace(h))
		if h != "" && strings.Contains(hay, h) {
			return true
		}
	}
	return false
}

// Candidates returns matching ports, USB devices first, then by name.
func Candidates(list Lister, hints []string) ([]PortInfo, error) {
	if len(hints) == 0 {
		hints = DefaultHints
	}
	ports, err := list()
	if err != nil {
		return nil, err
	}
	var out []PortInfo
	for _, p := range ports {
		if p.Matches(hints) {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].IsUSB != out[j].IsUSB {
			return out[i].IsUSB
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

// Discover picks the first candidate port.
func Discover(list Lister, hints []string) (string, error) {
	c, err := Candidates(list, hints)
	if err != nil {
		return "", err
	}
	if len(c) == 0 {
		return "", ErrNoPort
	}
	return c[0].Name, nil
}
