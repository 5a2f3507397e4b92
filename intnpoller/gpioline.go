package intnpoller

import (
	"github.com/warthog618/go-gpiocdev"
)

// GPIOLine adapts a Linux GPIO character-device line to the Line interface,
// for hosts where INT_N is wired to a dedicated GPIO pin rather than read
// back through the PHY's own interrupt-status register. No repo in the
// reference corpus demonstrates go-gpiocdev's request/read API in place, so
// this wraps it directly against its documented package surface
// (gpiocdev.RequestLine, gpiocdev.AsInput, (*gpiocdev.Line).Value).
type GPIOLine struct {
	line *gpiocdev.Line

	// ActiveLow inverts the reported value, for boards where INT_N idles
	// high and asserts low.
	ActiveLow bool
}

// OpenGPIOLine requests offset on chip (e.g. "gpiochip0") as an input and
// returns a GPIOLine reading it. The caller must Close it when done.
func OpenGPIOLine(chip string, offset int, activeLow bool) (*GPIOLine, error) {
	l, err := gpiocdev.RequestLine(chip, offset, gpiocdev.AsInput)
	if err != nil {
		return nil, err
	}
	return &GPIOLine{line: l, ActiveLow: activeLow}, nil
}

// Value implements Line.
func (g *GPIOLine) Value() (bool, error) {
	v, err := g.line.Value()
	if err != nil {
		return false, err
	}
	asserted := v != 0
	if g.ActiveLow {
		asserted = !asserted
	}
	return asserted, nil
}

// Close releases the underlying line request.
func (g *GPIOLine) Close() error {
	return g.line.Close()
}
