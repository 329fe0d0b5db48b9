//go:build linux

package gpio

import (
	"errors"
	"fmt"
	"sort"

	"github.com/warthog618/go-gpiocdev"
)

// RealWriter drives relay lines through the Linux GPIO character device.
type RealWriter struct {
	chip  *gpiocdev.Chip
	lines map[string]*gpiocdev.Line
}

// NewRealWriter requests every pin in pins as an output driven low.
// With activeLow set, a logical on drives the line low, which suits most
// relay boards.
func NewRealWriter(chipName string, pins map[string]int, activeLow bool) (*RealWriter, error) {
	pins, err := ParsePins(pins)
	if err != nil {
		return nil, err
	}
	chip, err := gpiocdev.NewChip(chipName)
	if err != nil {
		return nil, fmt.Errorf("open gpio chip %s: %w", chipName, err)
	}

	w := &RealWriter{chip: chip, lines: make(map[string]*gpiocdev.Line, len(pins))}
	opts := []gpiocdev.LineReqOption{gpiocdev.AsOutput(0)}
	if activeLow {
		opts = append(opts, gpiocdev.AsActiveLow)
	}

	names := make([]string, 0, len(pins))
	for name := range pins {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		line, err := chip.RequestLine(pins[name], opts...)
		if err != nil {
			w.Close()
			return nil, fmt.Errorf("request pin %s (line %d): %w", name, pins[name], err)
		}
		w.lines[name] = line
	}
	return w, nil
}

// Set drives pin on or off.
func (w *RealWriter) Set(pin string, on bool) error {
	line, ok := w.lines[pin]
	if !ok {
		return fmt.Errorf("gpio: pin %s is not configured", pin)
	}
	v := 0
	if on {
		v = 1
	}
	if err := line.SetValue(v); err != nil {
		return fmt.Errorf("set pin %s: %w", pin, err)
	}
	return nil
}

// Close releases GPIO resources.
// Lines are reconfigured as inputs with pull-down (matching Pi boot defaults)
// before closing so relays fall back to their idle state.
func (w *RealWriter) Close() error {
	var errs []error
	for name, line := range w.lines {
		if err := line.Reconfigure(gpiocdev.AsInput, gpiocdev.WithPullDown); err != nil {
			errs = append(errs, fmt.Errorf("reconfigure pin %s: %w", name, err))
		}
		if err := line.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close pin %s: %w", name, err))
		}
	}
	w.lines = nil
	if w.chip != nil {
		if err := w.chip.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close chip: %w", err))
		}
		w.chip = nil
	}
	return errors.Join(errs...)
}
