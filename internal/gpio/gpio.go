// Package gpio drives relay outputs with hardware abstraction.
// The real implementation uses Linux GPIO character device.
// The fake implementation allows testing without hardware.
package gpio

import (
	"fmt"
	"sort"
)

// Writer drives output lines by pin name.
type Writer interface {
	// Set drives pin on or off.
	Set(pin string, on bool) error

	// Close releases GPIO resources.
	Close() error
}

// DefaultPins maps output pin names to BCM line offsets.
var DefaultPins = map[string]int{
	"D0": 17,
	"D1": 18,
	"D2": 27,
	"D3": 22,
	"D4": 23,
	"D5": 24,
	"D6": 25,
	"D7": 4,
}

// ParsePins validates a pin name to line offset table.
func ParsePins(pins map[string]int) (map[string]int, error) {
	if len(pins) == 0 {
		return DefaultPins, nil
	}
	used := make(map[int]string, len(pins))
	names := make([]string, 0, len(pins))
	for name := range pins {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		offset := pins[name]
		if offset < 0 {
			return nil, fmt.Errorf("gpio: pin %s has negative offset %d", name, offset)
		}
		if other, dup := used[offset]; dup {
			return nil, fmt.Errorf("gpio: pins %s and %s share line %d", other, name, offset)
		}
		used[offset] = name
	}
	return pins, nil
}
