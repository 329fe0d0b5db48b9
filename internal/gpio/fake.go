package gpio

import (
	"fmt"
	"sync"
)

// Write is one recorded Set call.
type Write struct {
	Pin string
	On  bool
}

// FakeWriter is a test double that records writes.
type FakeWriter struct {
	mu sync.Mutex

	// Writes contains every Set call in order.
	Writes []Write

	// Pins, if set, restricts Set to these pin names.
	Pins map[string]int

	// SetError, if set, will be returned by Set.
	SetError error

	// Closed tracks if Close was called.
	Closed bool

	states map[string]bool
}

// NewFakeWriter creates a FakeWriter accepting any pin.
func NewFakeWriter() *FakeWriter {
	return &FakeWriter{states: make(map[string]bool)}
}

// Set records the write.
func (f *FakeWriter) Set(pin string, on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SetError != nil {
		return f.SetError
	}
	if f.Pins != nil {
		if _, ok := f.Pins[pin]; !ok {
			return fmt.Errorf("gpio: pin %s is not configured", pin)
		}
	}
	f.Writes = append(f.Writes, Write{Pin: pin, On: on})
	f.states[pin] = on
	return nil
}

// State returns the last value written to pin.
func (f *FakeWriter) State(pin string) (on, written bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	on, written = f.states[pin]
	return on, written
}

// Close marks the writer as closed.
func (f *FakeWriter) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Closed = true
	return nil
}
