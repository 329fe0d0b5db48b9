package gpio

import (
	"errors"
	"testing"
)

func TestFakeWriterRecords(t *testing.T) {
	f := NewFakeWriter()

	if err := f.Set("D1", true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := f.Set("D1", false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(f.Writes) != 2 {
		t.Fatalf("expected 2 writes, got %d", len(f.Writes))
	}
	if on, written := f.State("D1"); on || !written {
		t.Errorf("state: got on=%v written=%v, want off and written", on, written)
	}
	if _, written := f.State("D2"); written {
		t.Error("D2 was never written")
	}
}

func TestFakeWriterRestrictsPins(t *testing.T) {
	f := NewFakeWriter()
	f.Pins = map[string]int{"D0": 17}
	if err := f.Set("D5", true); err == nil {
		t.Error("expected error for unconfigured pin")
	}
}

func TestFakeWriterError(t *testing.T) {
	f := NewFakeWriter()
	f.SetError = errors.New("bus fault")
	if err := f.Set("D0", true); err == nil {
		t.Error("expected error")
	}
	if len(f.Writes) != 0 {
		t.Errorf("failed write recorded: %v", f.Writes)
	}
}

func TestFakeWriterClose(t *testing.T) {
	f := NewFakeWriter()
	if f.Closed {
		t.Error("should not be closed initially")
	}
	if err := f.Close(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if !f.Closed {
		t.Error("should be closed after Close()")
	}
}

func TestParsePins(t *testing.T) {
	got, err := ParsePins(nil)
	if err != nil || len(got) != len(DefaultPins) {
		t.Errorf("empty table: got %v, %v; want defaults", got, err)
	}
	if _, err := ParsePins(map[string]int{"D0": 4, "D1": 4}); err == nil {
		t.Error("expected error for shared line")
	}
	if _, err := ParsePins(map[string]int{"D0": -1}); err == nil {
		t.Error("expected error for negative offset")
	}
	if _, err := ParsePins(map[string]int{"D0": 5, "D1": 6}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
