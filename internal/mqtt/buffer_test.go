package mqtt

import (
	"testing"
)

func events(n, from int) []bufferedMsg {
	out := make([]bufferedMsg, n)
	for i := range out {
		out[i] = bufferedMsg{topic: "relay/ABC/events", payload: []byte{byte(from + i)}}
	}
	return out
}

func TestRingBufferDrainOrder(t *testing.T) {
	tests := []struct {
		name     string
		capacity int
		pushed   int
		first    byte // payload of the oldest surviving event
		want     int
	}{
		{"empty", 4, 0, 0, 0},
		{"partial", 10, 5, 0, 5},
		{"exactly full", 10, 10, 0, 10},
		{"overflow drops oldest", 5, 8, 3, 5},
		{"zero capacity holds one", 0, 3, 2, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rb := newRingBuffer(tt.capacity)
			for _, m := range events(tt.pushed, 0) {
				rb.push(m)
			}
			if rb.len() != tt.want {
				t.Errorf("len: got %d, want %d", rb.len(), tt.want)
			}
			got := rb.drainAll()
			if len(got) != tt.want {
				t.Fatalf("drained %d, want %d", len(got), tt.want)
			}
			if tt.want == 0 && got != nil {
				t.Errorf("empty drain: got %v, want nil", got)
			}
			for i, m := range got {
				if want := tt.first + byte(i); m.payload[0] != want {
					t.Errorf("item %d: got %d, want %d", i, m.payload[0], want)
				}
			}
			if rb.len() != 0 || rb.drainAll() != nil {
				t.Error("buffer not empty after drain")
			}
		})
	}
}

func TestRingBufferReusableAfterDrain(t *testing.T) {
	rb := newRingBuffer(5)
	for _, m := range events(3, 0) {
		rb.push(m)
	}
	rb.drainAll()

	// the second batch wraps past the end of the backing slice
	for _, m := range events(4, 10) {
		rb.push(m)
	}
	got := rb.drainAll()
	if len(got) != 4 {
		t.Fatalf("second batch: got %d items, want 4", len(got))
	}
	for i, m := range got {
		if want := byte(10 + i); m.payload[0] != want {
			t.Errorf("item %d: got %d, want %d", i, m.payload[0], want)
		}
	}
}

func TestRingBufferPreservesFields(t *testing.T) {
	rb := newRingBuffer(10)
	rb.push(bufferedMsg{
		topic:    "relay/ABC/D1/schedules",
		payload:  []byte(`{"test":true}`),
		qos:      1,
		retained: true,
	})

	got := rb.drainAll()
	if len(got) != 1 {
		t.Fatalf("expected 1 item, got %d", len(got))
	}
	if got[0].topic != "relay/ABC/D1/schedules" {
		t.Errorf("topic: got %s, want relay/ABC/D1/schedules", got[0].topic)
	}
	if string(got[0].payload) != `{"test":true}` {
		t.Errorf("payload: got %s", got[0].payload)
	}
	if got[0].qos != 1 {
		t.Errorf("qos: got %d, want 1", got[0].qos)
	}
	if !got[0].retained {
		t.Error("retained: got false, want true")
	}
}

func TestRingBufferCoalescesRetained(t *testing.T) {
	rb := newRingBuffer(10)
	rb.push(bufferedMsg{topic: "relay/A/D1/schedules", payload: []byte("v1"), retained: true})
	rb.push(bufferedMsg{topic: "relay/A/events", payload: []byte("e1")})
	rb.push(bufferedMsg{topic: "relay/A/D1/schedules", payload: []byte("v2"), retained: true})
	rb.push(bufferedMsg{topic: "relay/A/D2/schedules", payload: []byte("w1"), retained: true})

	got := rb.drainAll()
	if len(got) != 3 {
		t.Fatalf("expected 3 items, got %d", len(got))
	}
	if string(got[0].payload) != "v2" {
		t.Errorf("item 0: got %s, want newest retained v2 in original slot", got[0].payload)
	}
	if string(got[1].payload) != "e1" || string(got[2].payload) != "w1" {
		t.Errorf("order: got %s, %s", got[1].payload, got[2].payload)
	}
}

func TestRingBufferDoesNotCoalesceEvents(t *testing.T) {
	rb := newRingBuffer(10)
	rb.push(bufferedMsg{topic: "relay/A/events", payload: []byte("1")})
	rb.push(bufferedMsg{topic: "relay/A/events", payload: []byte("2")})
	if rb.len() != 2 {
		t.Errorf("expected 2 buffered events, got %d", rb.len())
	}
}

func TestRingBufferCoalesceAfterWrap(t *testing.T) {
	rb := newRingBuffer(3)
	for i := 0; i < 4; i++ {
		rb.push(bufferedMsg{topic: "e", payload: []byte{byte(i)}})
	}
	rb.push(bufferedMsg{topic: "s", payload: []byte("a"), retained: true})
	rb.push(bufferedMsg{topic: "s", payload: []byte("b"), retained: true})

	got := rb.drainAll()
	if len(got) != 3 {
		t.Fatalf("expected 3 items, got %d", len(got))
	}
	if got[0].payload[0] != 2 || got[1].payload[0] != 3 || string(got[2].payload) != "b" {
		t.Errorf("unexpected contents: %v", got)
	}
}
