package schedule

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sweeney/relay-scheduler/internal/timeofday"
)

func TestEncodeMirrorShape(t *testing.T) {
	set := Set{"Horario_1": {
		ID:              "Horario_1",
		On:              timeofday.Time{Hour: 7, Minute: 30},
		Off:             timeofday.Time{Hour: 18, Minute: 45},
		ExpiresAt:       time.Date(2024, 1, 2, 18, 46, 0, 0, time.UTC),
		NotificationIDs: [2]string{"secret-on", "secret-off"},
	}}

	data, err := EncodeMirror("D3", set)
	if err != nil {
		t.Fatalf("EncodeMirror: %v", err)
	}
	want := `{"D3":{"horarios":{"Horario_1":{"on":"7:30","off":"18:45","expiresAt":"2024-01-02T18:46:00.000Z"}}}}`
	if string(data) != want {
		t.Errorf("got %s\nwant %s", data, want)
	}
}

func TestEncodeMirrorEmptySet(t *testing.T) {
	data, err := EncodeMirror("D0", nil)
	if err != nil {
		t.Fatalf("EncodeMirror: %v", err)
	}
	if string(data) != `{"D0":{"horarios":{}}}` {
		t.Errorf("got %s", data)
	}
}

func TestDecodeMirror(t *testing.T) {
	payload := []byte(`{"D3":{"horarios":{
		"Horario_1":{"on":"7:30","off":"18:45","expiresAt":"2024-01-02T18:46:00.000Z"},
		"bad":{"on":"25:00","off":"1:00","expiresAt":"2024-01-02T18:46:00.000Z"}
	}}}`)

	got, err := DecodeMirror(payload)
	if err != nil {
		t.Fatalf("DecodeMirror: %v", err)
	}
	set := got["D3"]
	if len(set) != 1 {
		t.Fatalf("decoded: got %d schedules, want 1 (malformed entry skipped)", len(set))
	}
	sc := set["Horario_1"]
	if sc.On != (timeofday.Time{Hour: 7, Minute: 30}) || sc.Off != (timeofday.Time{Hour: 18, Minute: 45}) {
		t.Errorf("times: got %v-%v", sc.On, sc.Off)
	}
	if !sc.ExpiresAt.Equal(time.Date(2024, 1, 2, 18, 46, 0, 0, time.UTC)) {
		t.Errorf("expiresAt: got %v", sc.ExpiresAt)
	}
}

func TestDecodeMirrorInvalidJSON(t *testing.T) {
	if _, err := DecodeMirror([]byte("{")); err == nil {
		t.Fatal("expected error for truncated payload")
	}
}

type countingMirror struct {
	calls []string
	err   error
}

func (m *countingMirror) Push(_ context.Context, _ Credentials, pin string, _ Set) error {
	m.calls = append(m.calls, pin)
	return m.err
}

func TestMirrorsAttemptsAll(t *testing.T) {
	failing := &countingMirror{err: errors.New("cloud down")}
	ok := &countingMirror{}

	err := Mirrors{failing, ok}.Push(context.Background(), Credentials{}, "D1", Set{})
	if err == nil {
		t.Fatal("expected joined error")
	}
	if len(failing.calls) != 1 || len(ok.calls) != 1 {
		t.Errorf("calls: failing=%v ok=%v, want one each", failing.calls, ok.calls)
	}
}

func TestTransientKeepsExistingKind(t *testing.T) {
	err := Transient("load", ErrNotFound)
	if !errors.Is(err, ErrNotFound) || errors.Is(err, ErrTransientIO) {
		t.Errorf("got %v, want not-found kind only", err)
	}
	err = Transient("load", errors.New("eof"))
	if !errors.Is(err, ErrTransientIO) {
		t.Errorf("got %v, want transient", err)
	}
	if Transient("noop", nil) != nil {
		t.Error("nil error should stay nil")
	}
}
