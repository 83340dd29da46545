package ws

import (
	"encoding/json"
	"testing"
)

func TestEnvelopeRouting(t *testing.T) {
	raw, _ := json.Marshal(TermResize{Type: TypeTermResize, Cols: 132, Rows: 43})

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatal(err)
	}
	if env.Type != TypeTermResize {
		t.Fatalf("type = %q, want %q", env.Type, TypeTermResize)
	}

	var resize TermResize
	if err := json.Unmarshal(raw, &resize); err != nil {
		t.Fatal(err)
	}
	if resize.Cols != 132 || resize.Rows != 43 {
		t.Errorf("resize = %dx%d, want 132x43", resize.Cols, resize.Rows)
	}
}

func TestTermExitedWireShape(t *testing.T) {
	raw, _ := json.Marshal(TermExited{Type: TypeTermExited, ExitCode: 137})
	want := `{"type":"term.exited","exit_code":137}`
	if string(raw) != want {
		t.Errorf("frame = %s, want %s", raw, want)
	}
}
