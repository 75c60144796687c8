package rpc

import "testing"

func TestGobCodecRoundTrip(t *testing.T) {
	var c gobCodec
	in := &chkDepsRequest{Files: []string{"a.o", "b.o"}}
	data, err := c.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	out := new(chkDepsRequest)
	if err := c.Unmarshal(data, out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(out.Files) != 2 || out.Files[0] != "a.o" || out.Files[1] != "b.o" {
		t.Fatalf("round-trip mismatch: got %v", out.Files)
	}
}

func TestGobCodecName(t *testing.T) {
	var c gobCodec
	if c.Name() != "gob" {
		t.Fatalf("expected codec name %q, got %q", "gob", c.Name())
	}
}
