package common

import "testing"

func TestManualClock(t *testing.T) {
	c := NewManualClock(100)
	if c.Now() != 100 {
		t.Fatalf("Now() should be 100, not %d", c.Now())
	}
	c.Advance(25)
	if c.Now() != 125 {
		t.Fatalf("Now() should be 125, not %d", c.Now())
	}
	c.Set(7)
	if c.Now() != 7 {
		t.Fatalf("Now() should be 7, not %d", c.Now())
	}
}

func TestDecodeFromString(t *testing.T) {
	data := []byte{0xde, 0xad, 0xbe, 0xef}
	for _, s := range []string{EncodeToString(data), "0xdeadbeef", "DEADBEEF"} {
		res, err := DecodeFromString(s)
		if err != nil {
			t.Fatalf("decoding %s: %v", s, err)
		}
		if string(res) != string(data) {
			t.Fatalf("decoding %s: got %x", s, res)
		}
	}
}
