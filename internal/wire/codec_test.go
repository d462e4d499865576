package wire

import (
	"bytes"
	"testing"
)

func TestDecodeLogArguments(t *testing.T) {
	data, err := Marshal([]any{"x", 7, -3, map[string]any{"k": true}})
	if err != nil {
		t.Fatal(err)
	}
	var got []any
	if err := Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	if len(got) != 4 {
		t.Fatalf("got %d values", len(got))
	}
	if v, ok := got[1].(int64); !ok || v != 7 {
		t.Errorf("positive int decoded as %T %v, want int64 7", got[1], got[1])
	}
	if v, ok := got[2].(int64); !ok || v != -3 {
		t.Errorf("negative int decoded as %T %v", got[2], got[2])
	}
	m, ok := got[3].(map[string]any)
	if !ok || m["k"] != true {
		t.Errorf("map decoded as %T %v", got[3], got[3])
	}
}

func TestDeterministicEncoding(t *testing.T) {
	data, err := Marshal(map[string]int{"b": 2, "a": 1})
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{0xa2, 0x61, 'a', 0x01, 0x61, 'b', 0x02}
	if !bytes.Equal(data, want) {
		t.Errorf("Marshal = %x, want %x", data, want)
	}
}

func TestStreamRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	for _, s := range []string{"one", "two"} {
		if err := enc.Encode(s); err != nil {
			t.Fatal(err)
		}
	}
	dec := NewDecoder(&buf)
	for _, want := range []string{"one", "two"} {
		var got string
		if err := dec.Decode(&got); err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Errorf("got %q, want %q", got, want)
		}
	}
}
