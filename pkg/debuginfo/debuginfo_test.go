package debuginfo

import (
	"bytes"
	"errors"
	"testing"

	"github.com/lvyitian/SquirrelJME/pkg/memory"
)

const methodBase = 0x1000

func loadMethod(t *testing.T, w *Writer) *memory.Region {
	t.Helper()

	data, err := w.Bytes()
	if err != nil {
		t.Fatalf("Bytes failed: %v", err)
	}
	r := memory.NewRegion("debug", methodBase, 4096, memory.PermRead)
	if err := r.Load(methodBase, data); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	return r
}

func TestFindTableIndex(t *testing.T) {
	table := []byte{0, 0x00, 10, 5, 0x00, 11, EndOfTable}
	mem := memory.NewRegionFrom("table", 0x200, table, memory.PermRead)

	tests := []struct {
		pc   int32
		want int32
	}{
		{0, 10},
		{3, 10},
		{5, 11},
		{100, 11},
	}

	for _, tt := range tests {
		if got := FindTableIndex(mem, 0x200, true, tt.pc); got != tt.want {
			t.Errorf("FindTableIndex(pc=%d) = %d, want %d", tt.pc, got, tt.want)
		}
	}
}

func TestFindTableIndexTruncated(t *testing.T) {
	// No terminator and the window ends mid-entry
	mem := memory.NewRegionFrom("table", 0, []byte{2, 7, 3, 8, 4}, memory.PermRead)

	if got := FindTableIndex(mem, 0, false, 1); got != Unknown {
		t.Errorf("pc before first entry = %d, want %d", got, Unknown)
	}
	if got := FindTableIndex(mem, 0, false, 5); got != 8 {
		t.Errorf("pc 5 = %d, want 8", got)
	}
	if got := FindTableIndex(mem, 0, false, 50); got != 8 {
		t.Errorf("pc past end = %d, want 8", got)
	}
	if got := FindTableIndex(mem, 0x9000, false, 0); got != Unknown {
		t.Errorf("unmapped table = %d, want %d", got, Unknown)
	}
}

func TestResolve(t *testing.T) {
	mem := loadMethod(t, &Writer{
		Class:      "cc/squirreljme/Test",
		Method:     "run",
		Descriptor: "(I)V",
		Lines:      []Entry{{0, 10}, {5, 11}},
		Addresses:  []Entry{{0, 0}, {5, 3}, {9, 4}},
	})

	loc := Resolve(mem, methodBase, 6)
	if loc.Class != "cc/squirreljme/Test" || loc.Method != "run" || loc.Descriptor != "(I)V" {
		t.Errorf("unexpected names %q %q %q", loc.Class, loc.Method, loc.Descriptor)
	}
	if loc.Line != 11 {
		t.Errorf("line = %d, want 11", loc.Line)
	}
	if loc.Address != 3 {
		t.Errorf("address = %d, want 3", loc.Address)
	}
	if loc.Instruction != Unknown {
		t.Errorf("instruction = %d, want unknown", loc.Instruction)
	}

	if empty := Resolve(mem, 0, 6); empty != EmptyLocation() {
		t.Errorf("zero pointer resolved to %+v", empty)
	}

	// A pointer outside memory yields nothing rather than failing
	bad := Resolve(mem, 0x8000, 0)
	if bad.Line != Unknown || bad.Class != "" {
		t.Errorf("bad pointer resolved to %+v", bad)
	}
}

func TestWriterLongGap(t *testing.T) {
	mem := loadMethod(t, &Writer{
		Lines: []Entry{{600, 2}, {0, 1}},
	})

	tests := []struct {
		pc   int32
		want int32
	}{
		{0, 1},
		{300, 1},
		{599, 1},
		{600, 2},
		{1000, 2},
	}
	for _, tt := range tests {
		if got := Resolve(mem, methodBase, tt.pc).Line; got != tt.want {
			t.Errorf("line at %d = %d, want %d", tt.pc, got, tt.want)
		}
	}

	w := &Writer{Lines: []Entry{{300, 1}}}
	if _, err := w.Bytes(); !errors.Is(err, ErrTableGap) {
		t.Errorf("expected ErrTableGap, got %v", err)
	}
}

func TestUTFRoundTrip(t *testing.T) {
	for _, s := range []string{"", "main", "a\x00b", "café", "€", "\U0001F600"} {
		enc, err := AppendUTF(nil, s)
		if err != nil {
			t.Fatalf("AppendUTF(%q) failed: %v", s, err)
		}
		if bytes.IndexByte(enc[2:], 0) >= 0 {
			t.Errorf("encoding of %q contains a NUL byte", s)
		}

		got, err := ReadUTF(bytes.NewReader(enc))
		if err != nil {
			t.Fatalf("ReadUTF(% x) failed: %v", enc, err)
		}
		if got != s {
			t.Errorf("round trip of %q produced %q", s, got)
		}
	}
}

func TestReadUTFMalformed(t *testing.T) {
	if _, err := ReadUTF(bytes.NewReader([]byte{0x00, 0x02, 0xC3, 0x41})); !errors.Is(err, ErrMalformedUTF) {
		t.Errorf("expected ErrMalformedUTF, got %v", err)
	}
	if _, err := ReadUTF(bytes.NewReader([]byte{0x00, 0x04, 'a'})); err == nil {
		t.Error("expected error for truncated string")
	}
}

func TestCache(t *testing.T) {
	mem := memory.NewRegion("debug", methodBase, 4096, memory.PermRead)
	for i, name := range []string{"a", "b", "c"} {
		data, err := (&Writer{Class: name, Lines: []Entry{{0, int32(i)}}}).Bytes()
		if err != nil {
			t.Fatal(err)
		}
		if err := mem.Load(methodBase+uint32(i)*256, data); err != nil {
			t.Fatal(err)
		}
	}

	c := NewCache(mem, 2)
	if got := c.Resolve(methodBase, 0).Class; got != "a" {
		t.Errorf("class = %q, want a", got)
	}
	c.Resolve(methodBase+256, 0)
	c.Resolve(methodBase+512, 0)
	if c.Len() != 2 {
		t.Errorf("cache holds %d headers, want 2", c.Len())
	}

	first := c.Header(methodBase + 512)
	if again := c.Header(methodBase + 512); again != first {
		t.Error("expected cached header to be reused")
	}

	// Replace the code and drop the stale header
	data, _ := (&Writer{Class: "z"}).Bytes()
	if err := mem.Load(methodBase+512, data); err != nil {
		t.Fatal(err)
	}
	c.Invalidate(methodBase + 512)
	if got := c.Resolve(methodBase+512, 0).Class; got != "z" {
		t.Errorf("class after invalidate = %q, want z", got)
	}

	c.Reset()
	if c.Len() != 0 {
		t.Errorf("cache holds %d headers after reset", c.Len())
	}
}
