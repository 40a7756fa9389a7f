package image

import "testing"

func newFixture() (*Devirtualizer, *Index) {
	data := make([]byte, 0x200)
	copy(data[0x10:], []byte("hello\x00world"))
	segs := []Segment{
		{
			Name: "__TEXT",
			File: Range{0, 0x100},
			VM:   Range{0x1000, 0x1100},
			Sections: []Section{
				{Name: "__text", Segment: "__TEXT", File: Range{0x10, 0x30}, VM: Range{0x1010, 0x1030}},
			},
		},
		{
			Name: "__DATA",
			File: Range{0x100, 0x200},
			VM:   Range{0x2000, 0x2100},
		},
	}
	ix := NewIndex(segs)
	return NewDevirtualizer(data, ix), ix
}

func TestSegmentForVMAddr(t *testing.T) {
	_, ix := newFixture()
	i, seg, ok := ix.SegmentForVMAddr(0x2050)
	if !ok || i != 1 || seg.Name != "__DATA" {
		t.Fatalf("got (%d, %q, %v)", i, seg.Name, ok)
	}
	if _, _, ok := ix.SegmentForVMAddr(0x9999); ok {
		t.Fatal("expected miss for unmapped address")
	}
}

func TestDevirtualizerOffset(t *testing.T) {
	d, _ := newFixture()
	off, err := d.Offset(0x1010)
	if err != nil || off != 0x10 {
		t.Fatalf("off = %d, err = %v", off, err)
	}
}

func TestPtrForVMOutOfBounds(t *testing.T) {
	d, _ := newFixture()
	if _, err := d.PtrForVM(0x1010, 0x1000); err == nil {
		t.Fatal("expected out-of-bounds error")
	}
}

func TestStringAt(t *testing.T) {
	d, _ := newFixture()
	s, err := d.StringAt(0x1010)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s != "hello" {
		t.Fatalf("got %q, want %q", s, "hello")
	}
}

func TestStringAtMissingTerminator(t *testing.T) {
	data := make([]byte, 0x10)
	for i := range data {
		data[i] = 'x'
	}
	ix := NewIndex([]Segment{{
		Name: "__TEXT",
		File: Range{0, 0x10},
		VM:   Range{0x1000, 0x1010},
		Sections: []Section{
			{Name: "__text", Segment: "__TEXT", File: Range{0, 0x10}, VM: Range{0x1000, 0x1010}},
		},
	}})
	d := NewDevirtualizer(data, ix)
	if _, err := d.StringAt(0x1000); err == nil {
		t.Fatal("expected missing null terminator error")
	}
}
