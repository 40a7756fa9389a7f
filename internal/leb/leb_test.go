package leb

import "testing"

func TestUleb128(t *testing.T) {
	tests := []struct {
		name  string
		data  []byte
		want  uint64
		wantN int
	}{
		{"zero", []byte{0x00}, 0, 1},
		{"one byte", []byte{0x7f}, 0x7f, 1},
		{"dwarf example 624485", []byte{0xe5, 0x8e, 0x26}, 624485, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, n, err := Uleb128(tt.data)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want || n != tt.wantN {
				t.Fatalf("got (%d, %d), want (%d, %d)", got, n, tt.want, tt.wantN)
			}
		})
	}
}

func TestSleb128(t *testing.T) {
	tests := []struct {
		name  string
		data  []byte
		want  int64
		wantN int
	}{
		{"zero", []byte{0x00}, 0, 1},
		{"positive small", []byte{0x02}, 2, 1},
		{"negative small", []byte{0x7e}, -2, 1},
		{"dwarf example -123456", []byte{0x9b, 0xf1, 0x59}, -123456, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, n, err := Sleb128(tt.data)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want || n != tt.wantN {
				t.Fatalf("got (%d, %d), want (%d, %d)", got, n, tt.want, tt.wantN)
			}
		})
	}
}

func TestUleb128Truncated(t *testing.T) {
	if _, _, err := Uleb128([]byte{0x80, 0x80}); err != ErrTruncated {
		t.Fatalf("err = %v, want ErrTruncated", err)
	}
}

func TestSleb128Truncated(t *testing.T) {
	if _, _, err := Sleb128([]byte{0x80}); err != ErrTruncated {
		t.Fatalf("err = %v, want ErrTruncated", err)
	}
}
