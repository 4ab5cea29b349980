package binary

import (
	"errors"
	"io"
	"math"
	"testing"
)

func TestU32RoundTrip(t *testing.T) {
	values := []uint32{0, 1, 127, 128, 255, 624485, math.MaxUint32}
	for _, v := range values {
		w := NewWriter()
		w.WriteU32(v)
		r := NewReader(w.Bytes())
		got, err := r.ReadU32()
		if err != nil {
			t.Fatalf("ReadU32(%d): %v", v, err)
		}
		if got != v {
			t.Errorf("ReadU32 = %d, want %d", got, v)
		}
		if r.Len() != 0 {
			t.Errorf("%d trailing bytes after %d", r.Len(), v)
		}
	}
}

func TestSignedRoundTrip(t *testing.T) {
	values := []int64{0, 1, -1, 63, -64, 64, -65, math.MaxInt32, math.MinInt32, math.MaxInt64, math.MinInt64}
	for _, v := range values {
		w := NewWriter()
		w.WriteS64(v)
		got, err := NewReader(w.Bytes()).ReadS64()
		if err != nil {
			t.Fatalf("ReadS64(%d): %v", v, err)
		}
		if got != v {
			t.Errorf("ReadS64 = %d, want %d", got, v)
		}
	}
	for _, v := range []int32{0, -1, 12345, -12345, math.MaxInt32, math.MinInt32} {
		w := NewWriter()
		w.WriteS32(v)
		got, err := NewReader(w.Bytes()).ReadS32()
		if err != nil || got != v {
			t.Errorf("ReadS32 = %d, %v; want %d", got, err, v)
		}
	}
}

func TestKnownEncodings(t *testing.T) {
	tests := []struct {
		data []byte
		want int64
	}{
		{[]byte{0x7f}, -1},
		{[]byte{0x40}, -64},
		{[]byte{0xc0, 0xbb, 0x78}, -123456},
	}
	for _, tt := range tests {
		got, err := NewReader(tt.data).ReadS64()
		if err != nil || got != tt.want {
			t.Errorf("ReadS64(%x) = %d, %v; want %d", tt.data, got, err, tt.want)
		}
	}
}

func TestReadErrors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		read func(r *Reader) error
		want error
	}{
		{"u32 truncated", []byte{0x80}, func(r *Reader) error { _, err := r.ReadU32(); return err }, io.ErrUnexpectedEOF},
		{"u32 overflow", []byte{0xff, 0xff, 0xff, 0xff, 0x7f}, func(r *Reader) error { _, err := r.ReadU32(); return err }, ErrOverflow},
		{"u32 too long", []byte{0x80, 0x80, 0x80, 0x80, 0x80, 0x00}, func(r *Reader) error { _, err := r.ReadU32(); return err }, ErrOverflow},
		{"bytes short", []byte{1, 2}, func(r *Reader) error { _, err := r.ReadBytes(3); return err }, io.ErrUnexpectedEOF},
		{"name short", []byte{5, 'a'}, func(r *Reader) error { _, err := r.ReadName(); return err }, io.ErrUnexpectedEOF},
		{"empty byte", nil, func(r *Reader) error { _, err := r.ReadByte(); return err }, io.EOF},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.read(NewReader(tt.data))
			if !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}
}

func TestReadNameInvalidUTF8(t *testing.T) {
	if _, err := NewReader([]byte{2, 0xff, 0xfe}).ReadName(); err == nil {
		t.Fatal("expected UTF-8 error")
	}
}

func TestSliceCopies(t *testing.T) {
	data := []byte{1, 2, 3, 4}
	r := NewReader(data)
	if err := r.Skip(3); err != nil {
		t.Fatal(err)
	}
	s := r.Slice(1, 3)
	s[0] = 9
	if data[1] != 2 {
		t.Error("Slice aliased the input")
	}
	if r.Position() != 3 {
		t.Errorf("Position = %d", r.Position())
	}
}

func TestWriterHelpers(t *testing.T) {
	w := NewWriter()
	w.WriteName("env")
	w.WriteVec([]byte{7, 8})
	w.WriteU32LE(0x6D736100)
	r := NewReader(w.Bytes())
	name, err := r.ReadName()
	if err != nil || name != "env" {
		t.Fatalf("ReadName = %q, %v", name, err)
	}
	n, _ := r.ReadU32()
	b, _ := r.ReadBytes(int(n))
	if len(b) != 2 || b[1] != 8 {
		t.Errorf("vec = %v", b)
	}
	magic, err := r.ReadU32LE()
	if err != nil || magic != 0x6D736100 {
		t.Errorf("magic = %x, %v", magic, err)
	}
	if w.Len() != len(w.Bytes()) {
		t.Error("Len mismatch")
	}
}

func TestParseError(t *testing.T) {
	r := NewReader([]byte{1})
	_, _ = r.ReadByte()
	err := r.WrapError("code", io.ErrUnexpectedEOF)
	var pe *ParseError
	if !errors.As(err, &pe) || pe.Position != 1 || pe.Section != "code" {
		t.Fatalf("unexpected %v", err)
	}
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Error("cause lost")
	}
}
