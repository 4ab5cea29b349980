package hashing

import (
	"encoding/hex"
	"encoding/json"
	"testing"
)

func TestSumKnownVector(t *testing.T) {
	// BLAKE2b-256 of the empty input.
	want := "0e5751c026e543b2e8ab2eb06099daa1d1e5df47778f7787faab45cdf12fe3a8"
	if got := hex.EncodeToString(Sum().Bytes()); got != want {
		t.Errorf("Sum() = %s, want %s", got, want)
	}
}

func TestSumConcatenates(t *testing.T) {
	if Sum([]byte("ab"), []byte("c")) != Sum([]byte("abc")) {
		t.Error("Sum of parts differs from Sum of concatenation")
	}
	if Sum([]byte("a")) == Sum([]byte("b")) {
		t.Error("distinct inputs collide")
	}
}

func TestParse(t *testing.T) {
	h := Sum([]byte("x"))
	tests := []struct {
		in      string
		wantErr bool
	}{
		{h.String(), false},
		{h.String()[2:], false},
		{"0x1234", true},
		{"zz", true},
	}
	for _, tt := range tests {
		got, err := Parse(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("Parse(%q) err = %v", tt.in, err)
			continue
		}
		if !tt.wantErr && got != h {
			t.Errorf("Parse(%q) = %s", tt.in, got)
		}
	}
}

func TestJSON(t *testing.T) {
	type wrapper struct {
		Root Hash `json:"root"`
	}
	in := wrapper{Root: Sum([]byte("root"))}
	data, err := json.Marshal(in)
	if err != nil {
		t.Fatal(err)
	}
	var out wrapper
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatal(err)
	}
	if out.Root != in.Root {
		t.Errorf("JSON round trip changed hash")
	}
	if !Zero.IsZero() || in.Root.IsZero() {
		t.Error("IsZero misreports")
	}
	if len(in.Root.Short()) != 8 {
		t.Errorf("Short = %q", in.Root.Short())
	}
}
