package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *Error
		contains []string
	}{
		{
			name: "full error",
			err: &Error{
				Phase:  PhaseLoad,
				Kind:   KindUnsupportedFeature,
				Path:   []string{"code", "func[2]"},
				Detail: "float opcode",
			},
			contains: []string{"[load]", "unsupported_feature", "code.func[2]", "float opcode"},
		},
		{
			name: "minimal error",
			err: &Error{
				Phase: PhaseExecute,
				Kind:  KindTrap,
			},
			contains: []string{"[execute]", "trap"},
		},
		{
			name:     "host code",
			err:      HostCall("storage_get", HostInvalidKey, "key too long"),
			contains: []string{"[host]", "host_call/invalid_key", "storage_get", "key too long"},
		},
		{
			name: "error with cause",
			err: &Error{
				Phase:  PhaseStorage,
				Kind:   KindStorageFailure,
				Detail: "commit",
				Cause:  errors.New("disk full"),
			},
			contains: []string{"[storage]", "storage_failure", "commit", "caused by", "disk full"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := tt.err.Error()
			for _, s := range tt.contains {
				if !strings.Contains(msg, s) {
					t.Errorf("error message %q does not contain %q", msg, s)
				}
			}
		})
	}
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := Storage("write batch", cause)

	if !errors.Is(err, cause) {
		t.Error("errors.Is did not reach cause")
	}
	if !errors.Is(errors.Unwrap(err), cause) {
		t.Error("errors.Unwrap did not return cause")
	}
}

func TestError_Is(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		target error
		want   bool
	}{
		{"sentinel matches any phase", Trap("apply_extrinsic", nil), ErrTrap, true},
		{"sentinel kind mismatch", Trap("apply_extrinsic", nil), ErrOutOfWeight, false},
		{"phase must match when set", Trap("x", nil), &Error{Phase: PhaseLoad, Kind: KindTrap}, false},
		{"phase match", Trap("x", nil), &Error{Phase: PhaseExecute, Kind: KindTrap}, true},
		{"host wildcard", HostCall("f", HostBufferTooLarge, ""), ErrHostCall, true},
		{"host code match", HostCall("f", HostBufferTooLarge, ""), &Error{Kind: KindHostCall, Host: HostBufferTooLarge}, true},
		{"host code mismatch", HostCall("f", HostBufferTooLarge, ""), &Error{Kind: KindHostCall, Host: HostInvalidKey}, false},
		{"wrapped", fmt.Errorf("block 7: %w", OutOfWeight("finalize", 10, 5)), ErrOutOfWeight, true},
		{"non structured target", Trap("x", nil), errors.New("trap"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := errors.Is(tt.err, tt.target); got != tt.want {
				t.Errorf("errors.Is() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBuilder(t *testing.T) {
	cause := errors.New("eof")
	err := New(PhaseLoad, KindMalformedModule).
		Path("section", "code").
		Detail("truncated body at %d", 42).
		Cause(cause).
		Build()

	if err.Phase != PhaseLoad || err.Kind != KindMalformedModule {
		t.Fatalf("unexpected phase/kind: %s/%s", err.Phase, err.Kind)
	}
	if err.Detail != "truncated body at 42" {
		t.Errorf("Detail = %q", err.Detail)
	}
	if strings.Join(err.Path, ".") != "section.code" {
		t.Errorf("Path = %v", err.Path)
	}
	if !errors.Is(err, cause) {
		t.Error("cause not in chain")
	}

	plain := New(PhaseHost, KindHostCall).Host(HostOutOfBounds).Detail("no args").Build()
	if plain.Detail != "no args" || plain.Host != HostOutOfBounds {
		t.Errorf("unexpected error %v", plain)
	}
}

func TestKindOf(t *testing.T) {
	if got := KindOf(fmt.Errorf("wrap: %w", InvalidUpgrade("version", nil))); got != KindInvalidUpgrade {
		t.Errorf("KindOf = %q", got)
	}
	if got := KindOf(errors.New("plain")); got != "" {
		t.Errorf("KindOf(plain) = %q, want empty", got)
	}
}

func TestIsFatal(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{Storage("commit", errors.New("io")), true},
		{fmt.Errorf("ctx: %w", Storage("get", nil)), true},
		{Trap("x", nil), false},
		{MalformedModule("bad magic", nil), false},
		{nil, false},
	}
	for _, tt := range tests {
		if got := IsFatal(tt.err); got != tt.want {
			t.Errorf("IsFatal(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestConstructors(t *testing.T) {
	tests := []struct {
		err   *Error
		phase Phase
		kind  Kind
	}{
		{MalformedModule("x", nil), PhaseLoad, KindMalformedModule},
		{Unsupported([]string{"import"}, "x"), PhaseLoad, KindUnsupportedFeature},
		{OutOfWeight("e", 2, 1), PhaseExecute, KindOutOfWeight},
		{InvalidBlock("x", nil), PhaseSchedule, KindInvalidBlock},
		{NotCanonical("parent %x", []byte{1}), PhaseSchedule, KindNotCanonical},
		{DispatchFailed(3, "insufficient"), PhaseExecute, KindDispatchFailed},
		{NotFound(PhaseStorage, "block", "7"), PhaseStorage, KindNotFound},
		{InvalidInput(PhaseDecode, "x"), PhaseDecode, KindInvalidInput},
		{Decode("header", nil), PhaseDecode, KindInvalidInput},
		{Closed("scheduler"), PhaseSchedule, KindClosed},
	}
	for _, tt := range tests {
		if tt.err.Phase != tt.phase || tt.err.Kind != tt.kind {
			t.Errorf("%v: got %s/%s, want %s/%s", tt.err, tt.err.Phase, tt.err.Kind, tt.phase, tt.kind)
		}
	}

	d := DispatchFailed(3, "insufficient")
	if d.Path[0] != "extrinsic[3]" {
		t.Errorf("DispatchFailed path = %v", d.Path)
	}
}
