package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Phase indicates where in block processing the error occurred
type Phase string

const (
	PhaseLoad       Phase = "load"       // module decoding and validation
	PhaseInstrument Phase = "instrument" // metering injection
	PhaseExecute    Phase = "execute"    // guest code running
	PhaseHost       Phase = "host"       // host call dispatch
	PhaseStorage    Phase = "storage"    // state store access
	PhaseSchedule   Phase = "schedule"   // scheduler admission and commit
	PhaseRegistry   Phase = "registry"   // runtime version resolution
	PhaseDecode     Phase = "decode"     // block and extrinsic encoding
	PhasePool       Phase = "pool"       // transaction pool admission
)

// Kind categorizes the error
type Kind string

const (
	KindMalformedModule    Kind = "malformed_module"
	KindUnsupportedFeature Kind = "unsupported_feature"
	KindTrap               Kind = "trap"
	KindOutOfWeight        Kind = "out_of_weight"
	KindHostCall           Kind = "host_call"
	KindStorageFailure     Kind = "storage_failure"
	KindInvalidBlock       Kind = "invalid_block"
	KindNotCanonical       Kind = "not_canonical"
	KindInvalidUpgrade     Kind = "invalid_upgrade"
	KindDispatchFailed     Kind = "dispatch_failed"
	KindQueueFull          Kind = "queue_full"
	KindNotFound           Kind = "not_found"
	KindInvalidInput       Kind = "invalid_input"
	KindClosed             Kind = "closed"
)

// HostCode is the sub-classification of a KindHostCall error.
type HostCode string

const (
	HostInvalidKey         HostCode = "invalid_key"
	HostVerificationFailed HostCode = "verification_failed"
	HostBufferTooLarge     HostCode = "buffer_too_large"
	HostOutOfBounds        HostCode = "out_of_bounds"
	HostInvalidArgument    HostCode = "invalid_argument"
)

// Error is the structured error type used throughout the node
type Error struct {
	Cause  error
	Phase  Phase
	Kind   Kind
	Host   HostCode
	Detail string
	Path   []string
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))
	if e.Host != "" {
		b.WriteByte('/')
		b.WriteString(string(e.Host))
	}

	if len(e.Path) > 0 {
		b.WriteString(" at ")
		b.WriteString(strings.Join(e.Path, "."))
	}

	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error. An empty Phase or Host
// on the target acts as a wildcard, so sentinel values like ErrTrap
// match a trap raised in any phase.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	if t.Phase != "" && t.Phase != e.Phase {
		return false
	}
	return t.Host == "" || t.Host == e.Host
}

// Sentinels for errors.Is matching by kind only.
var (
	ErrMalformedModule    = &Error{Kind: KindMalformedModule}
	ErrUnsupportedFeature = &Error{Kind: KindUnsupportedFeature}
	ErrTrap               = &Error{Kind: KindTrap}
	ErrOutOfWeight        = &Error{Kind: KindOutOfWeight}
	ErrHostCall           = &Error{Kind: KindHostCall}
	ErrStorageFailure     = &Error{Kind: KindStorageFailure}
	ErrInvalidBlock       = &Error{Kind: KindInvalidBlock}
	ErrNotCanonical       = &Error{Kind: KindNotCanonical}
	ErrInvalidUpgrade     = &Error{Kind: KindInvalidUpgrade}
	ErrDispatchFailed     = &Error{Kind: KindDispatchFailed}
	ErrQueueFull          = &Error{Kind: KindQueueFull}
	ErrNotFound           = &Error{Kind: KindNotFound}
	ErrClosed             = &Error{Kind: KindClosed}
)

// Builder provides structured error construction
type Builder struct {
	err Error
}

// New creates a new error builder
func New(phase Phase, kind Kind) *Builder {
	return &Builder{
		err: Error{
			Phase: phase,
			Kind:  kind,
		},
	}
}

// Path sets the location path (section, function index, key...)
func (b *Builder) Path(path ...string) *Builder {
	b.err.Path = path
	return b
}

// Host sets the host call sub-code
func (b *Builder) Host(code HostCode) *Builder {
	b.err.Host = code
	return b
}

// Cause sets the underlying error
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Detail sets the human-readable detail message
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

// Build returns the constructed error
func (b *Builder) Build() *Error {
	return &b.err
}

// KindOf returns the Kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsFatal reports whether err must stop the node. Only storage failures
// are fatal; every other kind rejects a single block or call.
func IsFatal(err error) bool {
	return errors.Is(err, ErrStorageFailure)
}

// Convenience constructors

// MalformedModule creates a load error for a structurally invalid module
func MalformedModule(detail string, cause error) *Error {
	return &Error{
		Phase:  PhaseLoad,
		Kind:   KindMalformedModule,
		Detail: detail,
		Cause:  cause,
	}
}

// Unsupported creates a load error for a forbidden or unknown feature
func Unsupported(path []string, what string) *Error {
	return &Error{
		Phase:  PhaseLoad,
		Kind:   KindUnsupportedFeature,
		Path:   path,
		Detail: what,
	}
}

// Trap creates an execution trap error
func Trap(entry string, cause error) *Error {
	return &Error{
		Phase:  PhaseExecute,
		Kind:   KindTrap,
		Path:   []string{entry},
		Detail: "guest trapped",
		Cause:  cause,
	}
}

// OutOfWeight creates a budget exhaustion error
func OutOfWeight(entry string, used, limit uint64) *Error {
	return &Error{
		Phase:  PhaseExecute,
		Kind:   KindOutOfWeight,
		Path:   []string{entry},
		Detail: fmt.Sprintf("weight %d exceeds limit %d", used, limit),
	}
}

// HostCall creates a host call error with the given sub-code
func HostCall(fn string, code HostCode, detail string) *Error {
	return &Error{
		Phase:  PhaseHost,
		Kind:   KindHostCall,
		Host:   code,
		Path:   []string{fn},
		Detail: detail,
	}
}

// Storage creates a fatal storage failure
func Storage(op string, cause error) *Error {
	return &Error{
		Phase:  PhaseStorage,
		Kind:   KindStorageFailure,
		Detail: op,
		Cause:  cause,
	}
}

// InvalidBlock creates a block rejection error
func InvalidBlock(detail string, cause error) *Error {
	return &Error{
		Phase:  PhaseSchedule,
		Kind:   KindInvalidBlock,
		Detail: detail,
		Cause:  cause,
	}
}

// NotCanonical creates an error for a block that does not extend the head
func NotCanonical(detail string, args ...any) *Error {
	return &Error{
		Phase:  PhaseSchedule,
		Kind:   KindNotCanonical,
		Detail: fmt.Sprintf(detail, args...),
	}
}

// InvalidUpgrade creates a version transition rejection
func InvalidUpgrade(detail string, cause error) *Error {
	return &Error{
		Phase:  PhaseRegistry,
		Kind:   KindInvalidUpgrade,
		Detail: detail,
		Cause:  cause,
	}
}

// DispatchFailed creates an extrinsic failure error
func DispatchFailed(index int, diagnostic string) *Error {
	return &Error{
		Phase:  PhaseExecute,
		Kind:   KindDispatchFailed,
		Path:   []string{fmt.Sprintf("extrinsic[%d]", index)},
		Detail: diagnostic,
	}
}

// ExtrinsicIndex returns the index of the extrinsic a dispatch failure
// names.
func ExtrinsicIndex(err error) (int, bool) {
	var e *Error
	if !errors.As(err, &e) || e.Kind != KindDispatchFailed || len(e.Path) == 0 {
		return 0, false
	}
	var i int
	if _, err := fmt.Sscanf(e.Path[0], "extrinsic[%d]", &i); err != nil {
		return 0, false
	}
	return i, true
}

// NotFound creates a not-found error
func NotFound(phase Phase, what, name string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindNotFound,
		Detail: fmt.Sprintf("%s %q not found", what, name),
	}
}

// InvalidInput creates an invalid input error
func InvalidInput(phase Phase, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidInput,
		Detail: detail,
	}
}

// Decode creates a decoding error for blocks, extrinsics and metadata
func Decode(what string, cause error) *Error {
	return &Error{
		Phase:  PhaseDecode,
		Kind:   KindInvalidInput,
		Detail: fmt.Sprintf("decode %s", what),
		Cause:  cause,
	}
}

// Closed creates an error for use after shutdown
func Closed(component string) *Error {
	return &Error{
		Phase:  PhaseSchedule,
		Kind:   KindClosed,
		Detail: fmt.Sprintf("%s closed", component),
	}
}
