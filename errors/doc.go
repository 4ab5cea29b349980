// Package errors provides the structured error taxonomy of the node.
//
// Errors are categorized by Phase (where the error occurred) and Kind
// (what went wrong). Host call failures carry an additional HostCode.
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.PhaseLoad, errors.KindUnsupportedFeature).
//		Path("code", "func[3]").
//		Detail("float opcode 0x92").
//		Build()
//
// Or use convenience constructors for common patterns:
//
//	err := errors.Trap("apply_extrinsic", cause)
//	err := errors.OutOfWeight("apply_extrinsic", used, limit)
//
// Sentinels such as ErrTrap match by Kind alone:
//
//	if errors.Is(err, errors.ErrTrap) { ... }
//
// Only KindStorageFailure is fatal to the node, see IsFatal.
package errors
