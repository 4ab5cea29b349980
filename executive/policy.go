package executive

import (
	"fmt"
	"sort"
	"sync"

	"github.com/wippyai/wasm-node/errors"
)

// Built-in dispatch policy names, as declared in a runtime's version
// metadata.
const (
	PolicyBlockFatal    = "block-fatal"
	PolicySkipAndRecord = "skip-and-record"
)

// Policy decides what a failed dispatch means for the enclosing block.
type Policy interface {
	Name() string

	// OnDispatchFailure is called after the failed extrinsic's writes have
	// been rolled back. A nil return keeps the block going and records an
	// ExtrinsicFailed event; an error rejects the block.
	OnDispatchFailure(index int, diagnostic string) error
}

type blockFatal struct{}

func (blockFatal) Name() string { return PolicyBlockFatal }

func (blockFatal) OnDispatchFailure(index int, diagnostic string) error {
	return errors.DispatchFailed(index, diagnostic)
}

type skipAndRecord struct{}

func (skipAndRecord) Name() string { return PolicySkipAndRecord }

func (skipAndRecord) OnDispatchFailure(int, string) error { return nil }

var (
	policiesMu sync.RWMutex
	policies   = map[string]Policy{
		PolicyBlockFatal:    blockFatal{},
		PolicySkipAndRecord: skipAndRecord{},
	}
)

// Register adds a policy. Registering a name twice is an error.
func Register(p Policy) error {
	policiesMu.Lock()
	defer policiesMu.Unlock()
	if _, ok := policies[p.Name()]; ok {
		return fmt.Errorf("executive: policy %q already registered", p.Name())
	}
	policies[p.Name()] = p
	return nil
}

// Lookup returns the policy registered under name. Modules declaring an
// unknown policy cannot execute blocks.
func Lookup(name string) (Policy, error) {
	policiesMu.RLock()
	defer policiesMu.RUnlock()
	p, ok := policies[name]
	if !ok {
		return nil, errors.New(errors.PhaseRegistry, errors.KindMalformedModule).
			Path("runtime_version", "dispatch").
			Detail("unknown dispatch policy %q", name).
			Build()
	}
	return p, nil
}

// Policies lists the registered policy names.
func Policies() []string {
	policiesMu.RLock()
	defer policiesMu.RUnlock()
	names := make([]string, 0, len(policies))
	for name := range policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
