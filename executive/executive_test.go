package executive

import (
	"bytes"
	"context"
	stderrors "errors"
	"strings"
	"testing"

	"github.com/wippyai/wasm-node/bytecode"
	"github.com/wippyai/wasm-node/chain"
	"github.com/wippyai/wasm-node/devrt"
	"github.com/wippyai/wasm-node/engine"
	"github.com/wippyai/wasm-node/errors"
	"github.com/wippyai/wasm-node/state"
)

var (
	alice = devrt.Account("alice")
	bob   = devrt.Account("bob")
	carol = devrt.Account("carol")
)

func session(t *testing.T, code []byte, o *state.Overlay, env engine.Env) (*engine.Session, Policy) {
	t.Helper()
	ctx := context.Background()
	cfg := engine.Config{CallWeightLimit: 1_000_000}
	mod, err := bytecode.Load(code, cfg.LoadOptions())
	if err != nil {
		t.Fatal(err)
	}
	e, err := engine.Load(ctx, mod, cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { e.Close(ctx) })
	s, err := e.NewSession(ctx, o, env)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close(ctx) })
	p, err := Lookup(mod.Version.Dispatch)
	if err != nil {
		t.Fatal(err)
	}
	return s, p
}

func genesis() *state.Overlay {
	o := state.NewOverlay(nil)
	for k, v := range devrt.Endow(map[uint64]uint64{alice: 100}) {
		o.Put([]byte(k), v)
	}
	return o
}

func balance(t *testing.T, o *state.Overlay, id uint64) uint64 {
	t.Helper()
	v, _, err := o.Get(devrt.BalanceKey(id))
	if err != nil {
		t.Fatal(err)
	}
	return devrt.DecodeU64(v)
}

func TestTransferUnderEachPolicy(t *testing.T) {
	// The middle transfer overdraws bob and fails dispatch.
	extrinsics := [][]byte{
		devrt.Transfer(alice, bob, 30),
		devrt.Transfer(bob, carol, 31),
		devrt.Transfer(bob, carol, 10),
	}

	tests := []struct {
		policy     string
		wantErr    error
		wantBob    uint64
		wantCarol  uint64
		wantFailed int
	}{
		{policy: PolicySkipAndRecord, wantBob: 20, wantCarol: 10, wantFailed: 1},
		{policy: PolicyBlockFatal, wantErr: errors.ErrDispatchFailed},
	}
	for _, tt := range tests {
		t.Run(tt.policy, func(t *testing.T) {
			ctx := context.Background()
			env := engine.Env{Number: 1, Timestamp: 10}
			o := genesis()
			code := devrt.Balances(devrt.Options{SpecVersion: 1, Dispatch: tt.policy, Unsigned: true})
			s, p := session(t, code, o, env)

			res, err := New(Config{}).Execute(ctx, s, o, p, env, extrinsics)
			if tt.wantErr != nil {
				if !stderrors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				var e *errors.Error
				if !stderrors.As(err, &e) || e.Path[0] != "extrinsic[1]" || e.Detail != devrt.ErrFunds {
					t.Errorf("failure does not name the extrinsic: %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Execute: %v", err)
			}

			if got := balance(t, o, bob); got != tt.wantBob {
				t.Errorf("bob = %d, want %d", got, tt.wantBob)
			}
			if got := balance(t, o, carol); got != tt.wantCarol {
				t.Errorf("carol = %d, want %d", got, tt.wantCarol)
			}

			failed := 0
			for i, a := range res.Extrinsics {
				if !a.OK {
					failed++
					if i != 1 || a.Diagnostic != devrt.ErrFunds {
						t.Errorf("extrinsic %d failed with %q", i, a.Diagnostic)
					}
				}
			}
			if failed != tt.wantFailed {
				t.Errorf("failed = %d, want %d", failed, tt.wantFailed)
			}

			var system []chain.Event
			for _, ev := range res.Events {
				if ev.System != "" {
					system = append(system, ev)
				}
			}
			if len(system) != 1 || system[0].System != EventExtrinsicFailed || system[0].Index != 1 {
				t.Errorf("system events = %+v", system)
			}
			if res.Weight == 0 || len(res.Delta) == 0 {
				t.Errorf("empty result: %+v", res)
			}
			if _, ok := res.Delta.Lookup([]byte(devrt.BlockKey)); !ok {
				t.Error("finalize write missing from delta")
			}
		})
	}
}

func TestMalformedExtrinsicUnderEachPolicy(t *testing.T) {
	extrinsics := [][]byte{
		devrt.Transfer(alice, bob, 10),
		{0x05, 0x01},
	}
	for _, policy := range []string{PolicySkipAndRecord, PolicyBlockFatal} {
		t.Run(policy, func(t *testing.T) {
			ctx := context.Background()
			env := engine.Env{Number: 1}
			o := genesis()
			s, p := session(t, devrt.Balances(devrt.Options{SpecVersion: 1, Dispatch: policy, Unsigned: true}), o, env)

			res, err := New(Config{}).Execute(ctx, s, o, p, env, extrinsics)
			if policy == PolicyBlockFatal {
				var e *errors.Error
				if !stderrors.As(err, &e) || e.Kind != errors.KindDispatchFailed || e.Path[0] != "extrinsic[1]" || e.Detail != devrt.ErrBadEnvelope {
					t.Fatalf("err = %v, want bad envelope at extrinsic[1]", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			for id, want := range map[uint64]uint64{alice: 90, bob: 10, carol: 0} {
				if got := balance(t, o, id); got != want {
					t.Errorf("balance(%d) = %d, want %d", id, got, want)
				}
			}
			if res.Extrinsics[1].OK || res.Extrinsics[1].Diagnostic != devrt.ErrBadEnvelope {
				t.Errorf("outcome = %+v", res.Extrinsics[1])
			}
		})
	}
}

// wholeBlock returns the delta and result of running extrinsics through
// a balances runtime built with opts.
func wholeBlock(t *testing.T, opts devrt.Options, extrinsics [][]byte) (*state.Overlay, *Result, error) {
	t.Helper()
	env := engine.Env{Number: 3, Timestamp: 30}
	o := genesis()
	s, p := session(t, devrt.Balances(opts), o, env)
	res, err := New(Config{}).Execute(context.Background(), s, o, p, env, extrinsics)
	return o, res, err
}

func TestExecuteBlockEntryPoint(t *testing.T) {
	extrinsics := [][]byte{
		devrt.Transfer(alice, bob, 30),
		devrt.Transfer(bob, carol, 10),
	}
	composed := devrt.Options{SpecVersion: 1, Dispatch: PolicyBlockFatal, Unsigned: true}
	whole := composed
	whole.ExecuteBlock = true

	o1, r1, err := wholeBlock(t, composed, extrinsics)
	if err != nil {
		t.Fatalf("composed: %v", err)
	}
	o2, r2, err := wholeBlock(t, whole, extrinsics)
	if err != nil {
		t.Fatalf("execute_block: %v", err)
	}

	enc1, _ := r1.Delta.Encode()
	enc2, _ := r2.Delta.Encode()
	if !bytes.Equal(enc1, enc2) {
		t.Errorf("deltas differ:\ncomposed %+v\nwhole    %+v", r1.Delta, r2.Delta)
	}
	for id, want := range map[uint64]uint64{alice: 70, bob: 20, carol: 10} {
		if got := balance(t, o2, id); got != want {
			t.Errorf("balance(%d) = %d, want %d", id, got, want)
		}
	}
	if balance(t, o1, carol) != 10 {
		t.Error("composed path lost a transfer")
	}
	if len(r2.Extrinsics) != 2 || !r2.Extrinsics[0].OK || !r2.Extrinsics[1].OK {
		t.Errorf("outcomes = %+v", r2.Extrinsics)
	}
	if len(r2.Events) != 2 || r2.Events[0].Stage != chain.StageExecute {
		t.Errorf("events = %+v", r2.Events)
	}
	if r2.Weight == 0 {
		t.Error("execute_block consumed no weight")
	}
}

func TestExecuteBlockFailureRejectsBlock(t *testing.T) {
	// The policy does not soften a failure reported by execute_block.
	opts := devrt.Options{SpecVersion: 1, Dispatch: PolicySkipAndRecord, Unsigned: true, ExecuteBlock: true}
	_, _, err := wholeBlock(t, opts, [][]byte{
		devrt.Transfer(alice, bob, 30),
		devrt.Transfer(bob, carol, 31),
	})
	var e *errors.Error
	if !stderrors.As(err, &e) || e.Kind != errors.KindInvalidBlock || !strings.Contains(e.Detail, devrt.ErrFunds) {
		t.Fatalf("err = %v, want invalid block naming %q", err, devrt.ErrFunds)
	}
}

func TestBlockInput(t *testing.T) {
	env := engine.Env{Number: 7}
	in := BlockInput(env, [][]byte{{0xaa}, {}, {0xbb, 0xcc}})
	head := len(env.Bytes())
	want := []byte{3, 0, 0, 0, 1, 0, 0, 0, 0xaa, 0, 0, 0, 0, 2, 0, 0, 0, 0xbb, 0xcc}
	if !bytes.Equal(in[:head], env.Bytes()) || !bytes.Equal(in[head:], want) {
		t.Errorf("input = %x", in)
	}
}

func TestTrapRejectsBlock(t *testing.T) {
	ctx := context.Background()
	env := engine.Env{Number: 1}
	o := state.NewOverlay(nil)
	code := devrt.Faulty(devrt.FaultOutOfBounds, devrt.Options{SpecVersion: 1, Dispatch: PolicySkipAndRecord})
	s, p := session(t, code, o, env)

	_, err := New(Config{}).Execute(ctx, s, o, p, env, [][]byte{{1}})
	if !stderrors.Is(err, errors.ErrTrap) {
		t.Fatalf("err = %v, want trap", err)
	}
	if o.Depth() != 0 {
		t.Errorf("transaction left open: depth %d", o.Depth())
	}
}

func TestBlockWeightLimit(t *testing.T) {
	ctx := context.Background()
	env := engine.Env{Number: 1}
	o := genesis()
	s, p := session(t, devrt.Balances(devrt.Options{SpecVersion: 1, Dispatch: PolicySkipAndRecord, Unsigned: true}), o, env)

	var exts [][]byte
	for i := 0; i < 50; i++ {
		exts = append(exts, devrt.Transfer(alice, bob, 1))
	}
	_, err := New(Config{BlockWeightLimit: 5000}).Execute(ctx, s, o, p, env, exts)
	if !stderrors.Is(err, errors.ErrOutOfWeight) {
		t.Fatalf("err = %v, want out of weight", err)
	}
}

func TestPolicyRegistry(t *testing.T) {
	for _, name := range []string{PolicyBlockFatal, PolicySkipAndRecord} {
		p, err := Lookup(name)
		if err != nil || p.Name() != name {
			t.Errorf("Lookup(%q) = %v, %v", name, p, err)
		}
	}
	if _, err := Lookup("first-wins"); !stderrors.Is(err, errors.ErrMalformedModule) {
		t.Errorf("unknown policy err = %v", err)
	}
	if err := Register(skipAndRecord{}); err == nil {
		t.Error("duplicate registration accepted")
	}
	if got := Policies(); len(got) < 2 {
		t.Errorf("Policies() = %v", got)
	}
}

// scripted is a Caller replaying fixed outputs and writing one key per
// apply so rollback is observable.
type scripted struct {
	overlay *state.Overlay
	outputs []*engine.Output
	calls   []string
}

func (s *scripted) Has(entry string) bool { return entry == bytecode.EntryApplyExtrinsic }

func (s *scripted) Call(_ context.Context, entry string, input []byte) (*engine.Output, error) {
	s.calls = append(s.calls, entry)
	s.overlay.Put(input, []byte{1})
	out := s.outputs[0]
	s.outputs = s.outputs[1:]
	return out, nil
}

func TestFailedExtrinsicLeavesNoWrites(t *testing.T) {
	o := state.NewOverlay(nil)
	c := &scripted{overlay: o, outputs: []*engine.Output{
		{Weight: 3},
		{Status: engine.StatusDispatchFailed, Data: []byte("nope"), Weight: 2},
		{Weight: 1},
	}}
	p, _ := Lookup(PolicySkipAndRecord)
	res, err := New(Config{}).Execute(context.Background(), c, o, p, engine.Env{}, [][]byte{[]byte("a"), []byte("b"), []byte("c")})
	if err != nil {
		t.Fatal(err)
	}
	if len(c.calls) != 3 {
		t.Errorf("calls = %v; missing entry points must be skipped", c.calls)
	}
	if _, ok, _ := o.Get([]byte("b")); ok {
		t.Error("failed extrinsic's write survived")
	}
	for _, k := range []string{"a", "c"} {
		if _, ok, _ := o.Get([]byte(k)); !ok {
			t.Errorf("write %q lost", k)
		}
	}
	if res.Weight != 6 {
		t.Errorf("weight = %d, want 6", res.Weight)
	}
	if len(res.Delta) != 2 {
		t.Errorf("delta = %+v", res.Delta)
	}
}

func TestCancelledContextStopsBlock(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	o := state.NewOverlay(nil)
	c := &scripted{overlay: o}
	p, _ := Lookup(PolicyBlockFatal)
	if _, err := New(Config{}).Execute(ctx, c, o, p, engine.Env{}, [][]byte{[]byte("a")}); !stderrors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
}
