package wasm

import (
	"bytes"
	"errors"
	"testing"
)

func TestDecodeInstructions(t *testing.T) {
	code := []byte{
		OpBlock, 0x40,
		OpLoop, 0x7f,
		OpLocalGet, 0,
		OpI32Const, 0x7f, // -1
		OpI64Const, 0x80, 0x01, // 128
		OpBrTable, 2, 0, 1, 0,
		OpCall, 5,
		OpCallIndirect, 1, 0,
		OpI32Load, 2, 8,
		OpPrefixMisc, 10, 0, 0,
		OpF32Const, 0, 0, 0x80, 0x3f,
		OpEnd, OpEnd, OpEnd,
	}
	instrs, err := DecodeInstructions(code)
	if err != nil {
		t.Fatalf("DecodeInstructions: %v", err)
	}
	if len(instrs) != 14 {
		t.Fatalf("got %d instructions", len(instrs))
	}
	if imm := instrs[0].Imm.(BlockImm); imm.Type != BlockTypeEmpty {
		t.Errorf("block type = %d", imm.Type)
	}
	if imm := instrs[3].Imm.(I32Imm); imm.Value != -1 {
		t.Errorf("i32.const = %d", imm.Value)
	}
	if imm := instrs[4].Imm.(I64Imm); imm.Value != 128 {
		t.Errorf("i64.const = %d", imm.Value)
	}
	if imm := instrs[5].Imm.(BrTableImm); len(imm.Labels) != 2 || imm.Default != 0 {
		t.Errorf("br_table = %+v", imm)
	}
	if imm := instrs[8].Imm.(MemoryImm); imm.Align != 2 || imm.Offset != 8 {
		t.Errorf("memarg = %+v", imm)
	}
	if imm := instrs[9].Imm.(MiscImm); imm.SubOpcode != MiscMemoryCopy || len(imm.Operands) != 2 {
		t.Errorf("memory.copy = %+v", imm)
	}
	if !bytes.Equal(EncodeInstructions(instrs), code) {
		t.Error("re-encoding changed the expression")
	}
}

func TestDecodeInstructionsUnsupported(t *testing.T) {
	tests := []struct {
		name string
		code []byte
	}{
		{"simd", []byte{OpPrefixSIMD, 0x0c}},
		{"atomic", []byte{OpPrefixAtomic, 0x00}},
		{"gc", []byte{OpPrefixGC, 0x00}},
		{"try", []byte{0x06, 0x40}},
		{"return_call", []byte{0x12, 0}},
		{"misc unknown", []byte{OpPrefixMisc, 18}},
		{"multi memory memarg", []byte{OpI32Load, 0x42, 0, 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeInstructions(tt.code)
			var ue *UnsupportedOpcodeError
			if !errors.As(err, &ue) {
				t.Fatalf("expected UnsupportedOpcodeError, got %v", err)
			}
		})
	}
}

func TestDecodeInstructionsTruncated(t *testing.T) {
	for _, code := range [][]byte{
		{OpI32Const},
		{OpBrTable, 3, 0},
		{OpF64Const, 1, 2, 3},
		{OpCallIndirect, 1},
	} {
		if _, err := DecodeInstructions(code); err == nil {
			t.Errorf("DecodeInstructions(%x) succeeded", code)
		}
	}
}

func TestIsFloatOpcode(t *testing.T) {
	floats := []byte{OpF32Load, OpF64Store, OpF32Const, OpF64Const, 0x5b, 0x66, 0x8b, 0x92, 0xa6, 0xa8, 0xab, 0xae, 0xb2, 0xbb, 0xbf}
	for _, op := range floats {
		if !IsFloatOpcode(op) {
			t.Errorf("IsFloatOpcode(0x%02x) = false", op)
		}
	}
	ints := []byte{OpI32Add, OpI64Mul, OpI32WrapI64, OpI64ExtendI32S, OpI64ExtendI32U, OpI32Extend8S, OpI64Extend32S, OpI32Load, OpI64Store32, 0x5a, 0x67, 0x8a}
	for _, op := range ints {
		if IsFloatOpcode(op) {
			t.Errorf("IsFloatOpcode(0x%02x) = true", op)
		}
	}
	if !IsFloatType(ValF32) || IsFloatType(ValI64) {
		t.Error("IsFloatType misclassified")
	}
}
