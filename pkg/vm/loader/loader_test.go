package loader

import (
	"bytes"
	"errors"
	"testing"

	"github.com/fortiblox/stackvm/internal/types"
	"github.com/fortiblox/stackvm/pkg/vm/engine"
)

// factorial returns a program computing 5! from top-level code.
func factorial() *engine.Program {
	code := engine.Encode(nil, engine.OpIConst, 5)
	code = engine.Encode(code, engine.OpCall, 0, 1)
	code = engine.Encode(code, engine.OpPrint)
	code = engine.Encode(code, engine.OpHalt)
	fact := len(code)
	code = engine.Encode(code, engine.OpLoad, 0)
	code = engine.Encode(code, engine.OpIConst, 2)
	code = engine.Encode(code, engine.OpILet)
	rec := len(code) + 5 + 5 + 1
	code = engine.Encode(code, engine.OpBrf, int32(rec))
	code = engine.Encode(code, engine.OpIConst, 1)
	code = engine.Encode(code, engine.OpRet)
	code = engine.Encode(code, engine.OpLoad, 0)
	code = engine.Encode(code, engine.OpLoad, 0)
	code = engine.Encode(code, engine.OpIConst, 1)
	code = engine.Encode(code, engine.OpISub)
	code = engine.Encode(code, engine.OpCall, 0, 1)
	code = engine.Encode(code, engine.OpIMult)
	code = engine.Encode(code, engine.OpRet)

	return &engine.Program{
		Code:      code,
		Globals:   8,
		Functions: []engine.Function{{Name: "fact", Arity: 1, Locals: 1, Entry: fact, Returns: 1}},
	}
}

func TestEncodeLoad(t *testing.T) {
	for _, compress := range []bool{false, true} {
		prog := factorial()
		data, err := Encode(prog, compress)
		if err != nil {
			t.Fatalf("Encode(compress=%v) failed: %v", compress, err)
		}
		if !bytes.Equal(data[:4], imageMagic) {
			t.Errorf("magic = %q", data[:4])
		}

		img, err := NewLoader(DefaultOptions()).Load(data)
		if err != nil {
			t.Fatalf("Load(compress=%v) failed: %v", compress, err)
		}
		if img.Compressed != compress {
			t.Errorf("Compressed = %v, want %v", img.Compressed, compress)
		}
		if !bytes.Equal(img.Program.Code, prog.Code) {
			t.Error("code does not round-trip")
		}
		if img.Program.Globals != 8 {
			t.Errorf("Globals = %d, want 8", img.Program.Globals)
		}
		if len(img.Program.Functions) != 1 || img.Program.Functions[0] != prog.Functions[0] {
			t.Errorf("Functions = %+v, want %+v", img.Program.Functions, prog.Functions)
		}

		id, err := ProgramID(prog)
		if err != nil {
			t.Fatalf("ProgramID() failed: %v", err)
		}
		if img.ID != id {
			t.Errorf("ID = %s, want %s", img.ID, id)
		}
	}
}

func TestIDIndependentOfCompression(t *testing.T) {
	plain, _ := Encode(factorial(), false)
	packed, _ := Encode(factorial(), true)

	l := NewLoader(DefaultOptions())
	a, err := l.Load(plain)
	if err != nil {
		t.Fatalf("Load(plain) failed: %v", err)
	}
	b, err := l.Load(packed)
	if err != nil {
		t.Fatalf("Load(packed) failed: %v", err)
	}
	if a.ID != b.ID {
		t.Errorf("IDs differ: %s vs %s", a.ID, b.ID)
	}
}

func TestLoadRejects(t *testing.T) {
	good, err := Encode(factorial(), false)
	if err != nil {
		t.Fatalf("Encode() failed: %v", err)
	}

	corrupt := func(f func(b []byte) []byte) []byte {
		b := append([]byte(nil), good...)
		return f(b)
	}

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"short", good[:10], ErrInvalidImage},
		{"magic", corrupt(func(b []byte) []byte { b[0] = 'X'; return b }), ErrInvalidImage},
		{"version", corrupt(func(b []byte) []byte { b[4] = 9; return b }), ErrUnsupportedVersion},
		{"flags", corrupt(func(b []byte) []byte { b[5] = 0x80; return b }), ErrInvalidImage},
		{"checksum", corrupt(func(b []byte) []byte { b[len(b)-1] ^= 0xff; return b }), ErrChecksumMismatch},
		{"code byte", corrupt(func(b []byte) []byte { b[headerSize+4] ^= 0xff; return b }), ErrChecksumMismatch},
		{"zstd garbage", corrupt(func(b []byte) []byte { b[5] = flagZstd; return b }), ErrInvalidImage},
	}

	l := NewLoader(DefaultOptions())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := l.Load(tt.data)
			if !errors.Is(err, tt.want) {
				t.Errorf("Load() = %v, want %v", err, tt.want)
			}
		})
	}
}

// rawImage builds an image around an arbitrary payload with a valid trailer.
func rawImage(payload []byte) []byte {
	sum := types.ComputeHash(payload)
	out := append([]byte{}, imageMagic...)
	out = append(out, Version, 0, 0, 0)
	out = append(out, payload...)
	return append(out, sum[:]...)
}

func TestLoadTruncatedPayload(t *testing.T) {
	// code_len claims 100 bytes but only 2 follow.
	payload := []byte{100, 0, 0, 0, 1, 2}
	_, err := NewLoader(DefaultOptions()).Load(rawImage(payload))
	if !errors.Is(err, ErrInvalidImage) {
		t.Errorf("Load() = %v, want ErrInvalidImage", err)
	}

	payload = []byte{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 7}
	_, err = NewLoader(DefaultOptions()).Load(rawImage(payload))
	if !errors.Is(err, ErrInvalidImage) {
		t.Errorf("Load() with trailing bytes = %v, want ErrInvalidImage", err)
	}
}

func TestLoadCodeLimit(t *testing.T) {
	prog := &engine.Program{Code: bytes.Repeat([]byte{byte(engine.OpPop)}, 64)}
	data, err := Encode(prog, false)
	if err != nil {
		t.Fatalf("Encode() failed: %v", err)
	}
	_, err = NewLoader(Options{MaxCodeSize: 32}).Load(data)
	if !errors.Is(err, ErrTooLarge) {
		t.Errorf("Load() = %v, want ErrTooLarge", err)
	}
}

func TestVerify(t *testing.T) {
	halt := engine.Encode(nil, engine.OpHalt)

	tests := []struct {
		name string
		prog *engine.Program
		ok   bool
	}{
		{"factorial", factorial(), true},
		{"illegal", &engine.Program{Code: []byte{0xee}}, false},
		{"truncated", &engine.Program{Code: []byte{byte(engine.OpIConst), 1}}, false},
		{"branch outside", &engine.Program{Code: engine.Encode(halt, engine.OpBr, 100)}, false},
		{"branch mid-instruction", &engine.Program{Code: engine.Encode(engine.Encode(nil, engine.OpIConst, 0), engine.OpBr, 2)}, false},
		{"unknown function", &engine.Program{Code: engine.Encode(nil, engine.OpCall, 0, 0)}, false},
		{"arity", &engine.Program{
			Code:      engine.Encode(halt, engine.OpCall, 0, 2),
			Functions: []engine.Function{{Name: "f", Arity: 1, Locals: 1}},
		}, false},
		{"negative local", &engine.Program{Code: engine.Encode(nil, engine.OpLoad, -1)}, false},
		{"entry mid-instruction", &engine.Program{
			Code:      engine.Encode(nil, engine.OpIConst, 0),
			Functions: []engine.Function{{Name: "f", Entry: 1}},
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Verify(tt.prog)
			if tt.ok && err != nil {
				t.Errorf("Verify() failed: %v", err)
			}
			if !tt.ok {
				var verr *VerifyError
				if !errors.As(err, &verr) || !errors.Is(err, ErrVerifyFailed) {
					t.Errorf("Verify() = %v, want *VerifyError", err)
				}
			}
		})
	}
}

func TestLoadWithoutVerify(t *testing.T) {
	prog := &engine.Program{Code: []byte{0xee}}
	data, err := Encode(prog, false)
	if err != nil {
		t.Fatalf("Encode() failed: %v", err)
	}

	if _, err := NewLoader(DefaultOptions()).Load(data); !errors.Is(err, ErrVerifyFailed) {
		t.Errorf("Load() with verification = %v, want ErrVerifyFailed", err)
	}
	img, err := NewLoader(Options{}).Load(data)
	if err != nil {
		t.Fatalf("Load() without verification failed: %v", err)
	}

	vm, err := engine.New(img.Program, engine.Config{Output: &engine.BufferOutput{}})
	if err != nil {
		t.Fatalf("engine.New() failed: %v", err)
	}
	if o := vm.Run(); o.Trap == nil || o.Trap.Kind != engine.TrapIllegalOpcode {
		t.Errorf("Run() = %+v, want IllegalOpcode trap", o)
	}
}

func TestEncodeRejects(t *testing.T) {
	long := string(bytes.Repeat([]byte{'a'}, 300))
	_, err := Encode(&engine.Program{Code: []byte{0}, Functions: []engine.Function{{Name: long}}}, false)
	if !errors.Is(err, ErrInvalidImage) {
		t.Errorf("Encode(long name) = %v, want ErrInvalidImage", err)
	}
	_, err = Encode(&engine.Program{Code: []byte{0}, Functions: []engine.Function{{Name: "f", Returns: 2}}}, false)
	if !errors.Is(err, ErrInvalidImage) {
		t.Errorf("Encode(returns=2) = %v, want ErrInvalidImage", err)
	}
}
