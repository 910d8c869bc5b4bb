// Package loader reads and writes stackvm program images.
//
// An image is laid out as:
//
//	header  "SVMI" | version u8 | flags u8 | reserved u16
//	payload code_len u32 | code | globals u32 | entry u32 |
//	        func_count u32 | func_count * function record
//	trailer BLAKE3-256 of the uncompressed payload
//
// A function record is name_len u16 | name | arity u32 | locals u32 |
// entry u32 | returns u8. All integers are little-endian. When flags bit 0
// is set the payload is zstd-compressed; the trailer always covers the
// uncompressed bytes, so an image's ID does not depend on compression.
package loader

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"

	"github.com/fortiblox/stackvm/internal/types"
	"github.com/fortiblox/stackvm/pkg/vm"
	"github.com/fortiblox/stackvm/pkg/vm/engine"
)

// Image magic bytes.
var imageMagic = []byte{'S', 'V', 'M', 'I'}

// Format constants.
const (
	Version    = 1
	headerSize = 8
	hashSize   = types.HashSize

	flagZstd = 0x01
)

// Image errors.
var (
	ErrInvalidImage       = errors.New("invalid program image")
	ErrUnsupportedVersion = errors.New("unsupported image version")
	ErrChecksumMismatch   = errors.New("image checksum mismatch")
	ErrTooLarge           = errors.New("image too large")
	ErrVerifyFailed       = errors.New("bytecode verification failed")
)

// Maximum sizes.
const (
	MaxImageSize = vm.MaxCodeSize + 4*1024*1024
)

// Image is a loaded program ready for execution.
type Image struct {
	// ID is the BLAKE3 hash of the uncompressed payload.
	ID types.ProgramID

	// Program is the decoded program.
	Program *engine.Program

	// Compressed reports whether the source image used zstd.
	Compressed bool

	// Size is the encoded image size in bytes.
	Size int
}

// Options configures a Loader.
type Options struct {
	// VerifyCode enables static bytecode verification after decoding.
	VerifyCode bool

	// MaxCodeSize bounds the code section.
	MaxCodeSize int
}

// DefaultOptions returns the default loader options.
func DefaultOptions() Options {
	return Options{
		VerifyCode:  true,
		MaxCodeSize: vm.MaxCodeSize,
	}
}

// Loader decodes program images.
type Loader struct {
	opts Options
}

// NewLoader creates a new image loader.
func NewLoader(opts Options) *Loader {
	if opts.MaxCodeSize <= 0 || opts.MaxCodeSize > vm.MaxCodeSize {
		opts.MaxCodeSize = vm.MaxCodeSize
	}
	return &Loader{opts: opts}
}

// Load parses an image.
func (l *Loader) Load(data []byte) (*Image, error) {
	if len(data) > MaxImageSize {
		return nil, ErrTooLarge
	}
	if len(data) < headerSize+hashSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidImage, len(data))
	}
	if string(data[:4]) != string(imageMagic) {
		return nil, fmt.Errorf("%w: bad magic", ErrInvalidImage)
	}
	if data[4] != Version {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, data[4])
	}
	flags := data[5]
	if flags&^flagZstd != 0 {
		return nil, fmt.Errorf("%w: unknown flags 0x%02x", ErrInvalidImage, flags)
	}

	body := data[headerSize : len(data)-hashSize]
	var want types.Hash
	copy(want[:], data[len(data)-hashSize:])

	payload := body
	if flags&flagZstd != 0 {
		var err error
		payload, err = decompress(body)
		if err != nil {
			return nil, fmt.Errorf("%w: zstd: %v", ErrInvalidImage, err)
		}
	}

	id := types.ComputeHash(payload)
	if id != want {
		return nil, fmt.Errorf("%w: have %s, trailer %s", ErrChecksumMismatch, id, want)
	}

	prog, err := l.decodePayload(payload)
	if err != nil {
		return nil, err
	}
	if err := prog.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	if l.opts.VerifyCode {
		if err := Verify(prog); err != nil {
			return nil, err
		}
	}

	return &Image{
		ID:         id,
		Program:    prog,
		Compressed: flags&flagZstd != 0,
		Size:       len(data),
	}, nil
}

func (l *Loader) decodePayload(payload []byte) (*engine.Program, error) {
	r := &reader{buf: payload}

	codeLen := r.u32()
	if int64(codeLen) > int64(l.opts.MaxCodeSize) {
		return nil, fmt.Errorf("%w: code section %d bytes", ErrTooLarge, codeLen)
	}
	code := r.bytes(int(codeLen))
	globals := r.u32()
	entry := r.u32()
	nfuncs := r.u32()
	if r.err != nil {
		return nil, r.err
	}
	if globals > vm.MaxGlobals {
		return nil, fmt.Errorf("%w: %d globals", ErrTooLarge, globals)
	}
	if nfuncs > vm.MaxFunctions {
		return nil, fmt.Errorf("%w: %d functions", ErrTooLarge, nfuncs)
	}

	funcs := make([]engine.Function, 0, nfuncs)
	for i := uint32(0); i < nfuncs; i++ {
		nameLen := r.u16()
		name := string(r.bytes(int(nameLen)))
		arity := r.u32()
		locals := r.u32()
		fentry := r.u32()
		returns := r.u8()
		if r.err != nil {
			return nil, fmt.Errorf("function %d: %w", i, r.err)
		}
		if locals > vm.MaxLocals {
			return nil, fmt.Errorf("%w: function %s has %d locals", ErrTooLarge, name, locals)
		}
		funcs = append(funcs, engine.Function{
			Name:    name,
			Arity:   int(arity),
			Locals:  int(locals),
			Entry:   int(fentry),
			Returns: int(returns),
		})
	}
	if r.off != len(payload) {
		return nil, fmt.Errorf("%w: %d trailing payload bytes", ErrInvalidImage, len(payload)-r.off)
	}

	// The payload slice is owned by the caller; keep an independent copy.
	owned := make([]byte, len(code))
	copy(owned, code)

	return &engine.Program{
		Code:      owned,
		Functions: funcs,
		Globals:   int(globals),
		Entry:     int(entry),
	}, nil
}

// Encode serializes a program into an image.
func Encode(prog *engine.Program, compress bool) ([]byte, error) {
	payload, err := encodePayload(prog)
	if err != nil {
		return nil, err
	}
	sum := types.ComputeHash(payload)

	var flags byte
	body := payload
	if compress {
		flags |= flagZstd
		body, err = compressPayload(payload)
		if err != nil {
			return nil, fmt.Errorf("zstd compression failed: %w", err)
		}
	}

	out := make([]byte, 0, headerSize+len(body)+hashSize)
	out = append(out, imageMagic...)
	out = append(out, Version, flags, 0, 0)
	out = append(out, body...)
	out = append(out, sum[:]...)
	if len(out) > MaxImageSize {
		return nil, ErrTooLarge
	}
	return out, nil
}

// ProgramID returns the ID an image of prog would have.
func ProgramID(prog *engine.Program) (types.ProgramID, error) {
	payload, err := encodePayload(prog)
	if err != nil {
		return types.ProgramID{}, err
	}
	return types.ComputeHash(payload), nil
}

func encodePayload(prog *engine.Program) ([]byte, error) {
	if len(prog.Code) > vm.MaxCodeSize {
		return nil, fmt.Errorf("%w: code section %d bytes", ErrTooLarge, len(prog.Code))
	}
	if len(prog.Functions) > vm.MaxFunctions {
		return nil, fmt.Errorf("%w: %d functions", ErrTooLarge, len(prog.Functions))
	}
	if prog.Globals < 0 || prog.Entry < 0 {
		return nil, fmt.Errorf("%w: negative globals or entry", ErrInvalidImage)
	}

	buf := make([]byte, 0, 16+len(prog.Code)+32*len(prog.Functions))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(prog.Code)))
	buf = append(buf, prog.Code...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(prog.Globals))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(prog.Entry))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(prog.Functions)))
	for _, fn := range prog.Functions {
		if len(fn.Name) > vm.MaxFunctionName {
			return nil, fmt.Errorf("%w: function name %q too long", ErrInvalidImage, fn.Name)
		}
		if fn.Arity < 0 || fn.Locals < 0 || fn.Entry < 0 || fn.Returns < 0 || fn.Returns > 1 {
			return nil, fmt.Errorf("%w: function %q has invalid metadata", ErrInvalidImage, fn.Name)
		}
		buf = binary.LittleEndian.AppendUint16(buf, uint16(len(fn.Name)))
		buf = append(buf, fn.Name...)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(fn.Arity))
		buf = binary.LittleEndian.AppendUint32(buf, uint32(fn.Locals))
		buf = binary.LittleEndian.AppendUint32(buf, uint32(fn.Entry))
		buf = append(buf, byte(fn.Returns))
	}
	return buf, nil
}

// compressPayload compresses data using zstd.
func compressPayload(data []byte) ([]byte, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, err
	}
	defer encoder.Close()
	return encoder.EncodeAll(data, nil), nil
}

// decompress decompresses a zstd payload, refusing to grow past
// MaxImageSize.
func decompress(data []byte) ([]byte, error) {
	decoder, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxImageSize))
	if err != nil {
		return nil, err
	}
	defer decoder.Close()
	out, err := decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, err
	}
	if len(out) > MaxImageSize {
		return nil, ErrTooLarge
	}
	return out, nil
}

// reader is a sticky-error little-endian cursor.
type reader struct {
	buf []byte
	off int
	err error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.off+n > len(r.buf) {
		r.err = fmt.Errorf("%w: unexpected end of payload at offset %d", ErrInvalidImage, r.off)
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) bytes(n int) []byte { return r.take(n) }

func (r *reader) u8() uint8 {
	if b := r.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (r *reader) u16() uint16 {
	if b := r.take(2); b != nil {
		return binary.LittleEndian.Uint16(b)
	}
	return 0
}

func (r *reader) u32() uint32 {
	if b := r.take(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}
