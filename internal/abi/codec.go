package abi

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// maxChunkBytes bounds any single length-prefixed field while decoding, so a
// corrupt length cannot ask for gigabytes.
const maxChunkBytes = 64 * 1024 * 1024

var order = binary.LittleEndian

func writeU8(w io.Writer, v uint8) error {
	_, err := w.Write([]byte{v})
	return err
}

func writeU32(w io.Writer, v uint32) error {
	var buf [4]byte
	order.PutUint32(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func writeU64(w io.Writer, v uint64) error {
	var buf [8]byte
	order.PutUint64(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func writeBytes(w io.Writer, b []byte) error {
	if len(b) > math.MaxUint32 {
		return fmt.Errorf("field of %d bytes exceeds u32 length prefix", len(b))
	}
	if err := writeU32(w, uint32(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readU8(r io.Reader) (uint8, error) {
	var buf [1]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return buf[0], nil
}

func readU32(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return order.Uint32(buf[:]), nil
}

func readU64(r io.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return order.Uint64(buf[:]), nil
}

func readBytes(r io.Reader) ([]byte, error) {
	n, err := readU32(r)
	if err != nil {
		return nil, err
	}
	if n > maxChunkBytes {
		return nil, fmt.Errorf("length prefix %d exceeds limit of %d", n, maxChunkBytes)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

func boolByte(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}

// EncodeRequest writes req to w in the fixed wire layout.
func EncodeRequest(w io.Writer, req *Request) error {
	if req.Exe == "" {
		return fmt.Errorf("request executable is empty")
	}
	if err := writeBytes(w, []byte(req.Exe)); err != nil {
		return fmt.Errorf("encode exe: %w", err)
	}
	if err := writeU32(w, uint32(len(req.Args))); err != nil {
		return fmt.Errorf("encode arg count: %w", err)
	}
	for i, a := range req.Args {
		if err := writeBytes(w, []byte(a)); err != nil {
			return fmt.Errorf("encode arg %d: %w", i, err)
		}
	}
	if err := writeU32(w, uint32(len(req.Env))); err != nil {
		return fmt.Errorf("encode env count: %w", err)
	}
	for i, e := range req.Env {
		if err := writeBytes(w, []byte(e.Key)); err != nil {
			return fmt.Errorf("encode env key %d: %w", i, err)
		}
		if err := writeBytes(w, []byte(e.Value)); err != nil {
			return fmt.Errorf("encode env value %d: %w", i, err)
		}
	}
	if err := writeU8(w, boolByte(req.HasWorkdir)); err != nil {
		return fmt.Errorf("encode workdir flag: %w", err)
	}
	if req.HasWorkdir {
		if err := writeBytes(w, []byte(req.Workdir)); err != nil {
			return fmt.Errorf("encode workdir: %w", err)
		}
	}
	if err := writeU8(w, boolByte(req.HasStdin)); err != nil {
		return fmt.Errorf("encode stdin flag: %w", err)
	}
	if req.HasStdin {
		if err := writeBytes(w, req.Stdin); err != nil {
			return fmt.Errorf("encode stdin: %w", err)
		}
	}
	if err := writeU8(w, boolByte(req.Streaming)); err != nil {
		return fmt.Errorf("encode streaming flag: %w", err)
	}
	return nil
}

// DecodeRequest reads one Request from r. A short read anywhere is an error;
// trailing bytes are left unconsumed for the caller.
func DecodeRequest(r io.Reader) (*Request, error) {
	var req Request

	exe, err := readBytes(r)
	if err != nil {
		return nil, fmt.Errorf("decode exe: %w", err)
	}
	if len(exe) == 0 {
		return nil, fmt.Errorf("request executable is empty")
	}
	req.Exe = string(exe)

	argc, err := readU32(r)
	if err != nil {
		return nil, fmt.Errorf("decode arg count: %w", err)
	}
	for i := uint32(0); i < argc; i++ {
		a, err := readBytes(r)
		if err != nil {
			return nil, fmt.Errorf("decode arg %d: %w", i, err)
		}
		req.Args = append(req.Args, string(a))
	}

	envc, err := readU32(r)
	if err != nil {
		return nil, fmt.Errorf("decode env count: %w", err)
	}
	for i := uint32(0); i < envc; i++ {
		k, err := readBytes(r)
		if err != nil {
			return nil, fmt.Errorf("decode env key %d: %w", i, err)
		}
		v, err := readBytes(r)
		if err != nil {
			return nil, fmt.Errorf("decode env value %d: %w", i, err)
		}
		req.Env = append(req.Env, EnvEntry{Key: string(k), Value: string(v)})
	}

	hasWD, err := readU8(r)
	if err != nil {
		return nil, fmt.Errorf("decode workdir flag: %w", err)
	}
	if hasWD != 0 {
		wd, err := readBytes(r)
		if err != nil {
			return nil, fmt.Errorf("decode workdir: %w", err)
		}
		req.Workdir = string(wd)
		req.HasWorkdir = true
	}

	hasStdin, err := readU8(r)
	if err != nil {
		return nil, fmt.Errorf("decode stdin flag: %w", err)
	}
	if hasStdin != 0 {
		in, err := readBytes(r)
		if err != nil {
			return nil, fmt.Errorf("decode stdin: %w", err)
		}
		req.Stdin = in
		req.HasStdin = true
	}

	streaming, err := readU8(r)
	if err != nil {
		return nil, fmt.Errorf("decode streaming flag: %w", err)
	}
	req.Streaming = streaming != 0

	return &req, nil
}

// EncodeCaps writes the four mandatory cap fields.
func EncodeCaps(w io.Writer, caps *Caps) error {
	for _, v := range [...]uint64{caps.MaxStdoutBytes, caps.MaxStderrBytes, caps.MaxTotalBytes, caps.TimeoutMillis} {
		if err := writeU64(w, v); err != nil {
			return fmt.Errorf("encode caps: %w", err)
		}
	}
	return nil
}

// DecodeCaps reads the four mandatory cap fields.
func DecodeCaps(r io.Reader) (*Caps, error) {
	var caps Caps
	fields := [...]*uint64{&caps.MaxStdoutBytes, &caps.MaxStderrBytes, &caps.MaxTotalBytes, &caps.TimeoutMillis}
	for i, f := range fields {
		v, err := readU64(r)
		if err != nil {
			return nil, fmt.Errorf("decode caps field %d: %w", i, err)
		}
		*f = v
	}
	return &caps, nil
}

const (
	tagErr = 0
	tagOk  = 1
)

// EncodeResult writes a ResultDocument: one tag byte, then either the 4-byte
// error code or exit code plus both captured streams.
func EncodeResult(w io.Writer, doc *ResultDocument) error {
	if !doc.Ok {
		if err := writeU8(w, tagErr); err != nil {
			return fmt.Errorf("encode result tag: %w", err)
		}
		if err := writeU32(w, uint32(doc.Err)); err != nil {
			return fmt.Errorf("encode error code: %w", err)
		}
		return nil
	}
	if err := writeU8(w, tagOk); err != nil {
		return fmt.Errorf("encode result tag: %w", err)
	}
	if err := writeU32(w, uint32(doc.ExitCode)); err != nil {
		return fmt.Errorf("encode exit code: %w", err)
	}
	if err := writeBytes(w, doc.Stdout); err != nil {
		return fmt.Errorf("encode stdout: %w", err)
	}
	if err := writeBytes(w, doc.Stderr); err != nil {
		return fmt.Errorf("encode stderr: %w", err)
	}
	return nil
}

// DecodeResult reads one ResultDocument from r.
func DecodeResult(r io.Reader) (*ResultDocument, error) {
	tag, err := readU8(r)
	if err != nil {
		return nil, fmt.Errorf("decode result tag: %w", err)
	}
	switch tag {
	case tagErr:
		code, err := readU32(r)
		if err != nil {
			return nil, fmt.Errorf("decode error code: %w", err)
		}
		doc := ErrResult(Code(code))
		return &doc, nil
	case tagOk:
		exit, err := readU32(r)
		if err != nil {
			return nil, fmt.Errorf("decode exit code: %w", err)
		}
		stdout, err := readBytes(r)
		if err != nil {
			return nil, fmt.Errorf("decode stdout: %w", err)
		}
		stderr, err := readBytes(r)
		if err != nil {
			return nil, fmt.Errorf("decode stderr: %w", err)
		}
		doc := OkResult(int32(exit), stdout, stderr)
		return &doc, nil
	default:
		return nil, fmt.Errorf("invalid result tag: %d", tag)
	}
}

// EncodeFrame writes one worker-pool frame: 4-byte id, 4-byte payload
// length, payload bytes.
func EncodeFrame(w io.Writer, f *Frame) error {
	if err := writeU32(w, f.ID); err != nil {
		return fmt.Errorf("encode frame id: %w", err)
	}
	if err := writeBytes(w, f.Payload); err != nil {
		return fmt.Errorf("encode frame payload: %w", err)
	}
	return nil
}

// DecodeFrame reads one frame from r. io.EOF before the first byte means a
// clean end of the stream and is returned unwrapped so callers can stop.
func DecodeFrame(r io.Reader) (*Frame, error) {
	id, err := readU32(r)
	if err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("decode frame id: %w", err)
	}
	payload, err := readBytes(r)
	if err != nil {
		return nil, fmt.Errorf("decode frame payload: %w", err)
	}
	return &Frame{ID: id, Payload: payload}, nil
}

// TryDecodeFrame decodes one frame from the front of b if a complete frame
// is buffered, returning the frame and how many bytes it consumed. An
// incomplete frame returns (nil, 0, nil); callers keep buffering.
func TryDecodeFrame(b []byte) (*Frame, int, error) {
	if len(b) < 8 {
		return nil, 0, nil
	}
	n := order.Uint32(b[4:8])
	if uint64(n) > maxChunkBytes {
		return nil, 0, fmt.Errorf("frame payload of %d bytes exceeds limit", n)
	}
	total := 8 + int(n)
	if len(b) < total {
		return nil, 0, nil
	}
	payload := make([]byte, n)
	copy(payload, b[8:total])
	return &Frame{ID: order.Uint32(b[:4]), Payload: payload}, total, nil
}
