package meter

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformed reports a binary that does not decode as a wasm module.
	ErrMalformed = errors.New("malformed wasm module")
	// ErrUnsupported reports a proposal the metering pass cannot rewrite.
	ErrUnsupported = errors.New("unsupported wasm feature")
)

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, args...))
}

func unsupported(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrUnsupported, fmt.Sprintf(format, args...))
}

type reader struct {
	buf []byte
	off int
}

func (r *reader) eof() bool {
	return r.off >= len(r.buf)
}

func (r *reader) readByte() (byte, error) {
	if r.off >= len(r.buf) {
		return 0, malformed("unexpected end at offset %d", r.off)
	}
	b := r.buf[r.off]
	r.off++
	return b, nil
}

func (r *reader) readBytes(n int) ([]byte, error) {
	if n < 0 || len(r.buf)-r.off < n {
		return nil, malformed("need %d bytes at offset %d", n, r.off)
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, nil
}

func (r *reader) readU32() (uint32, error) {
	var v uint32
	for shift := 0; shift < 35; shift += 7 {
		b, err := r.readByte()
		if err != nil {
			return 0, err
		}
		v |= uint32(b&0x7f) << shift
		if b&0x80 == 0 {
			return v, nil
		}
	}
	return 0, malformed("u32 overflows at offset %d", r.off)
}

// skipLEB skips a LEB128 value of at most maxBytes bytes, signed or not.
func (r *reader) skipLEB(maxBytes int) error {
	for i := 0; i < maxBytes; i++ {
		b, err := r.readByte()
		if err != nil {
			return err
		}
		if b&0x80 == 0 {
			return nil
		}
	}
	return malformed("integer too long at offset %d", r.off)
}

func (r *reader) readName() (string, error) {
	n, err := r.readU32()
	if err != nil {
		return "", err
	}
	b, err := r.readBytes(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (r *reader) skipValType() error {
	b, err := r.readByte()
	if err != nil {
		return err
	}
	switch b {
	case 0x7f, 0x7e, 0x7d, 0x7c, 0x7b, 0x70, 0x6f:
		return nil
	default:
		return unsupported("value type 0x%02x", b)
	}
}

// readLimits returns the minimum of a table or memory limits entry.
func (r *reader) readLimits() (uint32, error) {
	flags, err := r.readByte()
	if err != nil {
		return 0, err
	}
	if flags&^0x03 != 0 {
		return 0, unsupported("limits flags 0x%02x (64-bit or custom page sizes)", flags)
	}
	min, err := r.readU32()
	if err != nil {
		return 0, err
	}
	if flags&0x01 != 0 {
		if _, err := r.readU32(); err != nil {
			return 0, err
		}
	}
	return min, nil
}

func appendULEB(b []byte, v uint64) []byte {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b = append(b, c|0x80)
			continue
		}
		return append(b, c)
	}
}

func appendSLEB(b []byte, v int64) []byte {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && c&0x40 == 0) || (v == -1 && c&0x40 != 0) {
			return append(b, c)
		}
		b = append(b, c|0x80)
	}
}
