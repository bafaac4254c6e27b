package meter

type opClass uint8

const (
	opPlain opClass = iota
	// opOpen starts a nested block (block, loop, if).
	opOpen
	// opSplit ends a straight-line run without nesting (else, br_if).
	opSplit
	opEnd
	opGrow
)

// indices of the globals appended by Instrument.
type indices struct {
	fuel    uint32
	oom     uint32
	scratch uint32
}

// rewriteBody prefixes every straight-line run of a function body with a
// fuel charge equal to its instruction count and guards memory.grow.
// A run ends at the first control instruction, which is charged with it, so
// each loop iteration pays for its header again.
func rewriteBody(body []byte, idx indices) ([]byte, error) {
	r := &reader{buf: body}
	groups, err := r.readU32()
	if err != nil {
		return nil, err
	}
	for i := uint32(0); i < groups; i++ {
		if _, err := r.readU32(); err != nil {
			return nil, err
		}
		if err := r.skipValType(); err != nil {
			return nil, err
		}
	}

	out := make([]byte, 0, len(body)+len(body)/2+32)
	out = append(out, body[:r.off]...)

	var seg []byte
	var cost int64
	flush := func() {
		if cost > 0 {
			out = appendCharge(out, idx.fuel, cost)
		}
		out = append(out, seg...)
		seg = seg[:0]
		cost = 0
	}

	depth := 0
	for !r.eof() {
		start := r.off
		op, err := r.readByte()
		if err != nil {
			return nil, err
		}
		class, err := r.skipImmediates(op)
		if err != nil {
			return nil, err
		}
		seg = append(seg, body[start:r.off]...)
		cost++

		switch class {
		case opGrow:
			seg = appendGrowGuard(seg, idx)
		case opOpen:
			depth++
			flush()
		case opSplit:
			flush()
		case opEnd:
			if depth == 0 {
				flush()
				if !r.eof() {
					return nil, malformed("%d bytes after function end", len(body)-r.off)
				}
				return out, nil
			}
			depth--
			flush()
		}
	}
	return nil, malformed("function body has no end")
}

// appendCharge emits: fuel -= cost; if fuel < 0 { unreachable }.
func appendCharge(b []byte, fuel uint32, cost int64) []byte {
	b = append(b, 0x23)
	b = appendULEB(b, uint64(fuel))
	b = append(b, 0x42)
	b = appendSLEB(b, cost)
	b = append(b, 0x7d, 0x24)
	b = appendULEB(b, uint64(fuel))
	b = append(b, 0x23)
	b = appendULEB(b, uint64(fuel))
	b = append(b, 0x42, 0x00, 0x53, 0x04, 0x40, 0x00, 0x0b)
	return b
}

// appendGrowGuard follows memory.grow: a -1 result sets the oom flag and
// traps, otherwise the result is left on the stack.
func appendGrowGuard(b []byte, idx indices) []byte {
	b = append(b, 0x24)
	b = appendULEB(b, uint64(idx.scratch))
	b = append(b, 0x23)
	b = appendULEB(b, uint64(idx.scratch))
	b = append(b, 0x41, 0x7f, 0x46, 0x04, 0x40, 0x41, 0x01, 0x24)
	b = appendULEB(b, uint64(idx.oom))
	b = append(b, 0x00, 0x0b, 0x23)
	b = appendULEB(b, uint64(idx.scratch))
	return b
}

func (r *reader) skipMemArg() error {
	align, err := r.readU32()
	if err != nil {
		return err
	}
	if align&0x40 != 0 {
		if _, err := r.readU32(); err != nil {
			return err
		}
	}
	return r.skipLEB(10)
}

func (r *reader) skipU32s(n int) error {
	for i := 0; i < n; i++ {
		if _, err := r.readU32(); err != nil {
			return err
		}
	}
	return nil
}

func (r *reader) skipImmediates(op byte) (opClass, error) {
	switch {
	case op == 0x00, op == 0x01, op == 0x0f, op == 0x1a, op == 0x1b, op == 0xd1:
		return opPlain, nil
	case op >= 0x45 && op <= 0xc4:
		return opPlain, nil
	case op == 0x02, op == 0x03, op == 0x04:
		return opOpen, r.skipLEB(5)
	case op == 0x05:
		return opSplit, nil
	case op == 0x0b:
		return opEnd, nil
	case op == 0x0d:
		return opSplit, r.skipU32s(1)
	case op == 0x0c, op == 0x10, op == 0x12, op == 0xd2:
		return opPlain, r.skipU32s(1)
	case op >= 0x20 && op <= 0x26:
		return opPlain, r.skipU32s(1)
	case op == 0x11, op == 0x13:
		return opPlain, r.skipU32s(2)
	case op == 0x0e:
		n, err := r.readU32()
		if err != nil {
			return 0, err
		}
		return opPlain, r.skipU32s(int(n) + 1)
	case op == 0x1c:
		n, err := r.readU32()
		if err != nil {
			return 0, err
		}
		for i := uint32(0); i < n; i++ {
			if err := r.skipValType(); err != nil {
				return 0, err
			}
		}
		return opPlain, nil
	case op >= 0x28 && op <= 0x3e:
		return opPlain, r.skipMemArg()
	case op == 0x3f:
		return opPlain, r.skipU32s(1)
	case op == 0x40:
		return opGrow, r.skipU32s(1)
	case op == 0x41:
		return opPlain, r.skipLEB(5)
	case op == 0x42:
		return opPlain, r.skipLEB(10)
	case op == 0x43:
		_, err := r.readBytes(4)
		return opPlain, err
	case op == 0x44:
		_, err := r.readBytes(8)
		return opPlain, err
	case op == 0xd0:
		return opPlain, r.skipValType()
	case op == 0xfc:
		return r.skipMisc()
	case op == 0xfd:
		return r.skipSIMD()
	case op == 0xfe:
		return r.skipAtomic()
	case op >= 0x06 && op <= 0x0a, op == 0x18, op == 0x19, op == 0x1f:
		return 0, unsupported("exception handling opcode 0x%02x", op)
	default:
		return 0, unsupported("opcode 0x%02x", op)
	}
}

func (r *reader) skipMisc() (opClass, error) {
	sub, err := r.readU32()
	if err != nil {
		return 0, err
	}
	switch {
	case sub <= 7:
		return opPlain, nil
	case sub == 8, sub == 10, sub == 12, sub == 14:
		return opPlain, r.skipU32s(2)
	case sub == 9, sub == 11, sub == 13, sub == 15, sub == 16, sub == 17:
		return opPlain, r.skipU32s(1)
	default:
		return 0, unsupported("opcode 0xfc %d", sub)
	}
}

func (r *reader) skipSIMD() (opClass, error) {
	sub, err := r.readU32()
	if err != nil {
		return 0, err
	}
	switch {
	case sub <= 11, sub == 92, sub == 93:
		return opPlain, r.skipMemArg()
	case sub == 12, sub == 13:
		_, err := r.readBytes(16)
		return opPlain, err
	case sub >= 21 && sub <= 34:
		_, err := r.readBytes(1)
		return opPlain, err
	case sub >= 84 && sub <= 91:
		if err := r.skipMemArg(); err != nil {
			return 0, err
		}
		_, err := r.readBytes(1)
		return opPlain, err
	case sub <= 0x113:
		return opPlain, nil
	default:
		return 0, unsupported("opcode 0xfd %d", sub)
	}
}

func (r *reader) skipAtomic() (opClass, error) {
	sub, err := r.readU32()
	if err != nil {
		return 0, err
	}
	switch {
	case sub == 0x03:
		_, err := r.readBytes(1)
		return opPlain, err
	case sub <= 0x02, sub >= 0x10 && sub <= 0x4e:
		return opPlain, r.skipMemArg()
	default:
		return 0, unsupported("opcode 0xfe %d", sub)
	}
}
