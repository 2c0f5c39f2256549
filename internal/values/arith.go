package values

// Sub, Mul, Div, and Mod round out Add's numeric arithmetic surface for
// the VM's opcode set (spec §4.7: "arithmetic"). Each returns (result,
// errorCode, ok); ok is false iff errorCode should be raised instead of
// the result being used.

func Sub(a, b Value) (Value, ErrorCode, bool) {
	if a.kind != b.kind {
		return Value{}, ETYPE, false
	}
	switch a.kind {
	case KindInt:
		return Int(a.i - b.i), 0, true
	case KindFloat:
		r := a.f - b.f
		if code, ok := floatRangeError(r); !ok {
			return Value{}, code, false
		}
		return Float(r), 0, true
	default:
		return Value{}, ETYPE, false
	}
}

func Mul(a, b Value) (Value, ErrorCode, bool) {
	if a.kind != b.kind {
		return Value{}, ETYPE, false
	}
	switch a.kind {
	case KindInt:
		return Int(a.i * b.i), 0, true
	case KindFloat:
		r := a.f * b.f
		if code, ok := floatRangeError(r); !ok {
			return Value{}, code, false
		}
		return Float(r), 0, true
	default:
		return Value{}, ETYPE, false
	}
}

func Div(a, b Value) (Value, ErrorCode, bool) {
	if a.kind != b.kind {
		return Value{}, ETYPE, false
	}
	switch a.kind {
	case KindInt:
		if b.i == 0 {
			return Value{}, EDIV, false
		}
		return Int(a.i / b.i), 0, true
	case KindFloat:
		if b.f == 0 {
			return Value{}, EDIV, false
		}
		r := a.f / b.f
		if code, ok := floatRangeError(r); !ok {
			return Value{}, code, false
		}
		return Float(r), 0, true
	default:
		return Value{}, ETYPE, false
	}
}

func Mod(a, b Value) (Value, ErrorCode, bool) {
	if a.kind != b.kind {
		return Value{}, ETYPE, false
	}
	switch a.kind {
	case KindInt:
		if b.i == 0 {
			return Value{}, EDIV, false
		}
		return Int(a.i % b.i), 0, true
	default:
		return Value{}, ETYPE, false
	}
}
