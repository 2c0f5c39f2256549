package values

import "encoding/json"

// wireValue is the exported mirror of Value used only for marshaling,
// since Value's fields are deliberately unexported to keep construction
// funneled through the None/Int/Float/... constructors.
type wireValue struct {
	Kind Kind        `json:"k"`
	I    int64       `json:"i,omitempty"`
	F    float64     `json:"f,omitempty"`
	S    string      `json:"s,omitempty"`
	O    Oid         `json:"o,omitempty"`
	E    ErrorCode   `json:"e,omitempty"`
	L    []wireValue `json:"l,omitempty"`
}

func toWire(v Value) wireValue {
	w := wireValue{Kind: v.kind}
	switch v.kind {
	case KindInt:
		w.I = v.i
	case KindFloat:
		w.F = v.f
	case KindStr:
		w.S = v.s
	case KindObj:
		w.O = v.o
	case KindErr:
		w.E = v.e
	case KindList:
		w.L = make([]wireValue, len(v.l))
		for i, e := range v.l {
			w.L[i] = toWire(e)
		}
	}
	return w
}

func fromWire(w wireValue) Value {
	switch w.Kind {
	case KindInt:
		return Int(w.I)
	case KindFloat:
		return Float(w.F)
	case KindStr:
		return Str(w.S)
	case KindObj:
		return Obj(w.O)
	case KindErr:
		return Err(w.E)
	case KindList:
		items := make([]Value, len(w.L))
		for i, e := range w.L {
			items[i] = fromWire(e)
		}
		return Value{kind: KindList, l: items}
	default:
		return None()
	}
}

// Marshal serializes v to bytes suitable for storage as a relation
// codomain (property values, literal-table entries).
func Marshal(v Value) ([]byte, error) {
	return json.Marshal(toWire(v))
}

// Unmarshal is the inverse of Marshal.
func Unmarshal(data []byte) (Value, error) {
	var w wireValue
	if err := json.Unmarshal(data, &w); err != nil {
		return Value{}, err
	}
	return fromWire(w), nil
}
