package vm

import (
	"encoding/json"

	"github.com/moodb/moodb/internal/values"
)

// wireProgram is the exported mirror of Program used only for encoding:
// values.Value carries deliberately unexported fields (see
// values/codec.go), so each literal is marshaled through values.Marshal
// rather than handed directly to encoding/json.
type wireProgram struct {
	Literals [][]byte
	VarNames []string
	Main     []Op
	Forks    [][]Op
}

// EncodeProgram serializes a Program to the opaque binary blob moodb
// stores per verb (the AddVerb/ResolveVerb `program []byte` parameter).
// Since compiling verb source into bytecode is out of scope here, this
// is simply a storage format for an already-assembled Program, the same
// role values.Marshal plays for property values — not a compiler
// output format.
func EncodeProgram(p *Program) ([]byte, error) {
	w := wireProgram{VarNames: p.VarNames, Main: p.Main, Forks: p.Forks}
	w.Literals = make([][]byte, len(p.Literals))
	for i, lit := range p.Literals {
		enc, err := values.Marshal(lit)
		if err != nil {
			return nil, err
		}
		w.Literals[i] = enc
	}
	return json.Marshal(w)
}

// DecodeProgram reverses EncodeProgram, used by CallVerb/Pass dispatch
// to turn a resolved verb's stored program back into a runnable
// *Program before pushing its activation.
func DecodeProgram(b []byte) (*Program, error) {
	var w wireProgram
	if err := json.Unmarshal(b, &w); err != nil {
		return nil, err
	}
	p := &Program{VarNames: w.VarNames, Main: w.Main, Forks: w.Forks}
	p.Literals = make([]values.Value, len(w.Literals))
	for i, enc := range w.Literals {
		v, err := values.Unmarshal(enc)
		if err != nil {
			return nil, err
		}
		p.Literals[i] = v
	}
	return p, nil
}
