package moodb

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/moodb/moodb/internal/values"
)

// Object-level flags, bitset per spec §3's "flag set (wizard, programmer,
// read, write, user, …)".
const (
	FlagWizard uint32 = 1 << iota
	FlagProgrammer
	FlagRead
	FlagWrite
	FlagUser
)

// Object is the codomain of the objects relation.
type Object struct {
	Parent   values.Oid
	Location values.Oid
	Owner    values.Oid
	Name     string
	Flags    uint32
}

// ArgSpecKind classifies one slot of a verb's argument specification:
// spec §3's "each either this/none/any".
type ArgSpecKind uint8

const (
	ArgNone ArgSpecKind = iota
	ArgAny
	ArgThis
)

// ArgSpec is a verb's direct-object / preposition / indirect-object
// argument specification.
type ArgSpec struct {
	Dobj ArgSpecKind
	Prep ArgSpecKind
	Iobj ArgSpecKind
}

// Verb-level flags (read, write, exec, debug).
const (
	VerbRead uint32 = 1 << iota
	VerbWrite
	VerbExec
	VerbDebug
)

// VerbDef is the codomain of the verbdefs relation, keyed by
// (definer, uuid). The compiled binary is stored separately in
// verb-program-blobs, keyed by uuid alone.
type VerbDef struct {
	Definer values.Oid
	Owner   values.Oid
	Flags   uint32
	Spec    ArgSpec
	Names   []string
}

// Property-level flags (read, write, chown).
const (
	PropRead uint32 = 1 << iota
	PropWrite
	PropChown
)

// PropDef is the codomain of the propdefs relation, keyed by
// (definer, uuid).
type PropDef struct {
	Definer values.Oid
	Owner   values.Oid
	Name    string
	Flags   uint32
}

// PropValue is the codomain of the propvalues relation, keyed by
// (object, property-uuid). Clear means "inherit from the nearest
// ancestor's binding" per spec §3.
type PropValue struct {
	Owner values.Oid
	Flags uint32
	Clear bool
	Value []byte // values.Marshal-encoded; absent/ignored when Clear
}

func encodeOid(o values.Oid) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(o))
	return b[:]
}

func decodeOid(b []byte) values.Oid {
	return values.Oid(binary.BigEndian.Uint64(b))
}

func encodeOidUuid(o values.Oid, id values.Uuid) []byte {
	out := make([]byte, 0, 24)
	out = append(out, encodeOid(o)...)
	out = append(out, id[:]...)
	return out
}

func splitOidUuidKey(key []byte) (values.Oid, values.Uuid, error) {
	if len(key) != 24 {
		return 0, values.Uuid{}, fmt.Errorf("moodb: malformed (oid, uuid) key of length %d", len(key))
	}
	var id values.Uuid
	copy(id[:], key[8:])
	return decodeOid(key[:8]), id, nil
}

// prefixBounds returns the [lo, hi] byte range that exactly covers every
// key sharing the given 8-byte oid prefix, for a Range scan over
// verbdefs/propdefs/propvalues.
func prefixBounds(o values.Oid) (lo, hi []byte) {
	lo = make([]byte, 24)
	copy(lo, encodeOid(o))
	hi = make([]byte, 24)
	copy(hi, encodeOid(o))
	for i := 8; i < 24; i++ {
		hi[i] = 0xFF
	}
	return lo, hi
}

func encodeObject(o Object) []byte {
	b, err := json.Marshal(o)
	if err != nil {
		panic(fmt.Sprintf("moodb: encode object: %v", err))
	}
	return b
}

func decodeObject(b []byte) (Object, error) {
	var o Object
	if err := json.Unmarshal(b, &o); err != nil {
		return Object{}, err
	}
	return o, nil
}

func encodeVerbDef(v VerbDef) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("moodb: encode verbdef: %v", err))
	}
	return b
}

func decodeVerbDef(b []byte) (VerbDef, error) {
	var v VerbDef
	if err := json.Unmarshal(b, &v); err != nil {
		return VerbDef{}, err
	}
	return v, nil
}

func encodePropDef(p PropDef) []byte {
	b, err := json.Marshal(p)
	if err != nil {
		panic(fmt.Sprintf("moodb: encode propdef: %v", err))
	}
	return b
}

func decodePropDef(b []byte) (PropDef, error) {
	var p PropDef
	if err := json.Unmarshal(b, &p); err != nil {
		return PropDef{}, err
	}
	return p, nil
}

func encodePropValue(p PropValue) []byte {
	b, err := json.Marshal(p)
	if err != nil {
		panic(fmt.Sprintf("moodb: encode propvalue: %v", err))
	}
	return b
}

func decodePropValue(b []byte) (PropValue, error) {
	var p PropValue
	if err := json.Unmarshal(b, &p); err != nil {
		return PropValue{}, err
	}
	return p, nil
}
