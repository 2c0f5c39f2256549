package moodb

import (
	"fmt"
	"sort"
	"strings"

	"github.com/moodb/moodb/internal/store/storeerr"
	"github.com/moodb/moodb/internal/store/txn"
	"github.com/moodb/moodb/internal/values"
)

// Handle is a transaction bound to the world-state interface of spec §6:
// create/destroy object, get/set object attribute, children/contents,
// add/delete/get/resolve verb, add/delete/get/find property, get/put
// property value, commit, rollback.
type Handle struct {
	store *Store
	txn   *txn.Transaction
}

// Commit publishes the handle's effects, per txn.Transaction.Commit.
func (h *Handle) Commit() (txn.Outcome, error) { return h.txn.Commit() }

// Rollback discards the handle's effects.
func (h *Handle) Rollback() { h.txn.Rollback() }

func (h *Handle) getObject(o values.Oid) (Object, error) {
	raw, ok, err := h.txn.Seek(RelObjects, encodeOid(o))
	if err != nil {
		return Object{}, err
	}
	if !ok {
		return Object{}, fmt.Errorf("moodb: object #%d: %w", o, ErrObjectNotFound)
	}
	return decodeObject(raw)
}

func (h *Handle) putObject(o values.Oid, obj Object) error {
	return h.txn.Upsert(RelObjects, encodeOid(o), encodeObject(obj))
}

// CreateObject inserts a new object record and wires its parent/location
// secondary indices. Callers assign the oid (the monotonic oid sequence
// is an external-collaborator concern per spec §6, same as session I/O).
func (h *Handle) CreateObject(o, parent, location, owner values.Oid, name string, flags uint32) error {
	obj := Object{Parent: parent, Location: location, Owner: owner, Name: name, Flags: flags}
	if err := h.txn.Insert(RelObjects, encodeOid(o), encodeObject(obj)); err != nil {
		return fmt.Errorf("moodb: create object #%d: %w", o, err)
	}
	if parent != values.NothingOid {
		if err := h.txn.Insert(RelObjectParent, encodeOid(o), encodeOid(parent)); err != nil {
			return err
		}
	}
	if location != values.NothingOid {
		if err := h.txn.Insert(RelObjectLocation, encodeOid(o), encodeOid(location)); err != nil {
			return err
		}
	}
	return nil
}

// DestroyObject removes the object record, its parent/location edges, and
// every verb/property definition and value it defines or holds.
func (h *Handle) DestroyObject(o values.Oid) error {
	if _, err := h.getObject(o); err != nil {
		return err
	}
	if _, ok, _ := h.txn.Seek(RelObjectParent, encodeOid(o)); ok {
		if err := h.txn.Remove(RelObjectParent, encodeOid(o)); err != nil {
			return err
		}
	}
	if _, ok, _ := h.txn.Seek(RelObjectLocation, encodeOid(o)); ok {
		if err := h.txn.Remove(RelObjectLocation, encodeOid(o)); err != nil {
			return err
		}
	}
	lo, hi := prefixBounds(o)
	for _, rel := range []uint32{RelVerbDefs, RelPropDefs, RelPropValues} {
		kvs, err := h.txn.Range(rel, lo, hi)
		if err != nil {
			return err
		}
		for _, kv := range kvs {
			if rel == RelVerbDefs {
				_, id, kerr := splitOidUuidKey(kv.Domain)
				if kerr == nil {
					_ = h.txn.Remove(RelVerbPrograms, id[:])
				}
			}
			if err := h.txn.Remove(rel, kv.Domain); err != nil {
				return err
			}
		}
	}
	return h.txn.Remove(RelObjects, encodeOid(o))
}

// GetParent, SetParent, GetLocation, SetLocation, GetOwner, SetOwner,
// GetName, SetName, GetFlags, and SetFlags are the individual object
// attribute accessors named by spec §6's "get/set object attribute".

func (h *Handle) GetParent(o values.Oid) (values.Oid, error) {
	obj, err := h.getObject(o)
	return obj.Parent, err
}

func (h *Handle) GetLocation(o values.Oid) (values.Oid, error) {
	obj, err := h.getObject(o)
	return obj.Location, err
}

func (h *Handle) GetOwner(o values.Oid) (values.Oid, error) {
	obj, err := h.getObject(o)
	return obj.Owner, err
}

func (h *Handle) GetName(o values.Oid) (string, error) {
	obj, err := h.getObject(o)
	return obj.Name, err
}

func (h *Handle) GetFlags(o values.Oid) (uint32, error) {
	obj, err := h.getObject(o)
	return obj.Flags, err
}

// SetParent reassigns o's parent, rejecting the change if it would create
// a cycle (spec §3 invariant: "Parent and location graphs are acyclic").
func (h *Handle) SetParent(o, newParent values.Oid) error {
	obj, err := h.getObject(o)
	if err != nil {
		return err
	}
	if newParent != values.NothingOid {
		if err := h.checkNoCycle(newParent, o); err != nil {
			return err
		}
	}
	if obj.Parent != values.NothingOid {
		if err := h.txn.Remove(RelObjectParent, encodeOid(o)); err != nil {
			return err
		}
	}
	obj.Parent = newParent
	if err := h.putObject(o, obj); err != nil {
		return err
	}
	if newParent != values.NothingOid {
		return h.txn.Insert(RelObjectParent, encodeOid(o), encodeOid(newParent))
	}
	return nil
}

// SetLocation reassigns o's location, rejecting the change if it would
// create a cycle in the containment tree.
func (h *Handle) SetLocation(o, newLocation values.Oid) error {
	obj, err := h.getObject(o)
	if err != nil {
		return err
	}
	if newLocation != values.NothingOid {
		if err := h.checkNoLocationCycle(newLocation, o); err != nil {
			return err
		}
	}
	if obj.Location != values.NothingOid {
		if err := h.txn.Remove(RelObjectLocation, encodeOid(o)); err != nil {
			return err
		}
	}
	obj.Location = newLocation
	if err := h.putObject(o, obj); err != nil {
		return err
	}
	if newLocation != values.NothingOid {
		return h.txn.Insert(RelObjectLocation, encodeOid(o), encodeOid(newLocation))
	}
	return nil
}

func (h *Handle) SetOwner(o, owner values.Oid) error {
	obj, err := h.getObject(o)
	if err != nil {
		return err
	}
	obj.Owner = owner
	return h.putObject(o, obj)
}

func (h *Handle) SetName(o values.Oid, name string) error {
	obj, err := h.getObject(o)
	if err != nil {
		return err
	}
	obj.Name = name
	return h.putObject(o, obj)
}

func (h *Handle) SetFlags(o values.Oid, flags uint32) error {
	obj, err := h.getObject(o)
	if err != nil {
		return err
	}
	obj.Flags = flags
	return h.putObject(o, obj)
}

// checkNoCycle walks candidate's ancestor chain and fails if it reaches
// target, i.e. making target a child of candidate would close a loop.
func (h *Handle) checkNoCycle(candidate, target values.Oid) error {
	cur := candidate
	for cur != values.NothingOid {
		if cur == target {
			return fmt.Errorf("moodb: parent assignment would cycle through #%d: %w", target, storeerr.ErrCycle)
		}
		v, ok, err := h.txn.Seek(RelObjectParent, encodeOid(cur))
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		cur = decodeOid(v)
	}
	return nil
}

func (h *Handle) checkNoLocationCycle(candidate, target values.Oid) error {
	cur := candidate
	for cur != values.NothingOid {
		if cur == target {
			return fmt.Errorf("moodb: location assignment would cycle through #%d: %w", target, storeerr.ErrCycle)
		}
		v, ok, err := h.txn.Seek(RelObjectLocation, encodeOid(cur))
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		cur = decodeOid(v)
	}
	return nil
}

// Children returns every object whose parent is o.
func (h *Handle) Children(o values.Oid) ([]values.Oid, error) {
	return h.reverseOids(RelObjectParent, o)
}

// Contents returns every object whose location is o.
func (h *Handle) Contents(o values.Oid) ([]values.Oid, error) {
	return h.reverseOids(RelObjectLocation, o)
}

func (h *Handle) reverseOids(relID uint32, o values.Oid) ([]values.Oid, error) {
	r, ok := h.store.relations[relID]
	if !ok {
		return nil, fmt.Errorf("moodb: unknown relation %d", relID)
	}
	domains, err := r.SeekByCodomain(encodeOid(o))
	if err != nil {
		return nil, err
	}
	out := make([]values.Oid, len(domains))
	for i, d := range domains {
		out[i] = decodeOid(d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// AddVerb defines a new verb on definer, storing its metadata in
// verbdefs and its compiled program separately in verb-program-blobs.
func (h *Handle) AddVerb(definer, owner values.Oid, names []string, spec ArgSpec, flags uint32, program []byte) (values.Uuid, error) {
	id := values.NewUuid()
	def := VerbDef{Definer: definer, Owner: owner, Flags: flags, Spec: spec, Names: append([]string(nil), names...)}
	key := encodeOidUuid(definer, id)
	if err := h.txn.Insert(RelVerbDefs, key, encodeVerbDef(def)); err != nil {
		return values.Uuid{}, err
	}
	if err := h.txn.Insert(RelVerbPrograms, id[:], program); err != nil {
		return values.Uuid{}, err
	}
	return id, nil
}

// DeleteVerb removes a verb definition and its program blob.
func (h *Handle) DeleteVerb(definer values.Oid, id values.Uuid) error {
	key := encodeOidUuid(definer, id)
	if err := h.txn.Remove(RelVerbDefs, key); err != nil {
		return fmt.Errorf("moodb: delete verb: %w", err)
	}
	return h.txn.Remove(RelVerbPrograms, id[:])
}

// GetVerb returns a verb's metadata and compiled program.
func (h *Handle) GetVerb(definer values.Oid, id values.Uuid) (VerbDef, []byte, error) {
	key := encodeOidUuid(definer, id)
	raw, ok, err := h.txn.Seek(RelVerbDefs, key)
	if err != nil {
		return VerbDef{}, nil, err
	}
	if !ok {
		return VerbDef{}, nil, fmt.Errorf("moodb: verb %s on #%d: %w", id, definer, ErrVerbNotFound)
	}
	def, err := decodeVerbDef(raw)
	if err != nil {
		return VerbDef{}, nil, err
	}
	program, ok, err := h.txn.Seek(RelVerbPrograms, id[:])
	if err != nil {
		return VerbDef{}, nil, err
	}
	if !ok {
		return VerbDef{}, nil, fmt.Errorf("moodb: verb %s program missing: %w", id, ErrVerbNotFound)
	}
	return def, program, nil
}

// verbsOn returns every (uuid, VerbDef) pair defined directly on o.
func (h *Handle) verbsOn(o values.Oid) ([]values.Uuid, []VerbDef, error) {
	lo, hi := prefixBounds(o)
	kvs, err := h.txn.Range(RelVerbDefs, lo, hi)
	if err != nil {
		return nil, nil, err
	}
	ids := make([]values.Uuid, 0, len(kvs))
	defs := make([]VerbDef, 0, len(kvs))
	for _, kv := range kvs {
		_, id, err := splitOidUuidKey(kv.Domain)
		if err != nil {
			return nil, nil, err
		}
		def, err := decodeVerbDef(kv.Codomain)
		if err != nil {
			return nil, nil, err
		}
		ids = append(ids, id)
		defs = append(defs, def)
	}
	return ids, defs, nil
}

// MatchesVerbName reports whether candidate matches one of a verb's
// whitespace-separated name aliases, honoring trailing-star abbreviation:
// "foo*bar" matches any prefix from "foo" through "foobar".
func MatchesVerbName(names []string, candidate string) bool {
	for _, pattern := range names {
		star := strings.IndexByte(pattern, '*')
		if star < 0 {
			if pattern == candidate {
				return true
			}
			continue
		}
		before, after := pattern[:star], pattern[star+1:]
		full := before + after
		if len(candidate) < len(before) || len(candidate) > len(full) {
			continue
		}
		if !strings.HasPrefix(candidate, before) {
			continue
		}
		if strings.HasPrefix(full, candidate) {
			return true
		}
	}
	return false
}

func specMatches(spec ArgSpec, want *ArgSpec) bool {
	if want == nil {
		return true
	}
	return spec.Dobj == want.Dobj && spec.Prep == want.Prep && spec.Iobj == want.Iobj
}

// ResolveVerb walks o's ancestor chain (self, parent, parent's parent, …,
// nothing) looking for the nearest definer of a verb whose name aliases
// match (with wildcard abbreviation) and whose argument spec matches want
// when supplied, per spec §4.8's CallVerb dispatch and §8 scenario 4.
func (h *Handle) ResolveVerb(o values.Oid, name string, want *ArgSpec) (values.Oid, values.Uuid, VerbDef, []byte, error) {
	cur := o
	for cur != values.NothingOid {
		ids, defs, err := h.verbsOn(cur)
		if err != nil {
			return 0, values.Uuid{}, VerbDef{}, nil, err
		}
		for i, def := range defs {
			if MatchesVerbName(def.Names, name) && specMatches(def.Spec, want) {
				program, _, err := h.txn.Seek(RelVerbPrograms, ids[i][:])
				if err != nil {
					return 0, values.Uuid{}, VerbDef{}, nil, err
				}
				return cur, ids[i], def, program, nil
			}
		}
		obj, err := h.getObject(cur)
		if err != nil {
			return 0, values.Uuid{}, VerbDef{}, nil, err
		}
		cur = obj.Parent
	}
	return 0, values.Uuid{}, VerbDef{}, nil, fmt.Errorf("moodb: resolve verb %q on #%d: %w", name, o, ErrVerbNotFound)
}

// AddProperty defines a new property on definer.
func (h *Handle) AddProperty(definer, owner values.Oid, name string, flags uint32) (values.Uuid, error) {
	id := values.NewUuid()
	def := PropDef{Definer: definer, Owner: owner, Name: name, Flags: flags}
	key := encodeOidUuid(definer, id)
	if err := h.txn.Insert(RelPropDefs, key, encodePropDef(def)); err != nil {
		return values.Uuid{}, err
	}
	return id, nil
}

// DeleteProperty removes a property definition and the definer's own
// value binding for it, if any.
func (h *Handle) DeleteProperty(definer values.Oid, id values.Uuid) error {
	key := encodeOidUuid(definer, id)
	if err := h.txn.Remove(RelPropDefs, key); err != nil {
		return fmt.Errorf("moodb: delete property: %w", err)
	}
	valueKey := encodeOidUuid(definer, id)
	if _, ok, _ := h.txn.Seek(RelPropValues, valueKey); ok {
		return h.txn.Remove(RelPropValues, valueKey)
	}
	return nil
}

// GetProperty returns a property definition by (definer, uuid).
func (h *Handle) GetProperty(definer values.Oid, id values.Uuid) (PropDef, error) {
	key := encodeOidUuid(definer, id)
	raw, ok, err := h.txn.Seek(RelPropDefs, key)
	if err != nil {
		return PropDef{}, err
	}
	if !ok {
		return PropDef{}, fmt.Errorf("moodb: property %s on #%d: %w", id, definer, ErrPropertyNotFound)
	}
	return decodePropDef(raw)
}

// FindProperty walks o's ancestor chain looking for a property named
// name, returning the defining object and the property's uuid.
func (h *Handle) FindProperty(o values.Oid, name string) (values.Oid, values.Uuid, PropDef, error) {
	cur := o
	for cur != values.NothingOid {
		lo, hi := prefixBounds(cur)
		kvs, err := h.txn.Range(RelPropDefs, lo, hi)
		if err != nil {
			return 0, values.Uuid{}, PropDef{}, err
		}
		for _, kv := range kvs {
			def, err := decodePropDef(kv.Codomain)
			if err != nil {
				return 0, values.Uuid{}, PropDef{}, err
			}
			if def.Name == name {
				_, id, err := splitOidUuidKey(kv.Domain)
				if err != nil {
					return 0, values.Uuid{}, PropDef{}, err
				}
				return cur, id, def, nil
			}
		}
		obj, err := h.getObject(cur)
		if err != nil {
			return 0, values.Uuid{}, PropDef{}, err
		}
		cur = obj.Parent
	}
	return 0, values.Uuid{}, PropDef{}, fmt.Errorf("moodb: find property %q on #%d: %w", name, o, ErrPropertyNotFound)
}

// isWizard reports whether o carries the wizard bit, treating any error
// reading its flags (e.g. o is Nothing) as "not a wizard".
func (h *Handle) isWizard(o values.Oid) bool {
	flags, err := h.GetFlags(o)
	if err != nil {
		return false
	}
	return flags&FlagWizard != 0
}

// hasPropertyReadPermission implements spec §4.8's GetProp permission
// check: the +r flag, the binding's owner, and wizards can always read.
func (h *Handle) hasPropertyReadPermission(permissions values.Oid, pv PropValue) bool {
	if pv.Flags&PropRead != 0 {
		return true
	}
	if permissions == pv.Owner {
		return true
	}
	return h.isWizard(permissions)
}

// hasPropertyWritePermission mirrors hasPropertyReadPermission for the
// +w flag, used by SetProp.
func (h *Handle) hasPropertyWritePermission(permissions, owner values.Oid, flags uint32) bool {
	if flags&PropWrite != 0 {
		return true
	}
	if permissions == owner {
		return true
	}
	return h.isWizard(permissions)
}

// GetPropertyValue resolves a property's effective value on o by walking
// up the inheritance chain from o toward nothing, returning the first
// non-clear binding — spec §4.8's GetProp. permissions is the calling
// activation's effective identity; denial raises ErrPermissionDenied
// rather than returning the value.
func (h *Handle) GetPropertyValue(o values.Oid, id values.Uuid, permissions values.Oid) (values.Value, error) {
	cur := o
	for cur != values.NothingOid {
		key := encodeOidUuid(cur, id)
		raw, ok, err := h.txn.Seek(RelPropValues, key)
		if err != nil {
			return values.Value{}, err
		}
		if ok {
			pv, err := decodePropValue(raw)
			if err != nil {
				return values.Value{}, err
			}
			if !pv.Clear {
				if !h.hasPropertyReadPermission(permissions, pv) {
					return values.Value{}, fmt.Errorf("moodb: property %s read denied on #%d: %w", id, o, ErrPermissionDenied)
				}
				return values.Unmarshal(pv.Value)
			}
		}
		obj, err := h.getObject(cur)
		if err != nil {
			return values.Value{}, err
		}
		cur = obj.Parent
	}
	return values.Value{}, fmt.Errorf("moodb: property %s has no binding reachable from #%d: %w", id, o, ErrPropertyNotFound)
}

// PutPropertyValue sets (or creates) o's own binding for property id,
// clearing any previous clear-bit so o's value takes precedence over
// ancestors. permissions is checked against owner/flags per spec §4.8's
// SetProp permission check before the write is applied.
func (h *Handle) PutPropertyValue(o values.Oid, id values.Uuid, owner values.Oid, flags uint32, permissions values.Oid, v values.Value) error {
	if !h.hasPropertyWritePermission(permissions, owner, flags) {
		return fmt.Errorf("moodb: property %s write denied on #%d: %w", id, o, ErrPermissionDenied)
	}
	encoded, err := values.Marshal(v)
	if err != nil {
		return err
	}
	pv := PropValue{Owner: owner, Flags: flags, Clear: false, Value: encoded}
	key := encodeOidUuid(o, id)
	return h.txn.Upsert(RelPropValues, key, encodePropValue(pv))
}

// ClearPropertyValue marks o's own binding for property id as clear,
// causing GetPropertyValue to defer to the nearest ancestor's value.
func (h *Handle) ClearPropertyValue(o values.Oid, id values.Uuid, owner values.Oid, flags uint32) error {
	pv := PropValue{Owner: owner, Flags: flags, Clear: true}
	key := encodeOidUuid(o, id)
	return h.txn.Upsert(RelPropValues, key, encodePropValue(pv))
}
