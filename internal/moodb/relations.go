// Package moodb is the world-state façade over the store: spec §6's
// store-to-caller interface (begin → handle; object/verb/property CRUD;
// commit/rollback), instantiated against the fixed relation set the
// original source's moor_db.rs enumerates — objects, object-parent,
// object-location, verbdefs, propdefs, propvalues, and verb-program
// blobs — each a concrete domain/codomain codec over the generic
// relation.Relation.
package moodb

// Relation ids are stable and serialized into WAL deltas; new relations
// are appended, never renumbered.
const (
	RelObjects uint32 = iota
	RelObjectParent
	RelObjectLocation
	RelVerbDefs
	RelPropDefs
	RelPropValues
	RelVerbPrograms
)

var relationNames = map[uint32]string{
	RelObjects:        "objects",
	RelObjectParent:   "object-parent",
	RelObjectLocation: "object-location",
	RelVerbDefs:       "verbdefs",
	RelPropDefs:       "propdefs",
	RelPropValues:     "propvalues",
	RelVerbPrograms:   "verb-program-blobs",
}

// bidirectional relations carry the secondary index children()/contents()
// lookups are built on (spec §3: "Children of O are found by
// secondary-indexed reverse lookup on parent; contents similarly for
// location").
var bidirectionalRelations = map[uint32]bool{
	RelObjectParent:   true,
	RelObjectLocation: true,
}
