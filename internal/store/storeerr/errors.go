// Package storeerr defines the sentinel errors returned across the store's
// internal component boundaries (buffer pool, page, slot box, relation,
// transaction manager, WAL). These are wrapped with fmt.Errorf("...: %w")
// at each layer and mapped onto values.ErrorCode at the moodb façade.
package storeerr

import "errors"

var (
	// ErrInsufficientRoom is returned by the buffer pool when a size
	// class's bitset and free list are both exhausted.
	ErrInsufficientRoom = errors.New("storeerr: insufficient room in size class")

	// ErrBlockAlreadyAllocated is returned by restore() when the target
	// block id's bit is already set.
	ErrBlockAlreadyAllocated = errors.New("storeerr: block already allocated")

	// ErrInvalidBlockID is returned when a block id does not resolve to
	// any known size class.
	ErrInvalidBlockID = errors.New("storeerr: invalid block id")

	// ErrSlotOverflow is returned by a slotted page when a tuple would
	// not fit even on an empty page of that size.
	ErrSlotOverflow = errors.New("storeerr: tuple too large for page")

	// ErrSlotNotFound is returned when a slot id does not name a live
	// slot on a page.
	ErrSlotNotFound = errors.New("storeerr: slot not found")

	// ErrBoxFull is returned by the slot box when no existing or newly
	// allocated page can hold a tuple (the buffer pool itself is out of
	// room for the requested page size).
	ErrBoxFull = errors.New("storeerr: slot box full")

	// ErrTupleNotFound is returned when a tuple handle no longer
	// resolves to a live slot (e.g. after the refcount reached zero).
	ErrTupleNotFound = errors.New("storeerr: tuple not found")

	// ErrPageNotFound is returned when a page id is not present in a
	// relation's used-pages bookkeeping when slotbox.Box.Remove frees a
	// tuple — flagged in
	// spec §9 as a possible book-keeping gap, and defensively checked
	// rather than treated as fatal.
	ErrPageNotFound = errors.New("storeerr: page not found in relation's used pages")

	// ErrKeyExists is returned by Relation.ApplyInsert and
	// Transaction.Insert when the domain key is already present.
	ErrKeyExists = errors.New("storeerr: key already exists")

	// ErrKeyNotFound is returned by Relation.ApplyUpdate/ApplyRemove and
	// Transaction.Update/Remove when the domain key is absent. Seek
	// reports a missing key with ok == false instead.
	ErrKeyNotFound = errors.New("storeerr: key not found")

	// ErrConflictRetry names a commit-validation conflict with a
	// transaction that committed after this one's start timestamp.
	// Transaction.Commit does not return it: it reports such a conflict
	// as the ConflictRetry outcome with a nil error.
	ErrConflictRetry = errors.New("storeerr: commit conflict, retry")

	// ErrCycle is returned when inserting a parent or location edge
	// would create a cycle in the corresponding tree.
	ErrCycle = errors.New("storeerr: edge would create a cycle")

	// ErrCorruptWAL is returned by recovery when a WAL record's checksum
	// does not validate; the tail is truncated at the last good record
	// rather than surfaced as a hard failure.
	ErrCorruptWAL = errors.New("storeerr: corrupt WAL record")

	// ErrTxnClosed is returned when an operation is attempted against a
	// transaction that has already committed or rolled back.
	ErrTxnClosed = errors.New("storeerr: transaction already closed")
)
