package moodb

import (
	"errors"

	"github.com/moodb/moodb/internal/store/storeerr"
	"github.com/moodb/moodb/internal/values"
)

// ErrObjectNotFound, ErrVerbNotFound, ErrPropertyNotFound, and
// ErrPermissionDenied are moodb-level sentinels a caller can errors.Is
// against directly; ToErrorCode below is what the VM boundary uses to
// turn any of these (or a raw store error) into spec §7's fixed
// catchable error-code enumeration.
var (
	ErrObjectNotFound   = errors.New("moodb: object not found")
	ErrVerbNotFound     = errors.New("moodb: verb not found")
	ErrPropertyNotFound = errors.New("moodb: property not found")
	ErrPermissionDenied = errors.New("moodb: permission denied")
)

// ToErrorCode maps a store/moodb error to the VM-observable error code,
// per spec §7: "Store errors are surfaced as typed results; the VM maps
// them to the above kinds (e.g., object-not-found → Invalid-argument;
// permission denials → Permission)."
func ToErrorCode(err error) values.ErrorCode {
	switch {
	case err == nil:
		return values.ETYPE // callers must not invoke this on a nil error
	case errors.Is(err, ErrObjectNotFound):
		return values.EINVARG
	case errors.Is(err, ErrVerbNotFound):
		return values.EVERBNF
	case errors.Is(err, ErrPropertyNotFound):
		return values.EPROPNF
	case errors.Is(err, ErrPermissionDenied):
		return values.EPERM
	case errors.Is(err, storeerr.ErrCycle):
		return values.ERECMOVE
	case errors.Is(err, storeerr.ErrKeyNotFound), errors.Is(err, storeerr.ErrTupleNotFound):
		return values.EINVARG
	case errors.Is(err, storeerr.ErrKeyExists):
		return values.EINVARG
	default:
		return values.EINVARG
	}
}
