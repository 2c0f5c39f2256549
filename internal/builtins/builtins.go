// Package builtins registers the VM's built-in function surface, per
// spec §4.8. Builtin bodies in general are out of scope; these are
// worked examples (list setadd/setremove/length, string index/strsub)
// grounded directly on the original moor implementation's
// bf_list_sets.rs and bf_strings.rs, enough to exercise the
// fork/suspend/call machinery in tests.
package builtins

import (
	"strings"

	"github.com/moodb/moodb/internal/values"
	"github.com/moodb/moodb/internal/vm"
)

// Registry returns the standard builtin table, ready to pass to vm.New.
func Registry() map[string]vm.Builtin {
	return map[string]vm.Builtin{
		"length":    bfLength,
		"is_member": bfIsMember,
		"setadd":    bfSetAdd,
		"setremove": bfSetRemove,
		"index":     bfIndex,
		"strsub":    bfStrsub,
	}
}

func bfLength(_ *vm.VM, args []values.Value) (values.Value, values.ErrorCode, bool) {
	if len(args) != 1 {
		return values.Value{}, values.EARGS, false
	}
	if items, ok := args[0].AsList(); ok {
		return values.Int(int64(len(items))), 0, true
	}
	if s, ok := args[0].AsStr(); ok {
		return values.Int(int64(len(s))), 0, true
	}
	return values.Value{}, values.ETYPE, false
}

func bfIsMember(_ *vm.VM, args []values.Value) (values.Value, values.ErrorCode, bool) {
	if len(args) != 2 {
		return values.Value{}, values.EARGS, false
	}
	items, ok := args[1].AsList()
	if !ok {
		return values.Value{}, values.ETYPE, false
	}
	for _, item := range items {
		if item.Equal(args[0]) {
			return values.Int(1), 0, true
		}
	}
	return values.Int(0), 0, true
}

// bfSetAdd appends value to list unless already present, per
// bf_list_sets.rs's bf_setadd.
func bfSetAdd(_ *vm.VM, args []values.Value) (values.Value, values.ErrorCode, bool) {
	if len(args) != 2 {
		return values.Value{}, values.EARGS, false
	}
	items, ok := args[0].AsList()
	if !ok {
		return values.Value{}, values.ETYPE, false
	}
	value := args[1]
	for _, item := range items {
		if item.Equal(value) {
			return values.List(items...), 0, true
		}
	}
	out := make([]values.Value, 0, len(items)+1)
	out = append(out, items...)
	out = append(out, value)
	return values.List(out...), 0, true
}

// bfSetRemove removes the first occurrence of value from list, per
// bf_list_sets.rs's bf_setremove.
func bfSetRemove(_ *vm.VM, args []values.Value) (values.Value, values.ErrorCode, bool) {
	if len(args) != 2 {
		return values.Value{}, values.EARGS, false
	}
	items, ok := args[0].AsList()
	if !ok {
		return values.Value{}, values.ETYPE, false
	}
	value := args[1]
	out := make([]values.Value, 0, len(items))
	removed := false
	for _, item := range items {
		if !removed && item.Equal(value) {
			removed = true
			continue
		}
		out = append(out, item)
	}
	return values.List(out...), 0, true
}

// bfIndex returns the 1-based position of what's first occurrence in
// subject, or 0 if absent, per bf_strings.rs's bf_index. A third int
// argument of 1 makes the search case-sensitive; default is
// case-insensitive.
func bfIndex(_ *vm.VM, args []values.Value) (values.Value, values.ErrorCode, bool) {
	if len(args) != 2 && len(args) != 3 {
		return values.Value{}, values.EARGS, false
	}
	subject, ok1 := args[0].AsStr()
	what, ok2 := args[1].AsStr()
	if !ok1 || !ok2 {
		return values.Value{}, values.ETYPE, false
	}
	caseMatters := false
	if len(args) == 3 {
		c, ok := args[2].AsInt()
		if !ok {
			return values.Value{}, values.ETYPE, false
		}
		caseMatters = c == 1
	}
	haystack, needle := subject, what
	if !caseMatters {
		haystack, needle = strings.ToLower(subject), strings.ToLower(what)
	}
	idx := strings.Index(haystack, needle)
	if idx < 0 {
		return values.Int(0), 0, true
	}
	return values.Int(int64(idx) + 1), 0, true
}

// bfStrsub replaces every case-insensitive (by default) occurrence of
// what in subject with with, per bf_strings.rs's bf_strsub.
func bfStrsub(_ *vm.VM, args []values.Value) (values.Value, values.ErrorCode, bool) {
	if len(args) != 3 && len(args) != 4 {
		return values.Value{}, values.EARGS, false
	}
	subject, ok1 := args[0].AsStr()
	what, ok2 := args[1].AsStr()
	with, ok3 := args[2].AsStr()
	if !ok1 || !ok2 || !ok3 {
		return values.Value{}, values.ETYPE, false
	}
	caseMatters := false
	if len(args) == 4 {
		c, ok := args[3].AsInt()
		if !ok {
			return values.Value{}, values.ETYPE, false
		}
		caseMatters = c == 1
	}
	if what == "" {
		return values.Str(subject), 0, true
	}
	if caseMatters {
		return values.Str(strings.ReplaceAll(subject, what, with)), 0, true
	}
	return values.Str(replaceAllFold(subject, what, with)), 0, true
}

// replaceAllFold performs a case-insensitive ReplaceAll, preserving the
// replacement text's own case exactly as given.
func replaceAllFold(subject, what, with string) string {
	lowerSubject := strings.ToLower(subject)
	lowerWhat := strings.ToLower(what)
	var b strings.Builder
	i := 0
	for {
		idx := strings.Index(lowerSubject[i:], lowerWhat)
		if idx < 0 {
			b.WriteString(subject[i:])
			break
		}
		b.WriteString(subject[i : i+idx])
		b.WriteString(with)
		i += idx + len(what)
	}
	return b.String()
}
