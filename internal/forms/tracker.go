package forms

import "sort"

// ChangeSet maintains the pending-edit list for a session. It upholds the
// invariant that at most one FormChange exists per (FormID, FieldName) pair:
// repeated edits update the entry in place and an edit back to the original
// value removes it.
type ChangeSet struct {
	entries map[changeKey]FormChange
}

type changeKey struct {
	formID    int
	fieldName string
}

// NewChangeSet returns an empty change set.
func NewChangeSet() *ChangeSet {
	return &ChangeSet{entries: make(map[changeKey]FormChange)}
}

// Track reconciles one field mutation against the original value. When the
// new value equals the original under the canonical equality rule the pending
// entry (if any) is dropped; otherwise the entry is inserted or updated with
// OldValue pinned to the original snapshot value.
func (cs *ChangeSet) Track(formID int, field FormField, originalValue, newValue any) {
	key := changeKey{formID: formID, fieldName: field.Label}

	if ValuesEqual(originalValue, newValue) {
		delete(cs.entries, key)
		return
	}

	cs.entries[key] = FormChange{
		FormID:    formID,
		FieldID:   field.ID,
		FieldName: field.Label,
		OldValue:  NormalizeValue(originalValue),
		NewValue:  NormalizeValue(newValue),
	}
}

// DropForm removes every pending entry belonging to the given form.
func (cs *ChangeSet) DropForm(formID int) {
	for key := range cs.entries {
		if key.formID == formID {
			delete(cs.entries, key)
		}
	}
}

// Reset empties the change set.
func (cs *ChangeSet) Reset() {
	cs.entries = make(map[changeKey]FormChange)
}

// Len reports the number of pending entries.
func (cs *ChangeSet) Len() int {
	return len(cs.entries)
}

// Lookup returns the pending entry for a (form, field) pair, if present.
func (cs *ChangeSet) Lookup(formID int, fieldName string) (FormChange, bool) {
	change, ok := cs.entries[changeKey{formID: formID, fieldName: fieldName}]
	return change, ok
}

// Changes returns the pending entries ordered by form id then field name, so
// submission order is stable across calls.
func (cs *ChangeSet) Changes() []FormChange {
	ordered := make([]FormChange, 0, len(cs.entries))
	for _, change := range cs.entries {
		ordered = append(ordered, change)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].FormID != ordered[j].FormID {
			return ordered[i].FormID < ordered[j].FormID
		}
		return ordered[i].FieldName < ordered[j].FieldName
	})
	return ordered
}

// Restore replaces the set contents from a persisted snapshot, re-keying and
// deduplicating so the uniqueness invariant holds even for stale snapshots.
func (cs *ChangeSet) Restore(changes []FormChange) {
	cs.entries = make(map[changeKey]FormChange, len(changes))
	for _, change := range changes {
		cs.entries[changeKey{formID: change.FormID, fieldName: change.FieldName}] = change
	}
}
