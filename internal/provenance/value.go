// Package provenance tracks externally supplied reference values (purchase
// orders, job completion references, delivery challans, remarks) together with
// whether someone other than the record's creator has edited them and when they
// were last touched.
package provenance

import (
	"fmt"
	"strings"
	"time"
)

// Value is a user-editable reference with edit metadata. CreatedAt never
// changes after New; IsEdited never goes back to false.
type Value struct {
	Value     string    `json:"value"`
	IsEdited  bool      `json:"is_edited"`
	CreatedAt time.Time `json:"created_at" format:"date-time"`
	UpdatedAt time.Time `json:"updated_at" format:"date-time"`
}

// New returns an unedited Value stamped with now.
func New(now time.Time, value string) Value {
	now = now.UTC()
	return Value{
		Value:     value,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Edit returns v with its value replaced and UpdatedAt refreshed. IsEdited
// becomes true when the editor is not the creator of the parent record and
// stays true once set.
func (v Value) Edit(now time.Time, value string, byOtherThanCreator bool) Value {
	v.Value = value
	v.UpdatedAt = now.UTC()
	v.IsEdited = v.IsEdited || byOtherThanCreator
	return v
}

// IsFilled reports whether v holds a non-blank value. It ignores IsEdited.
func IsFilled(v *Value) bool {
	return v != nil && strings.TrimSpace(v.Value) != ""
}

// List is an ordered, append-mostly sequence of Values.
type List []Value

// Append returns l with a new unedited Value at the end.
func (l List) Append(now time.Time, value string) List {
	out := make(List, 0, len(l)+1)
	out = append(out, l...)
	return append(out, New(now, value))
}

// RemoveAt returns l without the element at index. Survivors keep their order
// and timestamps.
func (l List) RemoveAt(index int) (List, error) {
	if index < 0 || index >= len(l) {
		return l, fmt.Errorf("reference index %d out of range [0,%d)", index, len(l))
	}
	out := make(List, 0, len(l)-1)
	out = append(out, l[:index]...)
	return append(out, l[index+1:]...), nil
}

// Latest returns the most recently appended element.
func (l List) Latest() (Value, bool) {
	if len(l) == 0 {
		return Value{}, false
	}
	return l[len(l)-1], true
}
