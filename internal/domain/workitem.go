package domain

import (
	"slices"
	"time"

	"worktrack/internal/lifecycle"
	"worktrack/internal/provenance"
)

// Reference field names.
const (
	FieldJobCompletion = "job_completion"
	FieldPurchaseOrder = "purchase_order"
	FieldRemarks       = "remarks"

	ListPurchaseOrders   = "purchase_orders"
	ListDeliveryChallans = "delivery_challans"
)

// ReferenceSchema declares which provenance-tracked fields a kind carries.
type ReferenceSchema struct {
	Fields []string `json:"fields"`
	Lists  []string `json:"lists"`
}

var referenceSchemas = map[EntityKind]ReferenceSchema{
	KindProject:     {Fields: []string{FieldJobCompletion, FieldRemarks}, Lists: []string{ListPurchaseOrders}},
	KindComplaint:   {Fields: []string{FieldJobCompletion, FieldRemarks}},
	KindInvoice:     {Fields: []string{FieldPurchaseOrder, FieldRemarks}, Lists: []string{ListDeliveryChallans}},
	KindMaintenance: {Fields: []string{FieldJobCompletion, FieldRemarks}},
}

// SchemaFor returns the reference schema of kind; non work-item kinds have none.
func SchemaFor(kind EntityKind) ReferenceSchema {
	return referenceSchemas[kind]
}

func (s ReferenceSchema) HasField(name string) bool { return slices.Contains(s.Fields, name) }
func (s ReferenceSchema) HasList(name string) bool  { return slices.Contains(s.Lists, name) }

// WorkItem is the shape shared by projects, complaints, invoices and maintenance schedules.
type WorkItem struct {
	ID            string                      `json:"id"`
	Kind          EntityKind                  `json:"kind" enum:"project,complaint,invoice,maintenance"`
	Title         string                      `json:"title"`
	Description   string                      `json:"description,omitempty"`
	Status        lifecycle.Status            `json:"status" enum:"pending,in_progress,completed,cancelled"`
	DueDate       *time.Time                  `json:"due_date,omitempty" format:"date-time"`
	CreatedBy     string                      `json:"created_by"`
	AssignedUsers []string                    `json:"assigned_users"`
	CreatedAt     time.Time                   `json:"created_at" format:"date-time"`
	UpdatedAt     time.Time                   `json:"updated_at" format:"date-time"`
	Fields        map[string]provenance.Value `json:"fields,omitempty"`
	Lists         map[string]provenance.List  `json:"lists,omitempty"`
}

// IsAssigned reports whether userID is among the item's assignees.
func (w WorkItem) IsAssigned(userID string) bool {
	return userID != "" && slices.Contains(w.AssignedUsers, userID)
}

// Field returns the named single-valued reference, or nil when unset.
func (w WorkItem) Field(name string) *provenance.Value {
	v, ok := w.Fields[name]
	if !ok {
		return nil
	}
	return &v
}

// LatestReference returns the newest entry of the named list.
func (w WorkItem) LatestReference(list string) (provenance.Value, bool) {
	return w.Lists[list].Latest()
}

// Filled reports, for each field the kind declares, whether it holds a value.
func (w WorkItem) Filled() map[string]bool {
	schema := SchemaFor(w.Kind)
	out := make(map[string]bool, len(schema.Fields))
	for _, name := range schema.Fields {
		out[name] = provenance.IsFilled(w.Field(name))
	}
	return out
}

// LatestReferences maps each declared list to its newest value. Empty lists
// are left out.
func (w WorkItem) LatestReferences() map[string]string {
	out := map[string]string{}
	for _, name := range SchemaFor(w.Kind).Lists {
		if v, ok := w.LatestReference(name); ok {
			out[name] = v.Value
		}
	}
	return out
}

// Clone returns a copy whose slices and maps may be mutated independently.
func (w WorkItem) Clone() WorkItem {
	out := w
	out.AssignedUsers = slices.Clone(w.AssignedUsers)
	if w.DueDate != nil {
		d := *w.DueDate
		out.DueDate = &d
	}
	out.Fields = make(map[string]provenance.Value, len(w.Fields))
	for k, v := range w.Fields {
		out.Fields[k] = v
	}
	out.Lists = make(map[string]provenance.List, len(w.Lists))
	for k, v := range w.Lists {
		out.Lists[k] = slices.Clone(v)
	}
	return out
}
