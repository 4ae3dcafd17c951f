package domain

import "time"

// RelationshipKind is the edge label between two tasks.
type RelationshipKind string

const (
	KindParent  RelationshipKind = "parent"
	KindChild   RelationshipKind = "child"
	KindRelated RelationshipKind = "related"
)

// Valid reports whether k is one of the three supported kinds.
func (k RelationshipKind) Valid() bool {
	switch k {
	case KindParent, KindChild, KindRelated:
		return true
	}
	return false
}

// Directed reports whether the kind maintains a symmetric inverse row.
// `related` edges are stored as a single row with no inverse.
func (k RelationshipKind) Directed() bool {
	return k == KindParent || k == KindChild
}

// Inverse returns the kind stored on the mirrored row, e.g. creating
// (A, parent, B) also creates (B, child, A).
func (k RelationshipKind) Inverse() RelationshipKind {
	switch k {
	case KindParent:
		return KindChild
	case KindChild:
		return KindParent
	}
	return k
}

// Relationship is one stored edge (taskId, kind, toTaskId). Parent/child
// pairs exist as two rows, one per direction.
type Relationship struct {
	ID        string           `json:"id"`
	TaskID    string           `json:"taskId"`
	Kind      RelationshipKind `json:"kind"`
	ToTaskID  string           `json:"toTaskId"`
	CreatedAt time.Time        `json:"createdAt"`

	// Display fields denormalized from the far task on reads.
	ToTicket string `json:"toTicket,omitempty"`
	ToTitle  string `json:"toTitle,omitempty"`
}

// FlowChart is the bounded connected component around one task: every
// visited task plus the edges strictly between visited tasks.
type FlowChart struct {
	Tasks         []Task         `json:"tasks"`
	Relationships []Relationship `json:"relationships"`
}
