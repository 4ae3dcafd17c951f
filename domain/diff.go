package domain

import "time"

// Change event types carried on the board update channel.
const (
	TaskCreated         = "task-created"
	TaskUpdated         = "task-updated"
	TaskMoved           = "task-moved"
	TaskDeleted         = "task-deleted"
	RelationshipCreated = "relationship-created"
	RelationshipDeleted = "relationship-deleted"
)

// ChangeEvent is the envelope published per affected board. Data holds the
// minimal diff for task events or the edge for relationship events.
type ChangeEvent struct {
	EntityID   string         `json:"entityId"`
	EntityType string         `json:"entityType"`
	Type       string         `json:"type"`
	BoardID    string         `json:"boardId"`
	Data       map[string]any `json:"data,omitempty"`
	Timestamp  int64          `json:"timestamp"`
}

// TaskDiff builds the minimal-diff payload for a mutated task: every field
// whose value differs between before and after, plus a fixed set of
// identity/display fields so observers without local state can still render
// the card. Full joined payloads are an order of magnitude larger; most
// observers only patch a field or two.
func TaskDiff(before, after Task) map[string]any {
	d := map[string]any{
		"id":       after.ID,
		"ticket":   after.Ticket,
		"title":    after.Title,
		"boardId":  after.BoardID,
		"memberId": after.MemberID,
	}

	if before.Description != after.Description {
		d["description"] = after.Description
	}
	if before.RequesterID != after.RequesterID {
		d["requesterId"] = after.RequesterID
	}
	if !equalTime(before.StartDate, after.StartDate) {
		d["startDate"] = after.StartDate
	}
	if !equalTime(before.DueDate, after.DueDate) {
		d["dueDate"] = after.DueDate
	}
	if before.Effort != after.Effort {
		d["effort"] = after.Effort
	}
	if before.PriorityID != after.PriorityID {
		d["priorityId"] = after.PriorityID
	}
	if before.SprintID != after.SprintID {
		d["sprintId"] = after.SprintID
	}
	if before.Position != after.Position {
		d["position"] = after.Position
	}

	// A column change always carries the new position and the previous
	// column so clients can drop the card from its old rendered list.
	if before.ColumnID != after.ColumnID {
		d["columnId"] = after.ColumnID
		d["position"] = after.Position
		d["previousColumnId"] = after.PreviousColumnID
	}

	// A board change additionally carries both previous identifiers.
	if before.BoardID != after.BoardID {
		d["columnId"] = after.ColumnID
		d["position"] = after.Position
		d["previousBoardId"] = after.PreviousBoardID
		d["previousColumnId"] = after.PreviousColumnID
	}

	return d
}

// RelationshipData is the change payload for edge events.
func RelationshipData(rel Relationship) map[string]any {
	return map[string]any{
		"id":       rel.ID,
		"taskId":   rel.TaskID,
		"kind":     string(rel.Kind),
		"toTaskId": rel.ToTaskID,
	}
}

func equalTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
