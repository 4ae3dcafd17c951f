package storage

import (
	"time"

	"github.com/drenlia/easy-kanban-sub004/domain"
)

// TaskRow is the persisted task shape. The column set is a bit-exact
// contract: reporting and the UI read these tables directly.
type TaskRow struct {
	ID               string `gorm:"primaryKey;size:36"`
	Ticket           string `gorm:"size:32;uniqueIndex"`
	Title            string `gorm:"not null"`
	Description      string `gorm:"type:text"`
	ColumnID         string `gorm:"size:36;index:idx_tasks_column_position"`
	BoardID          string `gorm:"size:36;index"`
	Position         int    `gorm:"not null;index:idx_tasks_column_position"`
	PreviousColumnID string `gorm:"size:36"`
	PreviousBoardID  string `gorm:"size:36"`
	MemberID         string `gorm:"size:36;index"`
	RequesterID      string `gorm:"size:36"`
	StartDate        *time.Time
	DueDate          *time.Time
	Effort           int
	PriorityID       string `gorm:"size:36"`
	SprintID         string `gorm:"size:36;index"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (TaskRow) TableName() string { return "tasks" }

// ColumnRow belongs to exactly one board.
type ColumnRow struct {
	ID       string `gorm:"primaryKey;size:36"`
	BoardID  string `gorm:"size:36;index"`
	Title    string `gorm:"not null"`
	Position int    `gorm:"not null"`
}

func (ColumnRow) TableName() string { return "columns" }

type BoardRow struct {
	ID       string `gorm:"primaryKey;size:36"`
	Title    string `gorm:"not null"`
	Position int    `gorm:"not null"`
}

func (BoardRow) TableName() string { return "boards" }

// RelationshipRow stores one directed edge. Parent/child pairs are two rows.
type RelationshipRow struct {
	ID        string `gorm:"primaryKey;size:36"`
	TaskID    string `gorm:"size:36;uniqueIndex:idx_rel_triple;index"`
	Kind      string `gorm:"size:8;uniqueIndex:idx_rel_triple"`
	ToTaskID  string `gorm:"size:36;uniqueIndex:idx_rel_triple;index"`
	CreatedAt time.Time
}

func (RelationshipRow) TableName() string { return "task_relationships" }

// TicketCounterRow hands out the per-prefix sequential part of ticket codes.
// Incremented inside the creating transaction so codes never repeat.
type TicketCounterRow struct {
	Prefix string `gorm:"primaryKey;size:16"`
	Next   int    `gorm:"not null"`
}

func (TicketCounterRow) TableName() string { return "ticket_counters" }

// ActivityRow is an audit entry written by the detached activity pool.
type ActivityRow struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	ActorID   string `gorm:"size:36;index"`
	Action    string `gorm:"size:32"`
	EntityID  string `gorm:"size:36;index"`
	Message   string `gorm:"type:text"`
	Context   string `gorm:"type:text"`
	CreatedAt time.Time
}

func (ActivityRow) TableName() string { return "activity_log" }

// AllModels lists every table for migration.
func AllModels() []any {
	return []any{
		&TaskRow{},
		&ColumnRow{},
		&BoardRow{},
		&RelationshipRow{},
		&TicketCounterRow{},
		&ActivityRow{},
	}
}

// Task normalizes a row into the canonical domain shape. Every store read
// passes through here; nothing downstream sees raw rows.
func (r TaskRow) Task() domain.Task {
	return domain.Task{
		ID:               r.ID,
		Ticket:           r.Ticket,
		Title:            r.Title,
		Description:      r.Description,
		ColumnID:         r.ColumnID,
		BoardID:          r.BoardID,
		Position:         r.Position,
		PreviousColumnID: r.PreviousColumnID,
		PreviousBoardID:  r.PreviousBoardID,
		MemberID:         r.MemberID,
		RequesterID:      r.RequesterID,
		StartDate:        r.StartDate,
		DueDate:          r.DueDate,
		Effort:           r.Effort,
		PriorityID:       r.PriorityID,
		SprintID:         r.SprintID,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
}

// Row converts a domain task back to its persisted shape.
func Row(t domain.Task) TaskRow {
	return TaskRow{
		ID:               t.ID,
		Ticket:           t.Ticket,
		Title:            t.Title,
		Description:      t.Description,
		ColumnID:         t.ColumnID,
		BoardID:          t.BoardID,
		Position:         t.Position,
		PreviousColumnID: t.PreviousColumnID,
		PreviousBoardID:  t.PreviousBoardID,
		MemberID:         t.MemberID,
		RequesterID:      t.RequesterID,
		StartDate:        t.StartDate,
		DueDate:          t.DueDate,
		Effort:           t.Effort,
		PriorityID:       t.PriorityID,
		SprintID:         t.SprintID,
		CreatedAt:        t.CreatedAt,
		UpdatedAt:        t.UpdatedAt,
	}
}

func (r ColumnRow) Column() domain.Column {
	return domain.Column{ID: r.ID, BoardID: r.BoardID, Title: r.Title, Position: r.Position}
}

func (r BoardRow) Board() domain.Board {
	return domain.Board{ID: r.ID, Title: r.Title, Position: r.Position}
}

func (r RelationshipRow) Relationship() domain.Relationship {
	return domain.Relationship{
		ID:        r.ID,
		TaskID:    r.TaskID,
		Kind:      domain.RelationshipKind(r.Kind),
		ToTaskID:  r.ToTaskID,
		CreatedAt: r.CreatedAt,
	}
}
