package domain

import "time"

// Task is the canonical board item shape. Store rows are normalized into
// this structure immediately after every read; no other task shape crosses
// package boundaries.
type Task struct {
	ID     string `json:"id"`
	Ticket string `json:"ticket"`

	Title       string `json:"title"`
	Description string `json:"description,omitempty"`

	ColumnID string `json:"columnId"`
	BoardID  string `json:"boardId"`
	Position int    `json:"position"`

	// Last-known prior placement, kept for cross-board bookkeeping and UI
	// transition hints. Never consulted for ordering.
	PreviousColumnID string `json:"previousColumnId,omitempty"`
	PreviousBoardID  string `json:"previousBoardId,omitempty"`

	MemberID    string     `json:"memberId,omitempty"`
	RequesterID string     `json:"requesterId,omitempty"`
	StartDate   *time.Time `json:"startDate,omitempty"`
	DueDate     *time.Time `json:"dueDate,omitempty"`
	Effort      int        `json:"effort,omitempty"`
	PriorityID  string     `json:"priorityId,omitempty"`
	SprintID    string     `json:"sprintId,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Column is the unit of position-density enforcement.
type Column struct {
	ID       string `json:"id"`
	BoardID  string `json:"boardId"`
	Title    string `json:"title"`
	Position int    `json:"position"`
}

// Board scopes columns and, together with the tenant, the update channel.
type Board struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Position int    `json:"position"`
}
