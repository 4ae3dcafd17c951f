// Package relations owns the directed edge graph between tasks:
// parent/child pairs with their mirrored rows, free-form related links, the
// two-hop cycle guard and the bounded flow-chart traversal.
package relations

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/drenlia/easy-kanban-sub004/domain"
	"github.com/drenlia/easy-kanban-sub004/storage"
)

// maxFlowChartNodes caps the connected-component traversal so one densely
// linked cluster cannot make the flow-chart view unbounded.
const maxFlowChartNodes = 50

// Publisher fans out edge events after the transaction commits, once per
// affected board.
type Publisher interface {
	RelationshipChanged(ctx context.Context, tenantID, event string, rel domain.Relationship, boardIDs ...string)
}

// Manager mutates and queries the relationship graph for one tenant.
type Manager struct {
	store  *storage.Store
	pub    Publisher
	logger *log.Logger
}

// NewManager wires a manager for one tenant's store handle.
func NewManager(store *storage.Store, pub Publisher, logger *log.Logger) *Manager {
	return &Manager{store: store, pub: pub, logger: logger}
}

// Create adds the edge (taskID, kind, toTaskID). Parent and child edges also
// get their mirrored inverse row. All graph checks run before any write, so
// a rejection never needs a rollback.
func (m *Manager) Create(ctx context.Context, tenantID, taskID string, kind domain.RelationshipKind, toTaskID string) (domain.Relationship, error) {
	if !kind.Valid() {
		return domain.Relationship{}, domain.ValidationError{Reason: fmt.Sprintf("invalid relationship kind %q", kind)}
	}
	if taskID == "" || toTaskID == "" {
		return domain.Relationship{}, domain.ValidationError{Reason: "taskId and toTaskId are required"}
	}
	if taskID == toTaskID {
		return domain.Relationship{}, domain.ValidationError{Reason: "a task cannot relate to itself"}
	}

	var created domain.Relationship
	var boardIDs []string
	err := m.store.Transaction(ctx, func(tx *gorm.DB) error {
		var from, to storage.TaskRow
		if err := tx.First(&from, "id = ?", taskID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return domain.NotFoundError{Entity: "task", Ref: taskID}
			}
			return err
		}
		if err := tx.First(&to, "id = ?", toTaskID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return domain.NotFoundError{Entity: "task", Ref: toTaskID}
			}
			return err
		}

		exists, err := tripleExists(tx, taskID, kind, toTaskID)
		if err != nil {
			return err
		}
		if exists {
			return domain.ConflictError{Reason: fmt.Sprintf("%s is already %s of %s", from.Ticket, kind, to.Ticket)}
		}

		// Two-hop cycle guard: (A, parent, B) is rejected when A is
		// already registered as B's child, and symmetrically. Deeper
		// cycles are not walked.
		if kind.Directed() {
			reversed, err := tripleExists(tx, taskID, kind.Inverse(), toTaskID)
			if err != nil {
				return err
			}
			if reversed {
				return domain.ConflictError{Reason: fmt.Sprintf("cannot make %s the %s of %s: %s is already the %s of %s", from.Ticket, kind, to.Ticket, from.Ticket, kind.Inverse(), to.Ticket)}
			}
		}

		now := time.Now().UTC()
		row := storage.RelationshipRow{
			ID:        uuid.NewString(),
			TaskID:    taskID,
			Kind:      string(kind),
			ToTaskID:  toTaskID,
			CreatedAt: now,
		}
		if err := tx.Create(&row).Error; err != nil {
			return err
		}

		if kind.Directed() {
			inverseExists, err := tripleExists(tx, toTaskID, kind.Inverse(), taskID)
			if err != nil {
				return err
			}
			if !inverseExists {
				inverse := storage.RelationshipRow{
					ID:        uuid.NewString(),
					TaskID:    toTaskID,
					Kind:      string(kind.Inverse()),
					ToTaskID:  taskID,
					CreatedAt: now,
				}
				if err := tx.Create(&inverse).Error; err != nil {
					return err
				}
			}
		}

		created = row.Relationship()
		created.ToTicket = to.Ticket
		created.ToTitle = to.Title
		boardIDs = affectedBoards(from.BoardID, to.BoardID)
		return nil
	})
	if err != nil {
		return domain.Relationship{}, classify(err)
	}

	if m.pub != nil {
		m.pub.RelationshipChanged(ctx, tenantID, domain.RelationshipCreated, created, boardIDs...)
	}
	return created, nil
}

// Delete removes the edge by id, scoped to the owning task, along with the
// mirrored row when the edge is a parent or child link.
func (m *Manager) Delete(ctx context.Context, tenantID, relationshipID, taskID string) error {
	if relationshipID == "" || taskID == "" {
		return domain.ValidationError{Reason: "relationshipId and taskId are required"}
	}

	var deleted domain.Relationship
	var boardIDs []string
	err := m.store.Transaction(ctx, func(tx *gorm.DB) error {
		var row storage.RelationshipRow
		if err := tx.First(&row, "id = ?", relationshipID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return domain.NotFoundError{Entity: "relationship", Ref: relationshipID}
			}
			return err
		}
		if row.TaskID != taskID {
			return domain.NotFoundError{Entity: "relationship", Ref: relationshipID}
		}

		if err := tx.Delete(&storage.RelationshipRow{}, "id = ?", row.ID).Error; err != nil {
			return err
		}

		kind := domain.RelationshipKind(row.Kind)
		if kind.Directed() {
			err := tx.Delete(&storage.RelationshipRow{},
				"task_id = ? AND kind = ? AND to_task_id = ?",
				row.ToTaskID, string(kind.Inverse()), row.TaskID).Error
			if err != nil {
				return err
			}
		}

		deleted = row.Relationship()

		var from, to storage.TaskRow
		if err := tx.First(&from, "id = ?", row.TaskID).Error; err == nil {
			boardIDs = append(boardIDs, from.BoardID)
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := tx.First(&to, "id = ?", row.ToTaskID).Error; err == nil {
			boardIDs = affectedBoards(append(boardIDs, to.BoardID)...)
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		return nil
	})
	if err != nil {
		return classify(err)
	}

	if m.pub != nil {
		m.pub.RelationshipChanged(ctx, tenantID, domain.RelationshipDeleted, deleted, boardIDs...)
	}
	return nil
}

// Relationships lists every edge owned by the task with the far task's
// ticket and title denormalized for display.
func (m *Manager) Relationships(ctx context.Context, taskID string) ([]domain.Relationship, error) {
	if _, err := m.store.TaskByID(ctx, taskID); err != nil {
		return nil, err
	}

	var rows []storage.RelationshipRow
	err := m.store.DB().WithContext(ctx).
		Where("task_id = ?", taskID).
		Order("created_at").
		Find(&rows).Error
	if err != nil {
		return nil, domain.StoreError{Err: err}
	}
	if len(rows) == 0 {
		return []domain.Relationship{}, nil
	}

	farIDs := make([]string, 0, len(rows))
	for _, r := range rows {
		farIDs = append(farIDs, r.ToTaskID)
	}
	var farRows []storage.TaskRow
	if err := m.store.DB().WithContext(ctx).Where("id IN ?", farIDs).Find(&farRows).Error; err != nil {
		return nil, domain.StoreError{Err: err}
	}
	far := make(map[string]storage.TaskRow, len(farRows))
	for _, r := range farRows {
		far[r.ID] = r
	}

	rels := make([]domain.Relationship, 0, len(rows))
	for _, r := range rows {
		rel := r.Relationship()
		if t, ok := far[r.ToTaskID]; ok {
			rel.ToTicket = t.Ticket
			rel.ToTitle = t.Title
		}
		rels = append(rels, rel)
	}
	return rels, nil
}

// FlowChart returns the connected component around the task over the
// undirected union of all edge kinds, breadth-first, capped at
// maxFlowChartNodes visited tasks. Edges are included only when both
// endpoints were visited.
func (m *Manager) FlowChart(ctx context.Context, taskID string) (domain.FlowChart, error) {
	if _, err := m.store.TaskByID(ctx, taskID); err != nil {
		return domain.FlowChart{}, err
	}
	db := m.store.DB().WithContext(ctx)

	visited := map[string]bool{}
	queued := map[string]bool{taskID: true}
	queue := []string{taskID}
	edges := map[string]storage.RelationshipRow{}

	for len(queue) > 0 && len(visited) < maxFlowChartNodes {
		id := queue[0]
		queue = queue[1:]
		visited[id] = true

		var rows []storage.RelationshipRow
		if err := db.Where("task_id = ? OR to_task_id = ?", id, id).Find(&rows).Error; err != nil {
			return domain.FlowChart{}, domain.StoreError{Err: err}
		}
		for _, r := range rows {
			edges[r.ID] = r
			for _, neighbor := range []string{r.TaskID, r.ToTaskID} {
				if !queued[neighbor] {
					queued[neighbor] = true
					queue = append(queue, neighbor)
				}
			}
		}
	}

	ids := make([]string, 0, len(visited))
	for id := range visited {
		ids = append(ids, id)
	}
	var taskRows []storage.TaskRow
	if err := db.Where("id IN ?", ids).Order("ticket").Find(&taskRows).Error; err != nil {
		return domain.FlowChart{}, domain.StoreError{Err: err}
	}

	chart := domain.FlowChart{
		Tasks:         make([]domain.Task, 0, len(taskRows)),
		Relationships: make([]domain.Relationship, 0, len(edges)),
	}
	for _, r := range taskRows {
		chart.Tasks = append(chart.Tasks, r.Task())
	}
	for _, r := range edges {
		if visited[r.TaskID] && visited[r.ToTaskID] {
			chart.Relationships = append(chart.Relationships, r.Relationship())
		}
	}
	return chart, nil
}

func tripleExists(tx *gorm.DB, taskID string, kind domain.RelationshipKind, toTaskID string) (bool, error) {
	var count int64
	err := tx.Model(&storage.RelationshipRow{}).
		Where("task_id = ? AND kind = ? AND to_task_id = ?", taskID, string(kind), toTaskID).
		Count(&count).Error
	return count > 0, err
}

// affectedBoards dedupes while preserving order.
func affectedBoards(ids ...string) []string {
	out := ids[:0]
	seen := map[string]bool{}
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	if domain.IsNotFound(err) || domain.IsValidation(err) || domain.IsConflict(err) {
		return err
	}
	return domain.StoreError{Err: err}
}
