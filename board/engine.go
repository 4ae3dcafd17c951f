package board

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/drenlia/easy-kanban-sub004/domain"
	"github.com/drenlia/easy-kanban-sub004/storage"
)

// Publisher fans out change notifications after a transaction commits.
// Delivery is best-effort; implementations must never return an error into
// the mutation path.
type Publisher interface {
	TaskCreated(ctx context.Context, tenantID string, task domain.Task)
	TaskChanged(ctx context.Context, tenantID, event string, before, after domain.Task)
	TaskDeleted(ctx context.Context, tenantID string, task domain.Task)
}

// Invalidator drops cached board snapshots after a mutation.
type Invalidator interface {
	Invalidate(ctx context.Context, tenantID, boardID string)
}

// PositionUpdate is one entry of a bulk drag-and-drop gesture.
type PositionUpdate struct {
	TaskID   string `json:"taskId"`
	Position int    `json:"position"`
	ColumnID string `json:"columnId"`
}

// Move reports where a cross-board relocation landed.
type Move struct {
	TargetBoardID  string `json:"targetBoardId"`
	TargetColumnID string `json:"targetColumnId"`
}

// Engine orchestrates reorders, bulk reorders and cross-board moves over
// one tenant's store. It holds no locks; the store transaction is the only
// isolation mechanism.
type Engine struct {
	store  *storage.Store
	pub    Publisher
	cache  Invalidator
	logger *log.Logger

	// TicketPrefix seeds new ticket codes, TASK by default.
	TicketPrefix string
}

// NewEngine wires an engine for one tenant's store handle.
func NewEngine(store *storage.Store, pub Publisher, cache Invalidator, logger *log.Logger) *Engine {
	return &Engine{store: store, pub: pub, cache: cache, logger: logger, TicketPrefix: "TASK"}
}

// Reorder moves one task to the requested position. When columnID names the
// task's current column this is an in-column reorder; otherwise the task is
// relocated into that column at the requested slot. The source column is
// not repacked on relocation; only deletion repacks.
func (e *Engine) Reorder(ctx context.Context, tenantID, taskID, columnID string, requested int) (domain.Task, error) {
	if taskID == "" || columnID == "" {
		return domain.Task{}, domain.ValidationError{Reason: "taskId and columnId are required"}
	}
	if requested < 0 {
		return domain.Task{}, domain.ValidationError{Reason: "position must not be negative"}
	}

	var before, after domain.Task
	err := e.store.Transaction(ctx, func(tx *gorm.DB) error {
		var row storage.TaskRow
		if err := tx.First(&row, "id = ?", taskID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return domain.NotFoundError{Entity: "task", Ref: taskID}
			}
			return err
		}
		before = row.Task()

		if columnID == row.ColumnID {
			count, err := columnCount(tx, columnID)
			if err != nil {
				return err
			}
			n := clamp(requested, 0, count-1)
			if err := place(tx, columnID, taskID, row.Position, n); err != nil {
				return err
			}
			row.Position = n
		} else {
			var dest storage.ColumnRow
			if err := tx.First(&dest, "id = ?", columnID).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return domain.NotFoundError{Entity: "column", Ref: columnID}
				}
				return err
			}
			count, err := columnCount(tx, columnID)
			if err != nil {
				return err
			}
			n := clamp(requested, 0, count)
			if n < count {
				if err := makeRoomAt(tx, columnID, n); err != nil {
					return err
				}
			}
			updates := map[string]any{
				"column_id":          dest.ID,
				"position":           n,
				"previous_column_id": row.ColumnID,
			}
			if dest.BoardID != row.BoardID {
				updates["board_id"] = dest.BoardID
				updates["previous_board_id"] = row.BoardID
			}
			if err := tx.Model(&storage.TaskRow{}).Where("id = ?", taskID).Updates(updates).Error; err != nil {
				return err
			}
			row.PreviousColumnID = row.ColumnID
			if dest.BoardID != row.BoardID {
				row.PreviousBoardID = row.BoardID
				row.BoardID = dest.BoardID
			}
			row.ColumnID = dest.ID
			row.Position = n
		}
		after = row.Task()
		return nil
	})
	if err != nil {
		return domain.Task{}, classify(err)
	}

	event := domain.TaskUpdated
	if before.ColumnID != after.ColumnID {
		event = domain.TaskMoved
	}
	e.publishChange(ctx, tenantID, event, before, after)
	return after, nil
}

// BatchReorder applies one drag gesture's worth of position updates
// atomically. Every referenced task and column is validated before any row
// changes; a single bad reference aborts the whole batch.
func (e *Engine) BatchReorder(ctx context.Context, tenantID string, updates []PositionUpdate) (int, error) {
	if len(updates) == 0 {
		return 0, nil
	}
	for _, u := range updates {
		if u.TaskID == "" || u.ColumnID == "" {
			return 0, domain.ValidationError{Reason: "every update needs a taskId and a columnId"}
		}
		if u.Position < 0 {
			return 0, domain.ValidationError{Reason: "position must not be negative"}
		}
	}

	var (
		befores []domain.Task
		afters  []domain.Task
		applied int
	)
	err := e.store.Transaction(ctx, func(tx *gorm.DB) error {
		befores = befores[:0]
		afters = afters[:0]
		applied = 0

		taskIDs := make([]string, 0, len(updates))
		columnIDs := make([]string, 0, len(updates))
		for _, u := range updates {
			taskIDs = append(taskIDs, u.TaskID)
			columnIDs = append(columnIDs, u.ColumnID)
		}

		var taskRows []storage.TaskRow
		if err := tx.Where("id IN ?", taskIDs).Find(&taskRows).Error; err != nil {
			return err
		}
		tasks := make(map[string]storage.TaskRow, len(taskRows))
		for _, r := range taskRows {
			tasks[r.ID] = r
		}
		for _, u := range updates {
			if _, ok := tasks[u.TaskID]; !ok {
				return domain.NotFoundError{Entity: "task", Ref: u.TaskID}
			}
		}

		var columnRows []storage.ColumnRow
		if err := tx.Where("id IN ?", columnIDs).Find(&columnRows).Error; err != nil {
			return err
		}
		columns := make(map[string]storage.ColumnRow, len(columnRows))
		for _, r := range columnRows {
			columns[r.ID] = r
		}
		for _, u := range updates {
			if _, ok := columns[u.ColumnID]; !ok {
				return domain.NotFoundError{Entity: "column", Ref: u.ColumnID}
			}
		}

		for _, u := range updates {
			row := tasks[u.TaskID]
			dest := columns[u.ColumnID]
			if row.ColumnID == u.ColumnID && row.Position == u.Position {
				continue
			}
			before := row.Task()

			changes := map[string]any{"position": u.Position}
			if row.ColumnID != u.ColumnID {
				changes["column_id"] = dest.ID
				changes["previous_column_id"] = row.ColumnID
				if dest.BoardID != row.BoardID {
					changes["board_id"] = dest.BoardID
					changes["previous_board_id"] = row.BoardID
				}
			}
			if err := tx.Model(&storage.TaskRow{}).Where("id = ?", u.TaskID).Updates(changes).Error; err != nil {
				return err
			}

			if row.ColumnID != u.ColumnID {
				row.PreviousColumnID = row.ColumnID
				if dest.BoardID != row.BoardID {
					row.PreviousBoardID = row.BoardID
					row.BoardID = dest.BoardID
				}
				row.ColumnID = dest.ID
			}
			row.Position = u.Position
			tasks[u.TaskID] = row

			befores = append(befores, before)
			afters = append(afters, row.Task())
			applied++
		}
		return nil
	})
	if err != nil {
		return 0, classify(err)
	}

	for i := range afters {
		event := domain.TaskUpdated
		if befores[i].ColumnID != afters[i].ColumnID {
			event = domain.TaskMoved
		}
		e.publishChange(ctx, tenantID, event, befores[i], afters[i])
	}
	return applied, nil
}

// MoveToBoard relocates a task onto another board. The destination column
// is the one whose title matches the task's current column, or the target
// board's first column when no title matches. The task lands at position 0
// with every existing task shifted up first. The vacated source slot is not
// repacked here; deletion is the only repacking operation.
func (e *Engine) MoveToBoard(ctx context.Context, tenantID, taskID, targetBoardID string) (Move, error) {
	if taskID == "" || targetBoardID == "" {
		return Move{}, domain.ValidationError{Reason: "taskId and targetBoardId are required"}
	}

	var before, after domain.Task
	var move Move
	err := e.store.Transaction(ctx, func(tx *gorm.DB) error {
		var row storage.TaskRow
		if err := tx.First(&row, "id = ?", taskID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return domain.NotFoundError{Entity: "task", Ref: taskID}
			}
			return err
		}
		before = row.Task()

		var targetBoard storage.BoardRow
		if err := tx.First(&targetBoard, "id = ?", targetBoardID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return domain.NotFoundError{Entity: "board", Ref: targetBoardID}
			}
			return err
		}

		var targetColumns []storage.ColumnRow
		if err := tx.Where("board_id = ?", targetBoardID).Order("position").Find(&targetColumns).Error; err != nil {
			return err
		}
		if len(targetColumns) == 0 {
			return domain.NoDestinationError{BoardID: targetBoardID}
		}

		var sourceColumn storage.ColumnRow
		if err := tx.First(&sourceColumn, "id = ?", row.ColumnID).Error; err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		dest := targetColumns[0]
		for _, col := range targetColumns {
			if sourceColumn.Title != "" && col.Title == sourceColumn.Title {
				dest = col
				break
			}
		}

		if err := makeRoomAtTop(tx, dest.ID); err != nil {
			return err
		}
		if err := tx.Model(&storage.TaskRow{}).Where("id = ?", taskID).Updates(map[string]any{
			"board_id":           targetBoardID,
			"column_id":          dest.ID,
			"position":           0,
			"previous_board_id":  row.BoardID,
			"previous_column_id": row.ColumnID,
		}).Error; err != nil {
			return err
		}

		row.PreviousBoardID = row.BoardID
		row.PreviousColumnID = row.ColumnID
		row.BoardID = targetBoardID
		row.ColumnID = dest.ID
		row.Position = 0
		after = row.Task()
		move = Move{TargetBoardID: targetBoardID, TargetColumnID: dest.ID}
		return nil
	})
	if err != nil {
		return Move{}, classify(err)
	}

	e.publishChange(ctx, tenantID, domain.TaskMoved, before, after)
	return move, nil
}

// Create inserts a task at the top of its column, shifting the whole column
// up first, and assigns the next sequential ticket code for the prefix.
func (e *Engine) Create(ctx context.Context, tenantID string, draft domain.Task) (domain.Task, error) {
	if draft.Title == "" {
		return domain.Task{}, domain.ValidationError{Reason: "title is required"}
	}
	if draft.ColumnID == "" {
		return domain.Task{}, domain.ValidationError{Reason: "columnId is required"}
	}

	var created domain.Task
	err := e.store.Transaction(ctx, func(tx *gorm.DB) error {
		var col storage.ColumnRow
		if err := tx.First(&col, "id = ?", draft.ColumnID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return domain.NotFoundError{Entity: "column", Ref: draft.ColumnID}
			}
			return err
		}

		ticket, err := storage.NextTicket(tx, e.TicketPrefix)
		if err != nil {
			return err
		}
		if err := makeRoomAtTop(tx, col.ID); err != nil {
			return err
		}

		now := time.Now().UTC()
		row := storage.Row(draft)
		if row.ID == "" {
			row.ID = uuid.NewString()
		}
		row.Ticket = ticket
		row.BoardID = col.BoardID
		row.Position = 0
		row.PreviousColumnID = ""
		row.PreviousBoardID = ""
		row.CreatedAt = now
		row.UpdatedAt = now
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		created = row.Task()
		return nil
	})
	if err != nil {
		return domain.Task{}, classify(err)
	}

	if e.pub != nil {
		e.pub.TaskCreated(ctx, tenantID, created)
	}
	e.invalidate(ctx, tenantID, created.BoardID)
	return created, nil
}

// Delete removes a task, repacks its column back to a dense 0..n-1 sequence
// in the same transaction, and drops every relationship row touching the
// task in either direction.
func (e *Engine) Delete(ctx context.Context, tenantID, taskID string) error {
	if taskID == "" {
		return domain.ValidationError{Reason: "taskId is required"}
	}

	var deleted domain.Task
	err := e.store.Transaction(ctx, func(tx *gorm.DB) error {
		var row storage.TaskRow
		if err := tx.First(&row, "id = ?", taskID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return domain.NotFoundError{Entity: "task", Ref: taskID}
			}
			return err
		}
		deleted = row.Task()

		if err := tx.Delete(&storage.TaskRow{}, "id = ?", taskID).Error; err != nil {
			return err
		}
		if err := repack(tx, row.ColumnID); err != nil {
			return err
		}
		return tx.Delete(&storage.RelationshipRow{}, "task_id = ? OR to_task_id = ?", taskID, taskID).Error
	})
	if err != nil {
		return classify(err)
	}

	if e.pub != nil {
		e.pub.TaskDeleted(ctx, tenantID, deleted)
	}
	e.invalidate(ctx, tenantID, deleted.BoardID)
	return nil
}

func (e *Engine) publishChange(ctx context.Context, tenantID, event string, before, after domain.Task) {
	if e.pub != nil {
		e.pub.TaskChanged(ctx, tenantID, event, before, after)
	}
	e.invalidate(ctx, tenantID, after.BoardID)
	if before.BoardID != after.BoardID {
		e.invalidate(ctx, tenantID, before.BoardID)
	}
}

func (e *Engine) invalidate(ctx context.Context, tenantID, boardID string) {
	if e.cache != nil {
		e.cache.Invalidate(ctx, tenantID, boardID)
	}
}

// classify maps unexpected transaction failures to StoreError while letting
// the domain taxonomy pass through untouched.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if domain.IsNotFound(err) || domain.IsValidation(err) || domain.IsConflict(err) || domain.IsNoDestination(err) {
		return err
	}
	return domain.StoreError{Err: err}
}
