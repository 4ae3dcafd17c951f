// Package board owns task placement: the dense per-column position
// invariant and the operations that move tasks within and across boards.
package board

import (
	"gorm.io/gorm"

	"github.com/drenlia/easy-kanban-sub004/storage"
)

// The ledger keeps, for every column, the set of task positions exactly
// {0..count-1}. Every mutation below must run inside the caller's
// transaction; shift-then-place ordering is what keeps positions unique
// mid-transaction.

// place moves a task already in the column from position current to
// requested. Only the tasks between the two slots are touched, so the cost
// is O(distance), not O(column size). current == requested is a safe no-op.
func place(tx *gorm.DB, columnID, taskID string, current, requested int) error {
	switch {
	case requested > current:
		// Neighbors shift toward the vacated slot.
		err := tx.Model(&storage.TaskRow{}).
			Where("column_id = ? AND position > ? AND position <= ?", columnID, current, requested).
			UpdateColumn("position", gorm.Expr("position - 1")).Error
		if err != nil {
			return err
		}
	case requested < current:
		err := tx.Model(&storage.TaskRow{}).
			Where("column_id = ? AND position >= ? AND position < ?", columnID, requested, current).
			UpdateColumn("position", gorm.Expr("position + 1")).Error
		if err != nil {
			return err
		}
	}
	return tx.Model(&storage.TaskRow{}).
		Where("id = ?", taskID).
		UpdateColumn("position", requested).Error
}

// makeRoomAt opens slot n in a column the task is not yet part of by
// shifting every task at or past n up by one. n == count needs no shifting.
func makeRoomAt(tx *gorm.DB, columnID string, n int) error {
	return tx.Model(&storage.TaskRow{}).
		Where("column_id = ? AND position >= ?", columnID, n).
		UpdateColumn("position", gorm.Expr("position + 1")).Error
}

// makeRoomAtTop shifts the whole column up by one so a new arrival can take
// position 0.
func makeRoomAtTop(tx *gorm.DB, columnID string) error {
	return makeRoomAt(tx, columnID, 0)
}

// repack renumbers the column sequentially from 0, preserving the existing
// relative order. Runs after a deletion, inside the deleting transaction.
func repack(tx *gorm.DB, columnID string) error {
	var rows []storage.TaskRow
	if err := tx.Select("id", "position").
		Where("column_id = ?", columnID).
		Order("position").
		Find(&rows).Error; err != nil {
		return err
	}
	for i, row := range rows {
		if row.Position == i {
			continue
		}
		if err := tx.Model(&storage.TaskRow{}).
			Where("id = ?", row.ID).
			UpdateColumn("position", i).Error; err != nil {
			return err
		}
	}
	return nil
}

// columnCount returns how many tasks the column currently holds.
func columnCount(tx *gorm.DB, columnID string) (int, error) {
	var count int64
	err := tx.Model(&storage.TaskRow{}).
		Where("column_id = ?", columnID).
		Count(&count).Error
	return int(count), err
}

func clamp(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}
