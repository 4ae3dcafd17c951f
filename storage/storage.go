package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/drenlia/easy-kanban-sub004/domain"
)

// Store wraps one tenant's database handle. All placement and relationship
// mutations run through Transaction; the store's isolation is the sole
// concurrency-correctness mechanism, no in-process locks are held.
type Store struct {
	db *gorm.DB
}

// DSN builds a MySQL DSN for the given tenant database.
func DSN(host string, port int, user, password, database string) string {
	cred := user
	if password != "" {
		cred = user + ":" + password
	}
	return fmt.Sprintf("%s@tcp(%s:%d)/%s?parseTime=true", cred, host, port, database)
}

// Open connects to a MySQL-compatible tenant database.
func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("storage: connect: %w", err)
	}
	return &Store{db: db}, nil
}

// OpenSQLite opens a file-backed (or :memory:) store, used for local runs
// and tests.
func OpenSQLite(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("storage: open sqlite %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

// NewStore wraps an existing gorm handle.
func NewStore(db *gorm.DB) *Store { return &Store{db: db} }

// AutoMigrate creates or updates all tables.
func (s *Store) AutoMigrate() error {
	if err := s.db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("storage: migrate: %w", err)
	}
	return nil
}

// DB exposes the underlying handle for read paths that manage their own
// query scope.
func (s *Store) DB() *gorm.DB { return s.db }

// Transaction runs fn inside one atomic transaction. Any error rolls the
// whole transaction back before it is returned for classification.
func (s *Store) Transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return s.db.WithContext(ctx).Transaction(fn)
}

// TaskByID fetches and normalizes one task.
func (s *Store) TaskByID(ctx context.Context, id string) (domain.Task, error) {
	var row TaskRow
	if err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Task{}, domain.NotFoundError{Entity: "task", Ref: id}
		}
		return domain.Task{}, domain.StoreError{Err: err}
	}
	return row.Task(), nil
}

// TasksForBoard returns every task on the board ordered by column, then
// position. This is the snapshot read served (through the cache) to clients
// that hold no local state yet.
func (s *Store) TasksForBoard(ctx context.Context, boardID string) ([]domain.Task, error) {
	var rows []TaskRow
	err := s.db.WithContext(ctx).
		Where("board_id = ?", boardID).
		Order("column_id").Order("position").
		Find(&rows).Error
	if err != nil {
		return nil, domain.StoreError{Err: err}
	}
	tasks := make([]domain.Task, 0, len(rows))
	for _, r := range rows {
		tasks = append(tasks, r.Task())
	}
	return tasks, nil
}

// BoardByID fetches one board.
func (s *Store) BoardByID(ctx context.Context, id string) (domain.Board, error) {
	var row BoardRow
	if err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Board{}, domain.NotFoundError{Entity: "board", Ref: id}
		}
		return domain.Board{}, domain.StoreError{Err: err}
	}
	return row.Board(), nil
}

// AppendActivity inserts one audit row. Called only from the detached
// activity pool, never from a request transaction.
func (s *Store) AppendActivity(ctx context.Context, actorID, action, entityID, message, context_ string) error {
	row := ActivityRow{
		ActorID:   actorID,
		Action:    action,
		EntityID:  entityID,
		Message:   message,
		Context:   context_,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("storage: append activity: %w", err)
	}
	return nil
}

// NextTicket reserves the next sequential ticket code for the prefix, e.g.
// TASK-42. Must be called inside the transaction that creates the task so
// assigned codes stay unique and monotonic per prefix.
func NextTicket(tx *gorm.DB, prefix string) (string, error) {
	var counter TicketCounterRow
	err := tx.Where("prefix = ?", prefix).First(&counter).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		counter = TicketCounterRow{Prefix: prefix, Next: 1}
		if err := tx.Create(&counter).Error; err != nil {
			return "", err
		}
	case err != nil:
		return "", err
	}
	n := counter.Next
	if err := tx.Model(&TicketCounterRow{}).
		Where("prefix = ?", prefix).
		UpdateColumn("next", gorm.Expr("next + 1")).Error; err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-%d", prefix, n), nil
}
