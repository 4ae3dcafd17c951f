package storage

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/drenlia/easy-kanban-sub004/domain"
)

// BoardReader fetches the board snapshot from the authoritative store.
type BoardReader interface {
	TasksForBoard(ctx context.Context, boardID string) ([]domain.Task, error)
}

// BoardCache keeps per-board task snapshots in Redis with an explicit TTL
// and explicit invalidation after every mutation. It is the only cache-like
// state in the core; there are no bare process-wide globals.
type BoardCache struct {
	redis  *redis.Client
	ttl    time.Duration
	logger *log.Logger
}

// NewBoardCache creates the cache. A nil client disables caching; reads
// then pass straight through to the store.
func NewBoardCache(client *redis.Client, ttl time.Duration, logger *log.Logger) *BoardCache {
	if ttl < 0 {
		ttl = 0
	}
	return &BoardCache{redis: client, ttl: ttl, logger: logger}
}

func tasksCacheKey(tenantID, boardID string) string {
	return "kanban:tasks:" + tenantID + ":" + boardID
}

// Tasks returns the cached snapshot when fresh, falling back to base and
// repopulating on a miss. Cache errors degrade to a store read.
func (c *BoardCache) Tasks(ctx context.Context, tenantID, boardID string, base BoardReader) ([]domain.Task, error) {
	if tasks, ok := c.load(ctx, tenantID, boardID); ok {
		return tasks, nil
	}

	tasks, err := base.TasksForBoard(ctx, boardID)
	if err != nil {
		return nil, err
	}

	c.store(ctx, tenantID, boardID, tasks)
	return tasks, nil
}

// Invalidate drops the snapshot after a mutation touched the board.
func (c *BoardCache) Invalidate(ctx context.Context, tenantID, boardID string) {
	if c == nil || c.redis == nil || boardID == "" {
		return
	}
	if err := c.redis.Del(ctx, tasksCacheKey(tenantID, boardID)).Err(); err != nil && c.logger != nil {
		c.logger.WithError(err).Warnf("board cache evict failed, tenant: %s, board: %s", tenantID, boardID)
	}
}

func (c *BoardCache) load(ctx context.Context, tenantID, boardID string) ([]domain.Task, bool) {
	if c == nil || c.redis == nil {
		return nil, false
	}
	data, err := c.redis.Get(ctx, tasksCacheKey(tenantID, boardID)).Bytes()
	if err != nil {
		if err != redis.Nil && c.logger != nil {
			c.logger.WithError(err).Warn("board cache read failed")
		}
		return nil, false
	}
	var tasks []domain.Task
	if err := sonic.Unmarshal(data, &tasks); err != nil {
		return nil, false
	}
	return tasks, true
}

func (c *BoardCache) store(ctx context.Context, tenantID, boardID string, tasks []domain.Task) {
	if c == nil || c.redis == nil {
		return
	}
	data, err := sonic.Marshal(tasks)
	if err != nil {
		return
	}
	if err := c.redis.Set(ctx, tasksCacheKey(tenantID, boardID), data, c.ttl).Err(); err != nil && c.logger != nil {
		c.logger.WithError(err).Warn("board cache write failed")
	}
}
