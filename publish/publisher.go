// Package publish fans change events out to board observers over
// tenant-scoped Redis channels. Delivery is best-effort: the authoritative
// state already committed to the store, so a failed publish is logged and
// swallowed, never surfaced to the caller.
package publish

import (
	"context"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/drenlia/easy-kanban-sub004/domain"
)

const channelPrefix = "kanban:updates"

// Channel derives the logical channel for one board. Tenants never share a
// channel.
func Channel(tenantID, boardID string) string {
	return channelPrefix + ":" + tenantID + ":" + boardID
}

// ChannelPattern matches every board channel, used by the stream
// subscriber.
func ChannelPattern() string {
	return channelPrefix + ":*"
}

// Publisher emits minimal-diff change events.
type Publisher struct {
	rc     *redis.Client
	logger *log.Logger
}

// New creates a publisher over the given Redis client.
func New(rc *redis.Client, logger *log.Logger) *Publisher {
	return &Publisher{rc: rc, logger: logger}
}

// TaskCreated publishes the full card so observers can render it without a
// refetch.
func (p *Publisher) TaskCreated(ctx context.Context, tenantID string, task domain.Task) {
	ev := domain.ChangeEvent{
		EntityID:   task.ID,
		EntityType: "task",
		Type:       domain.TaskCreated,
		BoardID:    task.BoardID,
		Data:       domain.TaskDiff(domain.Task{}, task),
		Timestamp:  nextTimestamp(),
	}
	p.emit(ctx, tenantID, task.BoardID, ev)
}

// TaskChanged publishes the minimal diff between the two task states. A
// move that crossed boards is published once per affected board so
// observers of either board stay in sync.
func (p *Publisher) TaskChanged(ctx context.Context, tenantID, event string, before, after domain.Task) {
	ev := domain.ChangeEvent{
		EntityID:   after.ID,
		EntityType: "task",
		Type:       event,
		BoardID:    after.BoardID,
		Data:       domain.TaskDiff(before, after),
		Timestamp:  nextTimestamp(),
	}
	p.emit(ctx, tenantID, after.BoardID, ev)
	if before.BoardID != after.BoardID {
		source := ev
		source.BoardID = before.BoardID
		p.emit(ctx, tenantID, before.BoardID, source)
	}
}

// TaskDeleted publishes the identity of the removed card.
func (p *Publisher) TaskDeleted(ctx context.Context, tenantID string, task domain.Task) {
	ev := domain.ChangeEvent{
		EntityID:   task.ID,
		EntityType: "task",
		Type:       domain.TaskDeleted,
		BoardID:    task.BoardID,
		Data: map[string]any{
			"id":       task.ID,
			"ticket":   task.Ticket,
			"columnId": task.ColumnID,
			"boardId":  task.BoardID,
		},
		Timestamp: nextTimestamp(),
	}
	p.emit(ctx, tenantID, task.BoardID, ev)
}

// RelationshipChanged publishes an edge event once per affected board.
func (p *Publisher) RelationshipChanged(ctx context.Context, tenantID, event string, rel domain.Relationship, boardIDs ...string) {
	for _, boardID := range boardIDs {
		ev := domain.ChangeEvent{
			EntityID:   rel.ID,
			EntityType: "relationship",
			Type:       event,
			BoardID:    boardID,
			Data:       domain.RelationshipData(rel),
			Timestamp:  nextTimestamp(),
		}
		p.emit(ctx, tenantID, boardID, ev)
	}
}

func (p *Publisher) emit(ctx context.Context, tenantID, boardID string, ev domain.ChangeEvent) {
	if p == nil || p.rc == nil || boardID == "" {
		return
	}
	payload, err := sonic.Marshal(ev)
	if err != nil {
		p.logger.WithError(err).Errorf("unable to marshal %s event for board %s", ev.Type, boardID)
		return
	}
	if err := p.rc.Publish(ctx, Channel(tenantID, boardID), payload).Err(); err != nil {
		p.logger.WithError(err).Errorf("unable to publish %s update for board %s", ev.Type, boardID)
	}
}
