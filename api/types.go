package api

import (
	"context"

	"github.com/drenlia/easy-kanban-sub004/activity"
	"github.com/drenlia/easy-kanban-sub004/domain"
	"github.com/drenlia/easy-kanban-sub004/storage"
)

// StoreResolver supplies the active tenant's store handle per request.
type StoreResolver interface {
	Store(tenantID string) (*storage.Store, error)
}

// Authenticator is implemented by types able to extract caller identities
// from Authorization headers.
type Authenticator interface {
	IdentityFromAuthHeader(string) (Identity, error)
}

// Publisher is the change fan-out consumed by the move engine and the
// relationship manager. Implementations never surface delivery failures.
type Publisher interface {
	TaskCreated(ctx context.Context, tenantID string, task domain.Task)
	TaskChanged(ctx context.Context, tenantID, event string, before, after domain.Task)
	TaskDeleted(ctx context.Context, tenantID string, task domain.Task)
	RelationshipChanged(ctx context.Context, tenantID, event string, rel domain.Relationship, boardIDs ...string)
}

// SnapshotCache serves and invalidates cached board snapshots.
type SnapshotCache interface {
	Tasks(ctx context.Context, tenantID, boardID string, base storage.BoardReader) ([]domain.Task, error)
	Invalidate(ctx context.Context, tenantID, boardID string)
}

// ActivityLogger accepts fire-and-forget audit entries.
type ActivityLogger interface {
	Log(e activity.Entry) bool
}
