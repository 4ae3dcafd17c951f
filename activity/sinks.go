package activity

import (
	"context"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/bytedance/sonic"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"

	"github.com/drenlia/easy-kanban-sub004/storage"
)

// StoreSink appends entries to the tenant's activity_log table.
type StoreSink struct {
	resolver *storage.Resolver
}

// NewStoreSink creates a sink writing through the tenant resolver.
func NewStoreSink(resolver *storage.Resolver) *StoreSink {
	return &StoreSink{resolver: resolver}
}

func (s *StoreSink) Append(ctx context.Context, e Entry) error {
	store, err := s.resolver.Store(e.TenantID)
	if err != nil {
		return err
	}
	return store.AppendActivity(ctx, e.ActorID, e.Action, e.EntityID, e.Message, e.Context)
}

// QueueSink ships entries to an Azure storage queue for deployments where a
// separate consumer owns the audit trail.
type QueueSink struct {
	queue *azqueue.QueueClient
}

// NewQueueSink connects to the named queue.
func NewQueueSink(connStr, queueName string) (*QueueSink, error) {
	opts := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    5,
				TryTimeout:    time.Minute * 5,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 60,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	q, err := azqueue.NewQueueClientFromConnectionString(connStr, queueName, &opts)
	if err != nil {
		return nil, fmt.Errorf("activity: queue client: %w", err)
	}
	return &QueueSink{queue: q}, nil
}

func (s *QueueSink) Append(ctx context.Context, e Entry) error {
	data, err := sonic.Marshal(e)
	if err != nil {
		return err
	}
	if _, err := s.queue.EnqueueMessage(ctx, string(data), nil); err != nil {
		return err
	}
	return nil
}
