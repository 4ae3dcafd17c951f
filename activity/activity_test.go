package activity

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/drenlia/easy-kanban-sub004/storage"
)

type memorySink struct {
	mu      sync.Mutex
	entries []Entry
	block   chan struct{}
	err     error
}

func (s *memorySink) Append(ctx context.Context, e Entry) error {
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if s.err != nil {
		return s.err
	}
	s.mu.Lock()
	s.entries = append(s.entries, e)
	s.mu.Unlock()
	return nil
}

func (s *memorySink) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

func testLogger() *log.Logger {
	logger := log.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestLoggerDrainsOnShutdown(t *testing.T) {
	sink := &memorySink{}
	pool := NewLogger(sink, testLogger(), Config{Workers: 2, Buffer: 16})

	for i := 0; i < 10; i++ {
		if !pool.Log(Entry{TenantID: "acme", Action: "task.create", EntityID: "t1"}) {
			t.Fatalf("entry %d rejected with free buffer", i)
		}
	}
	pool.Shutdown()

	if got := len(sink.Entries()); got != 10 {
		t.Fatalf("expected 10 persisted entries, got %d", got)
	}
	if pool.Dropped() != 0 {
		t.Fatalf("unexpected drops: %d", pool.Dropped())
	}
}

func TestLoggerDropsWhenSaturated(t *testing.T) {
	block := make(chan struct{})
	sink := &memorySink{block: block}
	pool := NewLogger(sink, testLogger(), Config{Workers: 1, Buffer: 1, Timeout: time.Second})

	// One entry occupies the worker, one fills the buffer; everything
	// after that must be dropped without blocking.
	accepted := 0
	for i := 0; i < 10; i++ {
		if pool.Log(Entry{Action: "task.delete"}) {
			accepted++
		}
	}
	if accepted >= 10 {
		t.Fatal("expected saturation drops")
	}
	if pool.Dropped() == 0 {
		t.Fatal("expected the drop counter to advance")
	}

	close(block)
	pool.Shutdown()
}

func TestLoggerRejectsAfterShutdown(t *testing.T) {
	pool := NewLogger(&memorySink{}, testLogger(), Config{})
	pool.Shutdown()

	if pool.Log(Entry{Action: "task.create"}) {
		t.Fatal("entry accepted after shutdown")
	}
	// Second shutdown is a no-op, not a double close.
	pool.Shutdown()
}

func TestLoggerSinkErrorsDoNotStopWorkers(t *testing.T) {
	sink := &memorySink{err: errors.New("sink down")}
	pool := NewLogger(sink, testLogger(), Config{Workers: 1, Buffer: 8})

	for i := 0; i < 3; i++ {
		pool.Log(Entry{Action: "task.create"})
	}
	pool.Shutdown()

	// A failing sink must not wedge the pool; draining completes above.
	if got := len(sink.Entries()); got != 0 {
		t.Fatalf("expected no persisted entries from failing sink, got %d", got)
	}
}

func TestStoreSinkWritesTenantDatabase(t *testing.T) {
	store, err := storage.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := store.AutoMigrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	resolver := storage.NewResolver(nil)
	resolver.Register("acme", store)

	sink := NewStoreSink(resolver)
	entry := Entry{TenantID: "acme", ActorID: "u1", Action: "task.move_board", EntityID: "t1", Message: "moved"}
	if err := sink.Append(context.Background(), entry); err != nil {
		t.Fatalf("append: %v", err)
	}

	var row storage.ActivityRow
	if err := store.DB().First(&row).Error; err != nil {
		t.Fatalf("read audit row: %v", err)
	}
	if row.ActorID != "u1" || row.Action != "task.move_board" || row.EntityID != "t1" {
		t.Fatalf("unexpected audit row %#v", row)
	}
}

func TestStoreSinkUnknownTenant(t *testing.T) {
	sink := NewStoreSink(storage.NewResolver(nil))
	err := sink.Append(context.Background(), Entry{TenantID: "ghost", Action: "task.create"})
	if err == nil {
		t.Fatal("expected error for unknown tenant")
	}
}
