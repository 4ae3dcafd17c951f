// Package activity records audit entries off the request path. Submissions
// are fire-and-forget: a full buffer drops the entry with a warning rather
// than slowing or failing the caller's transaction outcome.
package activity

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

// Entry is one audit record.
type Entry struct {
	TenantID string `json:"tenantId"`
	ActorID  string `json:"actorId"`
	Action   string `json:"action"`
	EntityID string `json:"entityId"`
	Message  string `json:"message"`
	Context  string `json:"context,omitempty"`
}

// Sink persists entries. Implementations: the store's activity table, or an
// Azure queue for deployments that ship audit records to a separate
// consumer.
type Sink interface {
	Append(ctx context.Context, e Entry) error
}

// Logger is the supervised worker pool behind Log.
type Logger struct {
	sink    Sink
	logger  *log.Logger
	jobs    chan Entry
	timeout time.Duration

	wg      sync.WaitGroup
	closed  atomic.Bool
	dropped atomic.Uint64
}

// Config sizes the pool. Zero values fall back to the defaults below.
type Config struct {
	Workers int
	Buffer  int
	Timeout time.Duration
}

// NewLogger starts the pool. Call Shutdown to drain it.
func NewLogger(sink Sink, logger *log.Logger, cfg Config) *Logger {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 1024
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	l := &Logger{
		sink:    sink,
		logger:  logger,
		jobs:    make(chan Entry, cfg.Buffer),
		timeout: cfg.Timeout,
	}
	for i := 0; i < cfg.Workers; i++ {
		l.wg.Add(1)
		go l.worker(i)
	}
	return l
}

// Log submits an entry without blocking. It reports whether the entry was
// accepted; a false return means the buffer was saturated and the entry was
// dropped (counted and warned, never retried).
func (l *Logger) Log(e Entry) bool {
	if l == nil || l.closed.Load() {
		return false
	}
	select {
	case l.jobs <- e:
		return true
	default:
		n := l.dropped.Add(1)
		if l.logger != nil {
			l.logger.Warnf("activity buffer saturated, entry dropped, action: %s, entity: %s, dropped total: %d", e.Action, e.EntityID, n)
		}
		return false
	}
}

// Dropped returns how many entries were discarded due to saturation.
func (l *Logger) Dropped() uint64 { return l.dropped.Load() }

// Shutdown stops accepting entries and waits for the workers to drain the
// buffer.
func (l *Logger) Shutdown() {
	if l == nil || !l.closed.CompareAndSwap(false, true) {
		return
	}
	close(l.jobs)
	l.wg.Wait()
}

func (l *Logger) worker(id int) {
	defer l.wg.Done()
	for e := range l.jobs {
		ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
		err := l.sink.Append(ctx, e)
		cancel()
		if err != nil && l.logger != nil {
			l.logger.WithError(err).Errorf("activity append failed, action: %s, entity: %s, worker: %d", e.Action, e.EntityID, id)
		}
	}
}
