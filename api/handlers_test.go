package api

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"github.com/drenlia/easy-kanban-sub004/activity"
	"github.com/drenlia/easy-kanban-sub004/domain"
	"github.com/drenlia/easy-kanban-sub004/storage"
)

type staticAuth struct {
	identity Identity
	err      error
}

func (a staticAuth) IdentityFromAuthHeader(string) (Identity, error) {
	return a.identity, a.err
}

type noopPublisher struct{}

func (noopPublisher) TaskCreated(context.Context, string, domain.Task)                 {}
func (noopPublisher) TaskChanged(context.Context, string, string, domain.Task, domain.Task) {
}
func (noopPublisher) TaskDeleted(context.Context, string, domain.Task) {}
func (noopPublisher) RelationshipChanged(context.Context, string, string, domain.Relationship, ...string) {
}

// passthroughCache reads straight from the store and counts invalidations.
type passthroughCache struct {
	mu          sync.Mutex
	invalidated []string
}

func (c *passthroughCache) Tasks(ctx context.Context, _, boardID string, base storage.BoardReader) ([]domain.Task, error) {
	return base.TasksForBoard(ctx, boardID)
}

func (c *passthroughCache) Invalidate(_ context.Context, _, boardID string) {
	c.mu.Lock()
	c.invalidated = append(c.invalidated, boardID)
	c.mu.Unlock()
}

type recordingActivity struct {
	mu      sync.Mutex
	entries []activity.Entry
}

func (r *recordingActivity) Log(e activity.Entry) bool {
	r.mu.Lock()
	r.entries = append(r.entries, e)
	r.mu.Unlock()
	return true
}

func (r *recordingActivity) Entries() []activity.Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]activity.Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

type fixture struct {
	e        *echo.Echo
	store    *storage.Store
	activity *recordingActivity
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := store.AutoMigrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	resolver := storage.NewResolver(nil)
	resolver.Register("acme", store)

	logger := log.New()
	logger.SetOutput(io.Discard)
	rec := &recordingActivity{}

	e := echo.New()
	Register(e, Deps{
		Stores:    resolver,
		Auth:      staticAuth{identity: Identity{UserID: "user-1", TenantID: "acme"}},
		Publisher: noopPublisher{},
		Cache:     &passthroughCache{},
		Activity:  rec,
		Logger:    logger,
	})
	return &fixture{e: e, store: store, activity: rec}
}

func (f *fixture) seedBoard(t *testing.T, boardID string, columns map[string]int) {
	t.Helper()
	if err := f.store.DB().Create(&storage.BoardRow{ID: boardID, Title: "Board " + boardID}).Error; err != nil {
		t.Fatalf("seed board: %v", err)
	}
	for columnID, taskCount := range columns {
		if err := f.store.DB().Create(&storage.ColumnRow{ID: columnID, BoardID: boardID, Title: "Col " + columnID}).Error; err != nil {
			t.Fatalf("seed column: %v", err)
		}
		for i := 0; i < taskCount; i++ {
			row := storage.TaskRow{
				ID:       fmt.Sprintf("%s-t%d", columnID, i),
				Ticket:   fmt.Sprintf("%s-%d", columnID, i),
				Title:    fmt.Sprintf("task %d", i),
				ColumnID: columnID,
				BoardID:  boardID,
				Position: i,
			}
			if err := f.store.DB().Create(&row).Error; err != nil {
				t.Fatalf("seed task: %v", err)
			}
		}
	}
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set(echo.HeaderAuthorization, "Bearer token")
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	f.e.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := sonic.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("invalid response json: %v, body %s", err, rec.Body.String())
	}
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	if rec := f.do(t, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestReorderTaskEndpoint(t *testing.T) {
	f := newFixture(t)
	f.seedBoard(t, "b1", map[string]int{"c1": 3})

	rec := f.do(t, http.MethodPut, "/api/tasks/c1-t2/position", `{"position":0,"columnId":"c1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var task domain.Task
	decodeJSON(t, rec, &task)
	if task.Position != 0 {
		t.Fatalf("expected position 0, got %d", task.Position)
	}

	entries := f.activity.Entries()
	if len(entries) != 1 || entries[0].Action != "task.reorder" {
		t.Fatalf("expected one task.reorder audit entry, got %#v", entries)
	}
	if entries[0].ActorID != "user-1" || entries[0].TenantID != "acme" {
		t.Fatalf("audit entry missing identity: %#v", entries[0])
	}
}

func TestReorderTaskUnknownID(t *testing.T) {
	f := newFixture(t)
	f.seedBoard(t, "b1", map[string]int{"c1": 1})

	rec := f.do(t, http.MethodPut, "/api/tasks/ghost/position", `{"position":0,"columnId":"c1"}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestReorderTaskRejectsUnknownField(t *testing.T) {
	f := newFixture(t)
	f.seedBoard(t, "b1", map[string]int{"c1": 1})

	rec := f.do(t, http.MethodPut, "/api/tasks/c1-t0/position", `{"position":0,"columnId":"c1","surprise":true}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown field, got %d", rec.Code)
	}
}

func TestReorderTaskUnauthorized(t *testing.T) {
	store, err := storage.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := store.AutoMigrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	resolver := storage.NewResolver(nil)
	resolver.Register("acme", store)
	logger := log.New()
	logger.SetOutput(io.Discard)

	e := echo.New()
	Register(e, Deps{
		Stores:    resolver,
		Auth:      staticAuth{err: errMissingAuthorization},
		Publisher: noopPublisher{},
		Cache:     &passthroughCache{},
		Logger:    logger,
	})

	req := httptest.NewRequest(http.MethodPut, "/api/tasks/t1/position", strings.NewReader(`{"position":0,"columnId":"c1"}`))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestBatchReorderEndpoint(t *testing.T) {
	f := newFixture(t)
	f.seedBoard(t, "b1", map[string]int{"c1": 2})

	rec := f.do(t, http.MethodPost, "/api/tasks/positions",
		`[{"taskId":"c1-t0","columnId":"c1","position":1},{"taskId":"c1-t1","columnId":"c1","position":0}]`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp batchReorderResponse
	decodeJSON(t, rec, &resp)
	if resp.Updated != 2 {
		t.Fatalf("expected 2 updated, got %d", resp.Updated)
	}
}

func TestBatchReorderAbortsWholeGesture(t *testing.T) {
	f := newFixture(t)
	f.seedBoard(t, "b1", map[string]int{"c1": 2})

	rec := f.do(t, http.MethodPost, "/api/tasks/positions",
		`[{"taskId":"c1-t0","columnId":"c1","position":1},{"taskId":"ghost","columnId":"c1","position":0}]`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}

	var row storage.TaskRow
	if err := f.store.DB().First(&row, "id = ?", "c1-t0").Error; err != nil {
		t.Fatalf("read task: %v", err)
	}
	if row.Position != 0 {
		t.Fatalf("batch partially applied, position %d", row.Position)
	}
}

func TestMoveTaskToBoardEndpoint(t *testing.T) {
	f := newFixture(t)
	f.seedBoard(t, "b1", map[string]int{"c1": 1})
	f.seedBoard(t, "b2", map[string]int{"c2": 1})

	rec := f.do(t, http.MethodPost, "/api/tasks/c1-t0/board", `{"targetBoardId":"b2"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		TargetBoardID  string `json:"targetBoardId"`
		TargetColumnID string `json:"targetColumnId"`
	}
	decodeJSON(t, rec, &resp)
	if resp.TargetBoardID != "b2" || resp.TargetColumnID != "c2" {
		t.Fatalf("unexpected landing %+v", resp)
	}
}

func TestMoveTaskToBoardWithoutColumns(t *testing.T) {
	f := newFixture(t)
	f.seedBoard(t, "b1", map[string]int{"c1": 1})
	f.seedBoard(t, "empty", map[string]int{})

	rec := f.do(t, http.MethodPost, "/api/tasks/c1-t0/board", `{"targetBoardId":"empty"}`)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
}

func TestCreateTaskEndpoint(t *testing.T) {
	f := newFixture(t)
	f.seedBoard(t, "b1", map[string]int{"c1": 0})

	rec := f.do(t, http.MethodPost, "/api/boards/b1/tasks", `{"title":"write the report","columnId":"c1"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var task domain.Task
	decodeJSON(t, rec, &task)
	if task.Ticket != "TASK-1" || task.Position != 0 {
		t.Fatalf("unexpected task %#v", task)
	}
}

func TestCreateTaskMissingTitle(t *testing.T) {
	f := newFixture(t)
	f.seedBoard(t, "b1", map[string]int{"c1": 0})

	rec := f.do(t, http.MethodPost, "/api/boards/b1/tasks", `{"columnId":"c1"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestDeleteTaskEndpoint(t *testing.T) {
	f := newFixture(t)
	f.seedBoard(t, "b1", map[string]int{"c1": 3})

	rec := f.do(t, http.MethodDelete, "/api/tasks/c1-t1", "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}

	var rows []storage.TaskRow
	if err := f.store.DB().Where("column_id = ?", "c1").Order("position").Find(&rows).Error; err != nil {
		t.Fatalf("read column: %v", err)
	}
	for i, row := range rows {
		if row.Position != i {
			t.Fatalf("column not repacked after delete: %#v", rows)
		}
	}
}

func TestRelationshipLifecycleEndpoints(t *testing.T) {
	f := newFixture(t)
	f.seedBoard(t, "b1", map[string]int{"c1": 2})

	rec := f.do(t, http.MethodPost, "/api/tasks/c1-t0/relationships", `{"kind":"parent","toTaskId":"c1-t1"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var rel domain.Relationship
	decodeJSON(t, rec, &rel)
	if rel.Kind != domain.KindParent || rel.ToTaskID != "c1-t1" {
		t.Fatalf("unexpected relationship %#v", rel)
	}

	// Duplicate edge conflicts.
	rec = f.do(t, http.MethodPost, "/api/tasks/c1-t0/relationships", `{"kind":"parent","toTaskId":"c1-t1"}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}

	rec = f.do(t, http.MethodGet, "/api/tasks/c1-t1/relationships", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var rels []domain.Relationship
	decodeJSON(t, rec, &rels)
	if len(rels) != 1 || rels[0].Kind != domain.KindChild {
		t.Fatalf("expected the mirrored child edge, got %#v", rels)
	}

	rec = f.do(t, http.MethodGet, "/api/tasks/c1-t0/flowchart", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var chart domain.FlowChart
	decodeJSON(t, rec, &chart)
	if len(chart.Tasks) != 2 || len(chart.Relationships) != 2 {
		t.Fatalf("unexpected chart: %d tasks, %d edges", len(chart.Tasks), len(chart.Relationships))
	}

	rec = f.do(t, http.MethodDelete, "/api/tasks/c1-t0/relationships/"+rel.ID, "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	rec = f.do(t, http.MethodGet, "/api/tasks/c1-t1/relationships", "")
	decodeJSON(t, rec, &rels)
	if len(rels) != 0 {
		t.Fatalf("mirrored edge survived deletion: %#v", rels)
	}
}

func TestRelationshipCycleConflict(t *testing.T) {
	f := newFixture(t)
	f.seedBoard(t, "b1", map[string]int{"c1": 2})

	if rec := f.do(t, http.MethodPost, "/api/tasks/c1-t0/relationships", `{"kind":"parent","toTaskId":"c1-t1"}`); rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	rec := f.do(t, http.MethodPost, "/api/tasks/c1-t0/relationships", `{"kind":"child","toTaskId":"c1-t1"}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for two-hop cycle, got %d", rec.Code)
	}
}

func TestGetBoardTasksEndpoint(t *testing.T) {
	f := newFixture(t)
	f.seedBoard(t, "b1", map[string]int{"c1": 2})

	rec := f.do(t, http.MethodGet, "/api/boards/b1/tasks", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var tasks []domain.Task
	decodeJSON(t, rec, &tasks)
	if len(tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(tasks))
	}
}

func TestStreamBoardSendsSnapshotFrame(t *testing.T) {
	f := newFixture(t)
	f.seedBoard(t, "b1", map[string]int{"c1": 1})

	srv := httptest.NewServer(f.e)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/boards/b1/stream", nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	req.Header.Set(echo.HeaderAuthorization, "Bearer token")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("stream request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get(echo.HeaderContentType); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("unexpected content type %q", ct)
	}

	scanner := bufio.NewScanner(resp.Body)
	var event, data string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			event = strings.TrimPrefix(line, "event: ")
		}
		if strings.HasPrefix(line, "data: ") {
			data = strings.TrimPrefix(line, "data: ")
			break
		}
	}
	if event != "snapshot" {
		t.Fatalf("expected snapshot frame first, got %q", event)
	}
	var tasks []domain.Task
	if err := sonic.Unmarshal([]byte(data), &tasks); err != nil {
		t.Fatalf("invalid snapshot json: %v", err)
	}
	if len(tasks) != 1 || tasks[0].ID != "c1-t0" {
		t.Fatalf("unexpected snapshot %#v", tasks)
	}
	cancel()
}

func TestBrokerDropsSlowSubscriber(t *testing.T) {
	broker := NewBroker()
	ch := broker.subscribe("chan")
	defer broker.unsubscribe("chan", ch)

	for i := 0; i < 100; i++ {
		broker.broadcast("chan", []byte("x"))
	}
	// Buffer holds 16; the rest were dropped instead of blocking.
	if n := len(ch); n != 16 {
		t.Fatalf("expected a full 16-slot buffer, got %d", n)
	}
}

func TestBrokerUnsubscribeStopsDelivery(t *testing.T) {
	broker := NewBroker()
	ch := broker.subscribe("chan")
	broker.unsubscribe("chan", ch)

	broker.broadcast("chan", []byte("x"))
	select {
	case <-ch:
		t.Fatal("unsubscribed channel still received")
	default:
	}
}
