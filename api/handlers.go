package api

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"github.com/drenlia/easy-kanban-sub004/activity"
	"github.com/drenlia/easy-kanban-sub004/board"
	"github.com/drenlia/easy-kanban-sub004/domain"
	"github.com/drenlia/easy-kanban-sub004/relations"
	"github.com/drenlia/easy-kanban-sub004/storage"
)

// requestBodyMaxSize caps decoded request bodies; a bulk drag gesture of a
// few thousand rows still fits comfortably.
const requestBodyMaxSize = 1 << 20

// Deps carries everything the handlers need. All fields are required
// except Activity, which may be nil when auditing is disabled.
type Deps struct {
	Stores    StoreResolver
	Auth      Authenticator
	Publisher Publisher
	Cache     SnapshotCache
	Activity  ActivityLogger
	Logger    *log.Logger
}

// Register wires up all placement and relationship routes on the provided
// Echo instance. The returned broker feeds the SSE stream; hand it to
// SubscribeUpdates together with the Redis client.
func Register(e *echo.Echo, deps Deps) *Broker {
	broker := NewBroker()

	e.PUT("/api/tasks/:taskId/position", reorderTask(deps))
	e.POST("/api/tasks/positions", batchReorder(deps))
	e.POST("/api/tasks/:taskId/board", moveTaskToBoard(deps))
	e.POST("/api/boards/:boardId/tasks", createTask(deps))
	e.DELETE("/api/tasks/:taskId", deleteTask(deps))

	e.POST("/api/tasks/:taskId/relationships", createRelationship(deps))
	e.DELETE("/api/tasks/:taskId/relationships/:relationshipId", deleteRelationship(deps))
	e.GET("/api/tasks/:taskId/relationships", getRelationships(deps))
	e.GET("/api/tasks/:taskId/flowchart", getFlowChart(deps))

	e.GET("/api/boards/:boardId/tasks", getBoardTasks(deps))
	e.GET("/api/boards/:boardId/stream", streamBoard(deps, broker))
	e.GET("/healthz", healthz())

	return broker
}

func healthz() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	}
}

// identify authenticates the request and resolves the tenant store.
func (d Deps) identify(c echo.Context) (Identity, *storage.Store, error) {
	identity, err := d.Auth.IdentityFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
	if err != nil {
		return Identity{}, nil, echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	}
	store, err := d.Stores.Store(identity.TenantID)
	if err != nil {
		c.Logger().Error(err)
		return Identity{}, nil, echo.NewHTTPError(http.StatusInternalServerError, "tenant store unavailable")
	}
	return identity, store, nil
}

func (d Deps) engine(store *storage.Store) *board.Engine {
	return board.NewEngine(store, d.Publisher, d.Cache, d.Logger)
}

func (d Deps) relations(store *storage.Store) *relations.Manager {
	return relations.NewManager(store, d.Publisher, d.Logger)
}

func (d Deps) audit(identity Identity, action, entityID, message string) {
	if d.Activity == nil {
		return
	}
	d.Activity.Log(activity.Entry{
		TenantID: identity.TenantID,
		ActorID:  identity.UserID,
		Action:   action,
		EntityID: entityID,
		Message:  message,
	})
}

// decodeBody strictly decodes the JSON request body into v.
func decodeBody(c echo.Context, v any) error {
	lr := io.LimitReader(c.Request().Body, requestBodyMaxSize)
	dec := sonic.ConfigStd.NewDecoder(lr)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	return nil
}

// respondError maps the domain taxonomy onto HTTP statuses. Store errors
// surface as a generic 500 without internal detail.
func respondError(c echo.Context, err error) error {
	switch {
	case domain.IsNotFound(err):
		return c.String(http.StatusNotFound, err.Error())
	case domain.IsValidation(err):
		return c.String(http.StatusBadRequest, err.Error())
	case domain.IsConflict(err):
		return c.String(http.StatusConflict, err.Error())
	case domain.IsNoDestination(err):
		return c.String(http.StatusUnprocessableEntity, err.Error())
	default:
		c.Logger().Error(err)
		return c.String(http.StatusInternalServerError, "operation failed")
	}
}

type reorderRequest struct {
	Position int    `json:"position"`
	ColumnID string `json:"columnId"`
}

func reorderTask(deps Deps) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		metrics, spanCtx := newMoveRequestMetrics(c.Request().Context(), deps.Logger, "/api/tasks/:taskId/position")
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()

		authStart := time.Now()
		identity, store, err := deps.identify(c)
		metrics.ObserveAuth(time.Since(authStart))
		if err != nil {
			metrics.SetErrorStage("auth")
			return err
		}

		var req reorderRequest
		if err = decodeBody(c, &req); err != nil {
			metrics.SetErrorStage("decode")
			return err
		}
		taskID := c.Param("taskId")

		txStart := time.Now()
		task, opErr := deps.engine(store).Reorder(spanCtx, identity.TenantID, taskID, req.ColumnID, req.Position)
		metrics.ObserveTx(time.Since(txStart))
		if opErr != nil {
			metrics.SetErrorStage("reorder")
			err = respondError(c, opErr)
			return err
		}
		metrics.SetTasksTouched(1)

		deps.audit(identity, "task.reorder", task.ID,
			fmt.Sprintf("%s moved to position %d", task.Ticket, task.Position))
		err = c.JSON(http.StatusOK, task)
		return err
	}
}

type batchReorderResponse struct {
	Updated int `json:"updated"`
}

func batchReorder(deps Deps) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		metrics, spanCtx := newMoveRequestMetrics(c.Request().Context(), deps.Logger, "/api/tasks/positions")
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()

		authStart := time.Now()
		identity, store, err := deps.identify(c)
		metrics.ObserveAuth(time.Since(authStart))
		if err != nil {
			metrics.SetErrorStage("auth")
			return err
		}

		updates := make([]board.PositionUpdate, 0, 16)
		if err = decodeBody(c, &updates); err != nil {
			metrics.SetErrorStage("decode")
			return err
		}

		txStart := time.Now()
		updated, opErr := deps.engine(store).BatchReorder(spanCtx, identity.TenantID, updates)
		metrics.ObserveTx(time.Since(txStart))
		if opErr != nil {
			metrics.SetErrorStage("batch_reorder")
			err = respondError(c, opErr)
			return err
		}
		metrics.SetTasksTouched(updated)

		deps.audit(identity, "task.batch_reorder", "",
			fmt.Sprintf("repositioned %d tasks", updated))
		err = c.JSON(http.StatusOK, batchReorderResponse{Updated: updated})
		return err
	}
}

type moveToBoardRequest struct {
	TargetBoardID string `json:"targetBoardId"`
}

func moveTaskToBoard(deps Deps) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		metrics, spanCtx := newMoveRequestMetrics(c.Request().Context(), deps.Logger, "/api/tasks/:taskId/board")
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()

		authStart := time.Now()
		identity, store, err := deps.identify(c)
		metrics.ObserveAuth(time.Since(authStart))
		if err != nil {
			metrics.SetErrorStage("auth")
			return err
		}

		var req moveToBoardRequest
		if err = decodeBody(c, &req); err != nil {
			metrics.SetErrorStage("decode")
			return err
		}
		taskID := c.Param("taskId")

		txStart := time.Now()
		move, opErr := deps.engine(store).MoveToBoard(spanCtx, identity.TenantID, taskID, req.TargetBoardID)
		metrics.ObserveTx(time.Since(txStart))
		if opErr != nil {
			metrics.SetErrorStage("move_board")
			err = respondError(c, opErr)
			return err
		}
		metrics.SetTasksTouched(1)

		deps.audit(identity, "task.move_board", taskID,
			fmt.Sprintf("task moved to board %s", move.TargetBoardID))
		err = c.JSON(http.StatusOK, move)
		return err
	}
}

type createTaskRequest struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	ColumnID    string `json:"columnId"`
	MemberID    string `json:"memberId,omitempty"`
	RequesterID string `json:"requesterId,omitempty"`
	PriorityID  string `json:"priorityId,omitempty"`
	SprintID    string `json:"sprintId,omitempty"`
	Effort      int    `json:"effort,omitempty"`
}

func createTask(deps Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		identity, store, err := deps.identify(c)
		if err != nil {
			return err
		}

		var req createTaskRequest
		if err := decodeBody(c, &req); err != nil {
			return err
		}

		draft := domain.Task{
			Title:       req.Title,
			Description: req.Description,
			ColumnID:    req.ColumnID,
			MemberID:    req.MemberID,
			RequesterID: req.RequesterID,
			PriorityID:  req.PriorityID,
			SprintID:    req.SprintID,
			Effort:      req.Effort,
		}
		task, opErr := deps.engine(store).Create(c.Request().Context(), identity.TenantID, draft)
		if opErr != nil {
			return respondError(c, opErr)
		}
		if task.BoardID != c.Param("boardId") {
			// The column decides the board; a mismatched path is a
			// client bug worth knowing about.
			deps.Logger.Warnf("create task: column %s belongs to board %s, path said %s", task.ColumnID, task.BoardID, c.Param("boardId"))
		}

		deps.audit(identity, "task.create", task.ID,
			fmt.Sprintf("%s created at top of column", task.Ticket))
		return c.JSON(http.StatusCreated, task)
	}
}

func deleteTask(deps Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		identity, store, err := deps.identify(c)
		if err != nil {
			return err
		}

		taskID := c.Param("taskId")
		if opErr := deps.engine(store).Delete(c.Request().Context(), identity.TenantID, taskID); opErr != nil {
			return respondError(c, opErr)
		}

		deps.audit(identity, "task.delete", taskID, "task deleted and column repacked")
		return c.NoContent(http.StatusNoContent)
	}
}

type createRelationshipRequest struct {
	Kind     string `json:"kind"`
	ToTaskID string `json:"toTaskId"`
}

func createRelationship(deps Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		identity, store, err := deps.identify(c)
		if err != nil {
			return err
		}

		var req createRelationshipRequest
		if err := decodeBody(c, &req); err != nil {
			return err
		}
		taskID := c.Param("taskId")

		rel, opErr := deps.relations(store).Create(c.Request().Context(), identity.TenantID, taskID, domain.RelationshipKind(req.Kind), req.ToTaskID)
		if opErr != nil {
			return respondError(c, opErr)
		}

		deps.audit(identity, "relationship.create", rel.ID,
			fmt.Sprintf("task linked as %s of %s", rel.Kind, rel.ToTicket))
		return c.JSON(http.StatusCreated, rel)
	}
}

func deleteRelationship(deps Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		identity, store, err := deps.identify(c)
		if err != nil {
			return err
		}

		relID := c.Param("relationshipId")
		taskID := c.Param("taskId")
		if opErr := deps.relations(store).Delete(c.Request().Context(), identity.TenantID, relID, taskID); opErr != nil {
			return respondError(c, opErr)
		}

		deps.audit(identity, "relationship.delete", relID, "relationship removed")
		return c.NoContent(http.StatusNoContent)
	}
}

func getRelationships(deps Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		_, store, err := deps.identify(c)
		if err != nil {
			return err
		}

		rels, opErr := deps.relations(store).Relationships(c.Request().Context(), c.Param("taskId"))
		if opErr != nil {
			return respondError(c, opErr)
		}
		return c.JSON(http.StatusOK, rels)
	}
}

func getFlowChart(deps Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		_, store, err := deps.identify(c)
		if err != nil {
			return err
		}

		chart, opErr := deps.relations(store).FlowChart(c.Request().Context(), c.Param("taskId"))
		if opErr != nil {
			return respondError(c, opErr)
		}
		return c.JSON(http.StatusOK, chart)
	}
}

func getBoardTasks(deps Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		identity, store, err := deps.identify(c)
		if err != nil {
			return err
		}

		tasks, opErr := deps.Cache.Tasks(c.Request().Context(), identity.TenantID, c.Param("boardId"), store)
		if opErr != nil {
			return respondError(c, opErr)
		}
		return c.JSON(http.StatusOK, tasks)
	}
}
