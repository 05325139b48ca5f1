// Package api exposes the collaborator REST surface and the websocket
// endpoint. Write routes share the hub's intent methods, so a REST
// write broadcasts exactly like a channel intent does.
package api

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"taskboard/domain"
	"taskboard/hub"
)

const requestBodyMaxSize = 64 * 1024 // 64 KiB

// response is the `{success, data, message}` envelope every route
// returns, matching what clients consume for the initial load and the
// fallback write path.
type response struct {
	Success bool                    `json:"success"`
	Data    any                     `json:"data,omitempty"`
	Message string                  `json:"message,omitempty"`
	Error   string                  `json:"error,omitempty"`
	Count   *int                    `json:"count,omitempty"`
	Failed  []domain.ReorderFailure `json:"failed,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// CORS is wide open on the REST surface too; the board has no auth.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Register wires up all routes on the provided Echo instance.
func Register(e *echo.Echo, h *hub.Hub, store domain.TaskStore, logger *log.Logger) {
	e.GET("/api/tasks", getTasks(store, logger))
	e.GET("/api/tasks/:id", getTask(store))
	e.POST("/api/tasks", postTask(h))
	// static route must be registered alongside the param route; echo
	// matches /reorder before /:id
	e.PUT("/api/tasks/reorder", putReorder(h))
	e.PUT("/api/tasks/:id", putTask(h))
	e.DELETE("/api/tasks/:id", deleteTask(h))
	e.GET("/ws", serveWS(h, logger))
	e.GET("/healthz", healthz)
}

func healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, response{Success: true, Message: "Server is running"})
}

func getTasks(store domain.TaskStore, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		metrics, spanCtx := newListRequestMetrics(ctx, logger)
		ctx = spanCtx
		status := http.StatusOK
		// reqErr is separate from the handler's return value: the JSON
		// write result must not mask the storage error on the span
		var reqErr error
		defer func() {
			metrics.Log(status, reqErr)
		}()

		filter := domain.Status(c.QueryParam("status"))
		if filter != "" && !filter.Valid() {
			metrics.SetErrorStage("invalid_status")
			status = http.StatusBadRequest
			return c.JSON(status, response{Success: false, Message: "unknown status filter"})
		}
		metrics.SetStatusFilter(filter != "")

		fetchStart := time.Now()
		tasks, fetchErr := store.List(ctx, filter)
		metrics.ObserveFetch(time.Since(fetchStart))
		if fetchErr != nil {
			metrics.SetErrorStage("storage")
			c.Logger().Error(fetchErr)
			status = http.StatusInternalServerError
			reqErr = fetchErr
			return c.JSON(status, response{Success: false, Message: "Failed to fetch tasks", Error: fetchErr.Error()})
		}
		domain.SortTasks(tasks)
		metrics.SetTasksReturned(len(tasks))
		count := len(tasks)
		return c.JSON(status, response{Success: true, Data: tasks, Count: &count})
	}
}

func getTask(store domain.TaskStore) echo.HandlerFunc {
	return func(c echo.Context) error {
		task, err := store.Get(c.Request().Context(), c.Param("id"))
		if err != nil {
			c.Logger().Error(err)
			return c.JSON(http.StatusInternalServerError, response{Success: false, Message: "Failed to fetch task", Error: err.Error()})
		}
		if task == nil {
			return c.JSON(http.StatusNotFound, response{Success: false, Message: "Task not found"})
		}
		return c.JSON(http.StatusOK, response{Success: true, Data: task})
	}
}

func decodeBody(c echo.Context, v any) error {
	lr := io.LimitReader(c.Request().Body, requestBodyMaxSize)
	dec := sonic.ConfigStd.NewDecoder(lr)
	return dec.Decode(v)
}

func postTask(h *hub.Hub) echo.HandlerFunc {
	return func(c echo.Context) error {
		var in domain.CreateTask
		if err := decodeBody(c, &in); err != nil {
			return c.JSON(http.StatusBadRequest, response{Success: false, Message: "invalid body"})
		}
		task, err := h.CreateTask(c.Request().Context(), in, "")
		if err != nil {
			return writeError(c, err, "create")
		}
		return c.JSON(http.StatusCreated, response{Success: true, Data: task, Message: "Task created successfully"})
	}
}

func putTask(h *hub.Hub) echo.HandlerFunc {
	return func(c echo.Context) error {
		var in domain.UpdateTask
		if err := decodeBody(c, &in); err != nil {
			return c.JSON(http.StatusBadRequest, response{Success: false, Message: "invalid body"})
		}
		in.ID = c.Param("id")
		task, err := h.UpdateTask(c.Request().Context(), in, "")
		if err != nil {
			return writeError(c, err, "update")
		}
		return c.JSON(http.StatusOK, response{Success: true, Data: task, Message: "Task updated successfully"})
	}
}

func putReorder(h *hub.Hub) echo.HandlerFunc {
	return func(c echo.Context) error {
		var in domain.ReorderTasks
		if err := decodeBody(c, &in); err != nil {
			return c.JSON(http.StatusBadRequest, response{Success: false, Message: "invalid body"})
		}
		res, err := h.ReorderTasks(c.Request().Context(), in, "")
		if err != nil {
			return writeError(c, err, "reorder")
		}
		return c.JSON(http.StatusOK, response{
			Success: true,
			Data:    res.Updated,
			Failed:  res.Failed,
			Message: "Tasks reordered successfully",
		})
	}
}

func deleteTask(h *hub.Hub) echo.HandlerFunc {
	return func(c echo.Context) error {
		task, err := h.DeleteTask(c.Request().Context(), domain.DeleteTask{ID: c.Param("id")}, "")
		if err != nil {
			return writeError(c, err, "delete")
		}
		return c.JSON(http.StatusOK, response{Success: true, Data: task, Message: "Task deleted successfully"})
	}
}

func serveWS(h *hub.Hub, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
		if err != nil {
			logger.Errorf("websocket upgrade: %v", err)
			return err
		}
		h.ServeConn(conn)
		return nil
	}
}

func writeError(c echo.Context, err error, op string) error {
	var verr *domain.ValidationError
	switch {
	case errors.As(err, &verr):
		return c.JSON(http.StatusBadRequest, response{Success: false, Message: verr.Error()})
	case errors.Is(err, domain.ErrNotFound):
		return c.JSON(http.StatusNotFound, response{Success: false, Message: "Task not found"})
	default:
		c.Logger().Error(err)
		return c.JSON(http.StatusInternalServerError, response{
			Success: false,
			Message: "Failed to " + op + " task",
			Error:   err.Error(),
		})
	}
}
