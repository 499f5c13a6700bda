package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"taskboard/auth"
	"taskboard/domain"
)

type deleteResponse struct {
	ID string `json:"id"`
}

// updateBody is a task patch that also accepts the read-only fields of a
// task record, so a client can send back what it fetched. Only the id is
// checked, against the path.
type updateBody struct {
	domain.TaskPatch
	ID        string    `json:"id,omitempty"`
	Version   int64     `json:"version,omitempty"`
	CreatedAt time.Time `json:"createdAt,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

// taskHandler serves one task route once the bearer token has been extracted.
type taskHandler func(c echo.Context, token string, m *taskRequestMetrics) error

// instrumented wraps h with request tracing and bearer token extraction.
func instrumented(route string, logger *log.Logger, h taskHandler) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		metrics, ctx := newTaskRequestMetrics(c.Request().Context(), route, logger)
		c.SetRequest(c.Request().WithContext(ctx))
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()

		authStart := time.Now()
		token, authErr := auth.BearerToken(c.Request().Header.Get(echo.HeaderAuthorization))
		metrics.ObserveAuth(time.Since(authStart))
		if authErr != nil {
			metrics.Fail("auth", authErr)
			return writeError(c, domain.Unauthorized("unauthorized", authErr), logger)
		}
		return h(c, token, metrics)
	}
}

// respond encodes v and records the encode time.
func respond(c echo.Context, m *taskRequestMetrics, status int, v any) error {
	start := time.Now()
	err := c.JSON(status, v)
	m.ObserveEncode(time.Since(start))
	if err != nil {
		m.SetErrorStage("encode_response")
	}
	return err
}

func fail(c echo.Context, m *taskRequestMetrics, stage string, err error, logger *log.Logger) error {
	if domain.KindOf(err) == domain.KindUnauthorized {
		stage = "auth"
	}
	m.Fail(stage, err)
	return writeError(c, err, logger)
}

func listTasks(tasks TaskService, logger *log.Logger) echo.HandlerFunc {
	return instrumented("/api/tasks", logger, func(c echo.Context, token string, m *taskRequestMetrics) error {
		start := time.Now()
		list, err := tasks.ListTasks(c.Request().Context(), token)
		m.ObserveService(time.Since(start))
		if err != nil {
			return fail(c, m, "service", err, logger)
		}
		m.SetTasksReturned(len(list))
		return respond(c, m, http.StatusOK, list)
	})
}

func createTask(tasks TaskService, logger *log.Logger) echo.HandlerFunc {
	return instrumented("/api/tasks", logger, func(c echo.Context, token string, m *taskRequestMetrics) error {
		var in domain.TaskInput
		if err := decodeBody(c, &in); err != nil {
			return fail(c, m, "decode_request", err, logger)
		}
		start := time.Now()
		task, err := tasks.CreateTask(c.Request().Context(), token, in)
		m.ObserveService(time.Since(start))
		if err != nil {
			return fail(c, m, "service", err, logger)
		}
		m.SetTaskID(task.ID)
		m.SetTasksReturned(1)
		return respond(c, m, http.StatusCreated, task)
	})
}

func taskStats(tasks TaskService, logger *log.Logger) echo.HandlerFunc {
	return instrumented("/api/tasks/stats", logger, func(c echo.Context, token string, m *taskRequestMetrics) error {
		start := time.Now()
		stats, err := tasks.Stats(c.Request().Context(), token)
		m.ObserveService(time.Since(start))
		if err != nil {
			return fail(c, m, "service", err, logger)
		}
		return respond(c, m, http.StatusOK, stats)
	})
}

func getTask(tasks TaskService, logger *log.Logger) echo.HandlerFunc {
	return instrumented("/api/tasks/:id", logger, func(c echo.Context, token string, m *taskRequestMetrics) error {
		id := c.Param("id")
		m.SetTaskID(id)
		start := time.Now()
		task, err := tasks.GetTask(c.Request().Context(), token, id)
		m.ObserveService(time.Since(start))
		if err != nil {
			return fail(c, m, "service", err, logger)
		}
		m.SetTasksReturned(1)
		return respond(c, m, http.StatusOK, task)
	})
}

func updateTask(tasks TaskService, logger *log.Logger) echo.HandlerFunc {
	return instrumented("/api/tasks/:id", logger, func(c echo.Context, token string, m *taskRequestMetrics) error {
		id := c.Param("id")
		m.SetTaskID(id)
		var body updateBody
		if err := decodeBody(c, &body); err != nil {
			return fail(c, m, "decode_request", err, logger)
		}
		if body.ID != "" && body.ID != id {
			return fail(c, m, "decode_request", domain.InvalidInput("id does not match path"), logger)
		}
		start := time.Now()
		task, err := tasks.UpdateTask(c.Request().Context(), token, id, body.TaskPatch)
		m.ObserveService(time.Since(start))
		if err != nil {
			return fail(c, m, "service", err, logger)
		}
		m.SetTasksReturned(1)
		return respond(c, m, http.StatusOK, task)
	})
}

func deleteTask(tasks TaskService, logger *log.Logger) echo.HandlerFunc {
	return instrumented("/api/tasks/:id", logger, func(c echo.Context, token string, m *taskRequestMetrics) error {
		id := c.Param("id")
		m.SetTaskID(id)
		start := time.Now()
		err := tasks.DeleteTask(c.Request().Context(), token, id)
		m.ObserveService(time.Since(start))
		if err != nil {
			return fail(c, m, "service", err, logger)
		}
		return respond(c, m, http.StatusOK, deleteResponse{ID: id})
	})
}
