package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"clickup-tracker/clickup"
	"clickup-tracker/domain"
	"clickup-tracker/hierarchy"
)

const (
	timeEntryMaxSize      = 64 << 10
	headerIdempotencyKey  = "Idempotency-Key"
	timeEntryDedupeScope  = "time_entries"
	dedupeRollbackTimeout = 5 * time.Second
)

// Register wires up all API routes on the provided Echo instance. entries,
// tasks and dedupe may be nil, in which case the time entry or task routes
// are not served and creates are not deduplicated.
func Register(e *echo.Echo, svc Hierarchy, entries TimeEntries, tasks Tasks, dedupe Deduper, logger *log.Logger) {
	e.GET("/api/hierarchy", getHierarchy(svc, logger))
	e.POST("/api/hierarchy/refresh", refreshHierarchy(svc, logger))
	e.GET("/api/hierarchy/metadata", getMetadata(svc, logger))
	e.DELETE("/api/hierarchy/cache", clearCache(svc, logger))
	e.GET("/api/colors", getColors(svc))
	e.GET("/api/users", getUsers(svc))
	if entries != nil {
		e.GET("/api/time-entries", getTimeEntries(entries))
		e.POST("/api/time-entries", postTimeEntry(entries, dedupe, logger))
		e.PUT("/api/time-entries/:id", putTimeEntry(entries))
		e.DELETE("/api/time-entries/:id", deleteTimeEntry(entries))
	}
	if tasks != nil {
		e.GET("/api/tasks/:id/space", getTaskSpace(tasks))
	}
	e.GET("/healthz", healthz())
}

func healthz() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	}
}

// statusFor maps service errors onto HTTP statuses. Anything the remote
// service failed on is reported as a bad gateway.
func statusFor(err error) int {
	var te *domain.TransportError
	switch {
	case errors.Is(err, hierarchy.ErrInvalidFilter),
		errors.Is(err, clickup.ErrNoTeam),
		errors.Is(err, domain.ErrInvalidRange),
		errors.Is(err, domain.ErrInvalidItem):
		return http.StatusBadRequest
	case errors.Is(err, clickup.ErrNoToken):
		return http.StatusUnauthorized
	case errors.Is(err, hierarchy.ErrSpacesUnavailable):
		return http.StatusBadGateway
	case errors.As(err, &te):
		if te.Status == http.StatusNotFound {
			return http.StatusNotFound
		}
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

type forestFunc func(context.Context) ([]*domain.Node, error)

func serveForest(c echo.Context, metrics *requestMetrics, fetch forestFunc) error {
	fetchStart := time.Now()
	forest, fetchErr := fetch(c.Request().Context())
	metrics.ObserveFetch(time.Since(fetchStart))
	if fetchErr != nil {
		metrics.SetErrorStage("aggregate")
		err := c.String(statusFor(fetchErr), fetchErr.Error())
		metrics.Log(c.Response().Status, fetchErr)
		return err
	}
	if forest == nil {
		forest = []*domain.Node{}
	}
	metrics.SetNodesReturned(len(forest))

	encodeStart := time.Now()
	err := c.JSON(http.StatusOK, forest)
	metrics.ObserveEncode(time.Since(encodeStart))
	if err != nil {
		metrics.SetErrorStage("encode_response")
	}
	metrics.Log(c.Response().Status, err)
	return err
}

func getHierarchy(svc Hierarchy, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		metrics := newRequestMetrics(logger, "/api/hierarchy")
		cached := true
		if raw := strings.TrimSpace(c.QueryParam("cached")); raw != "" {
			v, err := strconv.ParseBool(raw)
			if err != nil {
				metrics.SetErrorStage("invalid_cached")
				metrics.Log(http.StatusBadRequest, err)
				return c.String(http.StatusBadRequest, "invalid cached flag")
			}
			cached = v
		}
		metrics.SetCached(cached)
		if cached {
			return serveForest(c, metrics, svc.GetCachedHierarchy)
		}
		return serveForest(c, metrics, svc.GetHierarchy)
	}
}

func refreshHierarchy(svc Hierarchy, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		return serveForest(c, newRequestMetrics(logger, "/api/hierarchy/refresh"), svc.RefreshHierarchy)
	}
}

func getMetadata(svc Hierarchy, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		metrics := newRequestMetrics(logger, "/api/hierarchy/metadata")
		metrics.SetCached(true)
		return serveForest(c, metrics, svc.GetCachedHierarchyMetadata)
	}
}

func clearCache(svc Hierarchy, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		if err := svc.ClearCachedHierarchy(c.Request().Context()); err != nil {
			logger.WithError(err).Error("failed to clear hierarchy cache")
			return c.String(http.StatusInternalServerError, err.Error())
		}
		return c.NoContent(http.StatusNoContent)
	}
}

func getColors(svc Hierarchy) echo.HandlerFunc {
	return func(c echo.Context) error {
		colors, err := svc.GetColorsBySpace(c.Request().Context())
		if err != nil {
			return c.String(statusFor(err), err.Error())
		}
		return c.JSON(http.StatusOK, colors)
	}
}

func getUsers(svc Hierarchy) echo.HandlerFunc {
	return func(c echo.Context) error {
		users, err := svc.GetCachedUsers(c.Request().Context())
		if err != nil {
			return c.String(statusFor(err), err.Error())
		}
		if users == nil {
			users = []domain.User{}
		}
		return c.JSON(http.StatusOK, users)
	}
}

func parseMillisParam(c echo.Context, name string) (time.Time, bool) {
	raw := strings.TrimSpace(c.QueryParam(name))
	if raw == "" {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

func getTimeEntries(entries TimeEntries) echo.HandlerFunc {
	return func(c echo.Context) error {
		start, ok := parseMillisParam(c, "start")
		if !ok {
			return c.String(http.StatusBadRequest, "invalid start")
		}
		end, ok := parseMillisParam(c, "end")
		if !ok || end.Before(start) {
			return c.String(http.StatusBadRequest, "invalid end")
		}
		list, err := entries.TimeEntries(c.Request().Context(), start, end, strings.TrimSpace(c.QueryParam("assignee")))
		if err != nil {
			return c.String(statusFor(err), err.Error())
		}
		if list == nil {
			list = []domain.TimeEntry{}
		}
		return c.JSON(http.StatusOK, list)
	}
}

func decodeTimeEntry(c echo.Context) (domain.TimeEntryInput, bool) {
	lr := io.LimitReader(c.Request().Body, timeEntryMaxSize)
	dec := sonic.ConfigStd.NewDecoder(lr)
	dec.DisallowUnknownFields()

	var req timeEntryRequest
	if err := dec.Decode(&req); err != nil {
		return domain.TimeEntryInput{}, false
	}
	return req.input()
}

func postTimeEntry(entries TimeEntries, dedupe Deduper, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		in, ok := decodeTimeEntry(c)
		if !ok {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		ctx := c.Request().Context()

		key := strings.TrimSpace(c.Request().Header.Get(headerIdempotencyKey))
		if key == "" {
			key = uuid.NewString()
		}
		if dedupe != nil {
			added, err := dedupe.Add(ctx, timeEntryDedupeScope, key)
			if err != nil {
				logger.WithError(err).Warn("idempotency check failed, creating anyway")
			} else if !added {
				return c.String(http.StatusConflict, "duplicate request")
			}
		}

		entry, err := entries.CreateTimeEntry(ctx, in)
		if err != nil {
			if dedupe != nil {
				rbCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), dedupeRollbackTimeout)
				if rbErr := dedupe.Remove(rbCtx, timeEntryDedupeScope, key); rbErr != nil {
					logger.WithError(rbErr).WithField("key", key).Warn("failed to release idempotency key")
				}
				cancel()
			}
			return c.String(statusFor(err), err.Error())
		}
		return c.JSON(http.StatusCreated, timeEntryResponse{Entry: entry, IdempotencyKey: key})
	}
}

func putTimeEntry(entries TimeEntries) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := strings.TrimSpace(c.Param("id"))
		if id == "" {
			return c.String(http.StatusBadRequest, "missing id")
		}
		in, ok := decodeTimeEntry(c)
		if !ok {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		entry, err := entries.UpdateTimeEntry(c.Request().Context(), id, in)
		if err != nil {
			return c.String(statusFor(err), err.Error())
		}
		return c.JSON(http.StatusOK, timeEntryResponse{Entry: entry})
	}
}

func deleteTimeEntry(entries TimeEntries) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := strings.TrimSpace(c.Param("id"))
		if id == "" {
			return c.String(http.StatusBadRequest, "missing id")
		}
		entry, err := entries.DeleteTimeEntry(c.Request().Context(), id)
		if err != nil {
			return c.String(statusFor(err), err.Error())
		}
		return c.JSON(http.StatusOK, timeEntryResponse{Entry: entry})
	}
}

func getTaskSpace(tasks Tasks) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := strings.TrimSpace(c.Param("id"))
		if id == "" {
			return c.String(http.StatusBadRequest, "missing id")
		}
		spaceID, err := tasks.SpaceIDFromTask(c.Request().Context(), id)
		if err != nil {
			return c.String(statusFor(err), err.Error())
		}
		if spaceID == "" {
			return c.String(http.StatusNotFound, "task has no space")
		}
		return c.JSON(http.StatusOK, taskSpaceResponse{TaskID: id, SpaceID: spaceID})
	}
}
