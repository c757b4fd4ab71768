// Package ops exposes the operational HTTP surface: health, metrics and
// outbox inspection. There is no end-user facing API here.
package ops

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	echoMid "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/loid345/eventrelay/internal/outbox"
)

type Server struct{ e *echo.Echo }

func NewServer(store outbox.Store) *Server {
	e := echo.New()
	e.HideBanner = true
	e.Use(echoMid.Recover(), echoMid.Logger())

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })

	e.GET("/v1/outbox/stats", statsHandler(store))
	e.GET("/v1/outbox/failed", failedHandler(store))
	e.GET("/v1/outbox/events/:id", eventHandler(store))

	return &Server{e: e}
}

func (s *Server) Start(addr string) error            { return s.e.Start(addr) }
func (s *Server) Shutdown(ctx context.Context) error { return s.e.Shutdown(ctx) }

func statsHandler(store outbox.Store) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		st, err := store.Stats(ctx)
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		return c.JSON(http.StatusOK, st)
	}
}

// failedHandler pages the dead-letter set so operators can inspect what
// exhausted its retries.
func failedHandler(store outbox.Store) echo.HandlerFunc {
	return func(c echo.Context) error {
		limit, _ := strconv.Atoi(c.QueryParam("limit"))
		if limit <= 0 || limit > 500 {
			limit = 50
		}
		offset, _ := strconv.Atoi(c.QueryParam("offset"))
		if offset < 0 {
			offset = 0
		}

		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		recs, err := store.ListFailed(ctx, limit, offset)
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		return c.JSON(http.StatusOK, toViews(recs))
	}
}

func eventHandler(store outbox.Store) echo.HandlerFunc {
	return func(c echo.Context) error {
		id, err := uuidParam(c, "id")
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid event id")
		}

		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		rec, err := store.Get(ctx, id)
		if err != nil {
			if err == outbox.ErrNotFound {
				return echo.NewHTTPError(http.StatusNotFound, "event not found")
			}
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		return c.JSON(http.StatusOK, toView(*rec))
	}
}
