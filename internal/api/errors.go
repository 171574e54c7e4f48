package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/thoughtmap/internal/graph"
	"github.com/thoughtmap/internal/session"
	"github.com/thoughtmap/internal/store"
	"github.com/thoughtmap/internal/stream"
)

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Error string `json:"error"`
}

var errInvalidBody = errors.New("invalid request body")

// statusClientClosed is reported when the caller went away before the answer arrived
const statusClientClosed = 499

// errorStatus maps domain errors to HTTP status codes
func errorStatus(err error) int {
	switch {
	case errors.Is(err, session.ErrMapNotFound),
		errors.Is(err, graph.ErrNodeNotFound),
		errors.Is(err, session.ErrEdgeNotFound),
		errors.Is(err, session.ErrSuggestionNotFound),
		errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrQuestionInFlight),
		errors.Is(err, session.ErrSuggestionUsed),
		errors.Is(err, graph.ErrDuplicateNodeID),
		errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, errInvalidBody),
		errors.Is(err, session.ErrEmptyQuestion),
		errors.Is(err, session.ErrEmptyTitle),
		errors.Is(err, session.ErrInvalidEdge),
		errors.Is(err, session.ErrNoQuestionToSuggest),
		errors.Is(err, session.ErrSuggestionParentMismatch),
		errors.Is(err, graph.ErrMergeSelf),
		errors.Is(err, graph.ErrMergeCycle),
		errors.Is(err, graph.ErrReparentCycle),
		errors.Is(err, graph.ErrEmptyNode):
		return http.StatusBadRequest
	case errors.Is(err, stream.ErrCancelled),
		errors.Is(err, context.Canceled):
		return statusClientClosed
	default:
		return http.StatusInternalServerError
	}
}

// fail writes err as an ErrorResponse. Internal errors are logged and not echoed back.
func fail(c echo.Context, err error) error {
	status := errorStatus(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Str("path", c.Path()).Str("map_id", c.Param("id")).Msg("Request failed")
		message = "internal error"
	}
	return c.JSON(status, ErrorResponse{Error: message})
}
