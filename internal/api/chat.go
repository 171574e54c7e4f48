package api

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/thoughtmap/internal/session"
	"github.com/thoughtmap/internal/stream"
)

func (s *Server) chat(c echo.Context) error {
	sess, req, err := s.askRequest(c)
	if err != nil {
		return fail(c, err)
	}
	res, err := sess.Ask(c.Request().Context(), req)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

// chatStream answers over server-sent events: one chunk frame per model fragment,
// then a done frame carrying the committed result or an error frame
func (s *Server) chatStream(c echo.Context) error {
	sess, req, err := s.askRequest(c)
	if err != nil {
		return fail(c, err)
	}

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set(echo.HeaderCacheControl, "no-cache")
	w.Header().Set(echo.HeaderConnection, "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	enc := stream.NewEncoder(w)
	logger := log.With().Str("map_id", sess.MapID()).Logger()

	res, err := sess.AskStream(c.Request().Context(), req, func(fragment string) {
		if werr := enc.Chunk(fragment); werr != nil {
			logger.Debug().Err(werr).Msg("Dropping chunk for gone client")
		}
	})
	if err != nil {
		logger.Warn().Err(err).Msg("Streamed question failed")
		if werr := enc.Error(err.Error()); werr != nil {
			logger.Debug().Err(werr).Msg("Failed to send error frame")
		}
		return nil
	}
	return enc.Done(res)
}

// askRequest decodes the question and resolves the session before any response is
// written
func (s *Server) askRequest(c echo.Context) (*session.MapSession, session.AskRequest, error) {
	var req session.AskRequest
	if err := c.Bind(&req); err != nil {
		return nil, req, errInvalidBody
	}
	if strings.TrimSpace(req.Question) == "" {
		return nil, req, session.ErrEmptyQuestion
	}
	sess, err := s.session(c)
	if err != nil {
		return nil, req, err
	}
	return sess, req, nil
}
