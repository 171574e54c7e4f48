package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// CreateMapRequest is the body of POST /maps
type CreateMapRequest struct {
	Title string `json:"title"`
}

func (s *Server) listMaps(c echo.Context) error {
	maps, err := s.manager.ListMaps(c.Request().Context())
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, maps)
}

func (s *Server) createMap(c echo.Context) error {
	var req CreateMapRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, errInvalidBody)
	}
	created, err := s.manager.CreateMap(c.Request().Context(), req.Title)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusCreated, created)
}

// RenameMapRequest is the body of PATCH /maps/:id
type RenameMapRequest struct {
	Title string `json:"title"`
}

func (s *Server) renameMap(c echo.Context) error {
	var req RenameMapRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, errInvalidBody)
	}
	updated, err := s.manager.RenameMap(c.Request().Context(), c.Param("id"), req.Title)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, updated)
}

// getMap returns the full live state of a map
func (s *Server) getMap(c echo.Context) error {
	sess, err := s.session(c)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, sess.Snapshot())
}

func (s *Server) deleteMap(c echo.Context) error {
	if err := s.manager.DeleteMap(c.Request().Context(), c.Param("id")); err != nil {
		return fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// getView returns the laid out visible part of a map
func (s *Server) getView(c echo.Context) error {
	sess, err := s.session(c)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, sess.View())
}
