package api

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/thoughtmap/pkg/models"
)

// CollapseRequest is the body of POST /maps/:id/nodes/:nodeId/collapse
type CollapseRequest struct {
	Collapsed bool `json:"collapsed"`
}

// MergeRequest is the body of POST /maps/:id/merge
type MergeRequest struct {
	SourceNodeID string `json:"sourceNodeId"`
	TargetNodeID string `json:"targetNodeId"`
}

// RegenerateRequest is the optional body of POST /maps/:id/nodes/:nodeId/suggestions
type RegenerateRequest struct {
	Model string `json:"model"`
}

// QueuedResponse acknowledges a background job
type QueuedResponse struct {
	JobID int64 `json:"jobId"`
}

// patchNode applies a partial node update. Fields are applied in the order position,
// visibility, parent and the first failure stops the rest.
func (s *Server) patchNode(c echo.Context) error {
	var patch models.NodePatch
	if err := c.Bind(&patch); err != nil {
		return fail(c, errInvalidBody)
	}
	sess, err := s.session(c)
	if err != nil {
		return fail(c, err)
	}

	ctx := c.Request().Context()
	id := c.Param("nodeId")

	if patch.Position != nil {
		if err := sess.Move(ctx, id, *patch.Position); err != nil {
			return fail(c, err)
		}
	}
	if patch.IsHidden != nil {
		if *patch.IsHidden {
			err = sess.Hide(ctx, id)
		} else {
			err = sess.Restore(ctx, id)
		}
		if err != nil {
			return fail(c, err)
		}
	}
	if patch.ParentNodeID != nil {
		if err := sess.Reparent(ctx, id, *patch.ParentNodeID); err != nil {
			return fail(c, err)
		}
	}
	return c.JSON(http.StatusOK, sess.View())
}

func (s *Server) collapseNode(c echo.Context) error {
	var req CollapseRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, errInvalidBody)
	}
	sess, err := s.session(c)
	if err != nil {
		return fail(c, err)
	}
	if err := sess.Collapse(c.Param("nodeId"), req.Collapsed); err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, sess.View())
}

func (s *Server) mergeNodes(c echo.Context) error {
	var req MergeRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, errInvalidBody)
	}
	sess, err := s.session(c)
	if err != nil {
		return fail(c, err)
	}
	if err := sess.Merge(c.Request().Context(), req.SourceNodeID, req.TargetNodeID); err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, sess.View())
}

func (s *Server) createEdge(c echo.Context) error {
	var edge models.Edge
	if err := c.Bind(&edge); err != nil {
		return fail(c, errInvalidBody)
	}
	sess, err := s.session(c)
	if err != nil {
		return fail(c, err)
	}
	created, err := sess.Connect(c.Request().Context(), edge)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusCreated, created)
}

func (s *Server) deleteEdge(c echo.Context) error {
	sess, err := s.session(c)
	if err != nil {
		return fail(c, err)
	}
	if err := sess.Disconnect(c.Request().Context(), c.Param("edgeId")); err != nil {
		return fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// regenerateSuggestions refreshes the suggestions of a node. With ?async=true the work
// is handed to the job queue and 202 is returned with the job id.
func (s *Server) regenerateSuggestions(c echo.Context) error {
	var req RegenerateRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, errInvalidBody)
	}

	mapID, nodeID := c.Param("id"), c.Param("nodeId")
	ctx := c.Request().Context()

	async, _ := strconv.ParseBool(c.QueryParam("async"))
	if async {
		if s.queue == nil {
			return c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "background queue is disabled"})
		}
		if _, err := s.manager.Session(ctx, mapID); err != nil {
			return fail(c, err)
		}
		jobID, err := s.queue.QueueRegenerateSuggestions(ctx, mapID, nodeID, req.Model)
		if err != nil {
			return fail(c, err)
		}
		return c.JSON(http.StatusAccepted, QueuedResponse{JobID: jobID})
	}

	res, err := s.manager.RegenerateSuggestions(ctx, mapID, nodeID, req.Model)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, res)
}
