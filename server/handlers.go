package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/topiary-social/topiary/models"
	"github.com/topiary-social/topiary/smartmedia"
)

// actorHeader names the header the upstream auth proxy fills in after
// verifying the request signature.
const actorHeader = "X-Topiary-Actor"

func (s *Server) actor(c echo.Context) string {
	return c.Request().Header.Get(actorHeader)
}

func (s *Server) requireActor(c echo.Context) (string, error) {
	actor := s.actor(c)
	if actor == "" {
		return "", echo.NewHTTPError(http.StatusBadRequest, "missing actor header")
	}
	if len(s.acl) > 0 && !s.acl[actor] {
		return "", echo.NewHTTPError(http.StatusUnauthorized, "actor not allowed")
	}
	return actor, nil
}

// httpErr maps the domain error taxonomy onto status codes.
func httpErr(err error) error {
	switch {
	case errors.Is(err, smartmedia.ErrInvalidRequest),
		errors.Is(err, smartmedia.ErrUnknownTemplate),
		errors.Is(err, smartmedia.ErrPreviewNotFound):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, smartmedia.ErrNotAuthorized):
		return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	case errors.Is(err, smartmedia.ErrInsufficientCredits):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.Is(err, smartmedia.ErrNotFound), errors.Is(err, smartmedia.ErrNoCanvas):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	default:
		return err
	}
}

type metadataResponse struct {
	Domain    string   `json:"domain"`
	Version   string   `json:"version"`
	Templates []string `json:"templates"`
	ACL       []string `json:"acl"`
}

func (s *Server) handleMetadata(c echo.Context) error {
	acl := s.cfg.ACL
	if acl == nil {
		acl = []string{}
	}
	return c.JSON(http.StatusOK, &metadataResponse{
		Domain:    s.cfg.Domain,
		Version:   s.cfg.Version,
		Templates: s.orch.Templates(),
		ACL:       acl,
	})
}

type createPreviewRequest struct {
	Template string          `json:"template"`
	Params   json.RawMessage `json:"params"`
}

type createPreviewResponse struct {
	AgentID string          `json:"agentId"`
	Preview *models.Preview `json:"preview"`
}

func (s *Server) handleCreatePreview(c echo.Context) error {
	actor, err := s.requireActor(c)
	if err != nil {
		return err
	}
	var req createPreviewRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid payload")
	}
	if req.Template == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "missing template")
	}

	preview, err := s.orch.CreatePreview(c.Request().Context(), actor, req.Template, req.Params)
	if err != nil {
		return httpErr(err)
	}
	return c.JSON(http.StatusOK, &createPreviewResponse{
		AgentID: preview.AgentID,
		Preview: preview,
	})
}

type createRequest struct {
	PostID       string           `json:"postId"`
	AgentID      string           `json:"agentId,omitempty"`
	Template     string           `json:"template,omitempty"`
	Params       json.RawMessage  `json:"params,omitempty"`
	Token        *models.TokenRef `json:"token,omitempty"`
	MaxStaleTime int64            `json:"maxStaleTime,omitempty"`
}

func (s *Server) handleCreate(c echo.Context) error {
	actor, err := s.requireActor(c)
	if err != nil {
		return err
	}
	var req createRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid payload")
	}

	media, err := s.orch.CommitPost(c.Request().Context(), &smartmedia.CommitRequest{
		Creator:      actor,
		PostID:       req.PostID,
		AgentID:      req.AgentID,
		Template:     req.Template,
		Params:       req.Params,
		Token:        req.Token,
		MaxStaleTime: req.MaxStaleTime,
	})
	if err != nil {
		return httpErr(err)
	}
	return c.JSON(http.StatusOK, media)
}

type getResponse struct {
	*models.SmartMedia
	IsProcessing bool `json:"isProcessing"`
}

func (s *Server) handleGet(c echo.Context) error {
	withHistory := c.QueryParam("history") == "true"
	media, busy, err := s.orch.Get(c.Request().Context(), c.Param("postId"), withHistory)
	if err != nil {
		return httpErr(err)
	}
	return c.JSON(http.StatusOK, &getResponse{SmartMedia: media, IsProcessing: busy})
}

func (s *Server) handleUpdate(c echo.Context) error {
	force := c.QueryParam("force") == "true"
	accepted, err := s.orch.RequestUpdate(c.Request().Context(), c.Param("postId"), force, s.actor(c))
	if err != nil {
		return httpErr(err)
	}
	if !accepted {
		return c.NoContent(http.StatusNoContent)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "processing"})
}

func (s *Server) handleDisable(c echo.Context) error {
	if err := s.orch.Disable(c.Request().Context(), c.Param("postId"), s.actor(c)); err != nil {
		return httpErr(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "disabled"})
}

func (s *Server) handleCanvas(c echo.Context) error {
	postID := c.Param("postId")
	if html, ok := s.canvases.Get(postID); ok {
		return c.HTMLBlob(http.StatusOK, html)
	}
	html, err := s.orch.Canvas(c.Request().Context(), postID)
	if err != nil {
		if errors.Is(err, smartmedia.ErrNoCanvas) || errors.Is(err, smartmedia.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "no canvas")
		}
		return httpErr(err)
	}
	s.canvases.Add(postID, html)
	return c.HTMLBlob(http.StatusOK, html)
}
