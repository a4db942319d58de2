package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/vyrodovalexey/leasecache/internal/observability"
	"github.com/vyrodovalexey/leasecache/internal/vault"
)

type valueResponse struct {
	Value string `json:"value"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type healthResponse struct {
	Status        string `json:"status"`
	Entries       int    `json:"entries"`
	Authenticated bool   `json:"authenticated"`
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, healthResponse{
		Status:        "ok",
		Entries:       s.reader.Entries(),
		Authenticated: s.reader.Authenticated(),
	})
}

// handleKV serves GET /v1/kv/<name>?key=&version=&mount=&engine=.
func (s *Server) handleKV(c *gin.Context) {
	req := vault.KVRequest{
		Name:  strings.Trim(c.Param("name"), "/"),
		Key:   c.Query("key"),
		Mount: c.Query("mount"),
	}
	var err error
	if req.Version, err = intQuery(c, "version"); err != nil {
		s.badRequest(c, err)
		return
	}
	if req.EngineVersion, err = intQuery(c, "engine"); err != nil {
		s.badRequest(c, err)
		return
	}
	if req.Name == "" {
		s.badRequest(c, errors.New("secret name is required"))
		return
	}

	value, found, err := s.reader.ReadKV(c.Request.Context(), req)
	s.respond(c, value, found, err)
}

// handleSecret serves GET /v1/secret/<path>?field=.
func (s *Server) handleSecret(c *gin.Context) {
	path := strings.Trim(c.Param("path"), "/")
	if path == "" {
		s.badRequest(c, errors.New("secret path is required"))
		return
	}
	value, found, err := s.reader.ReadValue(c.Request.Context(), path, c.Query("field"))
	s.respond(c, value, found, err)
}

func (s *Server) handleCacheList(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"entries": s.reader.Snapshot()})
}

func (s *Server) handleCacheInvalidate(c *gin.Context) {
	path := strings.Trim(c.Param("path"), "/")
	if raw := c.Request.URL.RawQuery; raw != "" {
		path += "?" + raw
	}
	if !s.reader.Invalidate(path) {
		c.JSON(http.StatusNotFound, errorResponse{Error: "not cached"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) respond(c *gin.Context, value string, found bool, err error) {
	if err != nil {
		status := statusFor(err)
		_ = c.Error(err)
		s.logger.WithContext(c.Request.Context()).Debug("read failed",
			observability.String("path", c.Request.URL.Path),
			observability.Int("status", status),
			observability.Error(err),
		)
		c.JSON(status, errorResponse{Error: err.Error()})
		return
	}
	if !found || value == "" {
		c.JSON(http.StatusNotFound, errorResponse{Error: "not found"})
		return
	}
	c.JSON(http.StatusOK, valueResponse{Value: value})
}

func (s *Server) badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
}

// statusFor maps read errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, vault.ErrAuthenticationFailed):
		return http.StatusUnauthorized
	case errors.Is(err, vault.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, vault.ErrUnsupportedEngine):
		return http.StatusBadRequest
	case errors.Is(err, vault.ErrClosed):
		return http.StatusServiceUnavailable
	case vault.IsTransient(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func intQuery(c *gin.Context, name string) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New("invalid " + name + ": " + raw)
	}
	return n, nil
}
