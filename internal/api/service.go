// Package api serves session data over HTTP: health, session listing
// and downloadable session reports.
package api

import (
	"errors"
	"net/http"
	"path/filepath"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
	"github.com/swingkiddo/boosty-queue/internal/config"
	"github.com/swingkiddo/boosty-queue/internal/models"
	"github.com/swingkiddo/boosty-queue/internal/report"
	"github.com/swingkiddo/boosty-queue/internal/storage"
)

type Service struct {
	config  *config.Config
	storage *storage.Storage

	reports  *report.Aggregator
	exporter *report.ExcelExporter
}

func NewService(cfg *config.Config, store *storage.Storage, reports *report.Aggregator, exporter *report.ExcelExporter) *Service {
	return &Service{
		config:   cfg,
		storage:  store,
		reports:  reports,
		exporter: exporter,
	}
}

func (s *Service) Register(e *echo.Echo) {
	e.GET("/healthz", s.HandleHealth())
	e.GET("/sessions", s.HandleListSessions())
	e.GET("/sessions/:id/report", s.HandleSessionReport())
}

func (s *Service) HandleHealth() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, echo.Map{"status": "ok"})
	}
}

func (s *Service) HandleListSessions() echo.HandlerFunc {
	type sessionResponse struct {
		ID       uint   `json:"id"`
		Type     string `json:"type"`
		CoachID  int64  `json:"coach_id,string"`
		Status   string `json:"status"`
		MaxSlots int    `json:"max_slots"`
	}

	return func(c echo.Context) error {
		status := models.SessionStatus(c.QueryParam("status"))
		if status == "" {
			status = models.SessionStatusArchived
		}

		sessions, err := s.storage.ListSessionsByStatus(c.Request().Context(), status)
		if err != nil {
			logrus.Errorf("listing sessions: %v", err)
			return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to list sessions"})
		}

		response := make([]sessionResponse, 0, len(sessions))
		for _, session := range sessions {
			response = append(response, sessionResponse{
				ID:       session.ID,
				Type:     string(session.Type),
				CoachID:  session.CoachID,
				Status:   string(session.Status),
				MaxSlots: session.MaxSlots,
			})
		}
		return c.JSON(http.StatusOK, response)
	}
}

// HandleSessionReport builds the session report, renders the workbook
// and streams it back as an attachment.
func (s *Service) HandleSessionReport() echo.HandlerFunc {
	return func(c echo.Context) error {
		sessionID, err := strconv.ParseUint(c.Param("id"), 10, 64)
		if err != nil {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "session id must be a number"})
		}

		built, err := s.reports.Build(c.Request().Context(), uint(sessionID))
		if err != nil {
			if errors.Is(err, models.ErrNotFound) {
				return c.JSON(http.StatusNotFound, echo.Map{"error": "session not found"})
			}
			logrus.Errorf("building report for session %d: %v", sessionID, err)
			return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to build report"})
		}

		path, err := s.exporter.Export(built)
		if err != nil {
			logrus.Errorf("exporting report for session %d: %v", sessionID, err)
			return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to export report"})
		}

		return c.Attachment(path, filepath.Base(path))
	}
}
