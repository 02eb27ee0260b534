package server

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/terramentis-ai/terraqore-studio-sub002/internal/queue"
	"github.com/terramentis-ai/terraqore-studio-sub002/internal/webhook"
)

func (s *Server) handleAuditTrail(c echo.Context) error {
	filters := make(map[string]string)
	for key, values := range c.QueryParams() {
		if len(values) > 0 {
			filters[key] = values[0]
		}
	}
	trail, err := s.deps.Auditor.Trail(filters)
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, trail)
}

func (s *Server) handleComplianceReport(c echo.Context) error {
	report, err := s.deps.Auditor.ComplianceReport()
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, report)
}

type webhookRequest struct {
	URL        string   `json:"url"`
	Secret     string   `json:"secret"`
	EventTypes []string `json:"event_types"`
	ProjectID  string   `json:"project_id"`
}

func (s *Server) handleRegisterWebhook(c echo.Context) error {
	var req webhookRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{Error: "invalid request body"})
	}
	ep, err := s.deps.Dispatcher.Register(&webhook.Endpoint{
		URL:        req.URL,
		Secret:     req.Secret,
		EventTypes: req.EventTypes,
		ProjectID:  req.ProjectID,
	})
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{Error: err.Error()})
	}
	return c.JSON(http.StatusCreated, ep)
}

func (s *Server) handleListWebhooks(c echo.Context) error {
	return c.JSON(http.StatusOK, s.deps.Dispatcher.Endpoints())
}

func (s *Server) handleUnregisterWebhook(c echo.Context) error {
	s.deps.Dispatcher.Unregister(c.Param("id"))
	return c.NoContent(http.StatusNoContent)
}

type enqueueJobRequest struct {
	ArtifactID      string         `json:"artifact_id"`
	ProjectID       string         `json:"project_id"`
	SkillID         string         `json:"skill_id"`
	ProviderHint    string         `json:"provider_hint"`
	ProfileHash     string         `json:"profile_hash"`
	Payload         map[string]any `json:"payload"`
	EstimatedTokens int            `json:"estimated_tokens"`
}

func (s *Server) handleEnqueueJob(c echo.Context) error {
	var req enqueueJobRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{Error: "invalid request body"})
	}
	if req.ProfileHash == "" {
		return c.JSON(http.StatusBadRequest, errorBody{Error: "profile_hash is required"})
	}
	job := &queue.Job{
		ArtifactID:      req.ArtifactID,
		ProjectID:       req.ProjectID,
		SkillID:         req.SkillID,
		ProviderHint:    req.ProviderHint,
		ProfileHash:     req.ProfileHash,
		Payload:         req.Payload,
		EstimatedTokens: req.EstimatedTokens,
	}
	s.deps.Queue.Enqueue(job)
	return c.JSON(http.StatusAccepted, job)
}

func (s *Server) handleRunWorker(c echo.Context) error {
	batches, err := s.deps.Worker.RunOnce(c.Request().Context())
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]int{
		"batches_processed": batches,
		"queued":            s.deps.Queue.Size(),
	})
}

func (s *Server) handleDrainResults(c echo.Context) error {
	results := s.deps.Worker.DrainResults()
	if results == nil {
		results = []*queue.Result{}
	}
	return c.JSON(http.StatusOK, results)
}
