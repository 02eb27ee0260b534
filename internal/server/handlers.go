package server

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/terramentis-ai/terraqore-studio-sub002/internal/model"
	"github.com/terramentis-ai/terraqore-studio-sub002/internal/policy"
	"github.com/terramentis-ai/terraqore-studio-sub002/internal/psmp"
	"github.com/terramentis-ai/terraqore-studio-sub002/internal/state"
	"github.com/terramentis-ai/terraqore-studio-sub002/internal/storage"
)

// errorBody is the uniform error envelope. Vetoed writes expose the policy
// name and reason only; conflicts carry the full conflict list so callers
// can drive resolution.
type errorBody struct {
	Error     string            `json:"error"`
	Policy    string            `json:"policy,omitempty"`
	Reason    string            `json:"reason,omitempty"`
	Conflicts []*model.Conflict `json:"conflicts,omitempty"`
}

// writeError translates engine errors into the structured responses the
// transport contract promises: 409 for conflicts, 403 for vetoes, 404 for
// missing rows, 500 otherwise.
func (s *Server) writeError(c echo.Context, err error) error {
	var conflictErr *psmp.ConflictError
	if errors.As(err, &conflictErr) {
		return c.JSON(http.StatusConflict, errorBody{
			Error:     "conflict detected",
			Conflicts: conflictErr.Conflicts,
		})
	}
	var vetoErr *policy.VetoError
	if errors.As(err, &vetoErr) {
		return c.JSON(http.StatusForbidden, errorBody{
			Error:  "write vetoed",
			Policy: vetoErr.Veto.PolicyViolated,
			Reason: vetoErr.Veto.Reason,
		})
	}
	var cpErr *state.CheckpointNotFoundError
	if errors.As(err, &cpErr) {
		return c.JSON(http.StatusNotFound, errorBody{Error: cpErr.Error()})
	}
	if errors.Is(err, storage.ErrNotFound) {
		return c.JSON(http.StatusNotFound, errorBody{Error: "not found"})
	}

	s.logger.Error("request failed", zap.Error(err))
	return c.JSON(http.StatusInternalServerError, errorBody{Error: "internal error"})
}

type createProjectRequest struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	OwnerID     string            `json:"owner_id"`
	Metadata    map[string]string `json:"metadata"`
}

func (s *Server) handleCreateProject(c echo.Context) error {
	var req createProjectRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{Error: "invalid request body"})
	}
	if req.Name == "" {
		return c.JSON(http.StatusBadRequest, errorBody{Error: "name is required"})
	}
	project, err := s.deps.Manager.CreateProject(c.Request().Context(), req.Name, req.Description, req.OwnerID, req.Metadata)
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusCreated, project)
}

func (s *Server) handleGetProject(c echo.Context) error {
	project, err := s.deps.Manager.GetProject(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, project)
}

func (s *Server) handleSetProjectStatus(c echo.Context) error {
	var req struct {
		Status string `json:"status"`
	}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{Error: "invalid request body"})
	}
	project, err := s.deps.Manager.SetProjectStatus(c.Request().Context(), c.Param("id"), model.ProjectStatus(req.Status))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return s.writeError(c, err)
		}
		return c.JSON(http.StatusBadRequest, errorBody{Error: err.Error()})
	}
	return c.JSON(http.StatusOK, project)
}

func (s *Server) handleBlockingReport(c echo.Context) error {
	report, err := s.deps.Engine.BlockingReport(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, report)
}

type artifactRequest struct {
	ArtifactType string            `json:"artifact_type"`
	Data         map[string]any    `json:"data"`
	CreatedBy    string            `json:"created_by"`
	DependsOn    []string          `json:"depends_on"`
	Metadata     map[string]string `json:"metadata"`
}

func (s *Server) handleCreateArtifact(c echo.Context) error {
	var req artifactRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{Error: "invalid request body"})
	}
	artifact, err := s.deps.Manager.CreateArtifact(c.Request().Context(), state.ArtifactWrite{
		ProjectID:    c.Param("id"),
		ArtifactType: req.ArtifactType,
		Data:         req.Data,
		CreatedBy:    req.CreatedBy,
		DependsOn:    req.DependsOn,
		Metadata:     req.Metadata,
	})
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusCreated, artifact)
}

func (s *Server) handleUpdateArtifact(c echo.Context) error {
	var req artifactRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{Error: "invalid request body"})
	}
	artifact, err := s.deps.Manager.UpdateArtifact(c.Request().Context(), c.Param("id"), state.ArtifactWrite{
		Data:      req.Data,
		CreatedBy: req.CreatedBy,
		DependsOn: req.DependsOn,
		Metadata:  req.Metadata,
	})
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusCreated, artifact)
}

func (s *Server) handleGetArtifact(c echo.Context) error {
	artifact, err := s.deps.Manager.GetArtifact(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, artifact)
}

func (s *Server) handleResolveConflict(c echo.Context) error {
	var req struct {
		Strategy string `json:"strategy"`
	}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{Error: "invalid request body"})
	}
	ctx := c.Request().Context()
	conflict, err := s.deps.Store.GetConflict(ctx, c.Param("id"))
	if err != nil {
		return s.writeError(c, err)
	}
	resolved, err := s.deps.Engine.ResolveConflict(ctx, conflict, model.ResolutionStrategy(req.Strategy))
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, resolved)
}

type taskRequest struct {
	Title      string            `json:"title"`
	AssignedTo string            `json:"assigned_to"`
	DependsOn  []string          `json:"depends_on"`
	Metadata   map[string]string `json:"metadata"`
}

func (s *Server) handleCreateTask(c echo.Context) error {
	var req taskRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{Error: "invalid request body"})
	}
	task, err := s.deps.Manager.CreateTask(c.Request().Context(), state.TaskWrite{
		ProjectID:  c.Param("id"),
		Title:      req.Title,
		AssignedTo: req.AssignedTo,
		DependsOn:  req.DependsOn,
		Metadata:   req.Metadata,
	})
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusCreated, task)
}

func (s *Server) handleUpdateTaskStatus(c echo.Context) error {
	var req struct {
		Status string `json:"status"`
	}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{Error: "invalid request body"})
	}
	task, err := s.deps.Manager.UpdateTaskStatus(c.Request().Context(), c.Param("id"), model.TaskStatus(req.Status))
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, task)
}

func (s *Server) handleCreateCheckpoint(c echo.Context) error {
	var req struct {
		Label string `json:"label"`
	}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{Error: "invalid request body"})
	}
	cp, err := s.deps.Manager.CreateCheckpoint(c.Request().Context(), c.Param("id"), req.Label)
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusCreated, cp)
}

func (s *Server) handleListCheckpoints(c echo.Context) error {
	checkpoints, err := s.deps.Manager.ListCheckpoints(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, checkpoints)
}

func (s *Server) handleRestoreCheckpoint(c echo.Context) error {
	snapshot, err := s.deps.Manager.RestoreCheckpoint(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, snapshot)
}
