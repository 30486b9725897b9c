// Package runapi is the boundary exposed to triggers (manual, webhook
// ingress, cron, sub-flow/map spawn): it creates a run, materializes its
// pinned version snapshot, and enqueues the root frontier (SPEC_FULL.md
// §4.1, §6). Grounded on cmd/orchestrator/service/run.go's CreateRun shape
// (materialize -> store -> create run row -> publish root tasks), reshaped
// from the teacher's artifact/CAS materialization onto the spec's
// workflow_version snapshot model.
package runapi

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/lyzr/flowengine/internal/executor"
	"github.com/lyzr/flowengine/internal/graph"
	"github.com/lyzr/flowengine/internal/logger"
	"github.com/lyzr/flowengine/internal/mapengine"
	"github.com/lyzr/flowengine/internal/models"
	"github.com/lyzr/flowengine/internal/orchestrator"
	"github.com/lyzr/flowengine/internal/repository"
)

// Service implements the Run API: CreateRun and its variants (manual,
// cron, sub-flow/map spawn), the webhook resume endpoint, publish, and
// cancel. It is the only thing besides the Orchestrator itself that begins
// transactions spanning more than one repository call.
type Service struct {
	runs             *repository.RunRepository
	runEvents        *repository.RunEventRepository
	workflows        *repository.WorkflowRepository
	workflowVersions *repository.WorkflowVersionRepository
	suspensionTokens *repository.SuspensionTokenRepository
	orch             *orchestrator.Orchestrator
	mapEngine        *mapengine.Engine
	logger           *logger.Logger
}

// Deps bundles Service's dependencies.
type Deps struct {
	Runs             *repository.RunRepository
	RunEvents        *repository.RunEventRepository
	Workflows        *repository.WorkflowRepository
	WorkflowVersions *repository.WorkflowVersionRepository
	SuspensionTokens *repository.SuspensionTokenRepository
	Orchestrator     *orchestrator.Orchestrator
	MapEngine        *mapengine.Engine
	Logger           *logger.Logger
}

// New builds a Service from its dependencies.
func New(d Deps) *Service {
	return &Service{
		runs: d.Runs, runEvents: d.RunEvents, workflows: d.Workflows, workflowVersions: d.WorkflowVersions,
		suspensionTokens: d.SuspensionTokens, orch: d.Orchestrator, mapEngine: d.MapEngine, logger: d.Logger,
	}
}

// CreateRunRequest is everything CreateRun needs regardless of trigger.
type CreateRunRequest struct {
	WorkflowID   int
	VersionID    *uuid.UUID // pinned version (sub-flow, cron, replay); nil resolves workflow.active_version_id
	Trigger      models.RunTrigger
	Input        map[string]any
	ParentRunID  *uuid.UUID
	ParentNodeID *string
	Depth        int
}

// NoActiveVersionError is returned when a run is requested against a
// workflow with neither a pinned version_id nor a published
// active_version_id.
type NoActiveVersionError struct{ WorkflowID int }

func (e *NoActiveVersionError) Error() string {
	return fmt.Sprintf("workflow %d has no active version and none was pinned", e.WorkflowID)
}

// CreateRun resolves the run's pinned version, materializes
// snapshot_graph, inserts the Run row with RUN_CREATED and the initial
// NODE_SCHEDULED frontier in one transaction, and pushes the frontier
// tasks once that transaction commits (SPEC_FULL.md §4.1 step-by-step).
func (s *Service) CreateRun(ctx context.Context, req CreateRunRequest) (*models.Run, error) {
	if req.Depth > models.MaxDepth {
		return nil, &executor.DepthExceededError{Depth: req.Depth}
	}

	version, err := s.resolveVersion(ctx, req.WorkflowID, req.VersionID)
	if err != nil {
		return nil, err
	}

	compiled, err := graph.Parse(version.Graph)
	if err != nil {
		return nil, fmt.Errorf("failed to parse version snapshot graph: %w", err)
	}

	input, err := json.Marshal(req.Input)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal run input: %w", err)
	}

	run := &models.Run{
		ID:                uuid.New(),
		WorkflowID:        req.WorkflowID,
		WorkflowVersionID: &version.ID,
		SnapshotGraph:     version.Graph,
		Status:            models.RunPending,
		Trigger:           req.Trigger,
		InputData:         input,
		ParentRunID:       req.ParentRunID,
		ParentNodeID:      req.ParentNodeID,
		Depth:             req.Depth,
	}

	tx, err := repository.BeginTx(ctx, s.orch.DB())
	if err != nil {
		return nil, err
	}

	if err := s.runs.Create(ctx, tx, run); err != nil {
		_ = tx.Rollback(ctx)
		return nil, err
	}
	zero := 0
	if _, err := s.runEvents.Append(ctx, tx, &models.RunEvent{RunID: run.ID, EventType: models.EventRunCreated, Payload: input, RetryCount: &zero}); err != nil {
		_ = tx.Rollback(ctx)
		return nil, err
	}
	tasks, err := s.orch.ScheduleEntryNodes(ctx, tx, run, compiled)
	if err != nil {
		_ = tx.Rollback(ctx)
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	if err := s.orch.PushPending(ctx, tasks); err != nil {
		s.logger.Error("failed to push root frontier after commit", "run_id", run.ID, "error", err)
		return run, err
	}

	s.logger.Info("run created", "run_id", run.ID, "workflow_id", req.WorkflowID, "trigger", req.Trigger)
	return run, nil
}

// resolveVersion pins req's version or falls back to the workflow's
// published active_version_id (SPEC_FULL.md §4.1 "Version resolution").
func (s *Service) resolveVersion(ctx context.Context, workflowID int, versionID *uuid.UUID) (*models.WorkflowVersion, error) {
	if versionID != nil {
		return s.workflowVersions.GetByID(ctx, *versionID)
	}
	wf, err := s.workflows.GetByID(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if wf.ActiveVersionID == nil {
		return nil, &NoActiveVersionError{WorkflowID: workflowID}
	}
	return s.workflowVersions.GetByID(ctx, *wf.ActiveVersionID)
}

// SpawnChildRun implements executor.RunSpawner for the SUBFLOW node kind:
// it creates a pinned child run one depth level below its parent.
func (s *Service) SpawnChildRun(ctx context.Context, parentRunID, parentNodeID string, childWorkflowID int, childVersionID string, input map[string]any) (string, error) {
	parentID, err := uuid.Parse(parentRunID)
	if err != nil {
		return "", fmt.Errorf("invalid parent run id: %w", err)
	}
	parent, err := s.runs.GetByID(ctx, parentID)
	if err != nil {
		return "", fmt.Errorf("failed to load parent run: %w", err)
	}

	var pinnedVersion *uuid.UUID
	if childVersionID != "" {
		v, err := uuid.Parse(childVersionID)
		if err != nil {
			return "", fmt.Errorf("invalid child version id: %w", err)
		}
		pinnedVersion = &v
	}

	node := parentNodeID
	child, err := s.CreateRun(ctx, CreateRunRequest{
		WorkflowID:   childWorkflowID,
		VersionID:    pinnedVersion,
		Trigger:      models.TriggerSubflow,
		Input:        input,
		ParentRunID:  &parent.ID,
		ParentNodeID: &node,
		Depth:        parent.Depth + 1,
	})
	if err != nil {
		return "", err
	}
	return child.ID.String(), nil
}

// NotifyParentOfChildTerminal implements orchestrator.RunSpawner: when a
// child run reaches a terminal status, resume its parent node with the
// matching outcome. A Map item child (parent_batch_id set) is routed to
// the Map engine's item-terminal bookkeeping instead of resuming its
// parent MAP node directly, since that node only resumes once every item
// in the batch is terminal (SPEC_FULL.md §4.4, §4.6).
func (s *Service) NotifyParentOfChildTerminal(ctx context.Context, childRun *models.Run, status models.RunStatus, output map[string]any, errMsg string) error {
	if childRun.ParentBatchID != nil {
		if s.mapEngine == nil {
			return nil
		}
		return s.mapEngine.HandleItemTerminal(ctx, childRun, status, output, errMsg)
	}
	if childRun.ParentRunID == nil || childRun.ParentNodeID == nil {
		return nil
	}
	var outcome executor.Outcome
	switch status {
	case models.RunCompleted:
		outcome = executor.Completed(output)
	default:
		outcome = executor.Failed(executor.ErrorPermanent, errMsg, false)
	}
	return s.orch.ResumeNode(ctx, *childRun.ParentRunID, *childRun.ParentNodeID, outcome)
}

// ResumeWebhookResult distinguishes the resume endpoint's three outcomes.
type ResumeWebhookResult int

const (
	ResumeOK ResumeWebhookResult = iota
	ResumeNotFound
	ResumeExpired
)

// ResumeWebhook consumes a suspension token and resumes its WEBHOOK_WAIT
// node with payload bound to {{node_id.webhook_payload}} (spec §4.2
// Webhook-wait node, §8 scenario 3).
func (s *Service) ResumeWebhook(ctx context.Context, token string, payload map[string]any) (ResumeWebhookResult, error) {
	tx, err := repository.BeginTx(ctx, s.orch.DB())
	if err != nil {
		return ResumeNotFound, err
	}
	tok, expired, err := s.suspensionTokens.ConsumeIfValid(ctx, tx, token)
	if err != nil {
		_ = tx.Rollback(ctx)
		return ResumeNotFound, nil
	}
	if expired {
		_ = tx.Rollback(ctx)
		return ResumeExpired, nil
	}
	if err := tx.Commit(ctx); err != nil {
		return ResumeNotFound, err
	}

	out := executor.Completed(map[string]any{"webhook_payload": payload})
	if err := s.orch.ResumeNode(ctx, tok.RunID, tok.NodeID, out); err != nil {
		return ResumeNotFound, err
	}
	return ResumeOK, nil
}

// Cancel cancels a run by id.
func (s *Service) Cancel(ctx context.Context, runID uuid.UUID) error {
	return s.orch.Cancel(ctx, runID)
}

// GetRun retrieves a run's current projected state.
func (s *Service) GetRun(ctx context.Context, runID uuid.UUID) (*models.Run, error) {
	return s.runs.GetByID(ctx, runID)
}

// ListRunEvents returns a run's full event log, in append order, for the
// run-detail read endpoint.
func (s *Service) ListRunEvents(ctx context.Context, runID uuid.UUID) ([]*models.RunEvent, error) {
	return s.runEvents.ListByRun(ctx, runID)
}

// PublishRequest is the input to Publish.
type PublishRequest struct {
	WorkflowID    int
	Graph         []byte
	InputSchema   []byte
	OutputSchema  []byte
	ChangeSummary string
	CreatedBy     string
}

// Publish atomically creates a new immutable WorkflowVersion and sets it
// as the workflow's active_version_id (spec §4.7 Versioning: "publish is
// atomic, both under one transaction").
func (s *Service) Publish(ctx context.Context, req PublishRequest) (*models.WorkflowVersion, error) {
	if _, err := graph.Parse(req.Graph); err != nil {
		return nil, fmt.Errorf("invalid graph: %w", err)
	}

	tx, err := repository.BeginTx(ctx, s.orch.DB())
	if err != nil {
		return nil, err
	}
	versionNumber, err := s.workflowVersions.NextVersionNumber(ctx, tx, req.WorkflowID)
	if err != nil {
		_ = tx.Rollback(ctx)
		return nil, err
	}
	version := &models.WorkflowVersion{
		ID:            uuid.New(),
		WorkflowID:    req.WorkflowID,
		VersionNumber: versionNumber,
		Graph:         req.Graph,
		InputSchema:   req.InputSchema,
		OutputSchema:  req.OutputSchema,
		ChangeSummary: req.ChangeSummary,
		CreatedBy:     req.CreatedBy,
	}
	if err := s.workflowVersions.Create(ctx, tx, version); err != nil {
		_ = tx.Rollback(ctx)
		return nil, err
	}
	if err := s.workflows.SetActiveVersion(ctx, tx, req.WorkflowID, version.ID); err != nil {
		_ = tx.Rollback(ctx)
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	s.logger.Info("workflow published", "workflow_id", req.WorkflowID, "version_id", version.ID, "version_number", versionNumber)
	return version, nil
}
