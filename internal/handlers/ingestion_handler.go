package handlers

import (
	"context"
	"errors"
	"log/slog"

	"ingestion-service/internal/models"
	"ingestion-service/internal/repository"
	"ingestion-service/internal/services"
	"ingestion-service/internal/worker"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
)

type JobService interface {
	CreateJob(ctx context.Context, farmExternalID string, trigger models.JobTrigger) (*models.IngestionJob, bool, error)
	GetJob(ctx context.Context, jobID uuid.UUID) (*models.IngestionJob, error)
}

type FarmReader interface {
	GetFarmConfig(ctx context.Context, farmExternalID string) (*models.FarmConfig, error)
}

type ObservationReader interface {
	GetLatestByFarm(ctx context.Context, farmExternalID string) ([]models.ObservationRecord, error)
}

type RunReportReader interface {
	Get(ctx context.Context, farmExternalID string, runID uuid.UUID) (*services.RunResult, error)
}

type IngestionHandler struct {
	jobs         JobService
	farms        FarmReader
	observations ObservationReader
	reports      RunReportReader
}

func NewIngestionHandler(jobs JobService, farms FarmReader, observations ObservationReader, reports RunReportReader) *IngestionHandler {
	return &IngestionHandler{
		jobs:         jobs,
		farms:        farms,
		observations: observations,
		reports:      reports,
	}
}

func (h *IngestionHandler) RegisterRoutes(app *fiber.App) {
	gr := app.Group("ingestion/api/v1")

	gr.Post("/farms/:farm_id/refresh", h.RefreshFarm)
	gr.Get("/farms/:farm_id/observations/latest", h.GetLatestObservations)
	gr.Get("/farms/:farm_id/runs/:run_id", h.GetRunReport)
	gr.Get("/jobs/:id", h.GetJob)
}

// RefreshFarm queues a manual ingestion job. An already active job for the
// farm is returned with 200 instead of 202.
func (h *IngestionHandler) RefreshFarm(c fiber.Ctx) error {
	farmID := c.Params("farm_id")
	if farmID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(models.NewErrorResponse("INVALID_FARM_ID", "farm_id is required"))
	}

	if _, err := h.farms.GetFarmConfig(c.Context(), farmID); err != nil {
		if errors.Is(err, repository.ErrFarmNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(models.NewErrorResponse("FARM_NOT_FOUND", err.Error()))
		}
		slog.Error("Failed to load farm for refresh", "farm_id", farmID, "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(models.NewErrorResponse("INTERNAL_ERROR", "failed to load farm"))
	}

	job, created, err := h.jobs.CreateJob(c.Context(), farmID, models.JobTriggerManual)
	if err != nil {
		slog.Error("Failed to create ingestion job", "farm_id", farmID, "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(models.NewErrorResponse("INTERNAL_ERROR", "failed to create job"))
	}

	status := fiber.StatusAccepted
	if !created {
		status = fiber.StatusOK
	}
	return c.Status(status).JSON(models.NewSuccessResponse(job))
}

func (h *IngestionHandler) GetJob(c fiber.Ctx) error {
	jobID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(models.NewErrorResponse("INVALID_JOB_ID", "job id must be a UUID"))
	}

	job, err := h.jobs.GetJob(c.Context(), jobID)
	if err != nil {
		if errors.Is(err, worker.ErrJobNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(models.NewErrorResponse("JOB_NOT_FOUND", err.Error()))
		}
		return c.Status(fiber.StatusInternalServerError).JSON(models.NewErrorResponse("INTERNAL_ERROR", "failed to get job"))
	}
	return c.Status(fiber.StatusOK).JSON(models.NewSuccessResponse(job))
}

func (h *IngestionHandler) GetLatestObservations(c fiber.Ctx) error {
	farmID := c.Params("farm_id")
	records, err := h.observations.GetLatestByFarm(c.Context(), farmID)
	if err != nil {
		slog.Error("Failed to get latest observations", "farm_id", farmID, "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(models.NewErrorResponse("INTERNAL_ERROR", "failed to get observations"))
	}
	if len(records) == 0 {
		return c.Status(fiber.StatusNotFound).JSON(models.NewErrorResponse("NO_OBSERVATIONS", "farm has no observations yet"))
	}
	return c.Status(fiber.StatusOK).JSON(models.NewSuccessResponse(records))
}

func (h *IngestionHandler) GetRunReport(c fiber.Ctx) error {
	if h.reports == nil {
		return fiber.NewError(fiber.StatusServiceUnavailable, "run report archive is not configured")
	}
	runID, err := uuid.Parse(c.Params("run_id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(models.NewErrorResponse("INVALID_RUN_ID", "run id must be a UUID"))
	}

	report, err := h.reports.Get(c.Context(), c.Params("farm_id"), runID)
	if err != nil {
		if errors.Is(err, services.ErrReportNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(models.NewErrorResponse("RUN_NOT_FOUND", err.Error()))
		}
		return c.Status(fiber.StatusInternalServerError).JSON(models.NewErrorResponse("INTERNAL_ERROR", "failed to get run report"))
	}
	return c.Status(fiber.StatusOK).JSON(models.NewSuccessResponse(report))
}
