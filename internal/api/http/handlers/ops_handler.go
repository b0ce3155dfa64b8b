package handlers

import (
	"context"

	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/helpdesk-engine/internal/api/dto"
	"github.com/spec-kit/helpdesk-engine/internal/domain"
	"github.com/spec-kit/helpdesk-engine/internal/events"
	"github.com/spec-kit/helpdesk-engine/internal/service"
)

// Sweeper runs an escalation sweep.
type Sweeper interface {
	Sweep(ctx context.Context, opts service.SweepOptions) (service.SweepResult, error)
}

// BatchRunner delivers a bounded batch of outbox events.
type BatchRunner interface {
	RunBatch(ctx context.Context, maxEvents int) (events.BatchResult, error)
}

// OutboxAdmin exposes undelivered events to operators.
type OutboxAdmin interface {
	ListStuck(ctx context.Context, minAttempts, limit int) ([]domain.OutboxEvent, error)
	Requeue(ctx context.Context, id int64) error
}

// OpsHandler lets operators and schedulers trigger engine jobs.
type OpsHandler struct {
	sweeper       Sweeper
	dispatcher    BatchRunner
	outbox        OutboxAdmin
	batchSize     int
	stuckAttempts int
}

// NewOpsHandler constructs handler.
func NewOpsHandler(sweeper Sweeper, dispatcher BatchRunner, outbox OutboxAdmin, batchSize, stuckAttempts int) *OpsHandler {
	if batchSize <= 0 {
		batchSize = 50
	}
	if stuckAttempts <= 0 {
		stuckAttempts = 5
	}
	return &OpsHandler{
		sweeper:       sweeper,
		dispatcher:    dispatcher,
		outbox:        outbox,
		batchSize:     batchSize,
		stuckAttempts: stuckAttempts,
	}
}

// RunEscalations POST /ops/escalations/run.
func (h *OpsHandler) RunEscalations(c *fiber.Ctx) error {
	var req dto.RunEscalationsRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}
	opts := service.SweepOptions{InactivityDays: req.InactivityDays, CooldownDays: req.CooldownDays}
	if req.Now != nil {
		opts.Now = *req.Now
	}
	result, err := h.sweeper.Sweep(c.UserContext(), opts)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": result})
}

// Dispatch POST /ops/outbox/dispatch.
func (h *OpsHandler) Dispatch(c *fiber.Ctx) error {
	var req dto.DispatchRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}
	max := req.MaxEvents
	if max == 0 {
		max = h.batchSize
	}
	result, err := h.dispatcher.RunBatch(c.UserContext(), max)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": result})
}

// ListStuck GET /ops/outbox/stuck?min_attempts=&limit=.
func (h *OpsHandler) ListStuck(c *fiber.Ctx) error {
	minAttempts := c.QueryInt("min_attempts", h.stuckAttempts)
	limit := c.QueryInt("limit", 100)
	stuck, err := h.outbox.ListStuck(c.UserContext(), minAttempts, limit)
	if err != nil {
		return err
	}
	items := make([]dto.OutboxEventResponse, 0, len(stuck))
	for _, e := range stuck {
		items = append(items, dto.NewOutboxEventResponse(e))
	}
	return c.JSON(fiber.Map{"data": items})
}

// Requeue POST /ops/outbox/:id/requeue.
func (h *OpsHandler) Requeue(c *fiber.Ctx) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	if err := h.outbox.Requeue(c.UserContext(), id); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}
