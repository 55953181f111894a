package scheduler

import (
	"context"
	"errors"

	"github.com/gin-gonic/gin"

	"github.com/ksred/klear-queue/internal/calendar"
	"github.com/ksred/klear-queue/pkg/response"
)

// UpdateScheduleRequest changes one market boundary. Time is "HH:MM" in the
// market timezone.
type UpdateScheduleRequest struct {
	Boundary calendar.Boundary `json:"boundary" binding:"required"`
	Time     string            `json:"time" binding:"required"`
}

// GinHandlers contains the operator control surface for the scheduler
type GinHandlers struct {
	scheduler *Scheduler
}

func NewGinHandlers(scheduler *Scheduler) *GinHandlers {
	return &GinHandlers{
		scheduler: scheduler,
	}
}

func (h *GinHandlers) StatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		response.Success(c, h.scheduler.Status())
	}
}

// UpdateScheduleHandler handles PUT requests that move the open or close time
func (h *GinHandlers) UpdateScheduleHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req UpdateScheduleRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		tod, err := calendar.ParseTimeOfDay(req.Time)
		if err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		err = h.scheduler.UpdateSchedule(req.Boundary, tod)
		response.Handle(c, h.scheduler.Status(), err)
	}
}

func (h *GinHandlers) StartHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		// The loop outlives the request
		err := h.scheduler.Start(context.WithoutCancel(c.Request.Context()))
		response.Handle(c, h.scheduler.Status(), err)
	}
}

func (h *GinHandlers) StopHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		h.scheduler.Stop()
		response.Success(c, h.scheduler.Status())
	}
}

// SweepHandler runs a sweep now. It honours market hours and the
// single-sweep rule like any other tick.
func (h *GinHandlers) SweepHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		report, err := h.scheduler.Tick(context.WithoutCancel(c.Request.Context()))
		switch {
		case errors.Is(err, ErrMarketClosed), errors.Is(err, ErrSweepInProgress):
			response.Conflict(c, err.Error())
		default:
			response.Handle(c, report, err)
		}
	}
}
