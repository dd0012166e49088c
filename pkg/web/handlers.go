package web

import (
	"context"
	"errors"
	"math"

	"github.com/gofiber/fiber/v2"

	"github.com/teslashibe/go-treadmill/pkg/bertec"
	"github.com/teslashibe/go-treadmill/pkg/hub"
)

// maxInclineAngle is the incline limit in degrees.
const maxInclineAngle = 15

// StatusResponse is returned by GET /api/status.
type StatusResponse struct {
	Running   bool               `json:"running"`
	Connected bool               `json:"connected"`
	Tick      any                `json:"tick,omitempty"`
	Loop      any                `json:"loop,omitempty"`
	Transport bertec.ClientStats `json:"transport"`
	Control   any                `json:"control,omitempty"`
	Gains     any                `json:"gains,omitempty"`
	Hubs      []hub.Stats        `json:"hubs"`
}

// InclineRequest is the body of POST /api/incline.
type InclineRequest struct {
	Angle *float64 `json:"angle"`
}

func (s *Server) handleStatus(c *fiber.Ctx) error {
	resp := StatusResponse{
		Connected: s.treadmill.IsConnected(),
		Transport: s.treadmill.Stats(),
		Hubs:      []hub.Stats{s.telemetryHub.Stats(), s.copHub.Stats()},
	}
	if s.loop != nil {
		resp.Running = s.loop.Running()
		resp.Loop = s.loop.Stats()
		if tick, ok := s.loop.Snapshot(); ok {
			resp.Tick = tick
		}
	}
	if s.control != nil {
		resp.Control = s.control.Stats()
		resp.Gains = s.control.Gains()
	}
	return c.JSON(resp)
}

func (s *Server) handleStart(c *fiber.Ctx) error {
	if s.loop == nil {
		return fiber.NewError(fiber.StatusServiceUnavailable, "control loop not attached")
	}
	if !s.treadmill.IsConnected() {
		return fiber.NewError(fiber.StatusServiceUnavailable, "treadmill not connected")
	}
	runID := s.loop.Start()
	s.logger.Info("start requested", "run_id", runID, "remote", c.IP())
	return c.JSON(fiber.Map{"run_id": runID, "running": true})
}

func (s *Server) handleStop(c *fiber.Ctx) error {
	if s.loop == nil {
		return fiber.NewError(fiber.StatusServiceUnavailable, "control loop not attached")
	}
	ctx, cancel := context.WithTimeout(c.UserContext(), s.cfg.CommandTimeout)
	defer cancel()

	s.logger.Info("stop requested", "remote", c.IP())
	if err := s.loop.Stop(ctx); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"running": false})
}

func (s *Server) handleIncline(c *fiber.Ctx) error {
	var req InclineRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid body: "+err.Error())
	}
	if req.Angle == nil {
		return fiber.NewError(fiber.StatusBadRequest, "angle is required")
	}
	angle := *req.Angle
	if math.IsNaN(angle) || math.Abs(angle) > maxInclineAngle {
		return fiber.NewError(fiber.StatusBadRequest, "angle out of range")
	}

	ctx, cancel := context.WithTimeout(c.UserContext(), s.cfg.CommandTimeout)
	defer cancel()
	if _, err := s.treadmill.RunIncline(ctx, angle); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"angle": angle})
}

func (s *Server) handleMoving(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), s.cfg.CommandTimeout)
	defer cancel()

	resp, err := s.treadmill.IsTreadmillMoving(ctx)
	if err != nil {
		return err
	}
	moving, ok := resp.Bool("isMoving")
	if !ok {
		return fiber.NewError(fiber.StatusBadGateway, "reply carried no isMoving field")
	}
	return c.JSON(fiber.Map{"moving": moving})
}

// handleError maps fiber and treadmill errors to JSON responses.
func (s *Server) handleError(c *fiber.Ctx, err error) error {
	status := fiber.StatusInternalServerError
	body := fiber.Map{"error": err.Error()}

	var fe *fiber.Error
	var rpc *bertec.RPCError
	switch {
	case errors.As(err, &fe):
		status = fe.Code
	case errors.As(err, &rpc):
		status = fiber.StatusBadGateway
		body["code"] = rpc.Code
	case errors.Is(err, bertec.ErrNotConnected):
		status = fiber.StatusServiceUnavailable
	case errors.Is(err, bertec.ErrNoReply), errors.Is(err, context.DeadlineExceeded):
		status = fiber.StatusGatewayTimeout
	case errors.Is(err, bertec.ErrSendFailed), errors.Is(err, bertec.ErrMalformedReply):
		status = fiber.StatusBadGateway
	}
	if status >= fiber.StatusInternalServerError {
		s.logger.Warn("request failed", "path", c.Path(), "status", status, "error", err)
	}
	return c.Status(status).JSON(body)
}
