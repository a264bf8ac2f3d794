package delivery

import (
	"context"
	"encoding/json"
	"errors"

	"livechat-presence/internal/domain"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrFunctionNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, domain.ErrForbidden):
		return fiber.StatusForbidden
	case errors.Is(err, domain.ErrConflict), errors.Is(err, domain.ErrSessionClosed):
		return fiber.StatusConflict
	case errors.Is(err, domain.ErrInvalidInput):
		return fiber.StatusBadRequest
	}
	return fiber.StatusInternalServerError
}

func fail(c *fiber.Ctx, status int, message string, err error) error {
	return c.Status(status).JSON(fiber.Map{
		"success": false,
		"message": message,
		"error":   err.Error(),
	})
}

// failWith maps a use case error to its HTTP status.
func (s *Server) failWith(c *fiber.Ctx, message string, err error) error {
	status := statusFor(err)
	if status == fiber.StatusInternalServerError {
		s.logger.Error(message, zap.String("path", c.Path()), zap.Error(err))
	}
	return fail(c, status, message, err)
}

func ok(c *fiber.Ctx, message string, data interface{}) error {
	return c.JSON(fiber.Map{
		"success": true,
		"message": message,
		"data":    data,
	})
}

// parseBody leaves dst untouched for an empty body.
func parseBody(c *fiber.Ctx, dst interface{}) error {
	if len(c.Body()) == 0 {
		return nil
	}
	return c.BodyParser(dst)
}

func (s *Server) handleGetSessionConnectionStatus(c *fiber.Ctx) error {
	sessionID, err := uuid.Parse(c.Params("session_id"))
	if err != nil {
		return fail(c, fiber.StatusBadRequest, "Invalid session ID", err)
	}

	status, err := s.deps.Connections.GetSessionUsers(c.Context(), sessionID.String())
	if err != nil {
		return fail(c, fiber.StatusInternalServerError, "Failed to get connection status", err)
	}
	return ok(c, "Connection status retrieved successfully", status)
}

func (s *Server) handleGetAssignedAgent(c *fiber.Ctx) error {
	customerID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return fail(c, fiber.StatusBadRequest, "Invalid customer ID", err)
	}

	agent, err := s.deps.Assignments.Resolve(c.Context(), customerID)
	if err != nil {
		return s.failWith(c, "Failed to resolve assigned agent", err)
	}
	return ok(c, "Assigned agent retrieved successfully", agent)
}

func (s *Server) handleSendCustomerMessage(c *fiber.Ctx) error {
	customerID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return fail(c, fiber.StatusBadRequest, "Invalid customer ID", err)
	}
	var req domain.SendMessageRequest
	if err := parseBody(c, &req); err != nil {
		return fail(c, fiber.StatusBadRequest, "Invalid request body", err)
	}

	resp, err := s.deps.Chats.SendCustomerMessage(c.Context(), customerID, req)
	if err != nil {
		return s.failWith(c, "Failed to send message", err)
	}
	c.Status(fiber.StatusCreated)
	return ok(c, "Message sent successfully", resp)
}

func (s *Server) handleClaimSession(c *fiber.Ctx) error {
	sessionID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return fail(c, fiber.StatusBadRequest, "Invalid session ID", err)
	}
	var req domain.ClaimSessionRequest
	if err := parseBody(c, &req); err != nil {
		return fail(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if req.AgentID == uuid.Nil {
		return fail(c, fiber.StatusBadRequest, "Invalid request body", errors.New("agent_id is required"))
	}

	session, err := s.deps.Chats.ClaimSession(c.Context(), sessionID, req.AgentID)
	if err != nil {
		return s.failWith(c, "Failed to claim session", err)
	}
	return ok(c, "Session claimed successfully", session)
}

func (s *Server) handleReassignSession(c *fiber.Ctx) error {
	sessionID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return fail(c, fiber.StatusBadRequest, "Invalid session ID", err)
	}
	var req domain.ReassignSessionRequest
	if err := parseBody(c, &req); err != nil {
		return fail(c, fiber.StatusBadRequest, "Invalid request body", err)
	}

	session, err := s.deps.Chats.ReassignSession(c.Context(), sessionID, req.AgentID, req.NewAgentID)
	if err != nil {
		return s.failWith(c, "Failed to reassign session", err)
	}
	return ok(c, "Session reassigned successfully", session)
}

func (s *Server) handleCloseSession(c *fiber.Ctx) error {
	sessionID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return fail(c, fiber.StatusBadRequest, "Invalid session ID", err)
	}
	// closing names the acting agent the same way a claim does
	var req domain.ClaimSessionRequest
	if err := parseBody(c, &req); err != nil {
		return fail(c, fiber.StatusBadRequest, "Invalid request body", err)
	}

	session, err := s.deps.Chats.CloseSession(c.Context(), sessionID, req.AgentID)
	if err != nil {
		return s.failWith(c, "Failed to close session", err)
	}
	return ok(c, "Session closed successfully", session)
}

func (s *Server) handleLeaveSession(c *fiber.Ctx) error {
	sessionID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return fail(c, fiber.StatusBadRequest, "Invalid session ID", err)
	}
	var req domain.LeaveSessionRequest
	if err := parseBody(c, &req); err != nil {
		return fail(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if req.Reason == "" {
		req.Reason = domain.ReasonUserLeft
	}

	session, err := s.deps.Chats.LeaveSession(c.Context(), sessionID, req.CustomerID, req.Reason)
	if err != nil {
		return s.failWith(c, "Failed to leave session", err)
	}
	return ok(c, "Session left successfully", session)
}

func (s *Server) handleAgentOnline(c *fiber.Ctx) error {
	agentID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return fail(c, fiber.StatusBadRequest, "Invalid agent ID", err)
	}
	if err := s.deps.Agents.GoOnline(c.Context(), agentID); err != nil {
		return s.failWith(c, "Failed to go online", err)
	}
	return ok(c, "Agent is online", nil)
}

func (s *Server) handleAgentOffline(c *fiber.Ctx) error {
	agentID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return fail(c, fiber.StatusBadRequest, "Invalid agent ID", err)
	}
	var req domain.GoOfflineRequest
	if err := parseBody(c, &req); err != nil {
		return fail(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if req.Reason == "" {
		req.Reason = domain.ReasonManualLeave
	}

	if err := s.deps.Agents.GoOffline(c.Context(), agentID, req.Reason); err != nil {
		return s.failWith(c, "Failed to go offline", err)
	}
	return ok(c, "Agent is offline", nil)
}

func (s *Server) handleAgentHeartbeat(c *fiber.Ctx) error {
	agentID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return fail(c, fiber.StatusBadRequest, "Invalid agent ID", err)
	}
	if err := s.deps.Agents.Heartbeat(c.Context(), agentID); err != nil {
		return s.failWith(c, "Failed to record heartbeat", err)
	}
	return ok(c, "Heartbeat recorded", nil)
}

func (s *Server) handleSetViewing(c *fiber.Ctx) error {
	agentID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return fail(c, fiber.StatusBadRequest, "Invalid agent ID", err)
	}
	var req domain.ViewingRequest
	if err := parseBody(c, &req); err != nil {
		return fail(c, fiber.StatusBadRequest, "Invalid request body", err)
	}

	if err := s.deps.Agents.SetViewing(c.Context(), agentID, req.CustomerID); err != nil {
		return s.failWith(c, "Failed to set viewing", err)
	}
	return ok(c, "Viewing updated", nil)
}

func (s *Server) handleClearViewing(c *fiber.Ctx) error {
	agentID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return fail(c, fiber.StatusBadRequest, "Invalid agent ID", err)
	}
	if err := s.deps.Agents.ClearViewing(c.Context(), agentID); err != nil {
		return s.failWith(c, "Failed to clear viewing", err)
	}
	return ok(c, "Viewing cleared", nil)
}

// handleBeacon answers 202 at once and runs the transition in the background.
// Browsers send beacons as text/plain, so the body is decoded as JSON whatever
// its content type.
func (s *Server) handleBeacon(c *fiber.Ctx) error {
	var req domain.BeaconRequest
	if err := json.Unmarshal(c.Body(), &req); err != nil {
		return fail(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if req.Reason == "" {
		req.Reason = domain.ReasonPageClose
	}

	var run func(ctx context.Context) error
	switch {
	case req.AgentID != nil && req.CustomerID == nil:
		agentID, reason := *req.AgentID, req.Reason
		run = func(ctx context.Context) error {
			return s.deps.Agents.GoOffline(ctx, agentID, reason)
		}
	case req.AgentID == nil && req.CustomerID != nil && req.SessionID != nil:
		customerID, sessionID, reason := *req.CustomerID, *req.SessionID, req.Reason
		run = func(ctx context.Context) error {
			_, err := s.deps.Chats.LeaveSession(ctx, sessionID, customerID, reason)
			return err
		}
	default:
		return fail(c, fiber.StatusBadRequest, "Invalid beacon",
			errors.New("set agent_id, or customer_id with session_id"))
	}

	s.background.Add(1)
	go func() {
		defer s.background.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.beaconTimeout)
		defer cancel()
		err := run(ctx)
		if err != nil && domain.IsTransient(err) && ctx.Err() == nil {
			err = run(ctx)
		}
		if err != nil {
			s.logger.Warn("beacon transition failed", zap.String("reason", string(req.Reason)), zap.Error(err))
		}
	}()

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"success": true,
		"message": "Beacon accepted",
	})
}

func (s *Server) handleInvokeFunction(c *fiber.Ctx) error {
	name := c.Params("name")
	payload := json.RawMessage(append([]byte(nil), c.Body()...))

	result, err := s.deps.Functions.Invoke(c.Context(), name, payload)
	if err != nil {
		return s.failWith(c, "Function "+name+" failed", err)
	}
	return c.JSON(fiber.Map{
		"success": true,
		"message": "Function " + name + " invoked successfully",
		"result":  result,
	})
}
