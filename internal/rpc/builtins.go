package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"livechat-presence/internal/domain"
	"livechat-presence/internal/ratelimit"
	"livechat-presence/internal/repository"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	FuncAgentDisplayName    = "get_agent_display_name"
	FuncCheckLoginRateLimit = "check_login_rate_limit"
	FuncRecordLoginAttempt  = "record_login_attempt"
	FuncBootstrapFirstAdmin = "bootstrap_first_admin"
)

const bootstrapLockKey = "lock:bootstrap_first_admin"

// Locker grants a key to a single caller at a time.
type Locker interface {
	AcquireOnce(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

type Builtins struct {
	Sessions repository.SessionRepository
	Profiles repository.AgentProfileRepository
	Limiter  *ratelimit.Limiter
	Locker   Locker
	Logger   *zap.Logger
}

// Register installs every built-in function on r.
func (b Builtins) Register(r *Registry) {
	r.Register(FuncAgentDisplayName, b.agentDisplayName)
	r.Register(FuncCheckLoginRateLimit, b.checkLoginRateLimit)
	r.Register(FuncRecordLoginAttempt, b.recordLoginAttempt)
	r.Register(FuncBootstrapFirstAdmin, b.bootstrapFirstAdmin)
}

type displayNameRequest struct {
	CustomerID uuid.UUID `json:"customer_id"`
}

type DisplayNameResult struct {
	Name string `json:"name"`
}

// agentDisplayName returns only the display name of the agent on the
// customer's latest session.
func (b Builtins) agentDisplayName(ctx context.Context, payload json.RawMessage) (interface{}, error) {
	var req displayNameRequest
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	if req.CustomerID == uuid.Nil {
		return nil, fmt.Errorf("%w: customer_id is required", domain.ErrInvalidInput)
	}

	session, err := b.Sessions.FindLatestByCustomer(ctx, req.CustomerID)
	if err != nil {
		return nil, err
	}
	if session.AssignedAgentID == nil {
		return nil, domain.ErrNotFound
	}
	profile, err := b.Profiles.FindByID(ctx, *session.AssignedAgentID)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(profile.DisplayName) == "" {
		return nil, domain.ErrNotFound
	}
	return DisplayNameResult{Name: profile.DisplayName}, nil
}

type loginRequest struct {
	Identifier string `json:"identifier"`
	Success    bool   `json:"success"`
}

func (r loginRequest) validate() error {
	if strings.TrimSpace(r.Identifier) == "" {
		return fmt.Errorf("%w: identifier is required", domain.ErrInvalidInput)
	}
	return nil
}

func (b Builtins) checkLoginRateLimit(ctx context.Context, payload json.RawMessage) (interface{}, error) {
	var req loginRequest
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	if err := req.validate(); err != nil {
		return nil, err
	}
	return b.Limiter.Check(ctx, req.Identifier), nil
}

// recordLoginAttempt counts failed attempts only.
func (b Builtins) recordLoginAttempt(ctx context.Context, payload json.RawMessage) (interface{}, error) {
	var req loginRequest
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	if err := req.validate(); err != nil {
		return nil, err
	}
	if req.Success {
		return map[string]bool{"recorded": false}, nil
	}
	if err := b.Limiter.Record(ctx, req.Identifier); err != nil {
		b.Logger.Warn("failed to record login attempt", zap.Error(err))
		return map[string]bool{"recorded": false}, nil
	}
	return map[string]bool{"recorded": true}, nil
}

type bootstrapRequest struct {
	AgentID     uuid.UUID `json:"agent_id"`
	DisplayName string    `json:"display_name"`
	Email       string    `json:"email"`
}

type BootstrapResult struct {
	Granted bool `json:"granted"`
}

// bootstrapFirstAdmin makes the caller an admin when no admin exists yet.
// The lock serializes concurrent callers; the admin count decides.
func (b Builtins) bootstrapFirstAdmin(ctx context.Context, payload json.RawMessage) (interface{}, error) {
	var req bootstrapRequest
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	if req.AgentID == uuid.Nil {
		return nil, fmt.Errorf("%w: agent_id is required", domain.ErrInvalidInput)
	}

	ok, err := b.Locker.AcquireOnce(ctx, bootstrapLockKey, 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("bootstrap lock: %w", err)
	}
	if !ok {
		return BootstrapResult{Granted: false}, nil
	}
	defer func() {
		if err := b.Locker.Release(context.Background(), bootstrapLockKey); err != nil {
			b.Logger.Warn("failed to release bootstrap lock", zap.Error(err))
		}
	}()

	admins, err := b.Profiles.CountAdmins(ctx)
	if err != nil {
		return nil, err
	}
	if admins > 0 {
		return BootstrapResult{Granted: false}, nil
	}

	profile, err := b.Profiles.FindByID(ctx, req.AgentID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	if profile == nil {
		profile = &domain.AgentProfile{AgentID: req.AgentID}
	}
	if req.DisplayName != "" {
		profile.DisplayName = req.DisplayName
	}
	if req.Email != "" {
		profile.Email = req.Email
	}
	profile.IsAdmin = true
	if err := b.Profiles.Upsert(ctx, profile); err != nil {
		return nil, err
	}

	b.Logger.Info("first admin bootstrapped", zap.String("agent_id", req.AgentID.String()))
	return BootstrapResult{Granted: true}, nil
}
