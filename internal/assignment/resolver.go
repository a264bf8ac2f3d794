// Package assignment answers "who is the agent on this customer's chat, and
// are they around?" and keeps that answer current for a connected customer.
package assignment

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"livechat-presence/internal/domain"
	"livechat-presence/internal/repository"
	"livechat-presence/internal/rpc"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultAgentName is shown when an agent has neither a pseudonym nor a display name.
const DefaultAgentName = "Support"

// Resolution is a resolved agent together with the session it came from.
// SessionID is uuid.Nil when the customer has no session.
type Resolution struct {
	Agent     *domain.AssignedAgent
	SessionID uuid.UUID
}

type Resolver struct {
	sessions   repository.SessionRepository
	presence   repository.PresenceRepository
	pseudonyms repository.PseudonymRepository
	functions  rpc.Invoker
	window     time.Duration
	logger     *zap.Logger
	now        func() time.Time
}

func NewResolver(
	sessions repository.SessionRepository,
	presence repository.PresenceRepository,
	pseudonyms repository.PseudonymRepository,
	functions rpc.Invoker,
	recencyWindow time.Duration,
	logger *zap.Logger,
) *Resolver {
	return &Resolver{
		sessions:   sessions,
		presence:   presence,
		pseudonyms: pseudonyms,
		functions:  functions,
		window:     recencyWindow,
		logger:     logger,
		now:        time.Now,
	}
}

// Resolve returns the agent assigned to the customer's latest session, or nil
// when there is no session or nobody has claimed it.
func (r *Resolver) Resolve(ctx context.Context, customerID uuid.UUID) (*domain.AssignedAgent, error) {
	res, err := r.Lookup(ctx, customerID)
	return res.Agent, err
}

func (r *Resolver) Lookup(ctx context.Context, customerID uuid.UUID) (Resolution, error) {
	session, err := r.sessions.FindLatestByCustomer(ctx, customerID)
	if errors.Is(err, domain.ErrNotFound) {
		return Resolution{}, nil
	}
	if err != nil {
		return Resolution{}, err
	}
	if session.AssignedAgentID == nil {
		return Resolution{SessionID: session.ID}, nil
	}

	agentID := *session.AssignedAgentID
	agent := &domain.AssignedAgent{
		ID:           agentID,
		IsChatClosed: session.Status.IsClosed(),
	}

	record, err := r.presence.Find(ctx, agentID)
	switch {
	case err == nil:
		seen := record.LastSeenAt
		agent.LastSeenAt = &seen
		agent.IsOnline = !agent.IsChatClosed && record.IsLive(r.now(), r.window)
	case errors.Is(err, domain.ErrNotFound):
		// never seen: offline
	default:
		return Resolution{}, err
	}

	agent.Name = r.displayName(ctx, customerID, agentID)
	return Resolution{Agent: agent, SessionID: session.ID}, nil
}

// displayName prefers the pseudonym this customer knows the agent by, then
// the agent's display name. Lookup failures fall through to the default.
func (r *Resolver) displayName(ctx context.Context, customerID, agentID uuid.UUID) string {
	p, err := r.pseudonyms.FindByCustomer(ctx, customerID)
	if err == nil && p.AgentID == agentID && strings.TrimSpace(p.Pseudonym) != "" {
		return p.Pseudonym
	}
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		r.logger.Debug("pseudonym lookup failed", zap.Error(err))
	}

	if r.functions != nil {
		payload, _ := json.Marshal(map[string]string{"customer_id": customerID.String()})
		raw, err := r.functions.Invoke(ctx, rpc.FuncAgentDisplayName, payload)
		if err == nil {
			var res rpc.DisplayNameResult
			if json.Unmarshal(raw, &res) == nil && strings.TrimSpace(res.Name) != "" {
				return res.Name
			}
		} else if !errors.Is(err, domain.ErrNotFound) {
			r.logger.Debug("display name lookup failed", zap.Error(err))
		}
	}

	return DefaultAgentName
}
