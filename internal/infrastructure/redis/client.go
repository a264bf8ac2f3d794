package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"livechat-presence/internal/domain"
)

type sessionUser struct {
	UserID   string    `json:"user_id"`
	UserType string    `json:"user_type"`
	JoinedAt time.Time `json:"joined_at"`
}

func sessionUsersKey(sessionID string) string {
	return fmt.Sprintf("session:%s:users", sessionID)
}

// AddUserToSession records a live websocket for userID on sessionID.
func (r *RedisClient) AddUserToSession(ctx context.Context, sessionID, userID, userType string) error {
	userJSON, err := json.Marshal(sessionUser{UserID: userID, UserType: userType, JoinedAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	return r.client.HSet(ctx, sessionUsersKey(sessionID), userID, userJSON).Err()
}

func (r *RedisClient) RemoveUserFromSession(ctx context.Context, sessionID, userID string) error {
	return r.client.HDel(ctx, sessionUsersKey(sessionID), userID).Err()
}

// GetSessionUsers counts connected customers and agents on sessionID.
func (r *RedisClient) GetSessionUsers(ctx context.Context, sessionID string) (*domain.ConnectionStatusResponse, error) {
	users, err := r.client.HGetAll(ctx, sessionUsersKey(sessionID)).Result()
	if err != nil {
		return nil, err
	}

	status := &domain.ConnectionStatusResponse{}
	for _, userJSON := range users {
		var u sessionUser
		if err := json.Unmarshal([]byte(userJSON), &u); err != nil {
			continue
		}
		switch domain.ParticipantRole(u.UserType) {
		case domain.RoleCustomer:
			status.TotalCustomer++
		case domain.RoleAgent:
			status.TotalAgent++
		}
	}
	status.CustomerConnected = status.TotalCustomer > 0
	status.AgentConnected = status.TotalAgent > 0
	return status, nil
}
