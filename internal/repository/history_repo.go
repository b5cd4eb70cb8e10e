package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"difyrelay/internal/models"
)

// HistoryTTL is how long an untouched session history is kept.
const HistoryTTL = 30 * 24 * time.Hour

// HistoryRepo stores each session's message list as one JSON value.
type HistoryRepo struct {
	redis *redis.Client
}

func NewHistoryRepo(redisClient *redis.Client) *HistoryRepo {
	return &HistoryRepo{redis: redisClient}
}

func historyKey(sessionID string) string {
	return "chat_history:" + sessionID
}

// Load returns the saved messages, or nil when the session has none.
func (r *HistoryRepo) Load(ctx context.Context, sessionID string) ([]models.Message, error) {
	raw, err := r.redis.Get(ctx, historyKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}

	var messages []models.Message
	if err := json.Unmarshal(raw, &messages); err != nil {
		return nil, fmt.Errorf("failed to decode history: %w", err)
	}
	return messages, nil
}

func (r *HistoryRepo) Save(ctx context.Context, sessionID string, messages []models.Message) error {
	raw, err := json.Marshal(messages)
	if err != nil {
		return fmt.Errorf("failed to encode history: %w", err)
	}
	if err := r.redis.Set(ctx, historyKey(sessionID), raw, HistoryTTL).Err(); err != nil {
		return fmt.Errorf("failed to save history: %w", err)
	}
	return nil
}

func (r *HistoryRepo) Clear(ctx context.Context, sessionID string) error {
	if err := r.redis.Del(ctx, historyKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("failed to clear history: %w", err)
	}
	return nil
}
