package goals

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps active goals in redis with the goal's expiry as the
// key TTL, so expiry is enforced by the store itself.
type RedisStore struct {
	client  *redis.Client
	nowFunc func() time.Time
}

// NewRedisStore connects to redis and verifies the connection.
func NewRedisStore(ctx context.Context, addr string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisStore{client: client, nowFunc: time.Now}, nil
}

func goalKey(conversationID string) string {
	return "goal:" + conversationID
}

func (s *RedisStore) SetActiveGoal(ctx context.Context, conversationID string, goal *Goal) error {
	ttl := goal.ExpiresAt.Sub(s.nowFunc())
	if ttl <= 0 {
		// Already expired; storing it would resurrect a dead goal.
		return s.ClearActiveGoal(ctx, conversationID)
	}
	data, err := json.Marshal(goal)
	if err != nil {
		return fmt.Errorf("marshal goal: %w", err)
	}
	if err := s.client.Set(ctx, goalKey(conversationID), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set goal: %w", err)
	}
	return nil
}

func (s *RedisStore) GetActiveGoal(ctx context.Context, conversationID string) (*Goal, error) {
	data, err := s.client.Get(ctx, goalKey(conversationID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get goal: %w", err)
	}

	var goal Goal
	if err := json.Unmarshal(data, &goal); err != nil {
		return nil, fmt.Errorf("unmarshal goal: %w", err)
	}
	if goal.Expired(s.nowFunc()) {
		return nil, nil
	}
	return &goal, nil
}

func (s *RedisStore) ClearActiveGoal(ctx context.Context, conversationID string) error {
	if err := s.client.Del(ctx, goalKey(conversationID)).Err(); err != nil {
		return fmt.Errorf("redis del goal: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
