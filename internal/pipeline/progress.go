package pipeline

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ProgressEvent is a fire-and-forget notification for live dashboards.
// Delivery is best effort; the pipeline never blocks or fails on it.
type ProgressEvent struct {
	UserID    string    `json:"user_id"`
	Stage     string    `json:"stage"`
	Message   string    `json:"message"`
	Processed int       `json:"processed"`
	Total     int       `json:"total"`
	At        time.Time `json:"at"`
}

// Emitter publishes progress events.
type Emitter interface {
	Emit(ctx context.Context, ev ProgressEvent)
}

// RedisEmitter publishes events on a per-user Redis channel.
type RedisEmitter struct {
	client redis.UniversalClient
}

// NewRedisEmitter creates a progress emitter backed by Redis pub/sub.
func NewRedisEmitter(client redis.UniversalClient) *RedisEmitter {
	return &RedisEmitter{client: client}
}

// ProgressChannel returns the pub/sub channel name for a user.
func ProgressChannel(userID string) string {
	return "pipeline:progress:" + userID
}

func (e *RedisEmitter) Emit(ctx context.Context, ev ProgressEvent) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		zap.L().Warn("progress: marshal event", zap.Error(err))
		return
	}
	if err := e.client.Publish(ctx, ProgressChannel(ev.UserID), raw).Err(); err != nil {
		zap.L().Debug("progress: publish failed",
			zap.String("user_id", ev.UserID),
			zap.Error(err),
		)
	}
}

// NopEmitter drops all events. Used when no dashboard is listening.
type NopEmitter struct{}

func (NopEmitter) Emit(context.Context, ProgressEvent) {}
