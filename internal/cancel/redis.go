package cancel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const (
	streamKeyPrefix = "studyhub:stream:"
	cancelChannel   = "studyhub:cancel"
	redisOpTimeout  = 2 * time.Second
)

// releaseScript deletes the stream key only if this instance still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a Registry shared by several server instances. Handles live in a
// Local registry; Redis records which conversations are streaming anywhere and
// carries cancel requests to the instance that owns the stream.
type Redis struct {
	local      *Local
	client     *redis.Client
	pubsub     *redis.PubSub
	instanceID string
	ttl        time.Duration
	logger     *slog.Logger
	done       chan struct{}
}

// NewRedis subscribes to the cancel channel and starts the listener goroutine.
// ttl bounds how long a stream key outlives a crashed instance.
func NewRedis(ctx context.Context, client *redis.Client, ttl time.Duration, logger *slog.Logger) (*Redis, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	pubsub := client.Subscribe(ctx, cancelChannel)
	// Wait for the subscription to be confirmed before accepting cancels.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", cancelChannel, err)
	}

	r := &Redis{
		local:      NewLocal(logger),
		client:     client,
		pubsub:     pubsub,
		instanceID: uuid.NewString(),
		ttl:        ttl,
		logger:     logger,
		done:       make(chan struct{}),
	}
	go r.listen()

	logger.Info("Redis cancellation registry ready", "instance_id", r.instanceID, "channel", cancelChannel)
	return r, nil
}

// Register implements Registry.
func (r *Redis) Register(conversationID string, h *Handle) {
	r.local.Register(conversationID, h)

	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	if err := r.client.Set(ctx, streamKeyPrefix+conversationID, r.instanceID, r.ttl).Err(); err != nil {
		r.logger.Warn("failed to record stream in redis", "conversation_id", conversationID, "error", err)
	}
}

// Cancel implements Registry. Streams owned by another instance are cancelled
// through the pub/sub channel.
func (r *Redis) Cancel(ctx context.Context, conversationID string) (bool, error) {
	if ok, _ := r.local.Cancel(ctx, conversationID); ok {
		r.release(conversationID)
		return true, nil
	}

	owner, err := r.client.Get(ctx, streamKeyPrefix+conversationID).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup stream owner: %w", err)
	}

	if err := r.client.Publish(ctx, cancelChannel, conversationID).Err(); err != nil {
		return false, fmt.Errorf("publish cancel: %w", err)
	}
	r.logger.Info("Cancel forwarded to owning instance", "conversation_id", conversationID, "owner", owner)
	return true, nil
}

// Deregister implements Registry.
func (r *Redis) Deregister(conversationID string, h *Handle) {
	if r.local.remove(conversationID, h) {
		r.release(conversationID)
	}
}

// Close stops the listener.
func (r *Redis) Close() error {
	err := r.pubsub.Close()
	select {
	case <-r.done:
	case <-time.After(redisOpTimeout):
		r.logger.Warn("cancel listener did not stop in time")
	}
	return err
}

func (r *Redis) release(conversationID string) {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	if err := releaseScript.Run(ctx, r.client, []string{streamKeyPrefix + conversationID}, r.instanceID).Err(); err != nil {
		r.logger.Warn("failed to release stream key", "conversation_id", conversationID, "error", err)
	}
}

func (r *Redis) listen() {
	defer close(r.done)
	for msg := range r.pubsub.Channel() {
		conversationID := msg.Payload
		if ok, _ := r.local.Cancel(context.Background(), conversationID); ok {
			r.release(conversationID)
		}
	}
}
