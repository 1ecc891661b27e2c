package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultCapacity bounds each user's parked events.
const DefaultCapacity = 50

// Outbox parks encoded events for offline users. It exposes exactly two
// operations: push, and drain on reconnect.
type Outbox interface {
	Push(ctx context.Context, userID string, msg []byte) error
	Drain(ctx context.Context, userID string) ([][]byte, error)
}

// MemoryOutbox keeps parked events in process memory. A full box drops its
// oldest event.
type MemoryOutbox struct {
	mu       sync.Mutex
	capacity int
	boxes    map[string][][]byte
}

// NewMemoryOutbox creates a MemoryOutbox.
func NewMemoryOutbox(capacity int) *MemoryOutbox {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &MemoryOutbox{
		capacity: capacity,
		boxes:    make(map[string][][]byte),
	}
}

// Push appends msg to the user's box.
func (o *MemoryOutbox) Push(ctx context.Context, userID string, msg []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	box := append(o.boxes[userID], msg)
	if len(box) > o.capacity {
		box = append([][]byte(nil), box[len(box)-o.capacity:]...)
	}
	o.boxes[userID] = box
	return nil
}

// Drain removes and returns the user's box, oldest first.
func (o *MemoryOutbox) Drain(ctx context.Context, userID string) ([][]byte, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	box := o.boxes[userID]
	delete(o.boxes, userID)
	return box, nil
}

// RedisOutbox keeps parked events in a Redis list per user so they survive
// a restart.
type RedisOutbox struct {
	rdb      *redis.Client
	capacity int64
	ttl      time.Duration
}

// NewRedisOutbox creates a RedisOutbox.
func NewRedisOutbox(rdb *redis.Client, capacity int) *RedisOutbox {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &RedisOutbox{rdb: rdb, capacity: int64(capacity), ttl: 7 * 24 * time.Hour}
}

func (o *RedisOutbox) key(userID string) string {
	return "quizduel:outbox:" + userID
}

// Push appends msg and trims the list to capacity.
func (o *RedisOutbox) Push(ctx context.Context, userID string, msg []byte) error {
	key := o.key(userID)
	_, err := o.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, msg)
		pipe.LTrim(ctx, key, -o.capacity, -1)
		pipe.Expire(ctx, key, o.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to push outbox event: %w", err)
	}
	return nil
}

// Drain atomically reads and deletes the user's list.
func (o *RedisOutbox) Drain(ctx context.Context, userID string) ([][]byte, error) {
	key := o.key(userID)
	var items *redis.StringSliceCmd
	_, err := o.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		items = pipe.LRange(ctx, key, 0, -1)
		pipe.Del(ctx, key)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to drain outbox: %w", err)
	}

	vals := items.Val()
	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = []byte(v)
	}
	return out, nil
}
