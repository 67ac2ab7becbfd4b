package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"livesession/pkg/types"
)

// Queue is a per-recipient FIFO of undelivered notifications. Drain must
// return and remove the queue atomically so each entry is handed out once.
// Requeue returns drained entries to the head, ahead of anything queued
// since, in their original order.
type Queue interface {
	Enqueue(ctx context.Context, n *types.Notification) error
	Drain(ctx context.Context, recipientID string) ([]*types.Notification, error)
	Requeue(ctx context.Context, recipientID string, ns []*types.Notification) error
}

// MemoryQueue keeps queues in process memory.
type MemoryQueue struct {
	mu     sync.Mutex
	queues map[string][]*types.Notification
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{queues: make(map[string][]*types.Notification)}
}

func (q *MemoryQueue) Enqueue(_ context.Context, n *types.Notification) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.queues[n.RecipientUserID] = append(q.queues[n.RecipientUserID], n)
	return nil
}

func (q *MemoryQueue) Drain(_ context.Context, recipientID string) ([]*types.Notification, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.queues[recipientID]
	delete(q.queues, recipientID)
	return out, nil
}

func (q *MemoryQueue) Requeue(_ context.Context, recipientID string, ns []*types.Notification) error {
	if len(ns) == 0 {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	merged := make([]*types.Notification, 0, len(ns)+len(q.queues[recipientID]))
	merged = append(merged, ns...)
	q.queues[recipientID] = append(merged, q.queues[recipientID]...)
	return nil
}

// Store is the durable queue subset of the database manager.
type Store interface {
	EnqueueNotification(ctx context.Context, n *types.Notification) error
	DrainNotifications(ctx context.Context, recipientID string) ([]*types.Notification, error)
	RequeueNotifications(ctx context.Context, ns []*types.Notification) error
}

// DatabaseQueue persists queues in the durable store so they survive restarts.
type DatabaseQueue struct {
	store Store
}

func NewDatabaseQueue(store Store) *DatabaseQueue {
	return &DatabaseQueue{store: store}
}

func (q *DatabaseQueue) Enqueue(ctx context.Context, n *types.Notification) error {
	return q.store.EnqueueNotification(ctx, n)
}

func (q *DatabaseQueue) Drain(ctx context.Context, recipientID string) ([]*types.Notification, error) {
	return q.store.DrainNotifications(ctx, recipientID)
}

func (q *DatabaseQueue) Requeue(ctx context.Context, _ string, ns []*types.Notification) error {
	return q.store.RequeueNotifications(ctx, ns)
}

// RedisQueue keeps each recipient's queue in a list under notifications:<id>.
type RedisQueue struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisQueue(client redis.UniversalClient) *RedisQueue {
	return &RedisQueue{client: client, prefix: "notifications:"}
}

func (q *RedisQueue) key(recipientID string) string {
	return q.prefix + recipientID
}

func (q *RedisQueue) Enqueue(ctx context.Context, n *types.Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	return q.client.RPush(ctx, q.key(n.RecipientUserID), data).Err()
}

// Drain reads and deletes the list in one MULTI/EXEC.
func (q *RedisQueue) Drain(ctx context.Context, recipientID string) ([]*types.Notification, error) {
	key := q.key(recipientID)
	var items *redis.StringSliceCmd
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		items = pipe.LRange(ctx, key, 0, -1)
		pipe.Del(ctx, key)
		return nil
	})
	if err != nil {
		return nil, err
	}

	raw := items.Val()
	out := make([]*types.Notification, 0, len(raw))
	for _, item := range raw {
		var n types.Notification
		if err := json.Unmarshal([]byte(item), &n); err != nil {
			log.WithError(err).WithField("recipient", recipientID).Warn("Dropping undecodable notification")
			continue
		}
		out = append(out, &n)
	}
	return out, nil
}

// Requeue pushes ns onto the head of the list. LPUSH prepends each argument
// in turn, so they are passed newest first.
func (q *RedisQueue) Requeue(ctx context.Context, recipientID string, ns []*types.Notification) error {
	if len(ns) == 0 {
		return nil
	}
	values := make([]interface{}, 0, len(ns))
	for i := len(ns) - 1; i >= 0; i-- {
		data, err := json.Marshal(ns[i])
		if err != nil {
			return fmt.Errorf("encode notification: %w", err)
		}
		values = append(values, data)
	}
	return q.client.LPush(ctx, q.key(recipientID), values...).Err()
}
