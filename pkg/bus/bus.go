package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// Bus wraps the shared Redis instance used for short-TTL locks,
// cooldown keys, and the cleanup event channel. Multiple controller
// workers share one Bus so their decisions converge.
type Bus struct {
	client *redis.Client
}

// New connects to Redis at addr and verifies the connection.
func New(ctx context.Context, addr string) (*Bus, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("bus: connect to %s: %w", addr, err)
	}
	return &Bus{client: client}, nil
}

// Close releases the underlying connection pool.
func (b *Bus) Close() error {
	return b.client.Close()
}

// AcquireLock sets key with NX EX semantics. Returns true when the
// lock was acquired, false when another holder has it.
func (b *Bus) AcquireLock(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	ok, err := b.client.SetNX(ctx, key, holder, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("bus: acquire %s: %w", key, err)
	}
	return ok, nil
}

// ReleaseLock deletes the lock key. Best-effort: an expired or missing
// key is not an error.
func (b *Bus) ReleaseLock(ctx context.Context, key string) error {
	if err := b.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("bus: release %s: %w", key, err)
	}
	return nil
}

// SetCooldown arms a cooldown key that expires after ttl.
func (b *Bus) SetCooldown(ctx context.Context, key string, ttl time.Duration) error {
	if err := b.client.Set(ctx, key, time.Now().UTC().Format(time.RFC3339), ttl).Err(); err != nil {
		return fmt.Errorf("bus: set cooldown %s: %w", key, err)
	}
	return nil
}

// InCooldown reports whether the cooldown key is still live.
func (b *Bus) InCooldown(ctx context.Context, key string) (bool, error) {
	n, err := b.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("bus: check cooldown %s: %w", key, err)
	}
	return n > 0, nil
}

// ClearCooldown removes the cooldown key immediately.
func (b *Bus) ClearCooldown(ctx context.Context, key string) error {
	if err := b.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("bus: clear cooldown %s: %w", key, err)
	}
	return nil
}

// Publish sends a raw payload on the named channel.
func (b *Bus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := b.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("bus: publish to %s: %w", channel, err)
	}
	return nil
}

// Subscribe opens a subscription on the named channel. The returned
// channel closes when ctx is cancelled.
func (b *Bus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	sub := b.client.Subscribe(ctx, channel)
	// Force the subscription to be established before returning.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("bus: subscribe to %s: %w", channel, err)
	}

	out := make(chan []byte)
	go func() {
		defer close(out)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// DeployLockKey builds the per-node deploy lock key.
func DeployLockKey(labID, nodeName string) string {
	return fmt.Sprintf("deploy_lock:%s:%s", labID, nodeName)
}

// CooldownKey builds the per-node enforcement cooldown key.
func CooldownKey(labID, nodeID string) string {
	return fmt.Sprintf("enforce_cooldown:%s:%s", labID, nodeID)
}
