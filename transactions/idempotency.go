package transactions

import (
	"context"
	"crypto/md5"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"
)

const (
	replayTTL  = 24 * time.Hour
	pendingTTL = time.Minute
	pending    = "pending"
)

// Replays remembers which transaction an Idempotency-Key created. A nil
// *Replays (no Redis configured) remembers nothing.
type Replays struct {
	client     *redis.Client
	ttl        time.Duration
	pendingTTL time.Duration
}

func NewReplays(client *redis.Client) *Replays {
	if client == nil {
		return nil
	}
	return &Replays{client: client, ttl: replayTTL, pendingTTL: pendingTTL}
}

func replayKey(userID uint, key string) string {
	return fmt.Sprintf("idempotency:%d:%x", userID, md5.Sum([]byte(key)))
}

// Reservation is the outcome of Reserve. Exactly one of its states holds:
// Acquired (the caller owns the key and must Complete or Release it),
// InProgress (another request owns it), or ID is set (already created).
type Reservation struct {
	Acquired   bool
	InProgress bool
	ID         uint
}

// Reserve claims key for userID by writing a short lived pending marker. When
// the key is already taken the current holder is reported instead.
func (r *Replays) Reserve(ctx context.Context, userID uint, key string) (Reservation, error) {
	if r == nil {
		return Reservation{}, nil
	}
	hash := replayKey(userID, key)
	ok, err := r.client.SetNX(ctx, hash, pending, r.pendingTTL).Result()
	if err != nil {
		return Reservation{}, fmt.Errorf("failure reaching redis: %w", err)
	}
	if ok {
		log.Debug().Str("hash", hash).Msg("Reserved hash")
		return Reservation{Acquired: true}, nil
	}

	v, err := r.client.Get(ctx, hash).Result()
	if err == redis.Nil {
		// Expired between SETNX and GET.
		return r.Reserve(ctx, userID, key)
	}
	if err != nil {
		return Reservation{}, fmt.Errorf("failure reaching redis: %w", err)
	}
	if v == pending {
		return Reservation{InProgress: true}, nil
	}
	id, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return Reservation{}, fmt.Errorf("corrupt idempotency entry %s: %w", hash, err)
	}
	log.Debug().Str("hash", hash).Uint64("id", id).Msg("Transaction already created")
	return Reservation{ID: uint(id)}, nil
}

// Complete replaces the pending marker with the created transaction id.
func (r *Replays) Complete(ctx context.Context, userID uint, key string, id uint) error {
	if r == nil {
		return nil
	}
	hash := replayKey(userID, key)
	if err := r.client.Set(ctx, hash, id, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save hash to redis: %w", err)
	}
	log.Debug().Str("hash", hash).Msg("Saved hash")
	return nil
}

// Release drops a reservation so the key can be retried.
func (r *Replays) Release(ctx context.Context, userID uint, key string) error {
	if r == nil {
		return nil
	}
	if err := r.client.Del(ctx, replayKey(userID, key)).Err(); err != nil {
		return fmt.Errorf("failed to release hash: %w", err)
	}
	return nil
}
