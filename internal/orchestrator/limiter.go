package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"voicebridge/pkg/utils"
)

// TrunkLimiter caps concurrent live calls per trunk. Acquire is consulted
// once per accepted call; Release must be called exactly once per successful
// Acquire.
type TrunkLimiter interface {
	Acquire(ctx context.Context, trunkID string) (bool, error)
	Release(ctx context.Context, trunkID string)
}

// NoopLimiter admits everything. Used when no cap is configured.
type NoopLimiter struct{}

func (NoopLimiter) Acquire(ctx context.Context, trunkID string) (bool, error) { return true, nil }
func (NoopLimiter) Release(ctx context.Context, trunkID string)               {}

// slotTTL guards against leaked slots if the process dies mid-call. Normal
// release happens at session termination, long before this expires.
const slotTTL = 4 * time.Hour

// RedisTrunkLimiter tracks per-trunk slot counts in Redis, shared across
// bridge instances.
type RedisTrunkLimiter struct {
	rdb   *redis.Client
	limit int
	log   *slog.Logger
}

func NewRedisTrunkLimiter(rdb *redis.Client, limit int, log *slog.Logger) *RedisTrunkLimiter {
	if log == nil {
		log = slog.Default()
	}
	return &RedisTrunkLimiter{rdb: rdb, limit: limit, log: log}
}

func slotKey(trunkID string) string { return "voicebridge:trunk_slots:" + trunkID }

func (l *RedisTrunkLimiter) Acquire(ctx context.Context, trunkID string) (bool, error) {
	return utils.AcquireCallSlot(ctx, l.rdb, slotKey(trunkID), l.limit, slotTTL)
}

func (l *RedisTrunkLimiter) Release(ctx context.Context, trunkID string) {
	if err := utils.ReleaseCallSlot(ctx, l.rdb, slotKey(trunkID)); err != nil {
		l.log.Error("trunk slot release failed", "trunk_id", trunkID, "err", err)
	}
}
