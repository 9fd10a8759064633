package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keySuppressed = "relaybot:suppressed"
	keyMirrorRefs = "relaybot:mirror_refs"
	keyOrders     = "relaybot:orders"

	orderLogCap = 1000
)

// RedisStore persists relay state in Redis so several relay processes can
// share suppression and mirror-ref state.
type RedisStore struct {
	rdb    *redis.Client
	logger *slog.Logger
}

func NewRedisStore(addr, password string, db int, logger *slog.Logger) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis not reachable at %s: %w", addr, err)
	}

	return &RedisStore{rdb: rdb, logger: logger}, nil
}

// --- suppress.Store ---

func (s *RedisStore) LoadSuppressed(ctx context.Context) ([]string, error) {
	users, err := s.rdb.SMembers(ctx, keySuppressed).Result()
	if err != nil {
		return nil, fmt.Errorf("smembers: %w", err)
	}
	return users, nil
}

func (s *RedisStore) AddSuppressed(ctx context.Context, userID string) error {
	return s.rdb.SAdd(ctx, keySuppressed, userID).Err()
}

func (s *RedisStore) RemoveSuppressed(ctx context.Context, userID string) error {
	return s.rdb.SRem(ctx, keySuppressed, userID).Err()
}

// --- mirror conversation refs ---

func (s *RedisStore) MirrorRef(ctx context.Context, userID string) (string, error) {
	ref, err := s.rdb.HGet(ctx, keyMirrorRefs, userID).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("hget mirror ref: %w", err)
	}
	return ref, nil
}

func (s *RedisStore) SaveMirrorRef(ctx context.Context, userID, ref string) error {
	return s.rdb.HSet(ctx, keyMirrorRefs, userID, ref).Err()
}

// --- order log ---

func (s *RedisStore) SaveOrder(ctx context.Context, rec OrderRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal order: %w", err)
	}
	pipe := s.rdb.TxPipeline()
	pipe.LPush(ctx, keyOrders, b)
	pipe.LTrim(ctx, keyOrders, 0, orderLogCap-1)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) RecentOrders(ctx context.Context, limit int) ([]OrderRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	raw, err := s.rdb.LRange(ctx, keyOrders, 0, int64(limit)-1).Result()
	if err != nil {
		return nil, fmt.Errorf("lrange orders: %w", err)
	}
	out := make([]OrderRecord, 0, len(raw))
	for _, r := range raw {
		var rec OrderRecord
		if err := json.Unmarshal([]byte(r), &rec); err != nil {
			s.logger.Warn("skipping malformed order record", "err", err)
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
