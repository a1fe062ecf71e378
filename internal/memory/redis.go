package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisSummaryCache keeps summaries in Redis so several service replicas
// share one cache while turns live in the primary store.
type RedisSummaryCache struct {
	rdb *redis.Client
	ttl time.Duration
}

type redisSummary struct {
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

func summaryKey(sessionID string) string  { return fmt.Sprintf("storyweaver:summary:%s", sessionID) }
func coverageKey(sessionID string) string { return fmt.Sprintf("storyweaver:summary-cov:%s", sessionID) }

func NewRedisSummaryCache(ctx context.Context, redisURL string, ttl time.Duration) (*RedisSummaryCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return &RedisSummaryCache{rdb: rdb, ttl: ttl}, nil
}

func (c *RedisSummaryCache) Get(ctx context.Context, sessionID string, coverage int) (string, bool, error) {
	rec, ok, err := c.read(ctx, sessionID, coverage)
	if err != nil || !ok {
		return "", ok, err
	}
	return rec.Text, true, nil
}

func (c *RedisSummaryCache) Latest(ctx context.Context, sessionID string) (SummaryRecord, bool, error) {
	top, err := c.rdb.ZRevRangeWithScores(ctx, coverageKey(sessionID), 0, 0).Result()
	if err != nil {
		return SummaryRecord{}, false, fmt.Errorf("latest summary coverage: %w", err)
	}
	if len(top) == 0 {
		return SummaryRecord{}, false, nil
	}
	coverage := int(top[0].Score)
	rec, ok, err := c.read(ctx, sessionID, coverage)
	if err != nil || !ok {
		return SummaryRecord{}, ok, err
	}
	return rec, true, nil
}

func (c *RedisSummaryCache) read(ctx context.Context, sessionID string, coverage int) (SummaryRecord, bool, error) {
	data, err := c.rdb.HGet(ctx, summaryKey(sessionID), strconv.Itoa(coverage)).Bytes()
	if errors.Is(err, redis.Nil) {
		return SummaryRecord{}, false, nil
	}
	if err != nil {
		return SummaryRecord{}, false, fmt.Errorf("get summary: %w", err)
	}
	var stored redisSummary
	if err := json.Unmarshal(data, &stored); err != nil {
		return SummaryRecord{}, false, fmt.Errorf("decode summary %s/%d: %w", sessionID, coverage, err)
	}
	return SummaryRecord{
		SessionID: sessionID,
		Coverage:  coverage,
		Text:      stored.Text,
		CreatedAt: stored.CreatedAt,
	}, true, nil
}

func (c *RedisSummaryCache) Put(ctx context.Context, sessionID string, coverage int, text string) error {
	if sessionID == "" {
		return ErrEmptySession
	}
	data, err := json.Marshal(redisSummary{Text: text, CreatedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}
	pipe := c.rdb.TxPipeline()
	pipe.HSet(ctx, summaryKey(sessionID), strconv.Itoa(coverage), data)
	pipe.ZAdd(ctx, coverageKey(sessionID), redis.Z{Score: float64(coverage), Member: strconv.Itoa(coverage)})
	if c.ttl > 0 {
		pipe.Expire(ctx, summaryKey(sessionID), c.ttl)
		pipe.Expire(ctx, coverageKey(sessionID), c.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("put summary: %w", err)
	}
	return nil
}

func (c *RedisSummaryCache) DeleteSummaries(ctx context.Context, sessionID string) (int, error) {
	pipe := c.rdb.TxPipeline()
	count := pipe.HLen(ctx, summaryKey(sessionID))
	pipe.Del(ctx, summaryKey(sessionID), coverageKey(sessionID))
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("delete summaries: %w", err)
	}
	return int(count.Val()), nil
}

func (c *RedisSummaryCache) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func (c *RedisSummaryCache) Close() error {
	return c.rdb.Close()
}

// layeredStore serves turns from the primary store and summaries from a
// separate cache, and keeps the two in step when sessions are removed.
type layeredStore struct {
	Store
	cache *RedisSummaryCache
}

func (s *layeredStore) Get(ctx context.Context, sessionID string, coverage int) (string, bool, error) {
	return s.cache.Get(ctx, sessionID, coverage)
}

func (s *layeredStore) Latest(ctx context.Context, sessionID string) (SummaryRecord, bool, error) {
	return s.cache.Latest(ctx, sessionID)
}

func (s *layeredStore) Put(ctx context.Context, sessionID string, coverage int, text string) error {
	return s.cache.Put(ctx, sessionID, coverage, text)
}

func (s *layeredStore) DeleteSummaries(ctx context.Context, sessionID string) (int, error) {
	return s.cache.DeleteSummaries(ctx, sessionID)
}

func (s *layeredStore) DeleteSession(ctx context.Context, sessionID string) (int, error) {
	n, err := s.Store.DeleteSession(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	if _, err := s.cache.DeleteSummaries(ctx, sessionID); err != nil {
		return n, err
	}
	return n, nil
}

func (s *layeredStore) PruneIdle(ctx context.Context, cutoff time.Time) ([]string, error) {
	removed, err := s.Store.PruneIdle(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	var errs []error
	for _, id := range removed {
		if _, err := s.cache.DeleteSummaries(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return removed, errors.Join(errs...)
}

func (s *layeredStore) Ping(ctx context.Context) error {
	if err := s.Store.Ping(ctx); err != nil {
		return err
	}
	return s.cache.Ping(ctx)
}

func (s *layeredStore) Close() error {
	return errors.Join(s.Store.Close(), s.cache.Close())
}
