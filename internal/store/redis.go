package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/atmx/trading-game/internal/model"
	"github.com/atmx/trading-game/internal/seed"
)

const keyPrefix = "game:"

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for instruments and quiz questions. Writes go to the primary store and
// invalidate the cache after commit; reads check Redis first then fall back to
// the primary. Everything else passes straight through.
//
// Instrument keys carry a generation number. Invalidation bumps the
// generation, so a miss that read the primary before a commit can only fill
// a key that no reader will look up again.
type CachedStore struct {
	Store
	rdb *redis.Client
	ttl time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		Store: primary,
		rdb:   rdb,
		ttl:   ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	var touched []int64
	err := s.Store.InTx(ctx, func(tx Tx) error {
		touched = touched[:0]
		return fn(&cachedTx{Tx: tx, touched: &touched})
	})
	if err != nil {
		return err
	}
	if len(touched) > 0 {
		// Invalidate cache; next read will re-populate.
		s.bumpGeneration(ctx)
	}
	return nil
}

func (s *CachedStore) Seed(ctx context.Context, data *seed.Data) error {
	if err := s.Store.Seed(ctx, data); err != nil {
		return err
	}
	return s.flush(ctx)
}

func (s *CachedStore) Reset(ctx context.Context, data *seed.Data) error {
	if err := s.Store.Reset(ctx, data); err != nil {
		return err
	}
	return s.flush(ctx)
}

// flush removes every cached game key. The generation counter is bumped
// rather than deleted so it never repeats a value.
func (s *CachedStore) flush(ctx context.Context) error {
	s.bumpGeneration(ctx)
	iter := s.rdb.Scan(ctx, 0, keyPrefix+"*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		if iter.Val() == generationKey() {
			continue
		}
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scan cache keys: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("flush cache: %w", err)
	}
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetInstrument(ctx context.Context, id int64) (*model.Instrument, error) {
	gen, ok := s.generation(ctx)
	if !ok {
		return s.Store.GetInstrument(ctx, id)
	}
	var in model.Instrument
	if s.get(ctx, instrumentKey(gen, id), &in) {
		return &in, nil
	}

	// Cache miss: read from primary.
	got, err := s.Store.GetInstrument(ctx, id)
	if err != nil {
		return nil, err
	}
	s.set(ctx, instrumentKey(gen, id), got)
	return got, nil
}

func (s *CachedStore) GetInstrumentBySymbol(ctx context.Context, symbol string) (*model.Instrument, error) {
	// Try cache via symbol→id mapping; the mapping never changes with price.
	id, err := s.rdb.Get(ctx, symbolKey(symbol)).Int64()
	if err == nil {
		return s.GetInstrument(ctx, id)
	}

	gen, ok := s.generation(ctx)
	in, err := s.Store.GetInstrumentBySymbol(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if ok {
		s.set(ctx, instrumentKey(gen, in.ID), in)
	}
	s.rdb.Set(ctx, symbolKey(symbol), in.ID, s.ttl)
	return in, nil
}

func (s *CachedStore) ListInstruments(ctx context.Context) ([]model.Instrument, error) {
	gen, ok := s.generation(ctx)
	if !ok {
		return s.Store.ListInstruments(ctx)
	}
	var list []model.Instrument
	if s.get(ctx, instrumentsKey(gen), &list) {
		return list, nil
	}

	list, err := s.Store.ListInstruments(ctx)
	if err != nil {
		return nil, err
	}
	s.set(ctx, instrumentsKey(gen), list)
	return list, nil
}

func (s *CachedStore) GetQuestionByRound(ctx context.Context, round int) (*model.QuizQuestion, error) {
	var q model.QuizQuestion
	if s.get(ctx, questionKey(round), &q) {
		return &q, nil
	}

	got, err := s.Store.GetQuestionByRound(ctx, round)
	if err != nil {
		return nil, err
	}
	s.set(ctx, questionKey(round), got)
	return got, nil
}

// --- Cache helpers ---

// generation returns the current instrument generation. It must be read
// before the primary so a concurrent invalidation moves readers off the key
// this call fills. ok is false when Redis is unreachable.
func (s *CachedStore) generation(ctx context.Context) (int64, bool) {
	gen, err := s.rdb.Get(ctx, generationKey()).Int64()
	switch {
	case err == nil:
		return gen, true
	case err == redis.Nil:
		return 0, true
	default:
		slog.Warn("cache generation read failed", "error", err)
		return 0, false
	}
}

func (s *CachedStore) bumpGeneration(ctx context.Context) {
	if err := s.rdb.Incr(ctx, generationKey()).Err(); err != nil {
		slog.Warn("cache invalidation failed", "error", err)
	}
}

func (s *CachedStore) get(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			slog.Warn("cache read failed", "key", key, "error", err)
		}
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func (s *CachedStore) set(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func generationKey() string              { return keyPrefix + "instruments:gen" }
func instrumentsKey(gen int64) string    { return fmt.Sprintf("%sinstruments:%d", keyPrefix, gen) }
func instrumentKey(gen, id int64) string { return fmt.Sprintf("%sinstrument:%d:%d", keyPrefix, gen, id) }
func symbolKey(symbol string) string     { return fmt.Sprintf("%ssymbol:%s", keyPrefix, symbol) }
func questionKey(round int) string       { return fmt.Sprintf("%squestion:%d", keyPrefix, round) }

// cachedTx records which instruments a unit of work repriced.
type cachedTx struct {
	Tx
	touched *[]int64
}

func (t *cachedTx) UpdateInstrumentPrice(ctx context.Context, id int64, price decimal.Decimal) error {
	if err := t.Tx.UpdateInstrumentPrice(ctx, id, price); err != nil {
		return err
	}
	*t.touched = append(*t.touched, id)
	return nil
}
