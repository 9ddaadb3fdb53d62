package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/dhruvsuva/nfc-pass-system-sub002/internal/domain/models"
	"github.com/dhruvsuva/nfc-pass-system-sub002/internal/storage"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	passKeyPrefix = "pass:"
	lockKeyPrefix = "lock:verify:"
)

type Storage struct {
	client  *redis.Client
	ttl     time.Duration
	lockTTL time.Duration
}

func New(addr string, ttl, lockTTL time.Duration) *Storage {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: "", // no password set
		DB:       0,  // use default DB
	})

	return &Storage{client: client, ttl: ttl, lockTTL: lockTTL}
}

func passKey(uid string) string {
	return passKeyPrefix + uid
}

// consumeScript is the single indivisible check-then-mutate step. Splitting
// it into separate get/check/set calls reopens the double-consumption race,
// so any change here must stay one script.
var consumeScript = redis.NewScript(`
local key = KEYS[1]
if redis.call('EXISTS', key) == 0 then
  return {'not_found', 0, ''}
end
local status = redis.call('HGET', key, 'status')
if status == 'used' then
  return {'already_used', redis.call('HGET', key, 'used_count'), status}
end
if status == 'blocked' then
  return {'blocked', redis.call('HGET', key, 'used_count'), status}
end
if status == 'expired' then
  return {'expired', redis.call('HGET', key, 'used_count'), status}
end
if status ~= 'active' then
  return {'not_found', 0, status}
end
local max = tonumber(redis.call('HGET', key, 'max_uses'))
local used = redis.call('HINCRBY', key, 'used_count', tonumber(ARGV[1]))
if used >= max then
  status = 'used'
  redis.call('HSET', key, 'status', status)
end
return {'valid', used, status}
`)

// releaseScript deletes the lock only when it still belongs to the caller's
// token; a lock re-acquired after TTL expiry is never released by the old
// holder.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// AcquireLock takes the per-UID verification lock. Acquisition never waits:
// a held lock returns storage.ErrLockBusy immediately.
func (s *Storage) AcquireLock(ctx context.Context, uid string) (string, error) {
	const op = "storage.redis.AcquireLock"

	token := uuid.NewString()
	ok, err := s.client.SetNX(ctx, lockKeyPrefix+uid, token, s.lockTTL).Result()
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	if !ok {
		return "", fmt.Errorf("%s: %w", op, storage.ErrLockBusy)
	}

	return token, nil
}

func (s *Storage) ReleaseLock(ctx context.Context, uid, token string) error {
	const op = "storage.redis.ReleaseLock"

	released, err := releaseScript.Run(ctx, s.client, []string{lockKeyPrefix + uid}, token).Int()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if released == 0 {
		return fmt.Errorf("%s: %w", op, storage.ErrLockNotHeld)
	}

	return nil
}

// Consume atomically applies one consumption of the given weight to the
// cached pass and reports the outcome.
func (s *Storage) Consume(ctx context.Context, uid string, weight int) (models.ConsumeOutcome, error) {
	const op = "storage.redis.Consume"

	raw, err := consumeScript.Run(ctx, s.client, []string{passKey(uid)}, weight).Slice()
	if err != nil {
		return models.ConsumeOutcome{}, fmt.Errorf("%s: %w", op, err)
	}
	if len(raw) != 3 {
		return models.ConsumeOutcome{}, fmt.Errorf("%s: unexpected script reply of %d values", op, len(raw))
	}

	outcome := models.ConsumeOutcome{
		Result: models.ScanResult(toString(raw[0])),
		Status: models.PassStatus(toString(raw[2])),
	}
	usedCount, err := toInt(raw[1])
	if err != nil {
		return models.ConsumeOutcome{}, fmt.Errorf("%s: %w", op, err)
	}
	outcome.UsedCount = usedCount

	return outcome, nil
}

// GetProjection returns the cached projection or storage.ErrCacheMiss.
func (s *Storage) GetProjection(ctx context.Context, uid string) (models.PassProjection, error) {
	const op = "storage.redis.GetProjection"

	fields, err := s.client.HGetAll(ctx, passKey(uid)).Result()
	if err != nil {
		return models.PassProjection{}, fmt.Errorf("%s: %w", op, err)
	}
	if len(fields) == 0 {
		return models.PassProjection{}, fmt.Errorf("%s: %w", op, storage.ErrCacheMiss)
	}

	proj, err := projectionFromFields(uid, fields)
	if err != nil {
		return models.PassProjection{}, fmt.Errorf("%s: %w", op, err)
	}

	return proj, nil
}

func (s *Storage) UpsertProjection(ctx context.Context, proj models.PassProjection) error {
	const op = "storage.redis.UpsertProjection"

	pipe := s.client.TxPipeline()
	upsertToPipe(ctx, pipe, proj, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

// UpsertProjections primes many projections in one round trip; used by the
// bulk pipeline after each committed chunk.
func (s *Storage) UpsertProjections(ctx context.Context, projs []models.PassProjection) error {
	const op = "storage.redis.UpsertProjections"

	pipe := s.client.Pipeline()
	for _, proj := range projs {
		upsertToPipe(ctx, pipe, proj, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (s *Storage) Invalidate(ctx context.Context, uid string) error {
	const op = "storage.redis.Invalidate"

	if err := s.client.Del(ctx, passKey(uid)).Err(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

// Rebuild drops every cached projection and repopulates from the given set.
// Maintenance-grade: callers must never run this per verification request.
func (s *Storage) Rebuild(ctx context.Context, projs []models.PassProjection) error {
	const op = "storage.redis.Rebuild"

	iter := s.client.Scan(ctx, 0, passKeyPrefix+"*", 500).Iterator()
	for iter.Next(ctx) {
		if err := s.client.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	pipe := s.client.Pipeline()
	for _, proj := range projs {
		upsertToPipe(ctx, pipe, proj, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func upsertToPipe(ctx context.Context, pipe redis.Pipeliner, proj models.PassProjection, ttl time.Duration) {
	key := passKey(proj.UID)
	pipe.HSet(ctx, key, map[string]any{
		"pass_id":        proj.PassID.String(),
		"pass_db_id":     proj.PassDBID,
		"status":         string(proj.Status),
		"people_allowed": proj.PeopleAllowed,
		"pass_type":      string(proj.PassType),
		"category":       proj.Category,
		"max_uses":       proj.MaxUses,
		"used_count":     proj.UsedCount,
	})
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
}

func projectionFromFields(uid string, fields map[string]string) (models.PassProjection, error) {
	passID, err := uuid.Parse(fields["pass_id"])
	if err != nil {
		return models.PassProjection{}, fmt.Errorf("parse pass_id: %w", err)
	}

	passDBID, err := strconv.ParseInt(fields["pass_db_id"], 10, 64)
	if err != nil {
		return models.PassProjection{}, fmt.Errorf("parse pass_db_id: %w", err)
	}

	peopleAllowed, err := strconv.Atoi(fields["people_allowed"])
	if err != nil {
		return models.PassProjection{}, fmt.Errorf("parse people_allowed: %w", err)
	}

	maxUses, err := strconv.Atoi(fields["max_uses"])
	if err != nil {
		return models.PassProjection{}, fmt.Errorf("parse max_uses: %w", err)
	}

	usedCount, err := strconv.Atoi(fields["used_count"])
	if err != nil {
		return models.PassProjection{}, fmt.Errorf("parse used_count: %w", err)
	}

	return models.PassProjection{
		UID:           uid,
		PassID:        passID,
		PassDBID:      passDBID,
		Status:        models.PassStatus(fields["status"]),
		PeopleAllowed: peopleAllowed,
		PassType:      models.PassType(fields["pass_type"]),
		Category:      fields["category"],
		MaxUses:       maxUses,
		UsedCount:     usedCount,
	}, nil
}

func toString(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case []byte:
		return string(val)
	default:
		return fmt.Sprint(val)
	}
}

func toInt(v any) (int, error) {
	switch val := v.(type) {
	case int64:
		return int(val), nil
	case string:
		if val == "" {
			return 0, nil
		}
		return strconv.Atoi(val)
	case []byte:
		return strconv.Atoi(string(val))
	default:
		return 0, errors.New("unexpected numeric reply type")
	}
}

func (s *Storage) Stop() error {
	const op = "storage.redis.Stop"

	if err := s.client.Close(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}
