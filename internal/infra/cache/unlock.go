package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"storytime/internal/domain"
	"storytime/internal/infra/metrics"
)

// incrementCapped увеличивает счётчик, пока он меньше лимита, и продлевает TTL.
// Возвращает {значение, 1 если изменилось}.
var incrementCapped = redis.NewScript(`
local current = tonumber(redis.call("GET", KEYS[1]) or "0")
local limit = tonumber(ARGV[1])
if current >= limit then
  return {current, 0}
end
current = redis.call("INCR", KEYS[1])
redis.call("PEXPIRE", KEYS[1], ARGV[2])
return {current, 1}
`)

// UnlockStore хранит счётчики рекламы в Redis. Ключ включает день, поэтому
// вчерашние записи не видны сегодня, а TTL только убирает мусор.
type UnlockStore struct {
	client redis.UniversalClient
	ttl    time.Duration
}

var _ domain.UnlockStore = (*UnlockStore)(nil)

// NewUnlockStore создаёт хранилище счётчиков.
func NewUnlockStore(client redis.UniversalClient, ttl time.Duration) *UnlockStore {
	if ttl <= 0 {
		ttl = 48 * time.Hour
	}
	return &UnlockStore{client: client, ttl: ttl}
}

func unlockKey(deviceID, storyID string, day domain.Day) string {
	return fmt.Sprintf("unlock:%s:%s:%s", deviceID, storyID, day)
}

// AdsCompleted возвращает счётчик для ключа, ноль если записи нет.
func (s *UnlockStore) AdsCompleted(ctx context.Context, deviceID, storyID string, day domain.Day) (int, error) {
	start := time.Now()
	n, err := s.client.Get(ctx, unlockKey(deviceID, storyID, day)).Int()
	if errors.Is(err, redis.Nil) {
		err = nil
	}
	metrics.ObserveNetworkRequest("redis", "unlock_get", "unlock", start, err)
	if err != nil {
		return 0, err
	}
	return n, nil
}

// IncrementAds атомарно увеличивает счётчик, не превышая limit.
func (s *UnlockStore) IncrementAds(ctx context.Context, deviceID, storyID string, day domain.Day, limit int) (int, bool, error) {
	start := time.Now()
	res, err := incrementCapped.Run(ctx, s.client, []string{unlockKey(deviceID, storyID, day)}, limit, s.ttl.Milliseconds()).Int64Slice()
	metrics.ObserveNetworkRequest("redis", "unlock_increment", "unlock", start, err)
	if err != nil {
		return 0, false, err
	}
	if len(res) != 2 {
		return 0, false, fmt.Errorf("неожиданный ответ скрипта: %v", res)
	}
	return int(res[0]), res[1] == 1, nil
}
