package queue

import (
	"fmt"

	"github.com/redis/go-redis/v9"

	"storytime/internal/domain"
)

// Settings описывает выбор транспорта очереди генерации.
type Settings struct {
	// Backend одно из redis, rabbitmq, none.
	Backend   string
	Key       string
	RabbitURL string
}

// Open создаёт очередь по настройкам. Для backend none возвращает nil без ошибки.
// Возвращаемая функция освобождает соединение.
func Open(s Settings, client redis.UniversalClient) (domain.GenerationQueue, func(), error) {
	switch s.Backend {
	case "redis":
		if client == nil {
			return nil, nil, fmt.Errorf("queue: для backend redis нужен REDIS_ADDR")
		}
		return NewRedisGenerationQueue(client, s.Key), func() {}, nil
	case "rabbitmq":
		q, err := NewRabbitGenerationQueue(s.RabbitURL, s.Key)
		if err != nil {
			return nil, nil, err
		}
		return q, func() { _ = q.Close() }, nil
	case "", "none":
		return nil, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("queue: неизвестный backend %q", s.Backend)
	}
}
