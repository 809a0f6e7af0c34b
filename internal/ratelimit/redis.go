package ratelimit

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// redisAdmitScript mirrors Window.Admit on a key that expires one window after
// it was created. Rejections leave the counter untouched.
const redisAdmitScript = `
local current = redis.call("GET", KEYS[1])
if not current then
  redis.call("SET", KEYS[1], 1, "PX", ARGV[1])
  return 1
end
if tonumber(current) >= tonumber(ARGV[2]) then
  return 0
end
redis.call("INCR", KEYS[1])
return 1
`

type redisEvaler interface {
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

// RedisOriginLimiter shares per-origin windows between gateway replicas.
type RedisOriginLimiter struct {
	client redisEvaler
	limit  int
	window time.Duration
	prefix string
	logger *zap.Logger
}

func NewRedisOriginLimiter(client *redis.Client, limit int, logger *zap.Logger) *RedisOriginLimiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if limit <= 0 {
		limit = 1
	}
	return &RedisOriginLimiter{
		client: client,
		limit:  limit,
		window: DefaultWindow,
		prefix: "motiongate:rl:origin:",
		logger: logger,
	}
}

// AdmitOrigin fails open when Redis is unreachable; the error is logged and
// returned so callers can count it.
func (l *RedisOriginLimiter) AdmitOrigin(ctx context.Context, origin string) (bool, error) {
	if l == nil || l.client == nil {
		return true, nil
	}
	origin = strings.TrimSpace(origin)
	if origin == "" {
		origin = "unknown"
	}
	ctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()

	admitted, err := l.client.Eval(ctx, redisAdmitScript, []string{l.prefix + origin}, l.window.Milliseconds(), l.limit).Int()
	if err != nil {
		l.logger.Warn("redis origin limiter unavailable, admitting", zap.String("origin", origin), zap.Error(err))
		return true, err
	}
	return admitted == 1, nil
}
