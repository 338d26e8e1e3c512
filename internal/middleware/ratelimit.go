package middleware

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/makeasinger/pipeline/pkg/response"
)

// RateLimiter counts attempts per user in fixed windows stored in redis.
// When redis cannot answer, requests are let through.
type RateLimiter struct {
	rdb redis.Cmdable
	log *logrus.Entry
	now func() time.Time
}

func NewRateLimiter(rdb redis.Cmdable, log *logrus.Entry) *RateLimiter {
	return &RateLimiter{rdb: rdb, log: log, now: time.Now}
}

// windowKey names the counter for the window containing t
func windowKey(scope, userID string, window time.Duration, t time.Time) string {
	slot := t.UnixNano() / int64(window)
	return "ratelimit:" + scope + ":" + userID + ":" + strconv.FormatInt(slot, 10)
}

// Limit allows at most max attempts per user in each window
func (rl *RateLimiter) Limit(scope string, max int, window time.Duration) fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID := GetUserID(c)
		if userID == "" {
			return c.Next()
		}

		now := rl.now()
		key := windowKey(scope, userID, window, now)

		var incr *redis.IntCmd
		_, err := rl.rdb.TxPipelined(c.UserContext(), func(pipe redis.Pipeliner) error {
			incr = pipe.Incr(c.UserContext(), key)
			pipe.Expire(c.UserContext(), key, window)
			return nil
		})
		if err != nil {
			rl.log.WithError(err).WithFields(logrus.Fields{"scope": scope, "user_id": userID}).
				Warn("Rate limit check failed, allowing request")
			return c.Next()
		}

		count := int(incr.Val())
		if count > max {
			windowEnd := time.Unix(0, (now.UnixNano()/int64(window)+1)*int64(window))
			rl.log.WithFields(logrus.Fields{"scope": scope, "user_id": userID, "count": count}).Info("Rate limited")
			return response.RateLimited(c, int(windowEnd.Sub(now).Seconds())+1)
		}

		c.Set("X-RateLimit-Limit", strconv.Itoa(max))
		c.Set("X-RateLimit-Remaining", strconv.Itoa(max-count))
		return c.Next()
	}
}

// LiveLimit caps live connection attempts per user per minute
func (rl *RateLimiter) LiveLimit(maxPerMin int) fiber.Handler {
	return rl.Limit("live", maxPerMin, time.Minute)
}
