package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
)

// markDone only moves the done mark forward
var markDone = redis.NewScript(`
local cur = tonumber(redis.call('GET', KEYS[1]) or '-1')
local v = tonumber(ARGV[1])
if v > cur then
	redis.call('SET', KEYS[1], ARGV[1])
	return 1
end
return 0
`)

// RedisCursor hands out consecutive block ranges per kind and remembers the
// highest block processed. Ranges that could not be published are parked on
// a retry list and handed out again before new ones.
type RedisCursor struct {
	rdb   redis.Cmdable
	start uint64
}

// NewRedisCursor creates a cursor whose first range begins at start
func NewRedisCursor(rdb redis.Cmdable, start uint64) *RedisCursor {
	return &RedisCursor{rdb: rdb, start: start}
}

func nextKey(kind string) string  { return fmt.Sprintf("range:%s:next", kind) }
func doneKey(kind string) string  { return fmt.Sprintf("range:%s:done", kind) }
func retryKey(kind string) string { return fmt.Sprintf("range:%s:retry", kind) }

// Reserve returns the next inclusive range of size blocks
func (c *RedisCursor) Reserve(ctx context.Context, kind string, size uint64) (uint64, uint64, error) {
	if size == 0 {
		return 0, 0, errors.New("range size must be positive")
	}

	parked, err := c.rdb.LPop(ctx, retryKey(kind)).Result()
	switch {
	case err == nil:
		return parseRange(parked)
	case !errors.Is(err, redis.Nil):
		return 0, 0, fmt.Errorf("failed to read parked ranges: %w", err)
	}

	if err := c.rdb.SetNX(ctx, nextKey(kind), c.start, 0).Err(); err != nil {
		return 0, 0, fmt.Errorf("failed to seed cursor: %w", err)
	}
	next, err := c.rdb.IncrBy(ctx, nextKey(kind), int64(size)).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("failed to advance cursor: %w", err)
	}
	end := uint64(next)
	return end - size, end - 1, nil
}

// Requeue parks a reserved range so the next Reserve returns it again
func (c *RedisCursor) Requeue(ctx context.Context, kind string, from, to uint64) error {
	if err := c.rdb.RPush(ctx, retryKey(kind), fmt.Sprintf("%d-%d", from, to)).Err(); err != nil {
		return fmt.Errorf("failed to park range %d-%d: %w", from, to, err)
	}
	return nil
}

// MarkDone records to as processed unless a higher block already is
func (c *RedisCursor) MarkDone(ctx context.Context, kind string, to uint64) error {
	if err := markDone.Run(ctx, c.rdb, []string{doneKey(kind)}, to).Err(); err != nil {
		return fmt.Errorf("failed to mark block %d done: %w", to, err)
	}
	return nil
}

// Done returns the highest processed block. ok is false before any mark.
func (c *RedisCursor) Done(ctx context.Context, kind string) (block uint64, ok bool, err error) {
	v, err := c.rdb.Get(ctx, doneKey(kind)).Uint64()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return v, true, nil
}

func parseRange(s string) (uint64, uint64, error) {
	a, b, found := strings.Cut(s, "-")
	if !found {
		return 0, 0, fmt.Errorf("malformed parked range %q", s)
	}
	from, err := strconv.ParseUint(a, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed parked range %q: %w", s, err)
	}
	to, err := strconv.ParseUint(b, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed parked range %q: %w", s, err)
	}
	return from, to, nil
}
