package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisWindow keeps one sorted set per conversation, scored by the message
// timestamp in unix microseconds. A sibling marker key records that the window
// reaches the first message of the conversation, another the newest message
// seen while no window existed. All keys share a hash tag so the scripts stay
// single-slot on a cluster.
type RedisWindow struct {
	client redis.UniversalClient
	opts   options
}

var _ Window = (*RedisWindow)(nil)

func NewRedisWindow(client redis.UniversalClient, opts ...Option) *RedisWindow {
	return &RedisWindow{client: client, opts: buildOptions(opts)}
}

func (w *RedisWindow) windowKey(conversationID string) string {
	return fmt.Sprintf("%s:messages:{%s}", w.opts.prefix, conversationID)
}

func (w *RedisWindow) exhaustedKey(conversationID string) string {
	return w.windowKey(conversationID) + ":exhausted"
}

// seenKey holds the newest timestamp reported by a prepend that found no
// window to extend.
func (w *RedisWindow) seenKey(conversationID string) string {
	return w.windowKey(conversationID) + ":seen"
}

func (w *RedisWindow) keys(conversationID string) []string {
	return []string{w.windowKey(conversationID), w.exhaustedKey(conversationID), w.seenKey(conversationID)}
}

func (w *RedisWindow) ttlMillis() int64 {
	return w.opts.ttl.Milliseconds()
}

// KEYS: window, exhausted, seen. ARGV: score, member, prev score ('' for the
// first message), capacity, ttl_ms.
var prependScript = redis.NewScript(`
local s = tonumber(ARGV[1])
local ttl = ARGV[5]
local function mark(v)
  local seen = redis.call('GET', KEYS[3])
  if not seen or tonumber(v) > tonumber(seen) then
    redis.call('SET', KEYS[3], v, 'PX', ttl)
  end
end
local head = redis.call('ZREVRANGE', KEYS[1], 0, 0, 'WITHSCORES')
if #head == 0 then
  if ARGV[3] ~= '' or redis.call('EXISTS', KEYS[3]) == 1 then
    mark(ARGV[1])
    return 'window_missing'
  end
  redis.call('ZADD', KEYS[1], ARGV[1], ARGV[2])
  redis.call('SET', KEYS[2], '1', 'PX', ttl)
  redis.call('PEXPIRE', KEYS[1], ttl)
  return ''
end
if #redis.call('ZRANGEBYSCORE', KEYS[1], ARGV[1], ARGV[1]) > 0 then
  redis.call('PEXPIRE', KEYS[1], ttl)
  redis.call('PEXPIRE', KEYS[2], ttl)
  return 'duplicate'
end
local h = tonumber(head[2])
if s < h then
  local tail = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
  if s < tonumber(tail[2]) and redis.call('EXISTS', KEYS[2]) == 0 then
    return 'stale_entry'
  end
  redis.call('DEL', KEYS[1], KEYS[2])
  mark(head[2])
  return 'not_contiguous'
end
if ARGV[3] == '' or h ~= tonumber(ARGV[3]) then
  redis.call('DEL', KEYS[1], KEYS[2])
  mark(ARGV[1])
  return 'not_contiguous'
end
redis.call('ZADD', KEYS[1], ARGV[1], ARGV[2])
local over = redis.call('ZCARD', KEYS[1]) - tonumber(ARGV[4])
if over > 0 then
  redis.call('ZREMRANGEBYRANK', KEYS[1], 0, over - 1)
  redis.call('DEL', KEYS[2])
end
redis.call('PEXPIRE', KEYS[1], ttl)
redis.call('PEXPIRE', KEYS[2], ttl)
return ''
`)

// KEYS: window, exhausted, seen. ARGV: limit.
var headScript = redis.NewScript(`
local limit = tonumber(ARGV[1])
local items = redis.call('ZREVRANGE', KEYS[1], 0, limit - 1)
if #items < limit and redis.call('EXISTS', KEYS[2]) == 0 then
  return {}
end
return items
`)

// KEYS: window. ARGV: cursor score, limit.
var afterCursorScript = redis.NewScript(`
local c = ARGV[1]
if #redis.call('ZRANGEBYSCORE', KEYS[1], c, c) == 0 then
  return {}
end
return redis.call('ZREVRANGEBYSCORE', KEYS[1], '(' .. c, '-inf', 'LIMIT', 0, tonumber(ARGV[2]))
`)

// KEYS: window, exhausted, seen. ARGV: newest score, capacity, ttl_ms,
// exhausted flag, then score/member pairs.
var populateHeadScript = redis.NewScript(`
local head = redis.call('ZREVRANGE', KEYS[1], 0, 0, 'WITHSCORES')
if #head > 0 and tonumber(head[2]) > tonumber(ARGV[1]) then
  return {0, 'stale_batch', redis.call('ZCARD', KEYS[1])}
end
local seen = redis.call('GET', KEYS[3])
if #head == 0 and seen and tonumber(seen) > tonumber(ARGV[1]) then
  return {0, 'stale_batch', 0}
end
redis.call('DEL', KEYS[1], KEYS[2], KEYS[3])
for i = 5, #ARGV, 2 do
  redis.call('ZADD', KEYS[1], ARGV[i], ARGV[i + 1])
end
local size = redis.call('ZCARD', KEYS[1])
local over = size - tonumber(ARGV[2])
if over > 0 then
  redis.call('ZREMRANGEBYRANK', KEYS[1], 0, over - 1)
  size = size - over
elseif ARGV[4] == '1' then
  redis.call('SET', KEYS[2], '1', 'PX', ARGV[3])
end
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return {1, '', size}
`)

// KEYS: window, exhausted, seen. ARGV: cursor score, newest score, capacity, ttl_ms,
// exhausted flag, then score/member pairs.
var populateAppendScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return {0, 'window_missing', 0}
end
local size = redis.call('ZCARD', KEYS[1])
local tail = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
local oldest = tonumber(tail[2])
if oldest ~= tonumber(ARGV[1]) then
  return {0, 'not_contiguous', size}
end
if tonumber(ARGV[2]) >= oldest then
  return {0, 'out_of_order', size}
end
if size >= tonumber(ARGV[3]) then
  return {0, 'window_full', size}
end
for i = 6, #ARGV, 2 do
  redis.call('ZADD', KEYS[1], ARGV[i], ARGV[i + 1])
end
size = redis.call('ZCARD', KEYS[1])
local over = size - tonumber(ARGV[3])
if over > 0 then
  redis.call('ZREMRANGEBYRANK', KEYS[1], 0, over - 1)
  redis.call('DEL', KEYS[2])
  size = size - over
elseif ARGV[5] == '1' then
  redis.call('SET', KEYS[2], '1', 'PX', ARGV[4])
end
redis.call('PEXPIRE', KEYS[1], ARGV[4])
redis.call('PEXPIRE', KEYS[2], ARGV[4])
return {1, '', size}
`)

func (w *RedisWindow) Prepend(ctx context.Context, conversationID string, e Entry, prev time.Time) (PrependResult, error) {
	member, err := json.Marshal(e)
	if err != nil {
		return PrependResult{}, fmt.Errorf("cache: encode entry: %w", err)
	}
	prevScore := ""
	if !prev.IsZero() {
		prevScore = strconv.FormatInt(score(prev), 10)
	}
	reason, err := prependScript.Run(ctx, w.client, w.keys(conversationID),
		score(e.CreatedAt), member, prevScore, w.opts.capacity, w.ttlMillis()).Text()
	if err != nil {
		return PrependResult{}, err
	}
	return PrependResult{Applied: reason == "", Reason: Reason(reason)}, nil
}

func (w *RedisWindow) RangeFromHead(ctx context.Context, conversationID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		return nil, nil
	}
	raw, err := headScript.Run(ctx, w.client, w.keys(conversationID), limit).StringSlice()
	if err != nil {
		return nil, err
	}
	return decodeEntries(raw)
}

func (w *RedisWindow) RangeAfterCursor(ctx context.Context, conversationID string, cursor time.Time, limit int) ([]Entry, error) {
	if limit <= 0 {
		return nil, nil
	}
	raw, err := afterCursorScript.Run(ctx, w.client, []string{w.windowKey(conversationID)},
		score(cursor), limit).StringSlice()
	if err != nil {
		return nil, err
	}
	if len(raw) < limit {
		return nil, nil
	}
	return decodeEntries(raw)
}

func (w *RedisWindow) Populate(ctx context.Context, in PopulateInput) (PopulateResult, error) {
	if len(in.Entries) == 0 {
		return PopulateResult{Reason: ReasonEmptyBatch}, nil
	}
	if !strictlyDescending(in.Entries) {
		return PopulateResult{Reason: ReasonOutOfOrder}, nil
	}

	pairs := make([]any, 0, 2*len(in.Entries))
	for _, e := range in.Entries {
		member, err := json.Marshal(e)
		if err != nil {
			return PopulateResult{}, fmt.Errorf("cache: encode entry: %w", err)
		}
		pairs = append(pairs, score(e.CreatedAt), member)
	}

	exhausted := "0"
	if in.Exhausted {
		exhausted = "1"
	}
	newest := score(in.Entries[0].CreatedAt)

	var (
		script *redis.Script
		args   []any
	)
	if in.Cursor == nil {
		script = populateHeadScript
		args = append([]any{newest, w.opts.capacity, w.ttlMillis(), exhausted}, pairs...)
	} else {
		script = populateAppendScript
		args = append([]any{score(*in.Cursor), newest, w.opts.capacity, w.ttlMillis(), exhausted}, pairs...)
	}

	res, err := script.Run(ctx, w.client, w.keys(in.ConversationID), args...).Slice()
	if err != nil {
		return PopulateResult{}, err
	}
	return parsePopulateReply(res)
}

func (w *RedisWindow) Len(ctx context.Context, conversationID string) (int, error) {
	n, err := w.client.ZCard(ctx, w.windowKey(conversationID)).Result()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (w *RedisWindow) Invalidate(ctx context.Context, conversationID string) error {
	return w.client.Del(ctx, w.keys(conversationID)...).Err()
}

func decodeEntries(raw []string) ([]Entry, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make([]Entry, 0, len(raw))
	for _, s := range raw {
		var e Entry
		if err := json.Unmarshal([]byte(s), &e); err != nil {
			return nil, fmt.Errorf("cache: decode entry: %w", err)
		}
		out = append(out, e)
	}
	return out, nil
}

func parsePopulateReply(res []any) (PopulateResult, error) {
	if len(res) != 3 {
		return PopulateResult{}, fmt.Errorf("cache: unexpected populate reply of %d items", len(res))
	}
	applied, ok := res[0].(int64)
	if !ok {
		return PopulateResult{}, fmt.Errorf("cache: unexpected populate status %T", res[0])
	}
	reason, _ := res[1].(string)
	size, err := replyInt(res[2])
	if err != nil {
		return PopulateResult{}, err
	}
	return PopulateResult{Applied: applied == 1, Reason: Reason(reason), Size: size}, nil
}

func replyInt(v any) (int, error) {
	switch n := v.(type) {
	case int64:
		return int(n), nil
	case string:
		i, err := strconv.Atoi(n)
		if err != nil {
			return 0, fmt.Errorf("cache: unexpected populate size %q", n)
		}
		return i, nil
	default:
		return 0, fmt.Errorf("cache: unexpected populate size %T", v)
	}
}
