package queue

import (
	"github.com/redis/go-redis/v9"
)

// All state transitions of a job run inside one script so that a claim, a
// settle and the reaper never observe a half-written job.

// KEYS: job, wait, completed, failed
// ARGV: videoID, sourcePath, originalFileName, maxAttempts, enqueuedAt
var enqueueScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if state == 'waiting' or state == 'delayed' or state == 'active' then
  return 0
end
redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[3], ARGV[1])
redis.call('ZREM', KEYS[4], ARGV[1])
redis.call('HSET', KEYS[1],
  'video_id', ARGV[1],
  'source_path', ARGV[2],
  'original_file_name', ARGV[3],
  'state', 'waiting',
  'attempts', '0',
  'max_attempts', ARGV[4],
  'enqueued_at', ARGV[5])
redis.call('LPUSH', KEYS[2], ARGV[1])
return 1
`)

// KEYS: wait, delayed, active
// ARGV: jobKeyPrefix, now, leaseUntil, token
var claimScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[2])
for _, id in ipairs(due) do
  redis.call('ZREM', KEYS[2], id)
  local key = ARGV[1] .. id
  if redis.call('HGET', key, 'state') == 'delayed' then
    redis.call('HSET', key, 'state', 'waiting')
    redis.call('LPUSH', KEYS[1], id)
  end
end
while true do
  local id = redis.call('RPOP', KEYS[1])
  if not id then
    return false
  end
  local key = ARGV[1] .. id
  if redis.call('HGET', key, 'state') == 'waiting' then
    redis.call('HINCRBY', key, 'attempts', 1)
    redis.call('HSET', key,
      'state', 'active',
      'token', ARGV[4],
      'lease_until', ARGV[3],
      'started_at', ARGV[2])
    redis.call('ZADD', KEYS[3], ARGV[3], id)
    return id
  end
end
`)

// KEYS: active, wait, failed
// ARGV: jobKeyPrefix, now
var reclaimScript = redis.NewScript(`
local out = {}
local expired = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[2])
for _, id in ipairs(expired) do
  redis.call('ZREM', KEYS[1], id)
  local key = ARGV[1] .. id
  if redis.call('EXISTS', key) == 1 then
    local attempts = tonumber(redis.call('HGET', key, 'attempts') or '0')
    local max = tonumber(redis.call('HGET', key, 'max_attempts') or '1')
    redis.call('HDEL', key, 'token', 'lease_until')
    if attempts >= max then
      redis.call('HSET', key, 'state', 'failed', 'last_error', 'lease expired', 'finished_at', ARGV[2])
      redis.call('ZADD', KEYS[3], ARGV[2], id)
      table.insert(out, id)
      table.insert(out, 'failed')
    else
      redis.call('HSET', key, 'state', 'waiting', 'last_error', 'lease expired')
      redis.call('RPUSH', KEYS[2], id)
      table.insert(out, id)
      table.insert(out, 'requeued')
    end
  end
end
return out
`)

// KEYS: job, active, history
// ARGV: videoID, token, state, now, lastError
var settleScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'token') ~= ARGV[2] then
  return 0
end
local leaseUntil = tonumber(redis.call('HGET', KEYS[1], 'lease_until') or '0')
if leaseUntil <= tonumber(ARGV[4]) then
  return 0
end
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[1], 'token', 'lease_until', 'run_at')
redis.call('HSET', KEYS[1], 'state', ARGV[3], 'finished_at', ARGV[4], 'last_error', ARGV[5])
redis.call('ZADD', KEYS[3], ARGV[4], ARGV[1])
return 1
`)

// KEYS: job, active, delayed
// ARGV: videoID, token, now, runAt, lastError
var rescheduleScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'token') ~= ARGV[2] then
  return 0
end
local leaseUntil = tonumber(redis.call('HGET', KEYS[1], 'lease_until') or '0')
if leaseUntil <= tonumber(ARGV[3]) then
  return 0
end
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[1], 'token', 'lease_until')
redis.call('HSET', KEYS[1], 'state', 'delayed', 'run_at', ARGV[4], 'last_error', ARGV[5])
redis.call('ZADD', KEYS[3], ARGV[4], ARGV[1])
return 1
`)

// KEYS: job, active, wait
// ARGV: videoID, token, now
var releaseScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'token') ~= ARGV[2] then
  return 0
end
local leaseUntil = tonumber(redis.call('HGET', KEYS[1], 'lease_until') or '0')
if leaseUntil <= tonumber(ARGV[3]) then
  return 0
end
local attempts = tonumber(redis.call('HGET', KEYS[1], 'attempts') or '0')
if attempts > 0 then
  attempts = attempts - 1
end
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[1], 'token', 'lease_until', 'started_at')
redis.call('HSET', KEYS[1], 'state', 'waiting', 'attempts', tostring(attempts))
redis.call('RPUSH', KEYS[3], ARGV[1])
return 1
`)

// KEYS: history
// ARGV: jobKeyPrefix, cutoff, keepLast
var pruneScript = redis.NewScript(`
local removed = 0
local old = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[2])
for _, id in ipairs(old) do
  redis.call('DEL', ARGV[1] .. id)
  redis.call('ZREM', KEYS[1], id)
  removed = removed + 1
end
local keep = tonumber(ARGV[3])
if keep >= 0 then
  local count = redis.call('ZCARD', KEYS[1])
  if count > keep then
    local extra = redis.call('ZRANGE', KEYS[1], '0', tostring(count - keep - 1))
    for _, id in ipairs(extra) do
      redis.call('DEL', ARGV[1] .. id)
      redis.call('ZREM', KEYS[1], id)
      removed = removed + 1
    end
  end
end
return removed
`)
