package kvstore

// checkAndTrackScript implements the atomic provider-concurrency primitive
// from spec.md §4.3/§9 as a single Lua evaluation so the expire-sweep,
// membership check, cardinality read, gate, and upsert cannot race with a
// concurrent selection. Running these as five separate KV commands is
// explicitly called out as incorrect under load (spec.md §9, testable by
// E3) — this script is the only sanctioned way to gate provider
// concurrency.
//
// KEYS[1] = sorted set key for the provider's active sessions
// ARGV[1] = session id
// ARGV[2] = now (unix seconds, integer)
// ARGV[3] = limit (integer; <=0 means unlimited)
// ARGV[4] = ttl seconds for the whole set key
//
// Returns {allowed (0/1), count_after, tracked_before (0/1)}.
const checkAndTrackScript = `
local key = KEYS[1]
local session = ARGV[1]
local now = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])
local expireBefore = now - 300

redis.call('ZREMRANGEBYSCORE', key, '-inf', expireBefore)

local trackedBefore = redis.call('ZSCORE', key, session)
local tracked = trackedBefore ~= false

local count = redis.call('ZCARD', key)

if limit > 0 and not tracked and count >= limit then
  return {0, count, 0}
end

redis.call('ZADD', key, now, session)
redis.call('EXPIRE', key, ttl)

local countAfter = count
if not tracked then
  countAfter = count + 1
end

local trackedFlag = 0
if tracked then
  trackedFlag = 1
end

return {1, countAfter, trackedFlag}
`
