package redisstore

import "github.com/redis/go-redis/v9"

// KEYS[1] members set, KEYS[2] record key of ARGV[1].
// ARGV: uid, accountId, displayName, avatar, handRaised, nowMs, livenessMs,
// keyTTLms, recordPrefix. Returns 0 when the uid is held by a live record of
// another account, 1 otherwise.
var upsertScript = redis.NewScript(`
local cur = redis.call('HMGET', KEYS[2], 'accountId', 'lastPing')
if cur[2] and cur[1] ~= ARGV[2] and (tonumber(ARGV[6]) - tonumber(cur[2])) < tonumber(ARGV[7]) then
  return 0
end
for _, id in ipairs(redis.call('SMEMBERS', KEYS[1])) do
  if id ~= ARGV[1] then
    local k = ARGV[9] .. id
    local f = redis.call('HMGET', k, 'accountId', 'displayName')
    local drop
    if not f[1] and not f[2] then
      drop = true
    elseif ARGV[2] ~= '' then
      drop = f[1] == ARGV[2]
    else
      drop = (not f[1] or f[1] == '') and f[2] == ARGV[3]
    end
    if drop then
      redis.call('DEL', k)
      redis.call('SREM', KEYS[1], id)
    end
  end
end
redis.call('DEL', KEYS[2])
redis.call('HSET', KEYS[2], 'id', ARGV[1], 'accountId', ARGV[2], 'displayName', ARGV[3],
  'avatar', ARGV[4], 'handRaised', ARGV[5], 'joinedAt', ARGV[6], 'lastPing', ARGV[6])
redis.call('PEXPIRE', KEYS[2], ARGV[8])
redis.call('SADD', KEYS[1], ARGV[1])
redis.call('PEXPIRE', KEYS[1], ARGV[8])
return 1
`)

// KEYS[1] record key, KEYS[2] members set. ARGV: field, value, keyTTLms.
// Writes only when the record exists; returns 0 otherwise.
var setIfExistsScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
redis.call('PEXPIRE', KEYS[2], ARGV[3])
return 1
`)
