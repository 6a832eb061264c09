package redis

import goredis "github.com/redis/go-redis/v9"

// setIfAbsentScript stores ARGV[1] unless KEYS[1] already holds a value and returns the
// value held afterwards. A return different from ARGV[1] is a conflict.
var setIfAbsentScript = goredis.NewScript(`
local current = redis.call('GET', KEYS[1])
if current then
  return current
end
redis.call('SET', KEYS[1], ARGV[1])
return ARGV[1]
`)

// deleteIfEqualScript removes KEYS[1] only while it holds ARGV[1].
var deleteIfEqualScript = goredis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// raiseVersionScript stores ARGV[1] in KEYS[1] unless a higher version is recorded.
var raiseVersionScript = goredis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1])) or 0
local target = tonumber(ARGV[1])
if target > current then
  redis.call('SET', KEYS[1], ARGV[1])
  return target
end
return current
`)
