package redis

const (
	// retentionSeconds keeps sessions and aggregates for 90 days
	retentionSeconds = 7776000

	// mergeDocumentScript sets and removes fields of a document and keeps the
	// collection index in sync with the document's existence
	mergeDocumentScript = `
local doc_key = KEYS[1]     -- familyguard:doc:{collection}/{id}
local index_key = KEYS[2]   -- familyguard:col:{collection}

local id = ARGV[1]
local set_count = tonumber(ARGV[2])

local i = 3
for n = 1, set_count do
  redis.call('HSET', doc_key, ARGV[i], ARGV[i + 1])
  i = i + 2
end

while i <= #ARGV do
  redis.call('HDEL', doc_key, ARGV[i])
  i = i + 1
end

if redis.call('EXISTS', doc_key) == 1 then
  redis.call('SADD', index_key, id)
else
  redis.call('SREM', index_key, id)
end

return 'OK'
`

	// deleteDocumentScript removes a document and its index entry
	deleteDocumentScript = `
local doc_key = KEYS[1]
local index_key = KEYS[2]

redis.call('DEL', doc_key)
redis.call('SREM', index_key, ARGV[1])

return 'OK'
`

	// recordSessionScript stores a completed session and folds it into the
	// daily aggregate and the child's app document
	recordSessionScript = `
local session_key = KEYS[1]      -- familyguard:session:{sessionID}
local session_index = KEYS[2]    -- familyguard:sessions:{childID}:{date}
local aggregate_key = KEYS[3]    -- familyguard:doc:appUsageAggregates/{childID}_{date}
local aggregate_index = KEYS[4]  -- familyguard:col:appUsageAggregates
local app_key = KEYS[5]          -- familyguard:doc:children/{childID}/apps/{package}
local app_index = KEYS[6]        -- familyguard:col:children/{childID}/apps

local session_id = ARGV[1]
local child_id = ARGV[2]
local family_id = ARGV[3]
local device_id = ARGV[4]
local package_name = ARGV[5]
local app_name = ARGV[6]
local start_ms = ARGV[7]
local end_ms = ARGV[8]
local duration_ms = ARGV[9]
local date_key = ARGV[10]
local hour_bucket = ARGV[11]
local aggregate_id = ARGV[12]
local now_ms = ARGV[13]
local ttl = tonumber(ARGV[14])
local minutes = ARGV[15]

redis.call('HSET', session_key,
  'id', session_id,
  'childId', child_id,
  'familyId', family_id,
  'deviceId', device_id,
  'packageName', package_name,
  'appName', app_name,
  'startTimeMs', start_ms,
  'endTimeMs', end_ms,
  'durationMs', duration_ms,
  'dateKey', date_key,
  'hourBucket', hour_bucket,
  'createdAt', now_ms
)
redis.call('EXPIRE', session_key, ttl)
redis.call('ZADD', session_index, end_ms, session_id)
redis.call('EXPIRE', session_index, ttl)

local app_prefix = 'apps.' .. package_name .. '.'
redis.call('HSET', aggregate_key,
  'childId', child_id,
  'familyId', family_id,
  'dateKey', date_key,
  'updatedAt', now_ms,
  app_prefix .. 'appName', app_name,
  app_prefix .. 'lastUsed', end_ms
)
redis.call('HINCRBY', aggregate_key, 'totalDurationMs', duration_ms)
redis.call('HINCRBY', aggregate_key, 'sessionCount', 1)
redis.call('HINCRBY', aggregate_key, app_prefix .. 'durationMs', duration_ms)
redis.call('HINCRBY', aggregate_key, app_prefix .. 'sessions', 1)
redis.call('HINCRBY', aggregate_key, 'hours.' .. hour_bucket, duration_ms)
redis.call('EXPIRE', aggregate_key, ttl)
redis.call('SADD', aggregate_index, aggregate_id)

redis.call('HSET', app_key,
  'packageName', package_name,
  'name', app_name,
  'lastUsedAt', end_ms,
  'updatedAt', now_ms
)
redis.call('HINCRBYFLOAT', app_key, 'usageMinutes', minutes)
redis.call('SADD', app_index, package_name)

return 'OK'
`
)
