package store

import "github.com/redis/go-redis/v9"

// Every multi-key state transition is a server-side Lua script: the store
// executes each script with whole-script atomicity, which is the only
// synchronization primitive the broker relies on.
//
// Conventions shared by all scripts:
//   - ARGV[1] is the namespace prefix, ARGV[2] is the caller's clock in unix
//     milliseconds. Scripts never read the server clock, so behavior is
//     deterministic for a given argument vector.
//   - Scripts never raise: they return a JSON-encoded result table and the
//     Go side translates failures into typed errors.
//   - Event publishes use redis.pcall so a pub/sub hiccup can never fail a
//     state transition.
const luaHelpers = `
local ns = ARGV[1]
local now = tonumber(ARGV[2])

local function k(...)
  return ns .. ':' .. table.concat({...}, ':')
end

local function emit(channel, tbl)
  tbl['timestamp'] = now
  redis.pcall('PUBLISH', channel, cjson.encode(tbl))
end

local function enqueue(mesh, jtype, prio, id, score)
  redis.call('ZADD', k('queue', mesh, jtype, 'p' .. prio), score, id)
  redis.call('ZADD', k('pending', mesh), prio, id)
  redis.call('ZADD', k('queues', mesh), prio, jtype .. ':p' .. prio)
end

local function dequeue(mesh, jtype, prio, id)
  redis.call('ZREM', k('queue', mesh, jtype, 'p' .. prio), id)
  redis.call('ZREM', k('pending', mesh), id)
end

local function release_concurrent(cfg, jtype)
  if type(cfg.rateLimit) == 'table' and cfg.rateLimit.maxConcurrent then
    local c = redis.call('DECR', k('concurrent', jtype))
    if c < 0 then redis.call('SET', k('concurrent', jtype), 0) end
  end
end

local function load_config(id)
  local raw = redis.call('GET', k('job', id, 'config'))
  if raw then return cjson.decode(raw) end
  return {}
end
`

// createJob materializes a job: meta, config, payload, dedup indexes, queue
// placement and dependency edges, in one atomic step.
//
// ARGV: ns, now, jobId, type, version, meshId, priority, scheduledFor,
// configJSON, payload, idempotencyKey, idempotencyTTL, fingerprint,
// fingerprintTTL, lifecycleTTL, dependsJSON
const luaCreateJob = luaHelpers + `
local id = ARGV[3]
local jtype = ARGV[4]
local version = ARGV[5]
local mesh = ARGV[6]
local prio = tonumber(ARGV[7])
local schedFor = tonumber(ARGV[8])
local cfgraw = ARGV[9]
local payload = ARGV[10]
local idem = ARGV[11]
local idemTTL = tonumber(ARGV[12])
local fp = ARGV[13]
local fpTTL = tonumber(ARGV[14])
local ttl = tonumber(ARGV[15])
local depsraw = ARGV[16]

if idem ~= '' then
  local existing = redis.call('GET', k('idempotency', idem))
  if existing then
    return cjson.encode({existing=true, reason='idempotency', jobId=existing})
  end
end
if fp ~= '' then
  local existing = redis.call('GET', k('fingerprint', fp))
  if existing then
    return cjson.encode({existing=true, reason='fingerprint', jobId=existing})
  end
end

-- Dependency edges. A parent that already completed does not block; a parent
-- that is missing entirely is treated as satisfied to avoid creating a job
-- nothing can ever unblock.
local blocked = false
if depsraw ~= '' and depsraw ~= '[]' then
  for _, p in ipairs(cjson.decode(depsraw)) do
    local pstatus = redis.call('HGET', k('job', p, 'meta'), 'status')
    if pstatus and pstatus ~= 'completed' then
      redis.call('SADD', k('job', id, 'depends'), p)
      redis.call('SADD', k('job', p, 'waiters'), id)
      blocked = true
    end
  end
end

local status
if blocked then
  status = 'scheduled'
elseif schedFor > now then
  status = 'scheduled'
  redis.call('ZADD', k('delayed'), schedFor, id)
else
  status = 'pending'
  enqueue(mesh, jtype, prio, id, schedFor)
end

redis.call('HSET', k('job', id, 'meta'),
  'id', id, 'type', jtype, 'version', version, 'meshId', mesh,
  'priority', prio, 'status', status, 'attempt', 0, 'stalledCount', 0,
  'progress', 0, 'createdAt', now, 'scheduledFor', schedFor,
  'claimedAt', 0, 'completedAt', 0, 'updatedAt', now, 'processedBy', '')
redis.call('SET', k('job', id, 'config'), cfgraw)
if payload ~= '' then
  redis.call('SET', k('job', id, 'payload'), payload)
end
redis.call('DEL', k('job', id, 'errors'))
if ttl > 0 then
  redis.call('EXPIRE', k('job', id, 'meta'), ttl)
  redis.call('EXPIRE', k('job', id, 'config'), ttl)
  if payload ~= '' then redis.call('EXPIRE', k('job', id, 'payload'), ttl) end
end

if idem ~= '' then redis.call('SET', k('idempotency', idem), id, 'EX', idemTTL) end
if fp ~= '' then redis.call('SET', k('fingerprint', fp), id, 'EX', fpTTL) end

local ev = {event='job.created', jobId=id, meshId=mesh, jobType=jtype, status=status}
emit(k('events', 'global'), ev)
emit(k('events', 'mesh', mesh), ev)
emit(k('events', 'type', jtype), ev)

return cjson.encode({existing=false, jobId=id, status=status})
`

// claimJob walks the mesh's populated (type, priority) registry from priority
// 10 down to 1 and claims the first candidate that passes the status, routing
// and rate-limit gates. The scan is bounded across all priorities combined.
//
// ARGV: ns, now, meshId, serverId, stack, region, capabilitiesCSV, scanLimit
const luaClaimJob = luaHelpers + `
local mesh = ARGV[3]
local server = ARGV[4]
local wstack = ARGV[5]
local wregion = ARGV[6]
local wcaps = {}
for c in string.gmatch(ARGV[7], '([^,]+)') do wcaps[#wcaps + 1] = c end
local limit = tonumber(ARGV[8])

local function contains(list, v)
  for _, x in ipairs(list) do
    if x == v then return true end
  end
  return false
end

local function capmatch(pattern)
  if pattern == '*' then return #wcaps > 0 end
  local prefix = string.match(pattern, '^(.*):%*$')
  if prefix then
    for _, c in ipairs(wcaps) do
      if string.sub(c, 1, #prefix + 1) == prefix .. ':' then return true end
    end
    return false
  end
  return contains(wcaps, pattern)
end

local function dim_ok(required, match_one, mode)
  if type(required) ~= 'table' or #required == 0 then return true end
  if mode == 'all' then
    for _, r in ipairs(required) do
      if not match_one(r) then return false end
    end
    return true
  end
  for _, r in ipairs(required) do
    if match_one(r) then return true end
  end
  return false
end

local function routable(target)
  if type(target) ~= 'table' then return true end
  if target.server and target.server ~= '' then
    return server == target.server
  end
  local mode = target.mode or 'any'
  if not dim_ok(target.stack, function(r) return r == wstack end, mode) then return false end
  if not dim_ok(target.capabilities, capmatch, mode) then return false end
  if not dim_ok(target.region, function(r) return r == wregion end, mode) then return false end
  return true
end

local function rl_ok(rl, jtype)
  if type(rl) ~= 'table' then return true end
  if rl.key and rl.key ~= '' and rl.max then
    local cur = tonumber(redis.call('GET', k('ratelimit', rl.key)) or '0')
    if cur >= tonumber(rl.max) then return false end
  end
  if rl.maxConcurrent then
    local cur = tonumber(redis.call('GET', k('concurrent', jtype)) or '0')
    if cur >= tonumber(rl.maxConcurrent) then return false end
  end
  return true
end

local function rl_consume(rl, jtype)
  if type(rl) ~= 'table' then return end
  if rl.key and rl.key ~= '' and rl.max then
    local v = redis.call('INCR', k('ratelimit', rl.key))
    if v == 1 then redis.call('EXPIRE', k('ratelimit', rl.key), tonumber(rl.windowSeconds)) end
  end
  if rl.maxConcurrent then
    redis.call('INCR', k('concurrent', jtype))
  end
end

local regkey = k('queues', mesh)
local scanned = 0
for prio = 10, 1, -1 do
  for _, m in ipairs(redis.call('ZRANGEBYSCORE', regkey, prio, prio)) do
    local jtype = string.match(m, '^(.+):p%d+$')
    if jtype then
      local qkey = k('queue', mesh, jtype, 'p' .. prio)
      local budget = limit - scanned
      if budget <= 0 then return '' end
      local ids = redis.call('ZRANGEBYSCORE', qkey, '-inf', now, 'LIMIT', 0, budget)
      if #ids == 0 and redis.call('ZCARD', qkey) == 0 then
        redis.call('ZREM', regkey, m)
      end
      for _, id in ipairs(ids) do
        scanned = scanned + 1
        local metakey = k('job', id, 'meta')
        local status = redis.call('HGET', metakey, 'status')
        if not status then
          -- expired or removed job, reap the dangling queue entry
          redis.call('ZREM', qkey, id)
          redis.call('ZREM', k('pending', mesh), id)
        elseif status == 'pending' or status == 'scheduled' then
          local cfg = load_config(id)
          if routable(cfg.target) and rl_ok(cfg.rateLimit, jtype) then
            rl_consume(cfg.rateLimit, jtype)
            redis.call('ZREM', qkey, id)
            redis.call('ZREM', k('pending', mesh), id)
            redis.call('HSET', k('active', server), id, now)
            redis.call('HSET', metakey, 'status', 'active', 'claimedAt', now,
              'updatedAt', now, 'processedBy', server)
            local ev = {event='job.claimed', jobId=id, meshId=mesh, jobType=jtype, serverId=server}
            emit(k('events', 'global'), ev)
            emit(k('events', 'mesh', mesh), ev)
            emit(k('events', 'server', server), ev)
            return id
          end
        else
          -- cancelled or terminal leftovers are reaped lazily here
          redis.call('ZREM', qkey, id)
          redis.call('ZREM', k('pending', mesh), id)
        end
      end
    end
  end
end
return ''
`

// completeJob finalizes an owned active job, cascades the dependency graph
// and records chain successors.
//
// ARGV: ns, now, jobId, serverId, finalStatus, resultJSON
const luaCompleteJob = luaHelpers + `
local id = ARGV[3]
local server = ARGV[4]
local final = ARGV[5]
local result = ARGV[6]

local metakey = k('job', id, 'meta')
local owner = redis.call('HGET', metakey, 'processedBy')
local status = redis.call('HGET', metakey, 'status')
if status ~= 'active' or owner ~= server then
  return cjson.encode({success=false, error='not_active_owner'})
end

local mesh = redis.call('HGET', metakey, 'meshId')
local jtype = redis.call('HGET', metakey, 'type')
local claimedAt = tonumber(redis.call('HGET', metakey, 'claimedAt') or '0')
local cfg = load_config(id)
local ttl = 0
if type(cfg.lifecycle) == 'table' and cfg.lifecycle.ttl then
  ttl = tonumber(cfg.lifecycle.ttl)
end

redis.call('HSET', metakey, 'status', final, 'completedAt', now, 'updatedAt', now, 'processedBy', '')
if result ~= '' then
  redis.call('SET', k('job', id, 'result'), result)
  if ttl > 0 then redis.call('EXPIRE', k('job', id, 'result'), ttl) end
end
redis.call('HDEL', k('active', server), id)
redis.call('HINCRBY', k('mesh', mesh), 'total:' .. final, 1)
release_concurrent(cfg, jtype)

-- Dependency cascade: only a successful parent unblocks its waiters. A waiter
-- must still be dependency-blocked ('scheduled'); one that was cancelled or
-- already ran must not be re-enqueued.
local triggered = {}
if final == 'completed' then
  for _, w in ipairs(redis.call('SMEMBERS', k('job', id, 'waiters'))) do
    redis.call('SREM', k('job', w, 'depends'), id)
    local wmeta = k('job', w, 'meta')
    if redis.call('SCARD', k('job', w, 'depends')) == 0
        and redis.call('HGET', wmeta, 'status') == 'scheduled' then
      local wmesh = redis.call('HGET', wmeta, 'meshId')
      local wtype = redis.call('HGET', wmeta, 'type')
      local wprio = tonumber(redis.call('HGET', wmeta, 'priority'))
      enqueue(wmesh, wtype, wprio, w, now)
      redis.call('HSET', wmeta, 'status', 'pending', 'updatedAt', now)
      triggered[#triggered + 1] = w
    end
  end
  redis.call('DEL', k('job', id, 'waiters'))
end

-- Chain successors are recorded here and materialized by the caller.
local chain = nil
if type(cfg.chain) == 'table' then
  if final == 'completed' then chain = cfg.chain.onSuccess
  elseif final == 'failed' then chain = cfg.chain.onFailure end
end
if type(chain) == 'table' and #chain > 0 then
  local ckey = k('chain', id, final)
  for _, tpl in ipairs(chain) do
    redis.call('RPUSH', ckey, cjson.encode(tpl))
  end
  redis.call('EXPIRE', ckey, 300)
end

if final == 'completed' and type(cfg.behavior) == 'table' and cfg.behavior.removeOnComplete then
  redis.call('DEL', metakey, k('job', id, 'config'), k('job', id, 'payload'),
    k('job', id, 'result'), k('job', id, 'errors'),
    k('job', id, 'depends'), k('job', id, 'waiters'))
end

local pt = now - claimedAt
local ev = {event='job.' .. final, jobId=id, meshId=mesh, jobType=jtype,
  serverId=server, status=final, processingTime=pt}
if #triggered > 0 then ev.triggered = triggered end
emit(k('events', 'global'), ev)
emit(k('events', 'mesh', mesh), ev)
emit(k('events', 'job', id), ev)
emit(k('events', 'type', jtype), ev)

local res = {success=true, processingTime=pt}
if #triggered > 0 then res.triggered = triggered end
return cjson.encode(res)
`

// retryJob records a failure and either reschedules with backoff or moves
// the job to the DLQ once the attempt budget is spent.
//
// ARGV: ns, now, jobId, serverId, errorJSON, jitterRand
const luaRetryJob = luaHelpers + `
local id = ARGV[3]
local server = ARGV[4]
local errraw = ARGV[5]
local jr = tonumber(ARGV[6])

local metakey = k('job', id, 'meta')
local owner = redis.call('HGET', metakey, 'processedBy')
local status = redis.call('HGET', metakey, 'status')
if status ~= 'active' or owner ~= server then
  return cjson.encode({success=false, error='not_active_owner'})
end

local mesh = redis.call('HGET', metakey, 'meshId')
local jtype = redis.call('HGET', metakey, 'type')
local cfg = load_config(id)
local r = cfg.retry
if type(r) ~= 'table' then r = {} end
local maxAttempts = tonumber(r.maxAttempts or 3)
local backoff = r.backoff or 'exponential'
local base = tonumber(r.baseDelayMs or 1000)
local maxDelay = tonumber(r.maxDelayMs or 60000)
local jitterFactor = tonumber(r.jitterFactor or 0.2)
local enabled = r.enabled ~= false

if errraw ~= '' then
  redis.call('RPUSH', k('job', id, 'errors'), errraw)
  redis.call('LTRIM', k('job', id, 'errors'), -10, -1)
end
redis.call('HDEL', k('active', server), id)
local attempt = redis.call('HINCRBY', metakey, 'attempt', 1)
release_concurrent(cfg, jtype)

if attempt >= maxAttempts or not enabled then
  redis.call('RPUSH', k('dlq', mesh), id)
  redis.call('HSET', metakey, 'status', 'failed', 'completedAt', now, 'updatedAt', now, 'processedBy', '')
  redis.call('HINCRBY', k('mesh', mesh), 'total:failed', 1)
  local ev = {event='job.failed', jobId=id, meshId=mesh, jobType=jtype,
    serverId=server, status='failed', reason='retry_limit_exceeded', attempt=attempt}
  emit(k('events', 'global'), ev)
  emit(k('events', 'mesh', mesh), ev)
  emit(k('events', 'job', id), ev)
  emit(k('events', 'type', jtype), ev)
  return cjson.encode({success=true, willRetry=false, movedToDLQ=true, attempt=attempt})
end

local delay
if backoff == 'linear' then
  delay = base * attempt
elseif backoff == 'fixed' then
  delay = base
else
  delay = base * 2 ^ (attempt - 1)
end
if delay > maxDelay then delay = maxDelay end
-- jr is a caller-supplied uniform random in [0,1); jitter stays in-script so
-- the formula lives next to the backoff it perturbs
delay = math.floor(delay * (1 + (2 * jr - 1) * jitterFactor))
local nextRun = now + delay

redis.call('HSET', metakey, 'status', 'scheduled', 'scheduledFor', nextRun, 'updatedAt', now, 'processedBy', '')
redis.call('ZADD', k('delayed'), nextRun, id)
local ev = {event='job.retry', jobId=id, meshId=mesh, jobType=jtype,
  serverId=server, attempt=attempt, delayMs=delay, nextRun=nextRun}
emit(k('events', 'global'), ev)
emit(k('events', 'mesh', mesh), ev)
emit(k('events', 'type', jtype), ev)
return cjson.encode({success=true, willRetry=true, attempt=attempt, delayMs=delay, nextRun=nextRun})
`

// processDelayed promotes due delayed entries into their pending queues.
//
// ARGV: ns, now, batchSize
const luaProcessDelayed = luaHelpers + `
local batch = tonumber(ARGV[3])
if batch > 100 then batch = 100 end

local moved = {}
for _, id in ipairs(redis.call('ZRANGEBYSCORE', k('delayed'), '-inf', now, 'LIMIT', 0, batch)) do
  redis.call('ZREM', k('delayed'), id)
  local metakey = k('job', id, 'meta')
  if redis.call('EXISTS', metakey) == 1 and redis.call('HGET', metakey, 'status') == 'scheduled' then
    local mesh = redis.call('HGET', metakey, 'meshId')
    local jtype = redis.call('HGET', metakey, 'type')
    local prio = tonumber(redis.call('HGET', metakey, 'priority'))
    enqueue(mesh, jtype, prio, id, now)
    redis.call('HSET', metakey, 'status', 'pending', 'updatedAt', now)
    moved[#moved + 1] = id
    local ev = {event='job.scheduled', jobId=id, meshId=mesh, jobType=jtype}
    emit(k('events', 'global'), ev)
    emit(k('events', 'mesh', mesh), ev)
    emit(k('events', 'type', jtype), ev)
  end
end

local res = {processed=#moved}
if #moved > 0 then res.jobIds = moved end
return cjson.encode(res)
`

// detectStalled sweeps every active set for entries older than the stall
// timeout and either recovers them to pending or pushes them to the DLQ.
//
// ARGV: ns, now, stallTimeoutMs, maxStallCount
const luaDetectStalled = luaHelpers + `
local timeout = tonumber(ARGV[3])
local maxStall = tonumber(ARGV[4])

local detected, recovered, dlqd = 0, 0, 0
for _, akey in ipairs(redis.call('KEYS', ns .. ':active:*')) do
  local server = string.sub(akey, #ns + 9)
  local entries = redis.call('HGETALL', akey)
  for i = 1, #entries, 2 do
    local id = entries[i]
    local claimedAt = tonumber(entries[i + 1]) or 0
    if now - claimedAt > timeout then
      detected = detected + 1
      redis.call('HDEL', akey, id)
      local metakey = k('job', id, 'meta')
      if redis.call('EXISTS', metakey) == 1 then
        local sc = redis.call('HINCRBY', metakey, 'stalledCount', 1)
        local mesh = redis.call('HGET', metakey, 'meshId')
        local jtype = redis.call('HGET', metakey, 'type')
        local prio = tonumber(redis.call('HGET', metakey, 'priority'))
        release_concurrent(load_config(id), jtype)
        if sc >= maxStall then
          dlqd = dlqd + 1
          redis.call('RPUSH', k('dlq', mesh), id)
          redis.call('HSET', metakey, 'status', 'failed', 'completedAt', now, 'updatedAt', now, 'processedBy', '')
          redis.call('HINCRBY', k('mesh', mesh), 'total:failed', 1)
          local ev = {event='job.failed', jobId=id, meshId=mesh, jobType=jtype,
            serverId=server, status='failed', reason='stall_limit_exceeded', stalledCount=sc}
          emit(k('events', 'global'), ev)
          emit(k('events', 'mesh', mesh), ev)
          emit(k('events', 'job', id), ev)
        else
          recovered = recovered + 1
          enqueue(mesh, jtype, prio, id, now)
          redis.call('HSET', metakey, 'status', 'pending', 'updatedAt', now, 'processedBy', '')
          local ev = {event='job.stalled', jobId=id, meshId=mesh, jobType=jtype,
            serverId=server, stalledCount=sc}
          emit(k('events', 'global'), ev)
          emit(k('events', 'mesh', mesh), ev)
          emit(k('events', 'server', server), ev)
        end
      end
    end
  end
end
return cjson.encode({detected=detected, recovered=recovered, movedToDLQ=dlqd})
`

// rateLimitCheck consumes one unit from a fixed-window bucket, optionally
// parking a job id on the overflow list when the bucket is saturated.
//
// ARGV: ns, now, bucket, max, windowSeconds, enqueueJobId
const luaRateLimitCheck = luaHelpers + `
local bucket = ARGV[3]
local max = tonumber(ARGV[4])
local window = tonumber(ARGV[5])
local qid = ARGV[6]

local rk = k('ratelimit', bucket)
local cur = tonumber(redis.call('GET', rk) or '0')
if cur < max then
  local v = redis.call('INCR', rk)
  if v == 1 then redis.call('EXPIRE', rk, window) end
  local ttl = redis.call('TTL', rk)
  if ttl < 0 then ttl = window end
  return cjson.encode({allowed=true, remaining=max - v, reset=now + ttl * 1000})
end

if qid ~= '' then
  redis.call('RPUSH', k('ratelimitqueue', bucket), qid)
end
local ttl = redis.call('TTL', rk)
if ttl < 0 then ttl = 0 end
local ev = {event='ratelimit.exceeded', bucket=bucket, max=max}
emit(k('events', 'global'), ev)
return cjson.encode({allowed=false, remaining=0, reset=now + ttl * 1000})
`

// finalizeBatch seals an accumulation list into a batch: members leave their
// queues as 'batched' and the batch id is enqueued as a single claimable job.
//
// ARGV: ns, now, accumulatorName, batchId, meshId, type, priority
const luaFinalizeBatch = luaHelpers + `
local accName = ARGV[3]
local batchId = ARGV[4]
local mesh = ARGV[5]
local jtype = ARGV[6]
local prio = tonumber(ARGV[7])

local acc = k('batchacc', accName)
local members = redis.call('LRANGE', acc, 0, -1)
if #members == 0 then
  return cjson.encode({success=false, error='empty_batch'})
end

redis.call('HSET', k('batch', batchId), 'id', batchId, 'meshId', mesh,
  'type', jtype, 'priority', prio, 'createdAt', now, 'count', #members)
redis.call('EXPIRE', k('batch', batchId), 86400)

for _, m in ipairs(members) do
  redis.call('RPUSH', k('batch', batchId, 'jobs'), m)
  local mmeta = k('job', m, 'meta')
  if redis.call('EXISTS', mmeta) == 1 then
    local mmesh = redis.call('HGET', mmeta, 'meshId')
    local mtype = redis.call('HGET', mmeta, 'type')
    local mprio = tonumber(redis.call('HGET', mmeta, 'priority'))
    dequeue(mmesh, mtype, mprio, m)
    redis.call('ZREM', k('delayed'), m)
    redis.call('HSET', mmeta, 'batchId', batchId, 'status', 'batched', 'updatedAt', now)
  end
end
redis.call('EXPIRE', k('batch', batchId, 'jobs'), 86400)
redis.call('DEL', acc)

-- the batch itself becomes a claimable job
redis.call('HSET', k('job', batchId, 'meta'),
  'id', batchId, 'type', jtype, 'version', '', 'meshId', mesh, 'priority', prio,
  'status', 'pending', 'attempt', 0, 'stalledCount', 0, 'progress', 0,
  'createdAt', now, 'scheduledFor', now, 'claimedAt', 0, 'completedAt', 0,
  'updatedAt', now, 'processedBy', '', 'batch', 1)
redis.call('SET', k('job', batchId, 'config'), '{}')
enqueue(mesh, jtype, prio, batchId, now)

local ev = {event='batch.created', batchId=batchId, meshId=mesh, jobType=jtype, count=#members}
emit(k('events', 'global'), ev)
emit(k('events', 'mesh', mesh), ev)
return cjson.encode({success=true, batchId=batchId, count=#members})
`

// cancelJob cancels a job that has not started. The queue entry is left in
// place: claim skips non-pending statuses and the cleaner reaps it.
//
// ARGV: ns, now, jobId
const luaCancelJob = luaHelpers + `
local id = ARGV[3]
local metakey = k('job', id, 'meta')
local status = redis.call('HGET', metakey, 'status')
if not status then
  return cjson.encode({success=false, error='not_found'})
end
if status ~= 'pending' and status ~= 'scheduled' then
  return cjson.encode({success=false, error='invalid_status', status=status})
end

local mesh = redis.call('HGET', metakey, 'meshId')
local jtype = redis.call('HGET', metakey, 'type')
redis.call('HSET', metakey, 'status', 'cancelled', 'completedAt', now, 'updatedAt', now)
redis.call('HINCRBY', k('mesh', mesh), 'total:cancelled', 1)

local ev = {event='job.cancelled', jobId=id, meshId=mesh, jobType=jtype, status='cancelled'}
emit(k('events', 'global'), ev)
emit(k('events', 'mesh', mesh), ev)
emit(k('events', 'job', id), ev)
return cjson.encode({success=true})
`

// requeueDLQ moves a dead-lettered job back to pending with a fresh attempt
// budget. Removing the DLQ entry and re-enqueueing happen in one atomic step
// so two operators requeueing the same id cannot double-enqueue it.
//
// ARGV: ns, now, meshId, jobId
const luaRequeueDLQ = luaHelpers + `
local mesh = ARGV[3]
local id = ARGV[4]

if redis.call('LREM', k('dlq', mesh), 0, id) == 0 then
  return cjson.encode({success=false, error='not_found'})
end
local metakey = k('job', id, 'meta')
if redis.call('EXISTS', metakey) == 0 then
  return cjson.encode({success=false, error='meta_missing'})
end

local jtype = redis.call('HGET', metakey, 'type')
local prio = tonumber(redis.call('HGET', metakey, 'priority'))
redis.call('HSET', metakey, 'status', 'pending', 'attempt', 0, 'stalledCount', 0,
  'completedAt', 0, 'updatedAt', now, 'processedBy', '')
enqueue(mesh, jtype, prio, id, now)

local ev = {event='job.requeued', jobId=id, meshId=mesh, jobType=jtype, status='pending'}
emit(k('events', 'global'), ev)
emit(k('events', 'mesh', mesh), ev)
emit(k('events', 'job', id), ev)
return cjson.encode({success=true})
`

// registerServer upserts a server entry with its TTL and auto-creates the
// meshes it joins.
//
// ARGV: ns, now, serverId, stack, region, capabilitiesCSV, meshesCSV,
// ttlSeconds, metadataJSON, resourcesJSON
const luaRegisterServer = luaHelpers + `
local id = ARGV[3]
local skey = k('server', id)
redis.call('HSET', skey, 'serverId', id, 'stack', ARGV[4], 'region', ARGV[5],
  'capabilities', ARGV[6], 'meshIds', ARGV[7], 'status', 'online',
  'lastHeartbeat', now, 'currentLoad', 0, 'totalProcessed', 0, 'totalFailed', 0,
  'metadata', ARGV[9], 'resources', ARGV[10])
redis.call('EXPIRE', skey, tonumber(ARGV[8]))

for mesh in string.gmatch(ARGV[7], '([^,]+)') do
  if redis.call('EXISTS', k('mesh', mesh)) == 0 then
    redis.call('HSET', k('mesh', mesh), 'name', mesh, 'description', '',
      'createdAt', now, 'config', '{}')
  end
  redis.call('SADD', k('mesh', mesh, 'members'), id)
end
return cjson.encode({success=true})
`

// Script handles; go-redis runs EVALSHA and falls back to EVAL + SCRIPT LOAD
// on NOSCRIPT, so each connection uploads a script at most once.
var (
	scriptCreateJob      = redis.NewScript(luaCreateJob)
	scriptClaimJob       = redis.NewScript(luaClaimJob)
	scriptCompleteJob    = redis.NewScript(luaCompleteJob)
	scriptRetryJob       = redis.NewScript(luaRetryJob)
	scriptProcessDelayed = redis.NewScript(luaProcessDelayed)
	scriptDetectStalled  = redis.NewScript(luaDetectStalled)
	scriptRateLimitCheck = redis.NewScript(luaRateLimitCheck)
	scriptFinalizeBatch  = redis.NewScript(luaFinalizeBatch)
	scriptCancelJob      = redis.NewScript(luaCancelJob)
	scriptRequeueDLQ     = redis.NewScript(luaRequeueDLQ)
	scriptRegisterServer = redis.NewScript(luaRegisterServer)
)
