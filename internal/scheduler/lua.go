package scheduler

// ─────────────────────────────────────────────
// Lua Scripts for Atomic Redis Operations
// ─────────────────────────────────────────────

// LuaFetchJob atomically claims a PENDING scoring job for a worker.
//
// KEYS[1] = score:job:{jobID}   (hash)
// ARGV[1] = nodeID
// ARGV[2] = leaseTTL (seconds)
//
// Returns:
//
//	[1]  "OK"        – job claimed
//	[1]  "GONE"      – job already claimed or doesn't exist
//	+ job fields     – message_id, kind, model, text (when OK)
const LuaFetchJob = `
local jobKey   = KEYS[1]
local nodeID   = ARGV[1]
local leaseTTL = tonumber(ARGV[2])

local status = redis.call("HGET", jobKey, "status")
if status ~= "PENDING" then
    return {"GONE"}
end

redis.call("HMSET", jobKey,
    "status",  "PROCESSING",
    "node_id", nodeID
)

-- Lease: if the worker does not report back in time the watchdog reclaims it.
redis.call("EXPIRE", jobKey, leaseTTL)

local fields = redis.call("HMGET", jobKey, "message_id", "kind", "model", "text")
return {"OK", fields[1], fields[2], fields[3], fields[4]}
`

// LuaCompleteJob atomically marks a job COMPLETED and releases its
// collapsing key.
//
// KEYS[1] = score:job:{jobID}                  (hash)
// KEYS[2] = score:inflight:{messageID}:{kind}  (collapsing key)
// KEYS[3] = score:queue:pending                (list)
// ARGV[1] = nodeID (reporting worker)
//
// Returns: {"OK", message_id, kind, model}, {"INVALID"} or {"NODE_MISMATCH"}
const LuaCompleteJob = `
local jobKey      = KEYS[1]
local collapseKey = KEYS[2]
local queueKey    = KEYS[3]
local nodeID      = ARGV[1]

local status = redis.call("HGET", jobKey, "status")
if status ~= "PROCESSING" then
    return {"INVALID"}
end

local assignedNode = redis.call("HGET", jobKey, "node_id")
if assignedNode ~= nodeID then
    return {"NODE_MISMATCH"}
end

redis.call("HSET", jobKey, "status", "COMPLETED")
redis.call("EXPIRE", jobKey, 300)  -- keep metadata 5 min for diagnostics

redis.call("DEL", collapseKey)

local jobID = redis.call("HGET", jobKey, "job_id")
redis.call("LREM", queueKey, 0, jobID)

local fields = redis.call("HMGET", jobKey, "message_id", "kind", "model")
return {"OK", fields[1], fields[2], fields[3]}
`

// LuaPublishJob creates a job hash unless one is already in flight for the
// same message and kind (request collapsing).
//
// KEYS[1] = score:job:{jobID}                  (hash to create)
// KEYS[2] = score:inflight:{messageID}:{kind}  (collapsing sentinel)
// KEYS[3] = score:queue:pending                (list)
// ARGV[1] = jobID
// ARGV[2] = messageID
// ARGV[3] = kind
// ARGV[4] = model
// ARGV[5] = text
// ARGV[6] = leaseTTL (seconds)
//
// Returns:
//
//	"CREATED"   – new job created
//	jobID       – existing inflight job (collapsed)
const LuaPublishJob = `
local jobKey      = KEYS[1]
local collapseKey = KEYS[2]
local queueKey    = KEYS[3]
local jobID       = ARGV[1]
local leaseTTL    = tonumber(ARGV[6])

local existing = redis.call("GET", collapseKey)
if existing then
    local existingStatus = redis.call("HGET", "score:job:" .. existing, "status")
    if existingStatus == "PENDING" or existingStatus == "PROCESSING" then
        return existing
    end
    redis.call("DEL", collapseKey)
end

redis.call("HMSET", jobKey,
    "job_id",     jobID,
    "message_id", ARGV[2],
    "kind",       ARGV[3],
    "model",      ARGV[4],
    "text",       ARGV[5],
    "status",     "PENDING",
    "node_id",    ""
)
redis.call("EXPIRE", jobKey, leaseTTL * 3)

redis.call("SET", collapseKey, jobID, "EX", leaseTTL * 2)
redis.call("RPUSH", queueKey, jobID)

return "CREATED"
`

// LuaReclaimJob resets a PROCESSING job whose lease is running out back to
// PENDING and re-enqueues it.
//
// KEYS[1] = score:job:{jobID}                  (hash)
// KEYS[2] = score:inflight:{messageID}:{kind}  (collapsing key)
// KEYS[3] = score:queue:pending                (list)
// ARGV[1] = leaseTTL (seconds)
//
// Returns: "RECLAIMED" or "NOT_NEEDED"
const LuaReclaimJob = `
local jobKey      = KEYS[1]
local collapseKey = KEYS[2]
local queueKey    = KEYS[3]
local leaseTTL    = tonumber(ARGV[1])

local status = redis.call("HGET", jobKey, "status")
if status ~= "PROCESSING" then
    return "NOT_NEEDED"
end

redis.call("HMSET", jobKey,
    "status",  "PENDING",
    "node_id", ""
)
redis.call("EXPIRE", jobKey, leaseTTL * 3)

local jobID = redis.call("HGET", jobKey, "job_id")
redis.call("LREM", queueKey, 0, jobID)
redis.call("RPUSH", queueKey, jobID)

redis.call("SET", collapseKey, jobID, "EX", leaseTTL * 2)

return "RECLAIMED"
`
