package redis

import (
	"github.com/pscheid92/votetally/internal/domain"
	goredis "github.com/redis/go-redis/v9"
)

// Error replies raised by the scripts. Each script checks its conditions before
// writing anything, so a rejected call leaves no partial state.
const (
	replyExists       = "ITEM_EXISTS"
	replyOrgNotFound  = "ORG_NOT_FOUND"
	replyPollNotFound = "POLL_NOT_FOUND"
	replyPollClosed   = "POLL_CLOSED"
	replyAlreadyVoted = "ALREADY_VOTED"
	replySeqConflict  = "SEQ_CONFLICT"
)

// putIfAbsentScript writes a new item and indexes its sort key.
// KEYS: [1]=item [2]=partition index
// ARGV: [1]=sort key [2..]=field/value pairs
var putIfAbsentScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return redis.error_reply('` + replyExists + `')
end
redis.call('HSET', KEYS[1], unpack(ARGV, 2))
redis.call('ZADD', KEYS[2], 0, ARGV[1])
return 1
`)

// createPollScript writes the poll item and its zeroed aggregate item, provided the
// organization exists.
// KEYS: [1]=org meta [2]=poll [3]=aggregate [4]=partition index
// ARGV: [1]=poll sk [2]=aggregate sk [3]=n [4..3+n]=poll field/value pairs [4+n..]=counter names
var createPollScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return redis.error_reply('` + replyOrgNotFound + `')
end
if redis.call('EXISTS', KEYS[2]) == 1 then
  return redis.error_reply('` + replyExists + `')
end
local n = tonumber(ARGV[3])
redis.call('HSET', KEYS[2], unpack(ARGV, 4, 3 + n))
local zeroes = {}
for i = 4 + n, #ARGV do
  zeroes[#zeroes + 1] = ARGV[i]
  zeroes[#zeroes + 1] = 0
end
redis.call('HSET', KEYS[3], unpack(zeroes))
redis.call('ZADD', KEYS[4], 0, ARGV[1], 0, ARGV[2])
return 1
`)

// closePollScript flips an active poll to closed and returns 1 only for the flip.
// KEYS: [1]=poll
// ARGV: [1]=closed status
var closePollScript = goredis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then
  return redis.error_reply('` + replyPollNotFound + `')
end
if status == ARGV[1] then
  return 0
end
redis.call('HSET', KEYS[1], 'status', ARGV[1])
return 1
`)

// incrementScript adds counters with HINCRBY and returns the aggregate.
// KEYS: [1]=aggregate
// ARGV: counter/increment pairs
var incrementScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return redis.error_reply('` + replyPollNotFound + `')
end
for i = 1, #ARGV, 2 do
  redis.call('HINCRBY', KEYS[1], ARGV[i], ARGV[i + 1])
end
return redis.call('HGETALL', KEYS[1])
`)

// auditAppendable rejects seq unless its slot is free and its predecessor exists.
// Expects seq, entry and predecessor keys as locals.
const auditAppendable = `
if seq < 1 or redis.call('EXISTS', entry) == 1 then
  return redis.error_reply('` + replySeqConflict + `')
end
if seq > 1 and redis.call('EXISTS', prev) == 0 then
  return redis.error_reply('` + replySeqConflict + `')
end
`

// recordVoteScript is the transact-write of one ballot: poll status, voter key, audit
// entry and aggregate increments, in that order of checks.
// KEYS: [1]=aggregate [2]=voter [3]=audit entry [4]=previous audit entry [5]=partition index [6]=poll
// ARGV: [1]=voter sk [2]=audit sk [3]=seq [4]=voter hash [5]=n [6..5+n]=audit field/value pairs
//
//	[6+n..]=counter/increment pairs
var recordVoteScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return redis.error_reply('` + replyPollNotFound + `')
end
if redis.call('HGET', KEYS[6], 'status') == '` + string(domain.PollClosed) + `' then
  return redis.error_reply('` + replyPollClosed + `')
end
if redis.call('EXISTS', KEYS[2]) == 1 then
  return redis.error_reply('` + replyAlreadyVoted + `')
end
local seq, entry, prev = tonumber(ARGV[3]), KEYS[3], KEYS[4]
` + auditAppendable + `
local n = tonumber(ARGV[5])
redis.call('HSET', KEYS[2], 'voter_hash', ARGV[4])
redis.call('HSET', KEYS[3], unpack(ARGV, 6, 5 + n))
for i = 6 + n, #ARGV, 2 do
  redis.call('HINCRBY', KEYS[1], ARGV[i], ARGV[i + 1])
end
redis.call('ZADD', KEYS[5], 0, ARGV[1], 0, ARGV[2])
return redis.call('HGETALL', KEYS[1])
`)

// appendAuditScript stores one audit entry under the same rules as recordVoteScript.
// KEYS: [1]=aggregate [2]=audit entry [3]=previous audit entry [4]=partition index
// ARGV: [1]=audit sk [2]=seq [3..]=field/value pairs
var appendAuditScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return redis.error_reply('` + replyPollNotFound + `')
end
local seq, entry, prev = tonumber(ARGV[2]), KEYS[2], KEYS[3]
` + auditAppendable + `
redis.call('HSET', KEYS[2], unpack(ARGV, 3))
redis.call('ZADD', KEYS[4], 0, ARGV[1])
return 1
`)
