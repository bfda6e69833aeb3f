package redis

import (
	redis "github.com/redis/go-redis/v9"
)

// Status codes returned by the scripts.
const (
	statusOK               = 0
	statusOwnerNotFound    = 1
	statusLocked           = 2
	statusCompleted        = 3
	statusInstanceNotFound = 4
	statusNoneRunnable     = 5
)

// KEYS[1] - owner key
// ARGV[1] - host type
var createOwnerCmd = redis.NewScript(`
	if redis.call("HSETNX", KEYS[1], "host_type", ARGV[1]) == 0 then
		return 2
	end
	return 0
`)

// KEYS[1] - owner key
// KEYS[2] - owner locks key
// ARGV[1] - owner id
// ARGV[2] - key prefix
var deleteOwnerCmd = redis.NewScript(`
	if redis.call("EXISTS", KEYS[1]) == 0 then
		return 1
	end

	local ids = redis.call("SMEMBERS", KEYS[2])
	for _, id in ipairs(ids) do
		local ik = ARGV[2] .. "instance:" .. id
		if redis.call("HGET", ik, "lock_owner") == ARGV[1] then
			redis.call("HSET", ik, "lock_owner", "")
		end
	end

	redis.call("DEL", KEYS[1], KEYS[2])
	return 0
`)

// KEYS[1] - owner key
// KEYS[2] - instance key
// KEYS[3] - instance metadata key
// KEYS[4] - owner locks key
// KEYS[5] - runnable key
// ARGV[1] - owner id
// ARGV[2] - instance id
// ARGV[3] - data
// ARGV[4] - host type
// ARGV[5] - runnable ("1" or "0")
// ARGV[6] - next timer in unix milliseconds, empty if none
// ARGV[7] - unlock ("1" or "0")
// ARGV[8] - complete ("1" or "0")
// ARGV[9...] - metadata key/value pairs
var saveInstanceCmd = redis.NewScript(`
	if redis.call("EXISTS", KEYS[1]) == 0 then
		return 1
	end

	if redis.call("HGET", KEYS[2], "completed") == "1" then
		return 3
	end

	local lockOwner = redis.call("HGET", KEYS[2], "lock_owner")
	if lockOwner and lockOwner ~= "" and lockOwner ~= ARGV[1] then
		return 2
	end

	local newLock = ""
	if ARGV[7] == "0" and ARGV[8] == "0" then
		newLock = ARGV[1]
	end

	redis.call("HSET", KEYS[2],
		"lock_owner", newLock,
		"completed", ARGV[8],
		"runnable", ARGV[5],
		"next_timer", ARGV[6],
		"host_type", ARGV[4],
		"data", ARGV[3])

	if newLock ~= "" then
		redis.call("SADD", KEYS[4], ARGV[2])
	else
		redis.call("SREM", KEYS[4], ARGV[2])
	end

	for i = 9, #ARGV, 2 do
		redis.call("HSET", KEYS[3], ARGV[i], ARGV[i + 1])
	end

	if ARGV[8] == "1" then
		redis.call("ZREM", KEYS[5], ARGV[2])
	elseif ARGV[5] == "1" then
		redis.call("ZADD", KEYS[5], 0, ARGV[2])
	elseif ARGV[6] ~= "" then
		redis.call("ZADD", KEYS[5], tonumber(ARGV[6]), ARGV[2])
	else
		redis.call("ZREM", KEYS[5], ARGV[2])
	end

	return 0
`)

// KEYS[1] - owner key
// KEYS[2] - instance key
// KEYS[3] - instance metadata key
// KEYS[4] - owner locks key
// ARGV[1] - owner id
// ARGV[2] - instance id
var loadInstanceCmd = redis.NewScript(`
	if redis.call("EXISTS", KEYS[1]) == 0 then
		return {1}
	end

	if redis.call("EXISTS", KEYS[2]) == 0 then
		return {4}
	end

	if redis.call("HGET", KEYS[2], "completed") == "1" then
		return {3}
	end

	local lockOwner = redis.call("HGET", KEYS[2], "lock_owner")
	if lockOwner and lockOwner ~= "" and lockOwner ~= ARGV[1] then
		return {2}
	end

	redis.call("HSET", KEYS[2], "lock_owner", ARGV[1])
	redis.call("SADD", KEYS[4], ARGV[2])

	return {0, ARGV[2], redis.call("HGET", KEYS[2], "data"), redis.call("HGETALL", KEYS[3])}
`)

// KEYS[1] - owner key
// KEYS[2] - owner locks key
// KEYS[3] - runnable key
// ARGV[1] - owner id
// ARGV[2] - now in unix milliseconds
// ARGV[3] - key prefix
var tryLoadRunnableCmd = redis.NewScript(`
	if redis.call("EXISTS", KEYS[1]) == 0 then
		return {1}
	end

	local hostType = redis.call("HGET", KEYS[1], "host_type")
	local ids = redis.call("ZRANGEBYSCORE", KEYS[3], "-inf", ARGV[2])
	for _, id in ipairs(ids) do
		local ik = ARGV[3] .. "instance:" .. id
		local lockOwner = redis.call("HGET", ik, "lock_owner")
		local instanceHostType = redis.call("HGET", ik, "host_type")
		if (not lockOwner or lockOwner == "") and (not hostType or hostType == "" or instanceHostType == hostType) then
			redis.call("HSET", ik, "lock_owner", ARGV[1])
			redis.call("SADD", KEYS[2], id)
			return {0, id, redis.call("HGET", ik, "data"), redis.call("HGETALL", ARGV[3] .. "instance-metadata:" .. id)}
		end
	end

	return {5}
`)

// KEYS[1] - instance key
// KEYS[2] - owner locks key
// ARGV[1] - owner id
// ARGV[2] - instance id
var unlockInstanceCmd = redis.NewScript(`
	if redis.call("EXISTS", KEYS[1]) == 0 then
		return 4
	end

	local lockOwner = redis.call("HGET", KEYS[1], "lock_owner")
	if not lockOwner or lockOwner == "" then
		return 0
	end

	if lockOwner ~= ARGV[1] then
		return 2
	end

	redis.call("HSET", KEYS[1], "lock_owner", "")
	redis.call("SREM", KEYS[2], ARGV[2])
	return 0
`)
