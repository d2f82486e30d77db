// Package redis stores sessions in Redis hashes. The owner's role flags are
// copied into the session hash at creation so role predicates are evaluated
// without a join; role flags do not change after an identity is created.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"staffportal/auth-service/internal/models"
	"staffportal/auth-service/internal/role"
	"staffportal/auth-service/internal/store"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

// ErrRedisUnavailable wraps transport failures from the Redis client.
var ErrRedisUnavailable = errors.New("redis unavailable")

const defaultPrefix = "portal:sess"

const createSessionScript = `
if redis.call("EXISTS", KEYS[1]) == 1 then
  return 0
end
redis.call("HSET", KEYS[1], unpack(ARGV, 3))
redis.call("ZADD", KEYS[2], ARGV[1], ARGV[2])
return 1
`

const touchSessionScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return false
end
if ARGV[1] ~= "" and redis.call("HGET", KEYS[1], ARGV[1]) ~= "1" then
  return false
end
redis.call("HSET", KEYS[1], "last_activity", ARGV[2])
redis.call("ZADD", KEYS[2], ARGV[3], ARGV[4])
return redis.call("HGETALL", KEYS[1])
`

const deleteSessionScript = `
local deleted = redis.call("DEL", KEYS[1])
redis.call("ZREM", KEYS[2], ARGV[1])
return deleted
`

const deleteIdleScript = `
local members = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", "(" .. ARGV[1])
local deleted = 0
for _, member in ipairs(members) do
  deleted = deleted + redis.call("DEL", ARGV[2] .. member)
  redis.call("ZREM", KEYS[1], member)
end
return deleted
`

var (
	createSessionLua = goredis.NewScript(createSessionScript)
	touchSessionLua  = goredis.NewScript(touchSessionScript)
	deleteSessionLua = goredis.NewScript(deleteSessionScript)
	deleteIdleLua    = goredis.NewScript(deleteIdleScript)
)

// Store implements store.SessionStore. DeleteIdleSessions derives keys inside
// a script and therefore requires a single-node Redis.
type Store struct {
	rdb    goredis.UniversalClient
	prefix string
}

func NewStore(rdb goredis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Store{rdb: rdb, prefix: prefix}
}

func (s *Store) sessionKeyPrefix() string {
	return s.prefix + ":"
}

func (s *Store) key(lookupID string) string {
	return s.sessionKeyPrefix() + lookupID
}

func (s *Store) activityKey() string {
	return s.prefix + "-activity"
}

func (s *Store) CreateSession(ctx context.Context, input store.CreateSessionInput) (models.Session, error) {
	session := models.Session{
		SessionID:    uuid.NewString(),
		UserID:       input.UserID,
		LookupID:     input.LookupID,
		TokenHash:    input.TokenHash,
		UserAgent:    input.Metadata.UserAgent,
		IPAddress:    input.Metadata.IPAddress,
		Roles:        input.Roles,
		LastActivity: input.Activity.UTC(),
		Created:      time.Now().UTC(),
	}

	args := []interface{}{score(session.LastActivity), session.LookupID}
	args = append(args,
		"session_id", session.SessionID,
		"user_id", strconv.FormatInt(session.UserID, 10),
		"token_hash", session.TokenHash,
		"user_agent", session.UserAgent,
		"ip_address", session.IPAddress,
		"last_activity", session.LastActivity.Format(time.RFC3339Nano),
		"created_at", session.Created.Format(time.RFC3339Nano),
	)
	for _, r := range role.All {
		args = append(args, r.Flag(), boolField(session.Roles.Has(r)))
	}

	created, err := createSessionLua.Run(ctx, s.rdb, []string{s.key(session.LookupID), s.activityKey()}, args...).Int()
	if err != nil {
		return models.Session{}, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if created == 0 {
		return models.Session{}, store.ErrDuplicateLookup
	}
	return session, nil
}

func (s *Store) FindSession(ctx context.Context, lookupID string, r role.Role) (models.Session, error) {
	fields, err := s.rdb.HGetAll(ctx, s.key(lookupID)).Result()
	if err != nil {
		return models.Session{}, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if len(fields) == 0 {
		return models.Session{}, store.ErrSessionNotFound
	}
	session, err := decodeSession(lookupID, fields)
	if err != nil {
		return models.Session{}, err
	}
	if !r.SatisfiedBy(session.Roles) {
		return models.Session{}, store.ErrSessionNotFound
	}
	return session, nil
}

func (s *Store) TouchSession(ctx context.Context, lookupID string, r role.Role, at time.Time) (models.Session, error) {
	at = at.UTC()
	values, err := touchSessionLua.Run(ctx, s.rdb,
		[]string{s.key(lookupID), s.activityKey()},
		r.Flag(), at.Format(time.RFC3339Nano), score(at), lookupID,
	).StringSlice()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return models.Session{}, store.ErrSessionNotFound
		}
		return models.Session{}, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	fields := make(map[string]string, len(values)/2)
	for i := 0; i+1 < len(values); i += 2 {
		fields[values[i]] = values[i+1]
	}
	return decodeSession(lookupID, fields)
}

func (s *Store) DeleteSession(ctx context.Context, lookupID string) error {
	deleted, err := deleteSessionLua.Run(ctx, s.rdb, []string{s.key(lookupID), s.activityKey()}, lookupID).Int()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if deleted == 0 {
		return store.ErrSessionNotFound
	}
	return nil
}

func (s *Store) DeleteIdleSessions(ctx context.Context, before time.Time) (int64, error) {
	deleted, err := deleteIdleLua.Run(ctx, s.rdb, []string{s.activityKey()}, score(before.UTC()), s.sessionKeyPrefix()).Int64()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return deleted, nil
}

func decodeSession(lookupID string, fields map[string]string) (models.Session, error) {
	userID, err := strconv.ParseInt(fields["user_id"], 10, 64)
	if err != nil {
		return models.Session{}, fmt.Errorf("decoding session user_id: %w", err)
	}
	lastActivity, err := time.Parse(time.RFC3339Nano, fields["last_activity"])
	if err != nil {
		return models.Session{}, fmt.Errorf("decoding session last_activity: %w", err)
	}
	created, err := time.Parse(time.RFC3339Nano, fields["created_at"])
	if err != nil {
		return models.Session{}, fmt.Errorf("decoding session created_at: %w", err)
	}

	var names []string
	for _, r := range role.All {
		if fields[r.Flag()] == "1" {
			names = append(names, r.Flag())
		}
	}

	return models.Session{
		SessionID:    fields["session_id"],
		UserID:       userID,
		LookupID:     lookupID,
		TokenHash:    fields["token_hash"],
		UserAgent:    fields["user_agent"],
		IPAddress:    fields["ip_address"],
		Roles:        role.FromFlagNames(names),
		LastActivity: lastActivity,
		Created:      created,
	}, nil
}

// score is the activity index score: unix milliseconds.
func score(t time.Time) int64 {
	return t.UnixMilli()
}

func boolField(v bool) string {
	if v {
		return "1"
	}
	return "0"
}
