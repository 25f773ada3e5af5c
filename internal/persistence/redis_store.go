package persistence

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/petrijr/conductor/pkg/api"
)

// RedisStore implements InstanceStore, HistoryStore and EntityStore on Redis.
// It uses a simple key structure:
//
//	<prefix>inst:<id>                 => msgpack-encoded redisInstancePayload
//	<prefix>idx:all                   => SET of all instance IDs
//	<prefix>idx:name:<orchestrator>   => SET of instance IDs for an orchestrator
//	<prefix>idx:status:<status>       => SET of instance IDs for a status
//	<prefix>hist:<id>:<execution>     => LIST of msgpack-encoded history events
//	<prefix>ent:<type>:<key>          => msgpack-encoded redisEntityPayload
//	<prefix>idx:ent:<type>            => SET of entity keys for a type
//
// History appends are guarded with WATCH on the history list, so a
// concurrent append for the same execution yields ErrConflict.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// Ensure RedisStore implements the interfaces.
var (
	_ InstanceStore = (*RedisStore)(nil)
	_ HistoryStore  = (*RedisStore)(nil)
	_ EntityStore   = (*RedisStore)(nil)
)

var allStatuses = []api.Status{
	api.StatusRunning,
	api.StatusCompleted,
	api.StatusFailed,
	api.StatusContinuedAsNew,
	api.StatusTerminated,
}

type redisInstancePayload struct {
	ID           string `msgpack:"id"`
	Name         string `msgpack:"name"`
	Execution    int    `msgpack:"execution"`
	Status       string `msgpack:"status"`
	Input        []byte `msgpack:"input,omitempty"`
	Output       []byte `msgpack:"output,omitempty"`
	CustomStatus []byte `msgpack:"custom_status,omitempty"`
	Failure      []byte `msgpack:"failure,omitempty"`
	CreatedAt    int64  `msgpack:"created_at"`
	UpdatedAt    int64  `msgpack:"updated_at"`

	Buffered map[string][]byte `msgpack:"buffered,omitempty"`
}

type redisEntityPayload struct {
	State     []byte `msgpack:"state,omitempty"`
	UpdatedAt int64  `msgpack:"updated_at"`
}

// NewRedisStore creates a RedisStore.
// prefix is optional but recommended (e.g. "conductor:").
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "conductor:"
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
	}
}

// NewRedisPersistence returns a Persistence backed by a single RedisStore.
func NewRedisPersistence(client *redis.Client, prefix string) *Persistence {
	s := NewRedisStore(client, prefix)
	return &Persistence{Instances: s, History: s, Entities: s}
}

func (s *RedisStore) keyInstance(id string) string {
	return s.prefix + "inst:" + id
}

func (s *RedisStore) keyAll() string {
	return s.prefix + "idx:all"
}

func (s *RedisStore) keyName(name string) string {
	return s.prefix + "idx:name:" + name
}

func (s *RedisStore) keyStatus(status api.Status) string {
	return s.prefix + "idx:status:" + string(status)
}

func (s *RedisStore) keyHistory(id string, execution int) string {
	return s.prefix + "hist:" + id + ":" + strconv.Itoa(execution)
}

func (s *RedisStore) keyEntity(id api.EntityID) string {
	return s.prefix + "ent:" + id.Type + ":" + id.Key
}

func (s *RedisStore) keyEntityIndex(entityType string) string {
	return s.prefix + "idx:ent:" + entityType
}

func encodeRedisInstance(rec *InstanceRecord) ([]byte, error) {
	failure, err := EncodeFailure(rec.Failure)
	if err != nil {
		return nil, err
	}
	return msgpack.Marshal(&redisInstancePayload{
		ID:           rec.ID,
		Name:         rec.Name,
		Execution:    rec.Execution,
		Status:       string(rec.Status),
		Input:        rec.Input,
		Output:       rec.Output,
		CustomStatus: rec.CustomStatus,
		Failure:      failure,
		CreatedAt:    unixNano(rec.CreatedAt),
		UpdatedAt:    unixNano(rec.UpdatedAt),
		Buffered:     rec.Buffered,
	})
}

func decodeRedisInstance(data []byte) (*InstanceRecord, error) {
	var p redisInstancePayload
	if err := msgpack.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	failure, err := DecodeFailure(p.Failure)
	if err != nil {
		return nil, err
	}
	return &InstanceRecord{
		ID:           p.ID,
		Name:         p.Name,
		Execution:    p.Execution,
		Status:       api.Status(p.Status),
		Input:        p.Input,
		Output:       p.Output,
		CustomStatus: p.CustomStatus,
		Failure:      failure,
		CreatedAt:    fromUnixNano(p.CreatedAt),
		UpdatedAt:    fromUnixNano(p.UpdatedAt),
		Buffered:     p.Buffered,
	}, nil
}

func (s *RedisStore) indexInstance(ctx context.Context, rec *InstanceRecord) error {
	pipe := s.client.TxPipeline()
	pipe.SAdd(ctx, s.keyAll(), rec.ID)
	pipe.SAdd(ctx, s.keyName(rec.Name), rec.ID)
	for _, st := range allStatuses {
		if st != rec.Status {
			pipe.SRem(ctx, s.keyStatus(st), rec.ID)
		}
	}
	pipe.SAdd(ctx, s.keyStatus(rec.Status), rec.ID)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) CreateInstance(ctx context.Context, rec *InstanceRecord) error {
	data, err := encodeRedisInstance(rec)
	if err != nil {
		return err
	}
	ok, err := s.client.SetNX(ctx, s.keyInstance(rec.ID), data, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrInstanceExists
	}
	return s.indexInstance(ctx, rec)
}

func (s *RedisStore) UpdateInstance(ctx context.Context, rec *InstanceRecord) error {
	data, err := encodeRedisInstance(rec)
	if err != nil {
		return err
	}
	ok, err := s.client.SetXX(ctx, s.keyInstance(rec.ID), data, redis.KeepTTL).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrInstanceNotFound
	}
	return s.indexInstance(ctx, rec)
}

func (s *RedisStore) GetInstance(ctx context.Context, id string) (*InstanceRecord, error) {
	data, err := s.client.Get(ctx, s.keyInstance(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrInstanceNotFound
		}
		return nil, err
	}
	return decodeRedisInstance(data)
}

func (s *RedisStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*InstanceRecord, error) {
	var ids []string
	var err error

	switch {
	case filter.Name != "" && filter.Status != "":
		ids, err = s.client.SInter(ctx, s.keyName(filter.Name), s.keyStatus(filter.Status)).Result()
	case filter.Name != "":
		ids, err = s.client.SMembers(ctx, s.keyName(filter.Name)).Result()
	case filter.Status != "":
		ids, err = s.client.SMembers(ctx, s.keyStatus(filter.Status)).Result()
	default:
		ids, err = s.client.SMembers(ctx, s.keyAll()).Result()
	}
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Get(ctx, s.keyInstance(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	var out []*InstanceRecord
	for _, cmd := range cmds {
		data, err := cmd.Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, err
		}
		rec, err := decodeRedisInstance(data)
		if err != nil {
			return nil, err
		}
		// Index sets are maintained per write; the payload stays authoritative.
		if !filter.matches(rec.Name, rec.Status) {
			continue
		}
		out = append(out, rec)
	}
	sortInstances(out)
	return out, nil
}

func (s *RedisStore) AppendEvents(ctx context.Context, instanceID string, execution int, events []api.HistoryEvent) error {
	if len(events) == 0 {
		return nil
	}
	blobs := make([]any, len(events))
	for i, ev := range events {
		data, err := EncodeEvent(ev)
		if err != nil {
			return err
		}
		blobs[i] = data
	}

	key := s.keyHistory(instanceID, execution)
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.LLen(ctx, key).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if err := checkSequence(int(n), events); err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.RPush(ctx, key, blobs...)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return ErrConflict
	}
	return err
}

func (s *RedisStore) LoadHistory(ctx context.Context, instanceID string, execution int) ([]api.HistoryEvent, error) {
	raw, err := s.client.LRange(ctx, s.keyHistory(instanceID, execution), 0, -1).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]api.HistoryEvent, 0, len(raw))
	for _, item := range raw {
		ev, err := DecodeEvent([]byte(item))
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}

func (s *RedisStore) LoadEntity(ctx context.Context, id api.EntityID) (*EntityRecord, error) {
	data, err := s.client.Get(ctx, s.keyEntity(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrEntityNotFound
		}
		return nil, err
	}
	var p redisEntityPayload
	if err := msgpack.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return &EntityRecord{ID: id, State: p.State, UpdatedAt: fromUnixNano(p.UpdatedAt)}, nil
}

func (s *RedisStore) SaveEntity(ctx context.Context, rec *EntityRecord) error {
	data, err := msgpack.Marshal(&redisEntityPayload{State: rec.State, UpdatedAt: unixNano(rec.UpdatedAt)})
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.keyEntity(rec.ID), data, 0)
	pipe.SAdd(ctx, s.keyEntityIndex(rec.ID.Type), rec.ID.Key)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) DeleteEntity(ctx context.Context, id api.EntityID) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.keyEntity(id))
	pipe.SRem(ctx, s.keyEntityIndex(id.Type), id.Key)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) ListEntities(ctx context.Context, entityType string) ([]*EntityRecord, error) {
	keys, err := s.client.SMembers(ctx, s.keyEntityIndex(entityType)).Result()
	if err != nil {
		return nil, err
	}
	sortStrings(keys)

	var out []*EntityRecord
	for _, key := range keys {
		rec, err := s.LoadEntity(ctx, api.EntityID{Type: entityType, Key: key})
		if errors.Is(err, ErrEntityNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// redisOpTimeout bounds the initial ping in NewRedisStoreFromURL.
const redisOpTimeout = 5 * time.Second

// NewRedisStoreFromURL parses a redis:// URL, pings the server and returns a store.
func NewRedisStoreFromURL(ctx context.Context, url, prefix string) (*RedisStore, *redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, nil, err
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	return NewRedisStore(client, prefix), client, nil
}
