package persistence

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
)

// RedisGraphStore is a GraphStore backed by Redis.
// It uses a simple key structure:
//
//	<prefix>graph:<name>:<version>  => gob-encoded graphPayload
//	<prefix>versions:<name>         => ZSET of versions scored by save time
//
// Versions saved within the same millisecond are ordered by name.
type RedisGraphStore struct {
	client *redis.Client
	prefix string
}

var _ GraphStore = (*RedisGraphStore)(nil)

// NewRedisGraphStore creates a RedisGraphStore.
// prefix is optional but recommended (e.g. "arcflow:").
func NewRedisGraphStore(client *redis.Client, prefix string) *RedisGraphStore {
	if prefix == "" {
		prefix = "arcflow:"
	}
	return &RedisGraphStore{
		client: client,
		prefix: prefix,
	}
}

func (s *RedisGraphStore) keyGraph(name, version string) string {
	return s.prefix + "graph:" + name + ":" + version
}

func (s *RedisGraphStore) keyVersions(name string) string {
	return s.prefix + "versions:" + name
}

func (s *RedisGraphStore) SaveGraph(ctx context.Context, rec GraphRecord) error {
	data, err := EncodeRecord(rec)
	if err != nil {
		return err
	}

	ok, err := s.client.SetNX(ctx, s.keyGraph(rec.Name, rec.Version), data, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrGraphExists
	}

	return s.client.ZAdd(ctx, s.keyVersions(rec.Name), redis.Z{
		Score:  float64(rec.CreatedAt.UnixMilli()),
		Member: rec.Version,
	}).Err()
}

func (s *RedisGraphStore) GetGraph(ctx context.Context, name, version string) (GraphRecord, error) {
	data, err := s.client.Get(ctx, s.keyGraph(name, version)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return GraphRecord{}, ErrGraphNotFound
		}
		return GraphRecord{}, err
	}
	return DecodeRecord(data)
}

func (s *RedisGraphStore) GetLatestGraph(ctx context.Context, name string) (GraphRecord, error) {
	latest, err := s.client.ZRevRange(ctx, s.keyVersions(name), 0, 0).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return GraphRecord{}, err
	}
	if len(latest) == 0 {
		return GraphRecord{}, ErrGraphNotFound
	}
	return s.GetGraph(ctx, name, latest[0])
}

func (s *RedisGraphStore) ListGraphVersions(ctx context.Context, name string) ([]string, error) {
	versions, err := s.client.ZRange(ctx, s.keyVersions(name), 0, -1).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []string{}, nil
		}
		return nil, err
	}
	return versions, nil
}
