package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("btdrop-registry")

const (
	sessionKeyPrefix = "btdrop:session:"
	fileKeyPrefix    = "btdrop:file:"

	// maxTxRetries bounds optimistic-lock retries for WATCH transactions.
	maxTxRetries = 16
)

// insertScript writes a session and its file index only if none of the keys
// exist yet. KEYS[1] is the session key, KEYS[2..] the file keys.
var insertScript = redis.NewScript(`
for i = 1, #KEYS do
	if redis.call("EXISTS", KEYS[i]) == 1 then
		return 0
	end
end
redis.call("SET", KEYS[1], ARGV[1])
for i = 2, #KEYS do
	redis.call("SET", KEYS[i], ARGV[2])
end
return 1
`)

// RedisStore implements Registry on Redis. Each session is one JSON value;
// file ids are indexed to their code. Keys carry no TTL: expiry is driven
// by the cleanup sweep so storage and metadata are removed together.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	return &RedisStore{client: client}, nil
}

func sessionKey(code string) string { return sessionKeyPrefix + code }
func fileKey(id string) string      { return fileKeyPrefix + id }

func (r *RedisStore) SaveSession(ctx context.Context, s *Session) error {
	ctx, span := tracer.Start(ctx, "redis.save_session",
		trace.WithAttributes(
			attribute.String("code", s.Code),
			attribute.Int("file_count", len(s.Files)),
		),
	)
	defer span.End()

	if err := s.Validate(); err != nil {
		return err
	}

	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	keys := []string{sessionKey(s.Code)}
	for _, f := range s.Files {
		keys = append(keys, fileKey(f.ID))
	}

	ok, err := insertScript.Run(ctx, r.client, keys, data, s.Code).Int()
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to save session: %w", err)
	}
	if ok == 0 {
		return ErrDuplicateCode
	}
	return nil
}

func (r *RedisStore) GetSession(ctx context.Context, code string) (*Session, error) {
	if !ValidCode(code) {
		return nil, ErrInvalidCode
	}

	ctx, span := tracer.Start(ctx, "redis.get_session",
		trace.WithAttributes(attribute.String("code", code)),
	)
	defer span.End()

	s, err := r.load(ctx, r.client, code)
	if err != nil && !errors.Is(err, ErrNotFound) {
		span.RecordError(err)
	}
	return s, err
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (r *RedisStore) load(ctx context.Context, c getter, code string) (*Session, error) {
	data, err := c.Get(ctx, sessionKey(code)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return decodeSession(data)
}

func decodeSession(data []byte) (*Session, error) {
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return &s, nil
}

func (r *RedisStore) GetFile(ctx context.Context, fileID string) (*FileRecord, error) {
	ctx, span := tracer.Start(ctx, "redis.get_file",
		trace.WithAttributes(attribute.String("file_id", fileID)),
	)
	defer span.End()

	code, err := r.client.Get(ctx, fileKey(fileID)).Result()
	if err == redis.Nil {
		return nil, ErrFileNotFound
	}
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to get file index: %w", err)
	}

	s, err := r.load(ctx, r.client, code)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrFileNotFound
	}
	if err != nil {
		return nil, err
	}
	f := s.FindFile(fileID)
	if f == nil {
		return nil, ErrFileNotFound
	}
	return f, nil
}

func (r *RedisStore) UpdateCounters(ctx context.Context, code string, upd CounterUpdate) error {
	if !ValidCode(code) {
		return ErrInvalidCode
	}
	if err := upd.validate(); err != nil {
		return err
	}

	ctx, span := tracer.Start(ctx, "redis.update_counters",
		trace.WithAttributes(
			attribute.String("code", code),
			attribute.String("file_id", upd.FileID),
		),
	)
	defer span.End()

	key := sessionKey(code)
	txf := func(tx *redis.Tx) error {
		s, err := r.load(ctx, tx, code)
		if err != nil {
			return err
		}

		var file *FileRecord
		if upd.FileID != "" {
			if file = s.FindFile(upd.FileID); file == nil {
				return ErrFileNotFound
			}
		}
		s.DownloadCount += upd.SessionDownloads
		if file != nil {
			file.DownloadCount += upd.FileDownloads
		}

		data, err := json.Marshal(s)
		if err != nil {
			return fmt.Errorf("failed to marshal session: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		return err
	}

	err := r.watch(ctx, txf, key)
	if err != nil && !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrFileNotFound) {
		span.RecordError(err)
	}
	return err
}

func (r *RedisStore) DeleteSession(ctx context.Context, code string) error {
	if !ValidCode(code) {
		return ErrInvalidCode
	}

	ctx, span := tracer.Start(ctx, "redis.delete_session",
		trace.WithAttributes(attribute.String("code", code)),
	)
	defer span.End()

	key := sessionKey(code)
	txf := func(tx *redis.Tx) error {
		s, err := r.load(ctx, tx, code)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		keys := []string{key}
		for _, f := range s.Files {
			keys = append(keys, fileKey(f.ID))
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, keys...)
			return nil
		})
		return err
	}

	if err := r.watch(ctx, txf, key); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// watch runs fn under WATCH on keys, retrying when another client changed
// them between read and commit.
func (r *RedisStore) watch(ctx context.Context, fn func(*redis.Tx) error, keys ...string) error {
	for i := 0; i < maxTxRetries; i++ {
		err := r.client.Watch(ctx, fn, keys...)
		if err != redis.TxFailedErr {
			return err
		}
	}
	return fmt.Errorf("redis transaction on %v: too much contention", keys)
}

func (r *RedisStore) ListExpiredSessions(ctx context.Context, now time.Time) ([]*Session, error) {
	all, err := r.ListSessions(ctx)
	if err != nil {
		return nil, err
	}

	var expired []*Session
	for _, s := range all {
		if s.IsExpired(now) {
			expired = append(expired, s)
		}
	}
	return expired, nil
}

func (r *RedisStore) ListSessions(ctx context.Context) ([]*Session, error) {
	ctx, span := tracer.Start(ctx, "redis.list_sessions")
	defer span.End()

	var keys []string
	iter := r.client.Scan(ctx, 0, sessionKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to scan sessions: %w", err)
	}
	span.SetAttributes(attribute.Int("session_count", len(keys)))

	sessions := make([]*Session, 0, len(keys))
	if len(keys) == 0 {
		return sessions, nil
	}

	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to load sessions: %w", err)
	}
	for _, v := range values {
		str, ok := v.(string)
		if !ok {
			// Deleted between SCAN and MGET.
			continue
		}
		s, err := decodeSession([]byte(str))
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	sortByUpload(sessions)
	return sessions, nil
}

func (r *RedisStore) CodeExists(ctx context.Context, code string) (bool, error) {
	if !ValidCode(code) {
		return false, ErrInvalidCode
	}
	n, err := r.client.Exists(ctx, sessionKey(code)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check code: %w", err)
	}
	return n > 0, nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
