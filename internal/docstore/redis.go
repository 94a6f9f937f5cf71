package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"projectlens/internal/domain"
	"projectlens/internal/metadata"

	"github.com/redis/go-redis/v9"
)

const (
	docPrefix  = "projectlens:doc:"
	textPrefix = "projectlens:text:"
	metaPrefix = "projectlens:meta:"
	lockPrefix = "projectlens:lock:"
	docIndex   = "projectlens:docs" // sorted set of ids scored by creation time
)

// Redis keeps documents in Redis so several servers and CLI workers share
// status and locks.
type Redis struct {
	client  *redis.Client
	ownerID string
}

// NewRedis wraps an existing client.
func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client, ownerID: ownerID()}
}

// DialRedis connects to addr and pings it.
func DialRedis(ctx context.Context, addr, password string, db int) (*Redis, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedis(client), nil
}

func (s *Redis) Save(ctx context.Context, doc *domain.Document) error {
	touch(doc, time.Now())
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal document: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, docPrefix+doc.ID, data, 0)
	pipe.ZAdd(ctx, docIndex, redis.Z{Score: float64(doc.CreatedAt.UnixNano()), Member: doc.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save document: %w", err)
	}
	return nil
}

func (s *Redis) Get(ctx context.Context, id string) (*domain.Document, error) {
	data, err := s.client.Get(ctx, docPrefix+id).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("document %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	var doc domain.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal document: %w", err)
	}
	return &doc, nil
}

func (s *Redis) List(ctx context.Context) ([]domain.Document, error) {
	ids, err := s.client.ZRevRange(ctx, docIndex, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	docs, err := s.load(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Document, 0, len(docs))
	for _, d := range docs {
		if d != nil {
			out = append(out, *d)
		}
	}
	sortNewestFirst(out)
	return out, nil
}

// load fetches documents with MGET; missing ids yield nil entries.
func (s *Redis) load(ctx context.Context, ids []string) ([]*domain.Document, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = docPrefix + id
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get documents: %w", err)
	}
	out := make([]*domain.Document, len(ids))
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var doc domain.Document
		if err := json.Unmarshal([]byte(str), &doc); err != nil {
			return nil, fmt.Errorf("failed to unmarshal document %s: %w", ids[i], err)
		}
		out[i] = &doc
	}
	return out, nil
}

func (s *Redis) Delete(ctx context.Context, id string) error {
	pipe := s.client.TxPipeline()
	del := pipe.Del(ctx, docPrefix+id, textPrefix+id, metaPrefix+id)
	pipe.ZRem(ctx, docIndex, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	if del.Val() == 0 {
		return fmt.Errorf("document %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (s *Redis) AreVectorized(ctx context.Context, ids []string) (map[string]bool, error) {
	docs, err := s.load(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(ids))
	for i, id := range ids {
		out[id] = docs[i] != nil && docs[i].Vectorized
	}
	return out, nil
}

func (s *Redis) SaveText(ctx context.Context, id, text string) error {
	if err := s.client.Set(ctx, textPrefix+id, text, 0).Err(); err != nil {
		return fmt.Errorf("failed to save text: %w", err)
	}
	return nil
}

func (s *Redis) Text(ctx context.Context, id string) (string, error) {
	text, err := s.client.Get(ctx, textPrefix+id).Result()
	if err == redis.Nil {
		return "", fmt.Errorf("text %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("failed to get text: %w", err)
	}
	return text, nil
}

func (s *Redis) SaveMetadata(ctx context.Context, id string, res *metadata.Result) error {
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if err := s.client.Set(ctx, metaPrefix+id, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save metadata: %w", err)
	}
	return nil
}

func (s *Redis) Metadata(ctx context.Context, id string) (*metadata.Result, error) {
	data, err := s.client.Get(ctx, metaPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("metadata %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get metadata: %w", err)
	}
	var res metadata.Result
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
	}
	return &res, nil
}

// Acquire uses SETNX with a TTL; the owner id guards Release.
func (s *Redis) Acquire(ctx context.Context, id string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, lockPrefix+id, s.ownerID, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", id, err)
	}
	return ok, nil
}

var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

// Release deletes the lock only if this store holds it.
func (s *Redis) Release(ctx context.Context, id string) error {
	_, err := releaseScript.Run(ctx, s.client, []string{lockPrefix + id}, s.ownerID).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("release lock %s: %w", id, err)
	}
	return nil
}

func (s *Redis) Close() error { return s.client.Close() }
